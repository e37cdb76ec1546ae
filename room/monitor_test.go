package room

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nekomoe/bilirec/biliapi"
	"github.com/nekomoe/bilirec/event"
	"github.com/nekomoe/bilirec/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.Init()
	os.Exit(m.Run())
}

type fakeAPI struct {
	mu      sync.Mutex
	info    biliapi.RoomInfo
	infoErr error
	playURL string
	playErr error

	infoCalls int32
	playCalls int32
}

func (f *fakeAPI) set(info biliapi.RoomInfo, err error) {
	f.mu.Lock()
	f.info, f.infoErr = info, err
	f.mu.Unlock()
}

func (f *fakeAPI) GetRoomInfo(ctx context.Context, roomID int64) (*biliapi.RoomInfo, error) {
	atomic.AddInt32(&f.infoCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.infoErr != nil {
		return nil, f.infoErr
	}
	info := f.info
	return &info, nil
}

func (f *fakeAPI) GetPlayURL(ctx context.Context, roomID int64) (string, error) {
	atomic.AddInt32(&f.playCalls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playErr != nil {
		return "", f.playErr
	}
	url := f.playURL
	if url == "" {
		url = "http://cdn.example/stream.flv"
	}
	return url, nil
}

// fakeRunner writes a small payload to outPath and blocks until cancellation,
// mimicking a capture that ends when the monitor stops it.
type fakeRunner struct {
	runs    int32
	started chan struct{} // closed on first Run
	once    sync.Once
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context, streamURL, outPath string) error {
	atomic.AddInt32(&f.runs, 1)
	if err := os.WriteFile(outPath, []byte("flvdata"), 0o644); err != nil {
		return err
	}
	f.once.Do(func() { close(f.started) })
	<-ctx.Done()
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func liveInfo(live bool, title string) biliapi.RoomInfo {
	return biliapi.RoomInfo{RoomID: 42, ShortID: 4, UserName: "streamer", Title: title, IsLive: live}
}

func TestCheckStartsRecorderExactlyOnce(t *testing.T) {
	api := &fakeAPI{}
	api.set(liveInfo(true, "hello"), nil)
	runner := newFakeRunner()
	bus := event.NewBus()
	defer bus.Close()

	st := NewState(42, 4, "streamer", "hello")
	m := NewMonitor(st, api, bus, nil, runner, t.TempDir(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two concurrent checks must observe the offline-to-live transition once.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Check(ctx, TriggerTimer)
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return atomic.LoadInt32(&runner.runs) == 1 }, "capture never started")
	if !m.Recording() {
		t.Fatal("monitor should report an active recording")
	}
	if !st.IsLive() {
		t.Fatal("state should be live")
	}

	// A third check while already live must not start a second capture.
	m.Check(ctx, TriggerManual)
	if n := atomic.LoadInt32(&runner.runs); n != 1 {
		t.Fatalf("runner started %d times, want 1", n)
	}
	m.stopRecorder()
}

func TestCheckStopsRecorderWhenOffline(t *testing.T) {
	api := &fakeAPI{}
	api.set(liveInfo(true, "hello"), nil)
	runner := newFakeRunner()
	bus := event.NewBus()
	defer bus.Close()

	var completed atomic.Int32
	bus.Subscribe(42, event.KindRecordCompleted, func(ev event.Event) {
		completed.Add(1)
	})

	st := NewState(42, 4, "streamer", "hello")
	m := NewMonitor(st, api, bus, nil, runner, t.TempDir(), time.Hour)
	ctx := context.Background()

	m.Check(ctx, TriggerTimer)
	<-runner.started

	api.set(liveInfo(false, "hello"), nil)
	m.Check(ctx, TriggerTimer)

	if m.Recording() {
		t.Fatal("recorder should be stopped after going offline")
	}
	waitFor(t, func() bool { return completed.Load() == 1 }, "expected one completion event")
}

func TestCheckPublishesTitleChange(t *testing.T) {
	api := &fakeAPI{}
	api.set(liveInfo(false, "before"), nil)
	bus := event.NewBus()
	defer bus.Close()

	titles := make(chan string, 4)
	bus.Subscribe(42, event.KindTitleChanged, func(ev event.Event) {
		titles <- ev.Payload
	})

	st := NewState(42, 4, "streamer", "before")
	m := NewMonitor(st, api, bus, nil, newFakeRunner(), t.TempDir(), time.Hour)
	ctx := context.Background()

	m.Check(ctx, TriggerTimer) // same title, no event
	api.set(liveInfo(false, "after"), nil)
	m.Check(ctx, TriggerTimer)

	select {
	case got := <-titles:
		if got != "after" {
			t.Fatalf("title payload = %q, want %q", got, "after")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no title change event delivered")
	}
	select {
	case got := <-titles:
		t.Fatalf("unexpected extra title event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
	if st.Title() != "after" {
		t.Fatalf("state title = %q", st.Title())
	}
}

func TestCheckTransientErrorKeepsState(t *testing.T) {
	api := &fakeAPI{}
	api.set(liveInfo(true, "hello"), nil)
	runner := newFakeRunner()
	bus := event.NewBus()
	defer bus.Close()

	st := NewState(42, 4, "streamer", "hello")
	m := NewMonitor(st, api, bus, nil, runner, t.TempDir(), time.Hour)
	ctx := context.Background()

	m.Check(ctx, TriggerTimer)
	<-runner.started

	// A transient failure must not be treated as the room going offline.
	api.set(biliapi.RoomInfo{}, errors.New("connection reset"))
	m.Check(ctx, TriggerTimer)

	if !st.IsLive() {
		t.Fatal("transient error flipped live state")
	}
	if !m.Recording() {
		t.Fatal("transient error stopped the recorder")
	}
	m.stopRecorder()
}

func TestMonitorStopCascadesToRecorder(t *testing.T) {
	api := &fakeAPI{}
	api.set(liveInfo(true, "hello"), nil)
	runner := newFakeRunner()
	bus := event.NewBus()
	defer bus.Close()

	var completed atomic.Int32
	bus.Subscribe(42, event.KindRecordCompleted, func(ev event.Event) {
		completed.Add(1)
	})

	st := NewState(42, 4, "streamer", "hello")
	m := NewMonitor(st, api, bus, nil, runner, t.TempDir(), time.Hour)
	m.Start(context.Background(), TriggerStartup)
	<-runner.started

	m.Stop()

	if m.Recording() {
		t.Fatal("recording still active after Stop")
	}
	waitFor(t, func() bool { return completed.Load() == 1 }, "expected completion event after Stop")
	calls := atomic.LoadInt32(&api.infoCalls)
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&api.infoCalls) != calls {
		t.Fatal("status checks continued after Stop")
	}
}

func TestPokeTriggersImmediateCheck(t *testing.T) {
	api := &fakeAPI{}
	api.set(liveInfo(false, "hello"), nil)
	bus := event.NewBus()
	defer bus.Close()

	st := NewState(42, 4, "streamer", "hello")
	m := NewMonitor(st, api, bus, nil, newFakeRunner(), t.TempDir(), time.Hour)
	m.Start(context.Background(), TriggerStartup)
	defer m.Stop()

	waitFor(t, func() bool { return atomic.LoadInt32(&api.infoCalls) >= 1 }, "startup check never ran")
	m.Poke(TriggerManual)
	waitFor(t, func() bool { return atomic.LoadInt32(&api.infoCalls) >= 2 }, "manual poke never checked")
}
