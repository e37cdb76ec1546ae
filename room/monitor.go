package room

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nekomoe/bilirec/biliapi"
	dbpkg "github.com/nekomoe/bilirec/db"
	"github.com/nekomoe/bilirec/event"
	"github.com/nekomoe/bilirec/telemetry"
)

// StatusAPI is the slice of the live API a monitor needs; satisfied by
// *biliapi.Client and mocked in tests.
type StatusAPI interface {
	GetRoomInfo(ctx context.Context, roomID int64) (*biliapi.RoomInfo, error)
	GetPlayURL(ctx context.Context, roomID int64) (string, error)
}

// Monitor polls one room's live status and owns the room's Recorder:
// stopping the monitor always stops the capture it started.
type Monitor struct {
	room      *State
	api       StatusAPI
	bus       *event.Bus
	dbc       *sql.DB
	runner    CaptureRunner
	recordDir string
	interval  time.Duration

	manual chan Trigger
	cancel context.CancelFunc
	done   chan struct{}

	// recMu guards recorder hand-off between the check path and Stop.
	recMu    sync.Mutex
	recorder *Recorder
}

// NewMonitor wires a monitor for a room. dbc may be nil (status rows are
// then not persisted, used by tests).
func NewMonitor(room *State, api StatusAPI, bus *event.Bus, dbc *sql.DB, runner CaptureRunner, recordDir string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		room:      room,
		api:       api,
		bus:       bus,
		dbc:       dbc,
		runner:    runner,
		recordDir: recordDir,
		interval:  interval,
		manual:    make(chan Trigger, 1),
	}
}

// Start begins the polling loop. The first check runs immediately with the
// given trigger (startup reconcile on boot, manual on explicit add).
func (m *Monitor) Start(ctx context.Context, first Trigger) {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	telemetry.ActiveMonitors.Inc()
	go m.loop(runCtx, first)
}

func (m *Monitor) loop(ctx context.Context, first Trigger) {
	defer close(m.done)
	defer telemetry.ActiveMonitors.Dec()
	// Stopping the monitor must never leave an active capture behind.
	defer m.stopRecorder()

	slog.Info("monitor starting", slog.Int64("room_id", m.room.RoomID), slog.Duration("interval", m.interval))
	m.Check(ctx, first)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("monitor stopped", slog.Int64("room_id", m.room.RoomID))
			return
		case trig := <-m.manual:
			m.Check(ctx, trig)
		case <-ticker.C:
			m.Check(ctx, TriggerTimer)
		}
	}
}

// Poke requests an immediate out-of-band check. Non-blocking; a poke that
// arrives while one is already queued is folded into it.
func (m *Monitor) Poke(trig Trigger) {
	select {
	case m.manual <- trig:
	default:
	}
}

// Stop cancels the loop and waits until it has exited, recorder included.
// After Stop returns no further status queries or events are issued.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// Check performs one idempotent status poll. Concurrent invocations for the
// same room serialize on the room's mutex, so the offline-to-live transition
// is actionable exactly once: the second check simply observes "already live".
func (m *Monitor) Check(ctx context.Context, trig Trigger) {
	if ctx.Err() != nil {
		return
	}
	telemetry.StatusChecks.Inc()
	info, err := m.api.GetRoomInfo(ctx, m.room.RoomID)
	if err != nil {
		telemetry.StatusCheckErrors.Inc()
		if biliapi.IsTransient(err) {
			// Transient API trouble: log and let the next tick retry.
			slog.Debug("status check failed", slog.Int64("room_id", m.room.RoomID), slog.String("trigger", trig.String()), slog.Any("err", err))
		} else {
			slog.Warn("room no longer resolves", slog.Int64("room_id", m.room.RoomID), slog.Any("err", err))
			m.log(fmt.Sprintf("status check failed: %v", err))
		}
		return
	}

	m.room.mu.Lock()
	m.room.lastChecked = time.Now()
	titleChanged := info.Title != m.room.title
	wentLive := info.IsLive && !m.room.isLive
	wentOffline := !info.IsLive && m.room.isLive
	m.room.title = info.Title
	if info.UserName != "" {
		m.room.userName = info.UserName
	}
	m.room.isLive = info.IsLive
	m.room.mu.Unlock()

	if m.dbc != nil {
		if err := dbpkg.UpdateRoomStatus(ctx, m.dbc, m.room.RoomID, info.Title, info.IsLive); err != nil {
			slog.Warn("update room status", slog.Int64("room_id", m.room.RoomID), slog.Any("err", err))
		}
	}

	// Title changes are reported independently of the live transition,
	// compared case-sensitively by value.
	if titleChanged {
		m.bus.Publish(event.Event{Kind: event.KindTitleChanged, RoomID: m.room.RoomID, Room: m.room, Payload: info.Title})
	}

	switch {
	case wentLive:
		m.log(fmt.Sprintf("went live (%s): %s", trig, info.Title))
		m.bus.Publish(event.Event{Kind: event.KindNotify, RoomID: m.room.RoomID, Room: m.room, Payload: info.Title})
		m.startRecorder(ctx)
	case wentOffline:
		m.log(fmt.Sprintf("went offline (%s)", trig))
		m.stopRecorder()
	}
}

func (m *Monitor) startRecorder(ctx context.Context) {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	if m.recorder != nil {
		return // at most one recorder per room
	}
	streamURL, err := m.api.GetPlayURL(ctx, m.room.RoomID)
	if err != nil {
		slog.Warn("resolve play url failed", slog.Int64("room_id", m.room.RoomID), slog.Any("err", err))
		m.log(fmt.Sprintf("could not resolve stream url: %v", err))
		return
	}
	rec := newRecorder(m.room, m.bus, m.runner, m.dbc)
	if err := rec.start(ctx, streamURL, m.recordDir); err != nil {
		slog.Error("start recorder failed", slog.Int64("room_id", m.room.RoomID), slog.Any("err", err))
		m.log(fmt.Sprintf("could not start recorder: %v", err))
		return
	}
	m.recorder = rec
}

func (m *Monitor) stopRecorder() {
	m.recMu.Lock()
	rec := m.recorder
	m.recorder = nil
	m.recMu.Unlock()
	if rec != nil {
		rec.stop()
	}
}

// Recording reports whether a capture is currently active.
func (m *Monitor) Recording() bool {
	m.recMu.Lock()
	defer m.recMu.Unlock()
	return m.recorder != nil
}

func (m *Monitor) log(msg string) {
	m.bus.Publish(event.Event{Kind: event.KindLog, RoomID: m.room.RoomID, Room: m.room, Payload: msg})
}
