package room

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	dbpkg "github.com/nekomoe/bilirec/db"
	"github.com/nekomoe/bilirec/event"
	"github.com/nekomoe/bilirec/telemetry"
)

// CaptureRunner runs the external capture process until the stream ends or
// ctx is canceled. Implementations must finalize the output file on
// cancellation when possible; a truncated file is valid output.
type CaptureRunner interface {
	Run(ctx context.Context, streamURL, outPath string) error
}

// FFmpegCapture captures a live stream with ffmpeg stream copy. Cancellation
// writes 'q' to ffmpeg's stdin so it flushes and closes the container before
// exiting; a hard kill follows if it ignores the request.
type FFmpegCapture struct {
	Path string // ffmpeg binary, defaults to "ffmpeg"
}

func (f FFmpegCapture) Run(ctx context.Context, streamURL, outPath string) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-user_agent", "Mozilla/5.0",
		"-i", streamURL,
		"-c", "copy",
		"-f", "flv",
		"-y", outPath,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	// Graceful stop: ask ffmpeg to quit so it writes the trailer; escalate to
	// SIGKILL via WaitDelay if it doesn't exit in time.
	cmd.Cancel = func() error {
		_, werr := io.WriteString(stdin, "q")
		return werr
	}
	cmd.WaitDelay = 10 * time.Second
	if err := cmd.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ffmpeg capture: %w", err)
	}
	return nil
}

// Recorder captures one live session of a room to a file. One Recorder per
// Start; it is not reused.
type Recorder struct {
	room   *State
	bus    *event.Bus
	runner CaptureRunner
	dbc    *sql.DB // optional; recording rows are best effort

	outPath string
	recID   int64

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newRecorder(room *State, bus *event.Bus, runner CaptureRunner, dbc *sql.DB) *Recorder {
	return &Recorder{room: room, bus: bus, runner: runner, dbc: dbc, done: make(chan struct{})}
}

// start launches the capture in the background and returns immediately.
// ctx is the owning monitor's context: stopping the monitor cascades here.
func (r *Recorder) start(ctx context.Context, streamURL, recordDir string) error {
	sub := r.room.UserName()
	if sub == "" {
		sub = fmt.Sprintf("%d", r.room.RoomID)
	}
	dir := filepath.Join(recordDir, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir record dir: %w", err)
	}
	r.outPath = filepath.Join(dir, fmt.Sprintf("%d_%s.flv", r.room.RoomID, time.Now().Format("20060102_150405")))

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.dbc != nil {
		if id, err := dbpkg.InsertRecording(ctx, r.dbc, r.room.RoomID, r.outPath); err != nil {
			slog.Warn("insert recording row", slog.Int64("room_id", r.room.RoomID), slog.Any("err", err))
		} else {
			r.recID = id
		}
	}

	telemetry.RecordingsStarted.Inc()
	telemetry.ActiveRecorders.Inc()
	r.log(fmt.Sprintf("recording started: %s", r.outPath))
	started := time.Now()

	go func() {
		defer close(r.done)
		defer telemetry.ActiveRecorders.Dec()
		err := r.runner.Run(runCtx, streamURL, r.outPath)
		r.finish(err, time.Since(started))
	}()
	return nil
}

// finish runs exactly once per Start via r.once inside complete(); it decides
// between completion (a usable file exists, possibly truncated) and failure.
func (r *Recorder) finish(runErr error, dur time.Duration) {
	if runErr != nil {
		telemetry.RecordingsFailed.Inc()
		slog.Error("capture process failed",
			slog.Int64("room_id", r.room.RoomID), slog.String("path", r.outPath), slog.Any("err", runErr))
		r.log(fmt.Sprintf("recording failed: %v", runErr))
		if r.dbc != nil && r.recID != 0 {
			_ = dbpkg.FailRecording(context.Background(), r.dbc, r.recID, runErr.Error())
		}
		return
	}
	if fi, err := os.Stat(r.outPath); err != nil || fi.Size() == 0 {
		r.log("recording produced no data, skipping completion")
		if r.dbc != nil && r.recID != 0 {
			_ = dbpkg.FailRecording(context.Background(), r.dbc, r.recID, "no data written")
		}
		return
	}
	r.complete(dur)
}

// complete emits the single completion event for this recorder.
func (r *Recorder) complete(dur time.Duration) {
	r.once.Do(func() {
		telemetry.RecordingsCompleted.Inc()
		if telemetry.RecordingDuration != nil {
			telemetry.RecordingDuration.Observe(dur.Seconds())
		}
		if r.dbc != nil && r.recID != 0 {
			_ = dbpkg.CompleteRecording(context.Background(), r.dbc, r.recID, r.outPath)
		}
		r.log(fmt.Sprintf("recording completed: %s", r.outPath))
		r.bus.Publish(event.Event{Kind: event.KindRecordCompleted, RoomID: r.room.RoomID, Room: r.room, Payload: r.outPath})
	})
}

// stop requests capture termination and waits for the capture goroutine to
// flush, close and report. Safe to call multiple times.
func (r *Recorder) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.done
}

func (r *Recorder) log(msg string) {
	r.bus.Publish(event.Event{Kind: event.KindLog, RoomID: r.room.RoomID, Room: r.room, Payload: msg})
}
