// Package convert runs post-processing jobs on finished recordings: container
// conversion of a whole file and extraction of a clip from one. Jobs run as
// cancellable ffmpeg stream copies; no re-encode is ever performed.
package convert

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nekomoe/bilirec/telemetry"
)

// Kind distinguishes the two job types.
type Kind int

const (
	KindConvert Kind = iota
	KindSplit
)

func (k Kind) String() string {
	if k == KindSplit {
		return "split"
	}
	return "convert"
}

// Status is the task lifecycle state. Terminal states are final: once a task
// is completed, failed or cancelled it never transitions again.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Options carries the post-processing policy for one task.
type Options struct {
	// DeleteAfter removes the source file after a successful conversion.
	// Split jobs never delete their source regardless of this flag.
	DeleteAfter bool
	// DeleteToTrash moves the source into a .trash directory next to it
	// instead of unlinking, so the delete is recoverable.
	DeleteToTrash bool
	// FixTimestamp regenerates presentation timestamps during conversion,
	// repairing captures whose timestamps jump after a stream hiccup.
	FixTimestamp bool
}

// Runner executes one ffmpeg invocation, reporting processed media time as it
// goes. Swapped for a fake in tests.
type Runner interface {
	Run(ctx context.Context, args []string, onProgress func(time.Duration)) error
}

// FFmpegRunner runs the real binary and parses progress from its stderr.
type FFmpegRunner struct {
	Path string // defaults to "ffmpeg"
}

var timeRe = regexp.MustCompile(`time=(\d+):(\d{2}):(\d{2})\.(\d+)`)

func (f FFmpegRunner) Run(ctx context.Context, args []string, onProgress func(time.Duration)) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 64*1024), 64*1024)
	for sc.Scan() {
		if d, ok := parseProgress(sc.Text()); ok && onProgress != nil {
			onProgress(d)
		}
	}
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return ctx.Err()
}

// parseProgress extracts the processed media time from an ffmpeg stats line.
func parseProgress(line string) (time.Duration, bool) {
	m := timeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	h, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss, _ := strconv.Atoi(m[3])
	frac, _ := strconv.Atoi(m[4])
	d := time.Duration(h)*time.Hour + time.Duration(mm)*time.Minute + time.Duration(ss)*time.Second
	switch len(m[4]) {
	case 1:
		d += time.Duration(frac) * 100 * time.Millisecond
	case 2:
		d += time.Duration(frac) * 10 * time.Millisecond
	default:
		d += time.Duration(frac) * time.Millisecond
	}
	return d, true
}

// Task is one post-processing job. Created by the registry, run on its own
// goroutine, observed through Snapshot.
type Task struct {
	ID     string
	Kind   Kind
	Input  string
	Output string

	// clip window, split jobs only
	ClipStart    time.Duration
	ClipDuration time.Duration

	opts   Options
	runner Runner

	mu        sync.Mutex
	status    Status
	progress  time.Duration
	err       error
	createdAt time.Time
	endedAt   time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func newTask(kind Kind, input, output string, opts Options, runner Runner) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Kind:      kind,
		Input:     input,
		Output:    output,
		opts:      opts,
		runner:    runner,
		status:    StatusPending,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Snapshot is the externally visible view of a task.
type Snapshot struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress_seconds"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Snapshot{
		ID:        t.ID,
		Kind:      t.Kind.String(),
		Input:     t.Input,
		Output:    t.Output,
		Status:    t.status.String(),
		Progress:  t.progress.Seconds(),
		CreatedAt: t.createdAt,
		EndedAt:   t.endedAt,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}

func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// terminal reports whether the task has reached a final state.
func (t *Task) terminal() bool {
	s := t.Status()
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// finishAs moves the task to a terminal state. The first terminal transition
// wins; later calls are ignored.
func (t *Task) finishAs(s Status, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusCompleted || t.status == StatusFailed || t.status == StatusCancelled {
		return
	}
	t.status = s
	t.err = err
	t.endedAt = time.Now()
}

// args builds the ffmpeg invocation for this task.
func (t *Task) args() []string {
	a := []string{"-hide_banner", "-loglevel", "warning", "-stats"}
	if t.Kind == KindSplit && t.ClipStart > 0 {
		a = append(a, "-ss", formatSeconds(t.ClipStart))
	}
	if t.opts.FixTimestamp && t.Kind == KindConvert {
		a = append(a, "-fflags", "+genpts")
	}
	a = append(a, "-i", t.Input)
	if t.Kind == KindSplit && t.ClipDuration > 0 {
		a = append(a, "-t", formatSeconds(t.ClipDuration))
	}
	a = append(a, "-c", "copy", "-y", t.Output)
	return a
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// start launches the task. Called once, by the registry.
func (t *Task) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.status = StatusRunning
	t.cancel = cancel
	t.mu.Unlock()

	telemetry.ConversionsStarted.Inc()
	telemetry.ActiveTasks.Inc()
	slog.Info("task started",
		slog.String("task_id", t.ID), slog.String("kind", t.Kind.String()),
		slog.String("input", t.Input), slog.String("output", t.Output))

	go func() {
		defer close(t.done)
		defer telemetry.ActiveTasks.Dec()
		defer cancel()
		// A runner panic must take down only this task, never the process.
		defer func() {
			if p := recover(); p != nil {
				telemetry.ConversionsFailed.Inc()
				slog.Error("task panicked", slog.String("task_id", t.ID), slog.Any("panic", p))
				t.finishAs(StatusFailed, fmt.Errorf("task panic: %v", p))
			}
		}()
		t.run(runCtx)
	}()
}

func (t *Task) run(ctx context.Context) {
	var err error
	telemetry.TimeFunc(telemetry.ConversionDuration, func() {
		err = t.runner.Run(ctx, t.args(), func(d time.Duration) {
			t.mu.Lock()
			t.progress = d
			t.mu.Unlock()
		})
	})

	switch {
	case err == nil:
		// The runner finished the output. A cancel that lands after that
		// point is too late: the work is done, report it as completed.
		telemetry.ConversionsDone.Inc()
		t.disposeSource()
		slog.Info("task completed", slog.String("task_id", t.ID), slog.String("output", t.Output))
		t.finishAs(StatusCompleted, nil)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		telemetry.ConversionsCanceled.Inc()
		// Cancellation leaves a partial output file behind; remove it so a
		// retried task can claim the path.
		if rmErr := os.Remove(t.Output); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Warn("remove partial output", slog.String("path", t.Output), slog.Any("err", rmErr))
		}
		slog.Info("task cancelled", slog.String("task_id", t.ID))
		t.finishAs(StatusCancelled, nil)
	default:
		telemetry.ConversionsFailed.Inc()
		slog.Error("task failed", slog.String("task_id", t.ID), slog.Any("err", err))
		t.finishAs(StatusFailed, err)
	}
}

// disposeSource applies the delete-after policy. Clip extraction keeps its
// source untouched. A failed delete is logged but does not fail the task; the
// converted output exists and is what the user asked for.
func (t *Task) disposeSource() {
	if t.Kind != KindConvert || !t.opts.DeleteAfter {
		return
	}
	if t.opts.DeleteToTrash {
		if err := moveToTrash(t.Input); err != nil {
			slog.Warn("move source to trash", slog.String("path", t.Input), slog.Any("err", err))
		}
		return
	}
	if err := os.Remove(t.Input); err != nil {
		slog.Warn("delete source", slog.String("path", t.Input), slog.Any("err", err))
	}
}

// moveToTrash renames path into a .trash directory alongside it, so the file
// survives until someone empties the directory.
func moveToTrash(path string) error {
	dir := filepath.Join(filepath.Dir(path), ".trash")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(dst); err == nil {
		dst = filepath.Join(dir, fmt.Sprintf("%d_%s", time.Now().Unix(), filepath.Base(path)))
	}
	return os.Rename(path, dst)
}

// ReplaceExt swaps path's extension for ext. ext may be given with or
// without a leading dot; a path without an extension gets one appended.
func ReplaceExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + "." + strings.TrimPrefix(ext, ".")
}

// Stop requests cancellation and waits until the task has reached a terminal
// state. Stopping an already-terminal task is a no-op.
func (t *Task) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	pending := t.status == StatusPending
	if pending {
		t.status = StatusCancelled
		t.endedAt = time.Now()
	}
	t.mu.Unlock()
	if pending {
		return
	}
	if cancel != nil {
		cancel()
		<-t.done
	}
}
