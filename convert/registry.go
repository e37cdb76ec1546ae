package convert

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrTaskNotFound is returned for an id the registry does not hold.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskActive is returned when removing a task that has not finished.
	ErrTaskActive = errors.New("task still active")
	// ErrOutputBusy is returned when a submitted task's output path is
	// already claimed by a pending or running task.
	ErrOutputBusy = errors.New("output path already claimed by an active task")
	// ErrInputBusy is returned when a submitted task reads a file an active
	// task is still producing or about to delete.
	ErrInputBusy = errors.New("input path in use by an active task")
)

// Registry owns all post-processing tasks. Submission order is preserved for
// listing; tasks run concurrently and independently.
type Registry struct {
	runner Runner

	mu    sync.Mutex
	order []*Task
	byID  map[string]*Task
	ctx   context.Context
}

// NewRegistry creates a registry whose tasks execute with the given runner.
func NewRegistry(runner Runner) *Registry {
	return &Registry{
		runner: runner,
		byID:   make(map[string]*Task),
		ctx:    context.Background(),
	}
}

// Start sets the root context tasks run under.
func (r *Registry) Start(ctx context.Context) { r.ctx = ctx }

// SubmitConvert queues a whole-file conversion and starts it immediately.
func (r *Registry) SubmitConvert(input, output string, opts Options) (*Task, error) {
	return r.submit(newTask(KindConvert, input, output, opts, r.runner))
}

// SubmitSplit queues extraction of a clip [start, start+duration) from input.
// duration <= 0 means until end of file. Split tasks never delete the source.
func (r *Registry) SubmitSplit(input, output string, start, duration time.Duration) (*Task, error) {
	t := newTask(KindSplit, input, output, Options{}, r.runner)
	t.ClipStart = start
	t.ClipDuration = duration
	return r.submit(t)
}

func (r *Registry) submit(t *Task) (*Task, error) {
	if t.Input == t.Output {
		return nil, fmt.Errorf("output equals input: %s", t.Output)
	}
	if _, err := os.Stat(t.Input); err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, other := range r.order {
		if other.terminal() {
			continue
		}
		if other.Output == t.Output {
			return nil, fmt.Errorf("%w: %s", ErrOutputBusy, t.Output)
		}
		// Reading a file an active task is writing, or writing a file an
		// active task is reading, races with that task.
		if other.Output == t.Input || other.Input == t.Output {
			return nil, fmt.Errorf("%w: %s", ErrInputBusy, t.Input)
		}
		// Two tasks sharing a source are fine unless one of them will
		// delete it.
		if other.Input == t.Input && (other.opts.DeleteAfter || t.opts.DeleteAfter) {
			return nil, fmt.Errorf("%w: %s", ErrInputBusy, t.Input)
		}
	}
	r.order = append(r.order, t)
	r.byID[t.ID] = t
	t.start(r.ctx)
	return t, nil
}

// Get returns the task with the given id.
func (r *Registry) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return t, nil
}

// Stop cancels a task and waits for it to finish.
func (r *Registry) Stop(id string) error {
	t, err := r.Get(id)
	if err != nil {
		return err
	}
	t.Stop()
	return nil
}

// Remove deletes a terminal task from the registry. Active tasks must be
// stopped first.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	if !ok {
		return ErrTaskNotFound
	}
	if !t.terminal() {
		return ErrTaskActive
	}
	delete(r.byID, id)
	for i, other := range r.order {
		if other == t {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

// Tasks returns snapshots in submission order.
func (r *Registry) Tasks() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, t.Snapshot())
	}
	return out
}

// Active returns the number of non-terminal tasks.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.order {
		if !t.terminal() {
			n++
		}
	}
	return n
}

// StopAll cancels every active task in parallel and waits for all of them.
func (r *Registry) StopAll() {
	r.mu.Lock()
	tasks := make([]*Task, len(r.order))
	copy(tasks, r.order)
	r.mu.Unlock()

	var g errgroup.Group
	for _, t := range tasks {
		if t.terminal() {
			continue
		}
		g.Go(func() error {
			t.Stop()
			return nil
		})
	}
	_ = g.Wait()
}
