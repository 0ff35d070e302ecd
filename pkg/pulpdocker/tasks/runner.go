// Package tasks runs named units of work as tracked, asynchronous tasks.
// Every dispatched task is persisted through the metadata store so its state
// survives to be polled over the API.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lubosmj/pulp-docker/pkg/pulpdocker"
)

// Fn is the body of a task. It returns references to resources the task
// created, which end up on the task record for clients to follow.
type Fn func(ctx context.Context) ([]string, error)

// Option configures a Runner
type Option func(*Runner)

// WithWorkers caps the number of tasks executing at once
func WithWorkers(n int) Option {
	return func(r *Runner) {
		if n > 0 {
			r.slots = make(chan struct{}, n)
		}
	}
}

// WithLogger sets the logger used by the runner
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithObserver registers a callback invoked after every task state change
func WithObserver(fn func(*pulpdocker.Task)) Option {
	return func(r *Runner) {
		r.observer = fn
	}
}

// Runner executes dispatched tasks on a bounded worker pool. Tasks holding
// overlapping reservation keys run serially with respect to each other.
type Runner struct {
	store    pulpdocker.Store
	logger   *slog.Logger
	observer func(*pulpdocker.Task)
	slots    chan struct{}

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a task runner backed by the given store
func NewRunner(store pulpdocker.Store, options ...Option) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		logger:  slog.Default(),
		slots:   make(chan struct{}, 4),
		locks:   make(map[string]*sync.Mutex),
		baseCtx: ctx,
		cancel:  cancel,
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Dispatch records a new task and schedules it for execution. The returned
// task is in the waiting state; callers poll the store for progress.
func (r *Runner) Dispatch(ctx context.Context, name string, reservations []string, fn Fn) (*pulpdocker.Task, error) {
	task := &pulpdocker.Task{
		ID:           uuid.New(),
		Name:         name,
		State:        pulpdocker.TaskStateWaiting,
		Reservations: append([]string(nil), reservations...),
		CreatedAt:    time.Now().UTC(),
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to record task: %w", err)
	}
	r.notify(task)

	r.wg.Add(1)
	go r.run(task, fn)

	taskCopy := *task
	return &taskCopy, nil
}

func (r *Runner) run(task *pulpdocker.Task, fn Fn) {
	defer r.wg.Done()

	select {
	case r.slots <- struct{}{}:
		defer func() { <-r.slots }()
	case <-r.baseCtx.Done():
		r.finish(task, nil, r.baseCtx.Err())
		return
	}

	unlock := r.reserve(task.Reservations)
	defer unlock()

	now := time.Now().UTC()
	task.State = pulpdocker.TaskStateRunning
	task.StartedAt = &now
	if err := r.store.UpdateTask(r.baseCtx, task); err != nil {
		r.logger.Error("failed to mark task running", "task_id", task.ID, "error", err)
	}
	r.notify(task)

	created, err := r.invoke(fn)
	r.finish(task, created, err)
}

// invoke runs the task body, converting a panic into a task failure.
func (r *Runner) invoke(fn Fn) (created []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task panicked: %v", rec)
		}
	}()
	return fn(r.baseCtx)
}

func (r *Runner) finish(task *pulpdocker.Task, created []string, err error) {
	now := time.Now().UTC()
	task.FinishedAt = &now
	task.CreatedResources = created
	if err != nil {
		task.State = pulpdocker.TaskStateFailed
		task.Error = err.Error()
		r.logger.Error("task failed", "task_id", task.ID, "name", task.Name, "error", err)
	} else {
		task.State = pulpdocker.TaskStateCompleted
		r.logger.Info("task completed", "task_id", task.ID, "name", task.Name)
	}
	if updateErr := r.store.UpdateTask(context.Background(), task); updateErr != nil {
		r.logger.Error("failed to record task result", "task_id", task.ID, "error", updateErr)
	}
	r.notify(task)
}

// reserve takes the mutex for every reservation key in sorted order so two
// tasks holding overlapping keys cannot deadlock. Keys are deduplicated so
// a task naming the same resource twice does not lock against itself.
func (r *Runner) reserve(keys []string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	sorted = slices.Compact(sorted)

	var held []*sync.Mutex
	for _, key := range sorted {
		r.mu.Lock()
		lock, ok := r.locks[key]
		if !ok {
			lock = &sync.Mutex{}
			r.locks[key] = lock
		}
		r.mu.Unlock()

		lock.Lock()
		held = append(held, lock)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (r *Runner) notify(task *pulpdocker.Task) {
	if r.observer != nil {
		taskCopy := *task
		r.observer(&taskCopy)
	}
}

// Shutdown cancels the runner's base context and waits for in-flight tasks
// to settle, or for ctx to expire.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
