package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExecutorStopped is returned by Submit after Stop has been called.
var ErrExecutorStopped = errors.New("executor is stopped")

// Handle is a task's view of its own job.
type Handle struct {
	ID  string
	reg *Registry
}

// Phase records a human-readable progress label for the job.
func (h *Handle) Phase(label string) {
	if h == nil || h.reg == nil {
		return
	}
	h.reg.UpdatePhase(h.ID, label)
}

// Task is the body of a background job. A nil error completes the job with
// the returned result; a non-nil error fails it with err.Error().
type Task func(ctx context.Context, job *Handle) (any, error)

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// Workers is the number of tasks run concurrently.
	// Default: 4
	Workers int

	// TaskTimeout bounds each task. Zero means no per-task deadline.
	TaskTimeout time.Duration
}

// DefaultExecutorConfig returns the default executor configuration.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Workers:     4,
		TaskTimeout: 5 * time.Minute,
	}
}

type queued struct {
	jobID string
	task  Task
}

// Executor runs tasks on a fixed pool of goroutines and reports their
// outcome into a Registry.
//
// Submit never blocks on the pool: pending tasks wait in an unbounded FIFO.
// Every task ends with exactly one Complete or Fail call, including tasks
// that panic or are cancelled at shutdown.
type Executor struct {
	registry *Registry
	config   ExecutorConfig

	mu      sync.Mutex
	cond    *sync.Cond
	pending []queued
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewExecutor creates an executor and starts its workers.
func NewExecutor(registry *Registry, cfg ExecutorConfig) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultExecutorConfig().Workers
	}
	if cfg.TaskTimeout < 0 {
		cfg.TaskTimeout = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		registry: registry,
		config:   cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
	e.cond = sync.NewCond(&e.mu)

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// Registry returns the registry this executor reports into.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Submit creates a job for task and queues it. It returns as soon as the job
// exists; the task runs later on a worker.
func (e *Executor) Submit(task Task, opts ...CreateOption) (string, error) {
	if e == nil || e.registry == nil {
		return "", fmt.Errorf("executor is not initialized")
	}
	if task == nil {
		return "", fmt.Errorf("task is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return "", ErrExecutorStopped
	}

	jobID := e.registry.Create(opts...)
	e.pending = append(e.pending, queued{jobID: jobID, task: task})
	e.cond.Signal()
	return jobID, nil
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stop rejects new submissions, cancels running tasks and waits for the
// workers to exit or ctx to expire. Tasks still queued are failed.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.stopped {
		e.stopped = true
		e.cancel()
		e.cond.Broadcast()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) next() (queued, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.pending) == 0 && !e.stopped {
		e.cond.Wait()
	}
	if len(e.pending) == 0 {
		return queued{}, false
	}
	item := e.pending[0]
	e.pending[0] = queued{}
	e.pending = e.pending[1:]
	return item, true
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		item, ok := e.next()
		if !ok {
			return
		}
		e.run(item)
	}
}

func (e *Executor) run(item queued) {
	if err := e.ctx.Err(); err != nil {
		e.registry.Fail(item.jobID, fmt.Sprintf("job not started: %v", err))
		return
	}

	ctx := e.ctx
	if e.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.TaskTimeout)
		defer cancel()
	}

	result, err := e.invoke(ctx, item)
	if err != nil {
		e.registry.Fail(item.jobID, err.Error())
		return
	}
	e.registry.Complete(item.jobID, result)
}

func (e *Executor) invoke(ctx context.Context, item queued) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return item.task(ctx, &Handle{ID: item.jobID, reg: e.registry})
}
