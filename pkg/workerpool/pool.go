package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// WorkerPool manages a pool of workers
type WorkerPool struct {
	config  Config
	tasks   chan *Task
	quit    chan struct{}
	workers sync.WaitGroup // running worker goroutines
	pending sync.WaitGroup // accepted, unfinished tasks
	mu      sync.RWMutex   // guards sends on tasks against close
	once    sync.Once
	closed  atomic.Bool

	stats *statsCollector
}

// NewWorkerPool creates a new worker pool with given configuration.
// Returns error if configuration is invalid.
func NewWorkerPool(config Config) (*WorkerPool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	pool := &WorkerPool{
		config: config,
		tasks:  make(chan *Task, config.QueueSize),
		quit:   make(chan struct{}),
		stats:  newStatsCollector(),
	}

	for i := 0; i < config.Workers; i++ {
		pool.workers.Add(1)
		pool.stats.activeWorkers.Add(1)
		go pool.worker()
	}

	return pool, nil
}

// NewDefaultWorkerPool creates a pool with DefaultConfig
func NewDefaultWorkerPool() *WorkerPool {
	pool, _ := NewWorkerPool(DefaultConfig())
	return pool
}

// worker drains the queue until it is closed
func (p *WorkerPool) worker() {
	defer func() {
		p.stats.activeWorkers.Add(-1)
		p.workers.Done()
	}()

	for task := range p.tasks {
		p.executeTask(task)
	}
}

// executeTask executes a single task with panic recovery
func (p *WorkerPool) executeTask(task *Task) {
	start := time.Now()
	var taskErr error

	defer func() {
		if r := recover(); r != nil {
			taskErr = &TaskError{
				TaskID: task.ID,
				Err:    fmt.Errorf("panic: %v", r),
				Stack:  string(debug.Stack()),
			}
		}
		if taskErr != nil && p.config.ErrorHandler != nil {
			p.config.ErrorHandler(taskErr)
		}
		p.stats.recordTaskCompletion(time.Since(start), taskErr != nil)
		if task.done != nil {
			task.done(taskErr)
		}
		p.pending.Done()
	}()

	// a task whose context ended while queued is not executed
	if err := task.Ctx.Err(); err != nil {
		taskErr = &TaskError{TaskID: task.ID, Err: err}
		return
	}

	if err := task.Fn(task.Ctx); err != nil {
		taskErr = &TaskError{TaskID: task.ID, Err: err}
	}
}

func (p *WorkerPool) enqueue(ctx context.Context, task *Task, block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed.Load() {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	if !block {
		select {
		case p.tasks <- task:
			return nil
		default:
			p.pending.Done()
			p.stats.recordTaskRejection()
			return ErrQueueFull
		}
	}

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	case <-p.quit:
		p.pending.Done()
		return ErrPoolClosed
	}
}

// Submit submits a task to the pool.
// Blocks if queue is full until space is available.
// Returns error if pool is closed.
func (p *WorkerPool) Submit(fn func() error) error {
	return p.SubmitWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// SubmitWithContext submits a task with context.
// The task is skipped if its context ends before a worker picks it up.
func (p *WorkerPool) SubmitWithContext(ctx context.Context, fn func(ctx context.Context) error) error {
	return p.enqueue(ctx, newTask(ctx, fn, nil), true)
}

// TrySubmit attempts to submit a task without blocking.
// Returns ErrQueueFull if queue is full.
// Returns ErrPoolClosed if pool is closed.
func (p *WorkerPool) TrySubmit(fn func() error) error {
	ctx := context.Background()
	return p.enqueue(ctx, newTask(ctx, func(context.Context) error { return fn() }, nil), false)
}

// Run submits fns as one batch and blocks until all of them have finished.
// The first failure cancels the context handed to the remaining tasks of
// the batch and is returned, wrapped in a *TaskError when a task produced it.
// Batches from concurrent callers are independent of each other.
func (p *WorkerPool) Run(ctx context.Context, fns []func(ctx context.Context) error) error {
	if len(fns) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	record := func(err error) {
		if err != nil {
			once.Do(func() {
				first = err
				cancel()
			})
		}
		wg.Done()
	}

	for _, fn := range fns {
		wg.Add(1)
		if err := p.enqueue(ctx, newTask(ctx, fn, record), true); err != nil {
			record(err)
			break
		}
	}

	wg.Wait()
	return first
}

// Stop gracefully shuts down the worker pool.
// Stops accepting new tasks and waits for queued tasks to complete.
// Returns ErrForcedShutdown when ShutdownTimeout elapses first.
func (p *WorkerPool) Stop() error {
	return p.StopWithContext(context.Background())
}

// StopWithContext stops the pool, giving up waiting when ctx ends
func (p *WorkerPool) StopWithContext(ctx context.Context) error {
	var shutdownErr error

	p.once.Do(func() {
		close(p.quit)

		p.mu.Lock()
		p.closed.Store(true)
		close(p.tasks)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.workers.Wait()
			close(done)
		}()

		var timeout <-chan time.Time
		if p.config.ShutdownTimeout > 0 {
			timer := time.NewTimer(p.config.ShutdownTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case <-done:
		case <-ctx.Done():
			shutdownErr = fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		case <-timeout:
			shutdownErr = ErrForcedShutdown
		}
	})

	return shutdownErr
}

// IsClosed returns true if pool is closed.
func (p *WorkerPool) IsClosed() bool {
	return p.closed.Load()
}

// Stats returns current pool statistics.
func (p *WorkerPool) Stats() Stats {
	return p.stats.snapshot(len(p.tasks))
}

// Wait blocks until all accepted tasks are completed.
// Does not prevent new task submission.
func (p *WorkerPool) Wait() {
	p.pending.Wait()
}
