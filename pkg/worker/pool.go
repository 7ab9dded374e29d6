// Package worker provides a bounded pool for detached best-effort tasks.
//
// Best-effort server calls, like releasing an abandoned transcode session,
// must never block the caller: they are submitted here, executed on a fixed
// set of goroutines, and their failures are logged and swallowed.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Default pool sizing.
const (
	DefaultWorkers   = 2
	DefaultQueueSize = 32
)

// Task is a unit of detached work. The context is cancelled when the pool
// closes.
type Task func(ctx context.Context)

// Pool runs submitted tasks on a bounded number of goroutines.
type Pool struct {
	tasks  chan Task
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given worker count and queue depth.
// Non-positive values fall back to the defaults.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan Task, queueSize),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.run()
	}

	return p
}

// Submit enqueues a task. It returns false when the pool is closed or the
// queue is full; the task is dropped in both cases. Submitting never blocks.
func (p *Pool) Submit(task Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}

	select {
	case p.tasks <- task:
		return true
	default:
		p.logger.Warn("worker queue full, dropping task")
		return false
	}
}

// Close stops accepting tasks, cancels the pool context, and waits for
// in-flight tasks to finish. Close is idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

func (p *Pool) run() {
	defer p.wg.Done()

	for task := range p.tasks {
		p.safeRun(task)
	}
}

// safeRun isolates task panics so one bad task cannot kill a worker.
func (p *Pool) safeRun(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", slog.Any("panic", r))
		}
	}()
	task(p.ctx)
}
