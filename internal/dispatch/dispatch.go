// Package dispatch runs detached background work on a bounded worker pool.
//
// Submission never blocks: work beyond the worker count waits in the pool's
// unbounded queue. A panic in one task is logged and does not stop the pool.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/gammazero/workerpool"

	"github.com/linnemanlabs/go-core/log"
)

// DefaultWorkers is used when New is given a non-positive worker count.
const DefaultWorkers = 8

// Pool implements triage.Runner.
type Pool struct {
	wp     *workerpool.WorkerPool
	logger log.Logger
	panics atomic.Int64
	label  func(context.Context, string) context.Context

	mu      sync.RWMutex // guards stopped against Submit racing StopWait
	stopped bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithTaskContext derives each task's context from the submitted one and the
// task name before fn runs.
func WithTaskContext(fn func(ctx context.Context, name string) context.Context) Option {
	return func(p *Pool) { p.label = fn }
}

// New starts a pool with the given number of workers.
func New(workers int, logger log.Logger, opts ...Option) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = log.Nop()
	}
	p := &Pool{
		wp:     workerpool.New(workers),
		logger: logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Go queues fn. After Stop, fn is dropped and logged.
func (p *Pool) Go(ctx context.Context, name string, fn func(context.Context)) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.logger.Warn(ctx, "dispatch pool stopped, dropping task", "task", name)
		return
	}
	if p.label != nil {
		ctx = p.label(ctx, name)
	}
	p.wp.Submit(func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.logger.Error(ctx, fmt.Errorf("panic: %v", r), "background task panicked",
					"task", name,
					"stack", string(debug.Stack()),
				)
			}
		}()
		fn(ctx)
	})
}

// Waiting returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Waiting() int {
	return p.wp.WaitingQueueSize()
}

// Panics returns how many tasks have panicked.
func (p *Pool) Panics() int64 {
	return p.panics.Load()
}

// Stop rejects new work and waits for queued and running tasks to finish,
// or for ctx to be done, whichever comes first.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wp.StopWait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatch: drain: %w", ctx.Err())
	}
}
