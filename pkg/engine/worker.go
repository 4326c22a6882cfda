package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rendis/waypoint/pkg/schema"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Rejected  int64 `json:"rejected"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = schema.NewError(schema.ErrCodePoolShutdown, "worker pool is shut down")

// WorkerPool is a bounded goroutine pool shared by cooperative runners. Each
// unit of work is a single step of some execution, so a small pool
// interleaves many executions fairly.
type WorkerPool struct {
	sem  chan struct{}
	wg   sync.WaitGroup
	done chan struct{}

	mu     sync.Mutex
	closed bool

	active, completed, failed, panics, rejected atomic.Int64
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Size returns the max number of units running at once.
func (p *WorkerPool) Size() int { return cap(p.sem) }

// Submit enqueues work into the pool. It blocks if the pool is at capacity
// (backpressure) and respects context cancellation while waiting. Returns
// ErrPoolShutdown if the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.isClosed() {
		p.rejected.Add(1)
		return ErrPoolShutdown
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case <-p.done:
		p.rejected.Add(1)
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot race it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		p.rejected.Add(1)
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panics.Add(1)
				p.failed.Add(1)
			}
			p.active.Add(-1)
			<-p.sem
			p.wg.Done()
		}()

		if fn(ctx) != nil {
			p.failed.Add(1)
			return
		}
		p.completed.Add(1)
	}()

	return nil
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Schedule submits fn without blocking the caller. A unit running in the
// pool uses it to enqueue its successor: a blocking Submit would hold the
// caller's slot while waiting for a free one. onReject is called if the
// submission fails.
func (p *WorkerPool) Schedule(ctx context.Context, fn func(ctx context.Context) error, onReject func(error)) {
	go func() {
		if err := p.Submit(ctx, fn); err != nil && onReject != nil {
			onReject(err)
		}
	}()
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown gracefully stops the pool. It prevents new submissions and waits
// for all active work to complete. Executions whose next step was not yet
// admitted stay Running and can be resumed by the recovery sweeper.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// isPoolShutdown reports whether err came from a closed pool.
func isPoolShutdown(err error) bool {
	return errors.Is(err, ErrPoolShutdown) || schema.HasCode(err, schema.ErrCodePoolShutdown)
}
