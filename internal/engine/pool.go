package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks waiter pool operational metrics.
type PoolMetrics struct {
	Active  int64 `json:"active"`
	Settled int64 `json:"settled"`
	Failed  int64 `json:"failed"`
	Panics  int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("waiter pool is shut down")

// WaiterPool is a bounded goroutine pool that blocks on worker handles.
// It is shared by every workflow of an Engine; a waiter only delivers the
// handle's outcome back to the owning scheduler loop.
type WaiterPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewWaiterPool creates a pool with the given max concurrency.
func NewWaiterPool(size int) *WaiterPool {
	if size <= 0 {
		size = 1
	}
	return &WaiterPool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit runs fn on a pool goroutine. It blocks while the pool is at
// capacity and respects context cancellation while waiting. A panic in fn
// is recovered and counted in Metrics.
func (p *WaiterPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's wg.Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Settled, 1)
		}
	}()

	return nil
}

// Watch waits on h from a pool goroutine and hands the outcome to deliver.
// deliver is called exactly once, including when Wait panics.
func (p *WaiterPool) Watch(ctx context.Context, h Handle, deliver func(*TaskResult, error)) error {
	return p.Submit(ctx, func(ctx context.Context) (err error) {
		var res *TaskResult
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handle wait panicked: %v", r)
				res = nil
			}
			deliver(res, err)
		}()
		res, err = h.Wait(ctx)
		return err
	})
}

// Wait blocks until all submitted work completes.
func (p *WaiterPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting submissions and waits for active waiters.
func (p *WaiterPool) Shutdown() {
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
func (p *WaiterPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:  atomic.LoadInt64(&p.metrics.Active),
		Settled: atomic.LoadInt64(&p.metrics.Settled),
		Failed:  atomic.LoadInt64(&p.metrics.Failed),
		Panics:  atomic.LoadInt64(&p.metrics.Panics),
	}
}
