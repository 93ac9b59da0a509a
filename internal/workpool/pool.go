// Package workpool bounds how many executions the orchestrator processes at
// once. Result processing, finalization and job submission all draw from
// one shared Pool so that maxProcessingConcurrency holds process-wide.
package workpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Run once Close has been called.
var ErrClosed = errors.New("workpool: closed")

// Pool limits concurrent work with a weighted semaphore and tracks every
// admitted task so shutdown can wait for them.
type Pool struct {
	sem      *semaphore.Weighted
	limit    int
	inFlight atomic.Int64

	mu     sync.Mutex
	closed bool
	tasks  sync.WaitGroup
}

// New creates a Pool that allows at most limit concurrent tasks.
func New(limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(limit)), limit: limit}
}

// Run acquires a slot, runs fn, and releases the slot. It blocks while all
// slots are busy and returns ctx.Err() if ctx ends first, or ErrClosed
// after Close. A nil Pool runs fn directly.
func (p *Pool) Run(ctx context.Context, fn func(context.Context) error) error {
	if p == nil {
		return fn(ctx)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.tasks.Add(1)
	p.mu.Unlock()
	defer p.tasks.Done()

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Close stops admitting tasks and waits for admitted ones to return, or
// for ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of tasks currently holding a slot.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Limit returns the configured concurrency limit.
func (p *Pool) Limit() int {
	return p.limit
}
