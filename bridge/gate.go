package bridge

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// callGate admits one holder at a time. Waiters are served in arrival order
// and a cancelled waiter leaves the queue.
type callGate struct {
	sem     *semaphore.Weighted
	pending atomic.Int32
}

func newCallGate() *callGate {
	return &callGate{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the gate is held or ctx is done.
func (g *callGate) Lock(ctx context.Context) error {
	if g.sem.TryAcquire(1) {
		return nil
	}
	g.pending.Add(1)
	defer g.pending.Add(-1)
	return g.sem.Acquire(ctx, 1)
}

// TryLock takes the gate only if it is free and nobody is queued.
func (g *callGate) TryLock() bool {
	return g.sem.TryAcquire(1)
}

// Unlock releases the gate to the oldest waiter, if any.
func (g *callGate) Unlock() {
	g.sem.Release(1)
}

// waiting returns the number of callers blocked in Lock.
func (g *callGate) waiting() int {
	return int(g.pending.Load())
}
