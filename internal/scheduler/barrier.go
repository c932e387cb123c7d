package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
)

// Barrier is a one-shot start gate sized to a fixed worker count
// (spec.md §4.7 step 5): every worker arrives once it has finished
// initializing (e.g. its browser), then blocks until the last worker
// arrives, so a fast worker never begins scraping while others are
// still cold-starting.
type Barrier struct {
	total int32
	ready int32
	ch    chan struct{}
	once  sync.Once
}

// NewBarrier builds a Barrier for exactly total arrivals. total <= 0
// opens the barrier immediately (no coordination needed).
func NewBarrier(total int) *Barrier {
	b := &Barrier{total: int32(total), ch: make(chan struct{})}
	if total <= 0 {
		close(b.ch)
	}
	return b
}

// Arrive marks one worker ready. The barrier opens once every worker
// has arrived.
func (b *Barrier) Arrive() {
	if atomic.AddInt32(&b.ready, 1) >= b.total {
		b.once.Do(func() { close(b.ch) })
	}
}

// Wait blocks until every worker has arrived or ctx is cancelled.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
