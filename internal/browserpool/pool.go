// Package browserpool implements the optional browser-instance pool named
// in spec.md §5: a bounded set of reusable Page-backed resources, each
// retired and replaced once it has served MaxUseCount scrapes, so a
// leaking or slowly-corrupting browser session never outlives its
// usefulness for the whole run.
package browserpool

import (
	"context"
	"fmt"
	"sync"

	"github.com/brightfield-labs/scraperd/internal/platform/logger"
	"github.com/brightfield-labs/scraperd/internal/workflow"
)

// Factory constructs one fresh browser-backed Page. Closer tears one down.
type Factory func(ctx context.Context) (workflow.Page, error)
type Closer func(p workflow.Page) error

// entry wraps a pooled Page with the use count reported at its last Release.
type entry struct {
	page     workflow.Page
	useCount int
}

// Pool is a fixed-capacity pool of browser Pages with use-count
// recycling. It deliberately avoids sync.Pool: sync.Pool items can be
// evicted by the GC at any point, which would make "retire after N uses"
// unenforceable, so idle entries are instead tracked in a plain slice
// guarded by a mutex, with all closed-pool decisions made under the same
// lock to avoid sending on a closed channel.
type Pool struct {
	mu          sync.Mutex
	cond        *sync.Cond
	factory     Factory
	closer      Closer
	maxUseCount int
	log         *logger.Logger
	idle        []*entry
	outstanding int
	capacity    int
	closed      bool
}

// New builds a Pool with the given capacity and per-instance use budget.
// maxUseCount <= 0 disables recycling (a page is reused indefinitely).
func New(capacity, maxUseCount int, factory Factory, closer Closer, log *logger.Logger) *Pool {
	if capacity <= 0 {
		capacity = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	p := &Pool{
		factory:     factory,
		closer:      closer,
		maxUseCount: maxUseCount,
		log:         log,
		capacity:    capacity,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Acquire returns a Page ready for one scrape: an idle pooled entry if
// one is available, otherwise a freshly constructed one as long as the
// pool hasn't reached capacity, otherwise it blocks until a page is
// released or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context) (workflow.Page, error) {
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("browserpool: pool closed")
		}
		if n := len(p.idle); n > 0 {
			e := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return e.page, nil
		}
		if p.outstanding < p.capacity {
			p.outstanding++
			p.mu.Unlock()
			page, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.outstanding--
				p.mu.Unlock()
				return nil, fmt.Errorf("browserpool: construct page: %w", err)
			}
			return page, nil
		}
		break
	}
	p.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		p.mu.Lock()
		for len(p.idle) == 0 && !p.closed && ctx.Err() == nil {
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return p.Acquire(ctx)
	case <-ctx.Done():
		p.mu.Lock()
		p.cond.Broadcast() // unstick the waiter goroutine so it can exit
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns page to the pool after one scrape. If the instance has
// reached maxUseCount, or the pool is already closed, it is torn down
// instead of recycled.
func (p *Pool) Release(page workflow.Page, uses int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.outstanding--
		p.mu.Unlock()
		p.retire(page)
		p.mu.Lock()
		return
	}

	if p.maxUseCount > 0 && uses >= p.maxUseCount {
		p.log.Debug("browserpool: retiring instance at use limit", "uses", uses, "limit", p.maxUseCount)
		p.outstanding--
		p.mu.Unlock()
		p.retire(page)
		p.mu.Lock()
		p.cond.Signal()
		return
	}

	p.idle = append(p.idle, &entry{page: page, useCount: uses})
	p.cond.Signal()
}

func (p *Pool) retire(page workflow.Page) {
	if p.closer == nil {
		return
	}
	if err := p.closer(page); err != nil {
		p.log.Warn("browserpool: error closing retired instance", "error", err)
	}
}

// Close tears down every idle pooled instance and rejects further
// Acquire calls. Instances currently checked out are retired by their
// holder's next Release once it observes the pool closed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, e := range idle {
		p.retire(e.page)
	}
}

// Len reports how many instances are currently idle in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
