package scheduler

import (
	"sync"
	"time"

	"github.com/brightfield-labs/scraperd/internal/model"
)

const dequeuePollInterval = 500 * time.Millisecond

// SiteQueue is the FIFO, insertion-ordered task queue for one site
// (spec.md §4.5). Enqueue never blocks; Dequeue polls cooperatively so a
// stop signal is noticed within one poll window.
type SiteQueue struct {
	mu     sync.Mutex
	items  []*model.ScheduledTask
	closed bool
}

func NewSiteQueue() *SiteQueue {
	return &SiteQueue{}
}

// Enqueue appends task to the tail of the queue.
func (q *SiteQueue) Enqueue(task *model.ScheduledTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, task)
}

// Close marks the queue as fully populated; once drained, Dequeue
// returns ok=false instead of polling forever.
func (q *SiteQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// Dequeue returns the next task in FIFO order, blocking with a
// ≤500ms poll window while the queue is empty and not yet closed.
// It returns ok=false once the queue is closed-and-drained or done
// fires.
func (q *SiteQueue) Dequeue(done <-chan struct{}) (*model.ScheduledTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-done:
			return nil, false
		case <-time.After(dequeuePollInterval):
		}
	}
}

// DrainAll removes and returns every task still buffered, without
// blocking. Used at shutdown to surface `cancelled` for tasks that were
// never dequeued (spec.md §4.5).
func (q *SiteQueue) DrainAll() []*model.ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len reports the number of tasks currently buffered (diagnostics).
func (q *SiteQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
