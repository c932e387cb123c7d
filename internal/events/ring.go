package events

import "github.com/brightfield-labs/scraperd/internal/model"

// ring is a fixed-capacity FIFO buffer of events, discarding the oldest
// entry once full (spec.md §4.1's "last N events").
type ring struct {
	buf   []model.ScraperEvent
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]model.ScraperEvent, capacity)}
}

func (r *ring) push(e model.ScraperEvent) {
	cap := len(r.buf)
	idx := (r.start + r.size) % cap
	r.buf[idx] = e
	if r.size < cap {
		r.size++
	} else {
		r.start = (r.start + 1) % cap
	}
}

// snapshot returns the buffered events oldest-first.
func (r *ring) snapshot() []model.ScraperEvent {
	out := make([]model.ScraperEvent, r.size)
	cap := len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%cap]
	}
	return out
}
