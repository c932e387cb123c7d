// Package model defines the data model shared by every component of the
// scraping orchestrator: jobs, scheduled tasks, scraper configuration,
// events, and results (spec.md §3).
package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// Job is the unit of work submitted to the orchestrator: a set of SKUs to
// scrape across a set of sites.
type Job struct {
	ID        string
	SKUs      []string
	Sites     []string
	Debug     bool
	TestMode  bool
	CreatedAt time.Time

	Concurrency ConcurrencyConfig

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  atomic.Bool
}

// ConcurrencyConfig controls the two-level concurrency model of spec.md
// §4.5: a global cap and optional explicit per-site overrides.
type ConcurrencyConfig struct {
	MaxWorkers    int
	PerSite       map[string]int // explicit override, nil entries fall back to the computed default
	BatchSize     int            // browser restart cadence, default 20 (spec.md §4.7)
	StaggerPerIdx time.Duration  // post-barrier stagger delay per worker index, default 500ms
}

// NewJob constructs a Job with a fresh stop channel. id should be a
// timestamp-based unique string per spec.md §3.
func NewJob(id string, skus, sites []string, cc ConcurrencyConfig) *Job {
	return &Job{
		ID:          id,
		SKUs:        skus,
		Sites:       sites,
		CreatedAt:   time.Now(),
		Concurrency: cc,
		stopCh:      make(chan struct{}),
	}
}

// Stop signals cancellation to every component watching this job. It is
// safe to call multiple times and from multiple goroutines.
func (j *Job) Stop() {
	if j == nil {
		return
	}
	j.stopOnce.Do(func() {
		j.stopped.Store(true)
		close(j.stopCh)
	})
}

// Done returns a channel that is closed once Stop has been called. Every
// blocking operation in the system (queue poll, semaphore acquire, retry
// backoff sleep) selects on this channel so cancellation is cooperative
// and bounded, per spec.md §5.
func (j *Job) Done() <-chan struct{} {
	if j == nil {
		ch := make(chan struct{})
		return ch
	}
	return j.stopCh
}

// Stopped reports whether Stop has been called, without blocking.
func (j *Job) Stopped() bool {
	return j != nil && j.stopped.Load()
}
