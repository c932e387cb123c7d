package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// Orchestrator holds the global semaphore, the set of SiteSchedulers for
// one job, and drives them concurrently (spec.md §4.5).
type Orchestrator struct {
	job       *model.Job
	globalMax int
	globalSem *semaphore.Weighted
	log       *logger.Logger

	mu    sync.Mutex
	sites map[string]*SiteScheduler
}

func NewOrchestrator(job *model.Job, globalMax int, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if globalMax <= 0 {
		globalMax = 1
	}
	return &Orchestrator{
		job:       job,
		globalMax: globalMax,
		globalSem: semaphore.NewWeighted(int64(globalMax)),
		log:       log.With("job_id", job.ID),
		sites:     map[string]*SiteScheduler{},
	}
}

// AddSite registers a site and returns its scheduler for task
// enqueueing.
func (o *Orchestrator) AddSite(cfg model.SiteConfig) *SiteScheduler {
	s := newSiteScheduler(cfg, o.globalSem, o.globalMax, o.job, o.log)
	o.mu.Lock()
	o.sites[cfg.Name] = s
	o.mu.Unlock()
	return s
}

// Site returns the scheduler for name, or nil if not registered.
func (o *Orchestrator) Site(name string) *SiteScheduler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sites[name]
}

// RunWithBarrier behaves like Run but first gates every worker across
// every site behind a single start barrier sized to the total worker
// count, then applies a post-barrier stagger delay of staggerPerIdx ×
// worker-index (spec.md §4.7 steps 5-6), so no worker begins scraping
// until all are ready and workers don't all resume in the same instant.
func (o *Orchestrator) RunWithBarrier(ctx context.Context, fn ScraperFunc, staggerPerIdx time.Duration) []*model.ScheduledTask {
	o.mu.Lock()
	sites := make([]*SiteScheduler, 0, len(o.sites))
	for _, s := range o.sites {
		sites = append(sites, s)
	}
	o.mu.Unlock()

	total := 0
	for _, s := range sites {
		total += s.Capacity()
	}
	barrier := NewBarrier(total)
	offset := 0
	for _, s := range sites {
		s.SetStartBarrier(barrier, offset, staggerPerIdx)
		offset += s.Capacity()
	}

	return o.runSites(ctx, fn, sites)
}

// Run starts every site's worker pool concurrently and blocks until all
// of them finish (queues closed-and-drained, or the job's stop signal),
// then sweeps any never-started tasks to cancelled and returns the union
// of every task across every site (spec.md §4.5's run(scraper_fn)).
func (o *Orchestrator) Run(ctx context.Context, fn ScraperFunc) []*model.ScheduledTask {
	o.mu.Lock()
	sites := make([]*SiteScheduler, 0, len(o.sites))
	for _, s := range o.sites {
		sites = append(sites, s)
	}
	o.mu.Unlock()

	return o.runSites(ctx, fn, sites)
}

func (o *Orchestrator) runSites(ctx context.Context, fn ScraperFunc, sites []*SiteScheduler) []*model.ScheduledTask {
	var wg sync.WaitGroup
	wg.Add(len(sites))
	for _, s := range sites {
		go func(s *SiteScheduler) {
			defer wg.Done()
			s.Run(ctx, fn)
		}(s)
	}
	wg.Wait()

	var all []*model.ScheduledTask
	for _, s := range sites {
		s.CancelRemaining()
		all = append(all, s.Tasks()...)
	}
	return all
}

// Shutdown signals every site to stop and waits up to timeout for
// in-flight work to finish; work still running past the deadline is
// abandoned (its goroutines keep running to completion but Shutdown
// returns regardless), per spec.md §4.5.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.job.Stop()

	done := make(chan struct{})
	go func() {
		o.mu.Lock()
		sites := make([]*SiteScheduler, 0, len(o.sites))
		for _, s := range o.sites {
			sites = append(sites, s)
		}
		o.mu.Unlock()
		for _, s := range sites {
			s.wg.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		o.log.Warn("scheduler: shutdown timeout elapsed, abandoning in-flight work", "timeout", timeout)
	}
}
