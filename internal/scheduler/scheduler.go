// Package scheduler implements the Site + Orchestrator scheduler of
// spec.md §4.5: a two-level (global + per-site) concurrency model over
// FIFO per-site task queues.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// ScraperFunc runs one scheduled task to completion and reports its
// result. It must itself respect ctx/done for cooperative cancellation.
type ScraperFunc func(ctx context.Context, task *model.ScheduledTask) (*model.SkuResult, error)

// SiteScheduler owns one site's FIFO queue, its per-site semaphore, and
// the worker pool draining it (spec.md §4.5's "Worker loop (per site)").
type SiteScheduler struct {
	site      string
	cfg       model.SiteConfig
	queue     *SiteQueue
	globalSem *semaphore.Weighted
	siteSem   *semaphore.Weighted
	capacity  int64

	job *model.Job
	log *logger.Logger

	wg sync.WaitGroup

	tasksMu sync.Mutex
	tasks   []*model.ScheduledTask

	barrier       *Barrier
	barrierOffset int
	stagger       time.Duration
}

func newSiteScheduler(cfg model.SiteConfig, globalSem *semaphore.Weighted, globalMax int, job *model.Job, log *logger.Logger) *SiteScheduler {
	capacity := int64(cfg.EffectiveMaxWorkers(globalMax))
	return &SiteScheduler{
		site:      cfg.Name,
		cfg:       cfg,
		queue:     NewSiteQueue(),
		globalSem: globalSem,
		siteSem:   semaphore.NewWeighted(capacity),
		capacity:  capacity,
		job:       job,
		log:       log.With("site", cfg.Name),
	}
}

// Enqueue creates a queued ScheduledTask for sku and appends it to this
// site's FIFO queue.
func (s *SiteScheduler) Enqueue(taskID, sku string) *model.ScheduledTask {
	task := model.NewScheduledTask(taskID, s.site, sku)
	s.tasksMu.Lock()
	s.tasks = append(s.tasks, task)
	s.tasksMu.Unlock()
	s.queue.Enqueue(task)
	return task
}

// CloseQueue signals that no further tasks will be enqueued for this
// site; workers exit once the queue drains.
func (s *SiteScheduler) CloseQueue() { s.queue.Close() }

// SetStartBarrier wires a shared start barrier and per-worker stagger
// delay (spec.md §4.7 steps 5-6). offset is this site's first worker's
// position in the job-wide worker index, used to compute each worker's
// stagger delay (≈500ms × global worker index) so workers across
// different sites don't all resume at once.
func (s *SiteScheduler) SetStartBarrier(barrier *Barrier, offset int, stagger time.Duration) {
	s.barrier = barrier
	s.barrierOffset = offset
	s.stagger = stagger
}

// Capacity reports this site's effective worker count.
func (s *SiteScheduler) Capacity() int { return int(s.capacity) }

// Run spawns L_s workers draining the queue and blocks until every
// worker exits (queue closed-and-drained, or the job's stop signal).
func (s *SiteScheduler) Run(ctx context.Context, fn ScraperFunc) {
	s.wg.Add(int(s.capacity))
	for i := int64(0); i < s.capacity; i++ {
		go s.worker(ctx, fn, int(i))
	}
	s.wg.Wait()
}

func (s *SiteScheduler) worker(ctx context.Context, fn ScraperFunc, localIdx int) {
	defer s.wg.Done()
	done := s.job.Done()

	if s.barrier != nil {
		s.barrier.Arrive()
		if err := s.barrier.Wait(ctx); err != nil {
			return
		}
		globalIdx := s.barrierOffset + localIdx
		if s.stagger > 0 && globalIdx > 0 {
			select {
			case <-time.After(s.stagger * time.Duration(globalIdx)):
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}

	for {
		task, ok := s.queue.Dequeue(done)
		if !ok {
			return
		}
		s.runTask(ctx, fn, task, done)
	}
}

func (s *SiteScheduler) runTask(ctx context.Context, fn ScraperFunc, task *model.ScheduledTask, done <-chan struct{}) {
	if isClosed(done) {
		_ = task.Transition(model.TaskCancelled)
		return
	}
	_ = task.Transition(model.TaskWaiting)

	if err := s.globalSem.Acquire(ctx, 1); err != nil {
		_ = task.Transition(model.TaskCancelled)
		return
	}
	defer s.globalSem.Release(1)

	if err := s.siteSem.Acquire(ctx, 1); err != nil {
		_ = task.Transition(model.TaskCancelled)
		return
	}
	defer s.siteSem.Release(1)

	if isClosed(done) {
		_ = task.Transition(model.TaskCancelled)
		return
	}

	_ = task.Transition(model.TaskRunning)
	result, err := fn(ctx, task)

	switch {
	case isClosed(done):
		_ = task.Transition(model.TaskCancelled)
	case err != nil:
		task.Err = err
		_ = task.Transition(model.TaskFailed)
	default:
		task.Result = result
		_ = task.Transition(model.TaskCompleted)
	}
}

// CancelRemaining transitions every task still sitting in the queue
// (never dequeued) to cancelled. Call after Run returns during shutdown
// so a stop signal doesn't leave tasks stuck in `queued` forever
// (spec.md §4.5: "shutdown surfaces cancelled for never-started tasks
// too").
func (s *SiteScheduler) CancelRemaining() {
	for _, task := range s.queue.DrainAll() {
		_ = task.Transition(model.TaskCancelled)
	}
}

// Tasks returns a snapshot of every task this scheduler has ever
// enqueued, in enqueue order.
func (s *SiteScheduler) Tasks() []*model.ScheduledTask {
	s.tasksMu.Lock()
	defer s.tasksMu.Unlock()
	out := make([]*model.ScheduledTask, len(s.tasks))
	copy(out, s.tasks)
	return out
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
