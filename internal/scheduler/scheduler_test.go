package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/model"
)

func TestSiteQueueFIFOOrder(t *testing.T) {
	q := NewSiteQueue()
	t1 := model.NewScheduledTask("1", "site-a", "sku-1")
	t2 := model.NewScheduledTask("2", "site-a", "sku-2")
	q.Enqueue(t1)
	q.Enqueue(t2)
	q.Close()

	got1, ok := q.Dequeue(nil)
	require.True(t, ok)
	require.Equal(t, "sku-1", got1.SKU)

	got2, ok := q.Dequeue(nil)
	require.True(t, ok)
	require.Equal(t, "sku-2", got2.SKU)

	_, ok = q.Dequeue(nil)
	require.False(t, ok)
}

func TestDequeueStopsOnDoneSignal(t *testing.T) {
	q := NewSiteQueue()
	done := make(chan struct{})
	close(done)
	_, ok := q.Dequeue(done)
	require.False(t, ok)
}

func TestOrchestratorRunsAllTasksToCompletion(t *testing.T) {
	job := model.NewJob("job-1", []string{"sku-1", "sku-2", "sku-3"}, []string{"site-a"}, model.ConcurrencyConfig{})
	orch := NewOrchestrator(job, 2, nil)
	s := orch.AddSite(model.SiteConfig{Name: "site-a", SiteMaxWorkers: 2})
	for i, sku := range job.SKUs {
		s.Enqueue(sku, sku)
		_ = i
	}
	s.CloseQueue()

	var calls int32
	fn := func(ctx context.Context, task *model.ScheduledTask) (*model.SkuResult, error) {
		atomic.AddInt32(&calls, 1)
		return &model.SkuResult{SKU: task.SKU, Site: task.Site, Outcome: model.OutcomeSuccess}, nil
	}

	tasks := orch.Run(context.Background(), fn)
	require.Len(t, tasks, 3)
	require.EqualValues(t, 3, calls)
	for _, task := range tasks {
		require.Equal(t, model.TaskCompleted, task.Status)
	}
}

func TestGlobalSemaphoreCapsConcurrencyAcrossSites(t *testing.T) {
	job := model.NewJob("job-2", nil, []string{"site-a", "site-b"}, model.ConcurrencyConfig{})
	orch := NewOrchestrator(job, 1, nil) // global cap of 1 across both sites
	sa := orch.AddSite(model.SiteConfig{Name: "site-a", SiteMaxWorkers: 5})
	sb := orch.AddSite(model.SiteConfig{Name: "site-b", SiteMaxWorkers: 5})
	for i := 0; i < 3; i++ {
		sa.Enqueue(string(rune('a'+i)), "sku")
		sb.Enqueue(string(rune('x'+i)), "sku")
	}
	sa.CloseQueue()
	sb.CloseQueue()

	var mu sync.Mutex
	var concurrent, maxConcurrent int32
	fn := func(ctx context.Context, task *model.ScheduledTask) (*model.SkuResult, error) {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		concurrent--
		mu.Unlock()
		return &model.SkuResult{SKU: task.SKU, Site: task.Site, Outcome: model.OutcomeSuccess}, nil
	}

	orch.Run(context.Background(), fn)
	require.EqualValues(t, 1, maxConcurrent)
}

func TestRunWithBarrierDelaysLaterWorkersByIndex(t *testing.T) {
	job := model.NewJob("job-4", nil, []string{"site-a"}, model.ConcurrencyConfig{})
	orch := NewOrchestrator(job, 3, nil)
	s := orch.AddSite(model.SiteConfig{Name: "site-a", SiteMaxWorkers: 3})
	for i := 0; i < 3; i++ {
		s.Enqueue(string(rune('a'+i)), "sku")
	}
	s.CloseQueue()

	var mu sync.Mutex
	var starts []time.Time
	fn := func(ctx context.Context, task *model.ScheduledTask) (*model.SkuResult, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		// Hold the worker so each of the three staggered workers takes one task.
		time.Sleep(50 * time.Millisecond)
		return &model.SkuResult{SKU: task.SKU, Site: task.Site, Outcome: model.OutcomeSuccess}, nil
	}

	begin := time.Now()
	orch.RunWithBarrier(context.Background(), fn, 20*time.Millisecond)

	require.Len(t, starts, 3)
	var maxDelay time.Duration
	for _, s := range starts {
		if d := s.Sub(begin); d > maxDelay {
			maxDelay = d
		}
	}
	require.GreaterOrEqual(t, maxDelay, 40*time.Millisecond)
}

func TestCancelledJobSurfacesCancelledForQueuedTasks(t *testing.T) {
	job := model.NewJob("job-3", nil, []string{"site-a"}, model.ConcurrencyConfig{})
	orch := NewOrchestrator(job, 1, nil)
	s := orch.AddSite(model.SiteConfig{Name: "site-a", SiteMaxWorkers: 1})
	s.Enqueue("t1", "sku-1")
	s.Enqueue("t2", "sku-2")
	s.CloseQueue()

	fn := func(ctx context.Context, task *model.ScheduledTask) (*model.SkuResult, error) {
		job.Stop() // cancel after the first task starts running
		return &model.SkuResult{SKU: task.SKU, Site: task.Site, Outcome: model.OutcomeSuccess}, nil
	}

	tasks := orch.Run(context.Background(), fn)
	require.Len(t, tasks, 2)

	var sawCancelled bool
	for _, task := range tasks {
		if task.Status == model.TaskCancelled {
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled)
}
