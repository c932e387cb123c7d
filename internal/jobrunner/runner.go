// Package jobrunner implements the Job Runner of spec.md §4.7: it
// composes the Event Bus, Failure Classifier, Retry Executor + Circuit
// Breaker, Result Collector, Scheduler, and Workflow Executor into one
// submit-a-job entry point.
package jobrunner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/brightfield-labs/scraperd/internal/browserpool"
	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/collector"
	"github.com/brightfield-labs/scraperd/internal/events"
	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/config"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
	"github.com/brightfield-labs/scraperd/internal/retry"
	"github.com/brightfield-labs/scraperd/internal/scheduler"
	"github.com/brightfield-labs/scraperd/internal/store"
	"github.com/brightfield-labs/scraperd/internal/workflow"
)

// PageFactory constructs one fresh browser-backed Page for site. Production
// wiring plugs in a real automation driver; tests inject a fake (spec.md
// §4.6's "a contract, not an implementation").
type PageFactory func(ctx context.Context, site model.SiteConfig) (workflow.Page, error)

// PageCloser tears one Page down.
type PageCloser func(p workflow.Page) error

// Store is the persistence contract the Job Runner requires: the config
// and scrape-status interface plus the Result Collector's upsert sink
// (spec.md §6 and §4.4), so one store implementation can satisfy both.
type Store interface {
	store.ScraperStore
	collector.Store
}

// RunOptions is the Job Runner's submit-a-job contract (spec.md §4.7).
type RunOptions struct {
	// JobID, if set, is used as-is (the HTTP façade mints one before
	// Run starts so /status can report it immediately). Left empty, Run
	// generates one.
	JobID          string
	SKUs           []string
	SiteNames      []string
	MaxWorkers     int
	PerSiteWorkers map[string]int // explicit override; absent sites use the default allocation
	TestMode       bool
	DebugMode      bool
}

// Summary is returned once a job's run completes or is cancelled.
type Summary struct {
	JobID       string
	Tasks       []*model.ScheduledTask
	Results     []model.SkuResult
	TestResults map[string]model.TestResult // keyed by site name, test-mode only
}

// Runner wires every core component together behind one Run call.
type Runner struct {
	cfg   config.Config
	bus   *events.Bus
	cls   *classifier.Classifier
	store Store
	log   *logger.Logger

	registry    *workflow.Registry
	pageFactory PageFactory
	pageCloser  PageCloser

	poolsMu sync.Mutex
	pools   map[string]*browserpool.Pool // lazily built per site

	limiter *rate.Limiter

	debugMu  sync.Mutex
	debug    map[string][]DebugRecord // jobID -> captured artifacts, bounded by debugLRU
	debugLRU []string
}

// DebugRecord is one step-failure debug capture (spec.md §4.6 step 5),
// surfaced through GET /debug/* once debug mode is enabled for a job.
type DebugRecord struct {
	Site       string
	Step       string
	CapturedAt time.Time
	Artifacts  workflow.DebugArtifacts
}

const maxDebugJobs = 50

// DebugRecords returns every artifact captured during jobID's run, or
// nil if the job ran without debug mode or has since been evicted.
func (r *Runner) DebugRecords(jobID string) []DebugRecord {
	r.debugMu.Lock()
	defer r.debugMu.Unlock()
	return append([]DebugRecord(nil), r.debug[jobID]...)
}

func (r *Runner) storeDebugRecords(jobID string, records []DebugRecord) {
	if len(records) == 0 {
		return
	}
	r.debugMu.Lock()
	defer r.debugMu.Unlock()
	r.debug[jobID] = records
	r.debugLRU = append(r.debugLRU, jobID)
	if len(r.debugLRU) > maxDebugJobs {
		oldest := r.debugLRU[0]
		r.debugLRU = r.debugLRU[1:]
		delete(r.debug, oldest)
	}
}

// New builds a Runner. registry defaults to workflow.NewRegistry()'s
// built-ins if nil.
func New(cfg config.Config, bus *events.Bus, cls *classifier.Classifier, st Store, registry *workflow.Registry, pageFactory PageFactory, pageCloser PageCloser, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.Nop()
	}
	if registry == nil {
		registry = workflow.NewRegistry()
	}
	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Runner{
		cfg:         cfg,
		bus:         bus,
		cls:         cls,
		store:       st,
		log:         log,
		registry:    registry,
		pageFactory: pageFactory,
		pageCloser:  pageCloser,
		pools:       map[string]*browserpool.Pool{},
		limiter:     rate.NewLimiter(rate.Limit(rps), burst),
		debug:       map[string][]DebugRecord{},
	}
}

func (r *Runner) emit(jobID string, eventType model.EventType, severity model.Severity, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(model.ScraperEvent{
		EventType: eventType,
		JobID:     jobID,
		Severity:  severity,
		Data:      data,
	})
}

// Run executes spec.md §4.7's startup → worker-loop → shutdown sequence
// for one job and blocks until it finishes or opts' caller cancels ctx.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	if len(opts.SiteNames) == 0 {
		return nil, fmt.Errorf("jobrunner: no sites specified")
	}

	// Step 1: emit job.started.
	r.emit(jobID, model.EventJobStarted, model.SeverityInfo, map[string]any{
		"skus": len(opts.SKUs), "sites": opts.SiteNames, "test_mode": opts.TestMode,
	})

	// Step 2: load each site's configuration from the external config store.
	siteConfigs := make(map[string]model.SiteConfig, len(opts.SiteNames))
	var active []string
	for _, name := range opts.SiteNames {
		cfg, err := r.store.GetScraper(name)
		if err != nil {
			r.emit(jobID, model.EventSystemWarning, model.SeverityWarning, map[string]any{
				"site": name, "error": err.Error(), "reason": "failed to load scraper config, skipping site",
			})
			continue
		}
		if cfg.Disabled {
			r.emit(jobID, model.EventSystemWarning, model.SeverityWarning, map[string]any{
				"site": name, "reason": "scraper disabled, skipping site",
			})
			continue
		}
		siteConfigs[name] = cfg
		active = append(active, name)
	}
	if len(active) == 0 {
		r.emit(jobID, model.EventJobFailed, model.SeverityError, map[string]any{"reason": "no active sites"})
		return nil, fmt.Errorf("jobrunner: no active (enabled, loadable) sites among %v", opts.SiteNames)
	}

	// Step 4: compute worker allocation (explicit override, else
	// max(1, max_workers/num_sites); login sites clamp to 1; sum must not
	// exceed max_workers, if so raise the global cap to match).
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = r.cfg.GlobalMaxWorkers
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	defaultPerSite := maxWorkers / len(active)
	if defaultPerSite < 1 {
		defaultPerSite = 1
	}
	sum := 0
	for _, name := range active {
		cfg := siteConfigs[name]
		computed := defaultPerSite
		if override, ok := opts.PerSiteWorkers[name]; ok && override > 0 {
			computed = override
		}
		if cfg.RequiresLogin {
			computed = 1
		}
		cfg.SiteMaxWorkers = computed
		siteConfigs[name] = cfg
		sum += computed
		r.emit(jobID, model.EventProgressWorker, model.SeverityInfo, map[string]any{"site": name, "workers": computed})
	}
	globalMax := maxWorkers
	if sum > globalMax {
		globalMax = sum
	}

	job := model.NewJob(jobID, opts.SKUs, active, model.ConcurrencyConfig{
		MaxWorkers:    globalMax,
		PerSite:       opts.PerSiteWorkers,
		BatchSize:     r.cfg.JobRunnerBatchSize,
		StaggerPerIdx: r.cfg.JobRunnerStagger,
	})
	defer job.Stop()

	sessionID := jobID
	coll := collector.New(sessionID, r.store, "", r.log)
	defer coll.Close()

	orch := scheduler.NewOrchestrator(job, globalMax, r.log)

	// testSKUSet records, per site, which SKUs are test/fake SKUs (for
	// is_passing derivation) versus ordinary input SKUs.
	testSKUSet := map[string]map[string]model.SKUType{}
	for _, name := range active {
		cfg := siteConfigs[name]
		set := map[string]model.SKUType{}
		for _, sku := range cfg.TestSKUs {
			set[sku] = model.SKUTypeTest
		}
		for _, sku := range cfg.FakeSKUs {
			set[sku] = model.SKUTypeFake
		}
		testSKUSet[name] = set
	}

	// Step 3: construct a shared queue per site and enqueue SKUs. Each
	// site also gets its own Retry Executor + Workflow Executor so
	// session-authenticated state (spec.md §4.6 step 4) persists across
	// SKUs handled by that site's workers, not just within one task.
	executors := map[string]*workflow.Executor{}
	testResults := map[string]model.TestResult{}
	var testResultsMu sync.Mutex
	var debugRecords []DebugRecord
	var debugRecordsMu sync.Mutex
	for _, name := range active {
		cfg := siteConfigs[name]
		s := orch.AddSite(cfg)
		skus := opts.SKUs
		if opts.TestMode {
			skus = nil
			for _, sku := range cfg.TestSKUs {
				skus = append(skus, sku)
			}
			for _, sku := range cfg.FakeSKUs {
				skus = append(skus, sku)
			}
		}
		for _, sku := range skus {
			s.Enqueue(uuid.NewString(), sku)
		}
		s.CloseQueue()

		var onDebug workflow.DebugCallback
		if opts.DebugMode {
			site := name
			onDebug = func(step string, artifacts workflow.DebugArtifacts) {
				debugRecordsMu.Lock()
				debugRecords = append(debugRecords, DebugRecord{
					Site: site, Step: step, CapturedAt: time.Now(), Artifacts: artifacts,
				})
				debugRecordsMu.Unlock()
			}
		}

		retrier := retry.New(r.cfg, r.cls, r.log)
		executors[name] = workflow.New(r.registry, retrier, r.log, onDebug)
	}

	batchCounters := map[string]*int64{}
	var batchMu sync.Mutex
	for _, name := range active {
		n := int64(0)
		batchCounters[name] = &n
	}

	var resultsMu sync.Mutex
	var results []model.SkuResult

	var processed int64
	total := int64(0)
	if opts.TestMode {
		for _, s := range testSKUSet {
			total += int64(len(s))
		}
	} else {
		total = int64(len(active) * len(opts.SKUs))
	}

	scraperFn := func(ctx context.Context, task *model.ScheduledTask) (*model.SkuResult, error) {
		cfg := siteConfigs[task.Site]
		skuType := testSKUSet[task.Site][task.SKU]

		r.emit(jobID, model.EventSkuProcessing, model.SeverityInfo, map[string]any{
			"site": task.Site, "sku": task.SKU,
		})

		if err := r.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		batchMu.Lock()
		count := batchCounters[task.Site]
		*count++
		forceFresh := r.cfg.JobRunnerBatchSize > 0 && *count%int64(r.cfg.JobRunnerBatchSize) == 0
		batchMu.Unlock()

		page, err := r.acquirePage(ctx, cfg, forceFresh)
		if err != nil {
			return nil, err
		}
		uses := 1
		defer r.releasePage(cfg, page, uses)

		exec := executors[task.Site]
		ec := workflow.NewExecutionContext(task.SKU, task.Site, opts.TestMode, opts.DebugMode)

		start := time.Now()
		wfResult := exec.ExecuteWorkflow(ctx, page, task.Site, cfg.Workflow, nil, ec, job.Done())
		duration := time.Since(start)

		outcome := model.OutcomeSuccess
		switch {
		case wfResult.NoResultsFound:
			outcome = model.OutcomeNoResults
		case !wfResult.Success:
			outcome = classifyWorkflowFailure(wfResult)
		}

		rec := recordFromContext(ec)
		skuResult := model.SkuResult{
			SKU: task.SKU, Site: task.Site, SKUType: skuType, Outcome: outcome,
			Data: rec, Duration: duration,
		}
		if !wfResult.Success {
			skuResult.Err = fmt.Errorf("workflow failed: %v", wfResult.Errors)
		}

		if outcome == model.OutcomeSuccess && rec != nil {
			coll.Add(task.SKU, task.Site, *rec, 1.0)
		}

		if !opts.TestMode && r.store != nil {
			_ = r.store.RecordScrapeStatus(task.SKU, task.Site, model.FromOutcome(outcome), errString(skuResult.Err))
		}

		switch outcome {
		case model.OutcomeSuccess:
			r.emit(jobID, model.EventSkuSuccess, model.SeverityInfo, map[string]any{"site": task.Site, "sku": task.SKU})
		case model.OutcomeNoResults:
			r.emit(jobID, model.EventSkuNoResults, model.SeverityInfo, map[string]any{"site": task.Site, "sku": task.SKU})
		case model.OutcomeNotFound:
			r.emit(jobID, model.EventSkuNotFound, model.SeverityWarning, map[string]any{"site": task.Site, "sku": task.SKU})
		default:
			r.emit(jobID, model.EventSkuFailed, model.SeverityError, map[string]any{
				"site": task.Site, "sku": task.SKU, "error": errString(skuResult.Err),
			})
		}

		resultsMu.Lock()
		results = append(results, skuResult)
		resultsMu.Unlock()

		if opts.TestMode {
			testResultsMu.Lock()
			tr := testResults[task.Site]
			tr.ScraperName = task.Site
			tr.RunAt = time.Now()
			if skuType == model.SKUTypeFake {
				tr.FakeSKUResults = append(tr.FakeSKUResults, skuResult)
			} else {
				tr.TestSKUResults = append(tr.TestSKUResults, skuResult)
			}
			testResults[task.Site] = tr
			testResultsMu.Unlock()
		}

		n := atomic.AddInt64(&processed, 1)
		pct := 0
		if total > 0 {
			pct = int(100 * n / total)
		}
		r.emit(jobID, model.EventProgressUpdate, model.SeverityInfo, map[string]any{
			"completed": n, "total": total, "percent": pct,
		})

		return &skuResult, nil
	}

	tasks := orch.RunWithBarrier(ctx, scraperFn, r.cfg.JobRunnerStagger)
	r.storeDebugRecords(jobID, debugRecords)

	if opts.TestMode {
		for name, tr := range testResults {
			tr.Health = model.DeriveHealth(tr.TestSKUResults, tr.FakeSKUResults)
			testResults[name] = tr
			if r.store != nil {
				_ = r.store.UpdateScraperTestResult(name, tr)
				_ = r.store.UpdateScraperHealth(name, tr.Health)
			}
		}
	}

	if job.Stopped() || ctx.Err() != nil {
		r.emit(jobID, model.EventJobCancelled, model.SeverityWarning, nil)
	} else {
		r.emit(jobID, model.EventJobCompleted, model.SeverityInfo, map[string]any{"skus_processed": len(results)})
	}

	return &Summary{JobID: jobID, Tasks: tasks, Results: results, TestResults: testResults}, nil
}

// Shutdown closes job's stop signal and then pauses for a fixed 10ms.
// It does not wait for in-flight steps to finish and does not use
// Config.JobShutdownTimeout.
func (r *Runner) Shutdown(job *model.Job) {
	job.Stop()
	time.Sleep(10 * time.Millisecond) // let in-flight steps observe Done()
}

func (r *Runner) acquirePage(ctx context.Context, cfg model.SiteConfig, forceFresh bool) (workflow.Page, error) {
	if r.pageFactory == nil {
		return nil, fmt.Errorf("jobrunner: no page factory configured for site %q", cfg.Name)
	}
	pool := r.poolFor(cfg)
	if pool == nil || forceFresh {
		return r.pageFactory(ctx, cfg)
	}
	return pool.Acquire(ctx)
}

func (r *Runner) releasePage(cfg model.SiteConfig, page workflow.Page, uses int) {
	pool := r.poolFor(cfg)
	if pool == nil {
		if r.pageCloser != nil {
			_ = r.pageCloser(page)
		}
		return
	}
	pool.Release(page, uses)
}

func (r *Runner) poolFor(cfg model.SiteConfig) *browserpool.Pool {
	if r.pageFactory == nil {
		return nil
	}
	r.poolsMu.Lock()
	defer r.poolsMu.Unlock()
	if p, ok := r.pools[cfg.Name]; ok {
		return p
	}
	capacity := cfg.EffectiveMaxWorkers(r.cfg.GlobalMaxWorkers)
	factory := func(ctx context.Context) (workflow.Page, error) { return r.pageFactory(ctx, cfg) }
	p := browserpool.New(capacity, r.cfg.BrowserPoolMaxUseCount, factory, r.pageCloser, r.log)
	r.pools[cfg.Name] = p
	return p
}

// recordFromContext reads the conventional field names a site's workflow
// is expected to populate via extract_single/extract_multiple's
// target_field (spec.md §4.4's ProductRecord shape) out of the
// execution context's free-form Data map.
func recordFromContext(ec *workflow.ExecutionContext) *model.ProductRecord {
	rec := &model.ProductRecord{
		Name:         stringField(ec, "name"),
		Brand:        stringField(ec, "brand"),
		Weight:       stringField(ec, "weight"),
		Description:  stringField(ec, "description"),
		Category:     stringField(ec, "category"),
		ProductType:  stringField(ec, "product_type"),
		ScrapedPrice: stringField(ec, "scraped_price"),
		Images:       stringSliceField(ec, "images"),
	}
	if !rec.HasData() && len(rec.Images) == 0 {
		return nil
	}
	return rec
}

func stringField(ec *workflow.ExecutionContext, key string) string {
	v, ok := ec.Data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func stringSliceField(ec *workflow.ExecutionContext, key string) []string {
	v, ok := ec.Data[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	default:
		return nil
	}
}

func classifyWorkflowFailure(res workflow.Result) model.Outcome {
	for _, e := range res.Errors {
		if containsAny(e, "page_not_found", "404") {
			return model.OutcomeNotFound
		}
	}
	return model.OutcomeError
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
