package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/events"
	"github.com/brightfield-labs/scraperd/internal/jobrunner"
	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/config"
	"github.com/brightfield-labs/scraperd/internal/workflow"
)

type fakeStore struct {
	mu    sync.Mutex
	sites map[string]model.SiteConfig
}

func (s *fakeStore) GetScraper(name string) (model.SiteConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.sites[name]
	if !ok {
		return model.SiteConfig{}, fmt.Errorf("no such scraper: %s", name)
	}
	return cfg, nil
}
func (s *fakeStore) RecordScrapeStatus(sku, site string, status model.ScrapeRecordStatus, errorMessage string) error {
	return nil
}
func (s *fakeStore) UpdateProductSource(sku, site string, rec model.ProductRecord) error { return nil }
func (s *fakeStore) UpdateScraperTestResult(name string, result model.TestResult) error  { return nil }
func (s *fakeStore) UpdateScraperHealth(name string, health model.Health) error           { return nil }
func (s *fakeStore) Upsert(sku, site string, rec model.ProductRecord) error               { return nil }

type fakePage struct{ title string }

func (p *fakePage) Navigate(ctx context.Context, url string) (int, error) { return 200, nil }
func (p *fakePage) CurrentURL() string                                    { return "https://example.com" }
func (p *fakePage) PageText(ctx context.Context) (string, error)          { return "", nil }
func (p *fakePage) FindAll(ctx context.Context, selector string) ([]workflow.Element, error) {
	if selector == "#title" {
		return []workflow.Element{{Text: p.title}}, nil
	}
	return nil, nil
}
func (p *fakePage) WaitForAny(ctx context.Context, selectors []string, timeoutMs int) (string, error) {
	return "", nil
}
func (p *fakePage) Click(ctx context.Context, el workflow.Element) error          { return nil }
func (p *fakePage) ScrollIntoView(ctx context.Context, el workflow.Element) error { return nil }
func (p *fakePage) InputText(ctx context.Context, selector, text string, clearFirst bool) error {
	return nil
}
func (p *fakePage) ExtractText(ctx context.Context, selector, attribute string) (string, error) {
	return p.title, nil
}
func (p *fakePage) ExtractAll(ctx context.Context, selector, attribute string) ([]string, error) {
	return nil, nil
}
func (p *fakePage) ExtractTable(ctx context.Context, selector string) ([]map[string]string, error) {
	return nil, nil
}
func (p *fakePage) ExecuteScript(ctx context.Context, script string) (any, error) { return nil, nil }
func (p *fakePage) Scroll(ctx context.Context, dx, dy int) error                  { return nil }
func (p *fakePage) ApplyStealth(ctx context.Context) error                       { return nil }
func (p *fakePage) CaptureDebugArtifacts(ctx context.Context) (workflow.DebugArtifacts, error) {
	return workflow.DebugArtifacts{URL: p.CurrentURL(), PageContent: "<html></html>"}, nil
}

func titleWorkflow() []model.WorkflowStep {
	return []model.WorkflowStep{
		{Action: "navigate", Params: map[string]any{"url": "https://example.com/{sku}"}},
		{Action: "extract_single", Params: map[string]any{"selector": "#title", "target_field": "name"}},
	}
}

func newTestHandler(t *testing.T, st *fakeStore) (*Handler, *events.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	bus := events.New(events.Options{}, nil)
	cfg := config.Config{
		GlobalMaxWorkers: 4, RetryBaseDelay: 0, RetryMaxDelay: 0, RetryMaxJitter: 0.01,
		BrowserPoolMaxUseCount: 50, RateLimitRPS: 1000, RateLimitBurst: 1000, JobRunnerBatchSize: 20,
	}
	pageFactory := func(ctx context.Context, site model.SiteConfig) (workflow.Page, error) {
		return &fakePage{title: "Widget"}, nil
	}
	runner := jobrunner.New(cfg, bus, classifier.New(), st, workflow.NewRegistry(), pageFactory, nil, nil)
	return NewHandler(runner, bus, nil), bus
}

func doRequest(r *gin.Engine, method, path string, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func waitUntilNotRunning(t *testing.T, h *Handler) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !h.status.isRunning()
	}, time.Second, time.Millisecond)
}

func TestScrapeStartsJobAndRejectsSecondWhileRunning(t *testing.T) {
	st := &fakeStore{sites: map[string]model.SiteConfig{
		"site-a": {Name: "site-a", SiteMaxWorkers: 1, Workflow: titleWorkflow()},
	}}
	h, _ := newTestHandler(t, st)
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodPost, "/scrape", `{"skus":["sku-1"],"scrapers":["site-a"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp scrapeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "started", resp.Status)
	require.NotEmpty(t, resp.JobID)

	// A second request while the first job hasn't finished must 409.
	h.mu.Lock()
	wasRunning := h.status.isRunning()
	h.mu.Unlock()
	if wasRunning {
		rec2 := doRequest(r, http.MethodPost, "/scrape", `{"skus":["sku-1"],"scrapers":["site-a"]}`)
		require.Equal(t, http.StatusConflict, rec2.Code)
	}

	waitUntilNotRunning(t, h)
}

func TestScrapeRejectsEmptyScrapersList(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStore{sites: map[string]model.SiteConfig{}})
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodPost, "/scrape", `{"skus":["sku-1"],"scrapers":[]}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusReflectsCompletedJob(t *testing.T) {
	st := &fakeStore{sites: map[string]model.SiteConfig{
		"site-a": {Name: "site-a", SiteMaxWorkers: 1, Workflow: titleWorkflow()},
	}}
	h, _ := newTestHandler(t, st)
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodPost, "/scrape", `{"skus":["sku-1","sku-2"],"scrapers":["site-a"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	waitUntilNotRunning(t, h)

	statusRec := doRequest(r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, statusRec.Code)

	var status statusResponse
	require.NoError(t, json.Unmarshal(statusRec.Body.Bytes(), &status))
	require.False(t, status.IsRunning)
	require.Equal(t, 2, status.TotalSKUs)
	require.Equal(t, 2, status.CompletedSKUs)
	require.Equal(t, 100, status.Progress)
	require.NotEmpty(t, status.Logs)
}

func TestStopReportsNotRunningWhenNoJobActive(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStore{sites: map[string]model.SiteConfig{}})
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodPost, "/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp stopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "not_running", resp.Status)
}

func TestEventTypesListsKnownTypes(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStore{sites: map[string]model.SiteConfig{}})
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodGet, "/events/types", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp eventTypesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Contains(t, resp.EventTypes, string(model.EventJobStarted))
	require.Contains(t, resp.Categories["job"], string(model.EventJobStarted))
}

func TestEventsFiltersByJobIDAndRespectsLimit(t *testing.T) {
	h, bus := newTestHandler(t, &fakeStore{sites: map[string]model.SiteConfig{}})
	r := NewRouter(h, nil)

	bus.Emit(model.ScraperEvent{EventType: model.EventSystemInfo, JobID: "job-x", Severity: model.SeverityInfo})
	bus.Emit(model.ScraperEvent{EventType: model.EventSystemInfo, JobID: "job-x", Severity: model.SeverityInfo})
	bus.Emit(model.ScraperEvent{EventType: model.EventSystemInfo, JobID: "job-y", Severity: model.SeverityInfo})

	rec := doRequest(r, http.MethodGet, "/events?job_id=job-x&limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	require.Equal(t, 2, resp.Total)
	require.True(t, resp.HasMore)
}

func TestEventsRejectsOutOfRangeLimit(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStore{sites: map[string]model.SiteConfig{}})
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodGet, "/events?limit=0", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugRequiresJobID(t *testing.T) {
	h, _ := newTestHandler(t, &fakeStore{sites: map[string]model.SiteConfig{}})
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodGet, "/debug/logs", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugSnapshotsRespondsOKForDebugModeJob(t *testing.T) {
	st := &fakeStore{sites: map[string]model.SiteConfig{
		"site-a": {
			Name: "site-a", SiteMaxWorkers: 1,
			Workflow: []model.WorkflowStep{
				{Action: "extract_single", Params: map[string]any{"selector": "#missing", "target_field": "name"}},
			},
		},
	}}
	h, _ := newTestHandler(t, st)
	r := NewRouter(h, nil)

	rec := doRequest(r, http.MethodPost, "/scrape", `{"skus":["sku-1"],"scrapers":["site-a"],"debug_mode":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	waitUntilNotRunning(t, h)

	var scrapeResp scrapeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scrapeResp))

	debugRec := doRequest(r, http.MethodGet, "/debug/snapshots?job_id="+scrapeResp.JobID, "")
	require.Equal(t, http.StatusOK, debugRec.Code)
}
