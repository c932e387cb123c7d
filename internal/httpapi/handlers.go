package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/brightfield-labs/scraperd/internal/events"
	"github.com/brightfield-labs/scraperd/internal/jobrunner"
	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// Handler implements the HTTP surface of spec.md §6 on top of one
// Job Runner and its event bus. It holds the single in-flight-job slot
// the spec's "409 if a job is already running" rule implies.
type Handler struct {
	runner *jobrunner.Runner
	bus    *events.Bus
	log    *logger.Logger

	status *jobStatus

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHandler wires a Handler and subscribes it to bus so /status stays
// current without polling the runner.
func NewHandler(runner *jobrunner.Runner, bus *events.Bus, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	h := &Handler{runner: runner, bus: bus, log: log, status: newJobStatus()}
	if bus != nil {
		bus.Subscribe(h.status.onEvent)
	}
	return h
}

type scrapeRequest struct {
	SKUs       []string `json:"skus"`
	Scrapers   []string `json:"scrapers"`
	MaxWorkers int      `json:"max_workers"`
	TestMode   bool     `json:"test_mode"`
	DebugMode  bool     `json:"debug_mode"`
}

type scrapeResponse struct {
	Status  string `json:"status"`
	JobID   string `json:"job_id"`
	Message string `json:"message"`
}

// Scrape handles POST /scrape (spec.md §6): starts a job and returns
// immediately; 409 if one is already running.
func (h *Handler) Scrape(c *gin.Context) {
	var req scrapeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if len(req.Scrapers) == 0 {
		respondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("scrapers must be non-empty"))
		return
	}

	h.mu.Lock()
	if h.status.isRunning() {
		h.mu.Unlock()
		respondError(c, http.StatusConflict, "job_already_running", fmt.Errorf("a job is already running"))
		return
	}

	jobID := fmt.Sprintf("job-%s", uuid.NewString())
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.status.start(jobID, req.Scrapers)
	h.mu.Unlock()

	go func() {
		_, err := h.runner.Run(ctx, jobrunner.RunOptions{
			JobID:      jobID,
			SKUs:       req.SKUs,
			SiteNames:  req.Scrapers,
			MaxWorkers: req.MaxWorkers,
			TestMode:   req.TestMode,
			DebugMode:  req.DebugMode,
		})
		if err != nil {
			h.log.Error("scrape job failed", "job_id", jobID, "error", err)
		}
	}()

	respondOK(c, scrapeResponse{Status: "started", JobID: jobID, Message: "job accepted"})
}

// Status handles GET /status (spec.md §6).
func (h *Handler) Status(c *gin.Context) {
	respondOK(c, h.status.snapshot())
}

type stopResponse struct {
	Status string `json:"status"`
}

// Stop handles POST /stop (spec.md §6): cancels the in-flight job's
// context, which Run observes at its next blocking point (start barrier,
// semaphore acquire, rate-limiter wait or retry delay).
func (h *Handler) Stop(c *gin.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.status.isRunning() || h.cancel == nil {
		respondOK(c, stopResponse{Status: "not_running"})
		return
	}
	h.cancel()
	respondOK(c, stopResponse{Status: "stopping"})
}

type wireEvent struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	JobID     *string        `json:"job_id"`
	EventID   string         `json:"event_id"`
	Severity  string         `json:"severity"`
	Data      map[string]any `json:"data"`
}

func toWireEvent(e model.ScraperEvent) wireEvent {
	var jobID *string
	if e.JobID != "" {
		jobID = &e.JobID
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return wireEvent{
		EventType: string(e.EventType),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		JobID:     jobID,
		EventID:   e.EventID,
		Severity:  string(e.Severity),
		Data:      data,
	}
}

type eventsResponse struct {
	Events  []wireEvent `json:"events"`
	Total   int         `json:"total"`
	HasMore bool        `json:"has_more"`
}

// Events handles GET /events (spec.md §6): job_id, comma-separated
// event_types, since (ISO-8601), and limit (1..500, default 100).
func (h *Handler) Events(c *gin.Context) {
	filter := events.Filter{JobID: c.Query("job_id")}

	if raw := c.Query("event_types"); raw != "" {
		filter.EventTypes = map[model.EventType]struct{}{}
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			filter.EventTypes[model.EventType(t)] = struct{}{}
		}
	}

	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_since", err)
			return
		}
		filter.Since = since
	}

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondError(c, http.StatusBadRequest, "invalid_limit", fmt.Errorf("limit must be between 1 and 500"))
			return
		}
		limit = n
	}

	all := h.bus.Query(filter, 0)
	total := len(all)
	out := all
	if len(out) > limit {
		out = out[len(out)-limit:]
	}

	wire := make([]wireEvent, 0, len(out))
	for _, e := range out {
		wire = append(wire, toWireEvent(e))
	}

	respondOK(c, eventsResponse{Events: wire, Total: total, HasMore: total > limit})
}

type eventTypesResponse struct {
	EventTypes []string            `json:"event_types"`
	Categories map[string][]string `json:"categories"`
}

// EventTypes handles GET /events/types (spec.md §6): the closed set of
// event types the bus accepts, grouped by category.
func (h *Handler) EventTypes(c *gin.Context) {
	types := make([]string, 0, len(model.KnownEventTypes))
	for t := range model.KnownEventTypes {
		types = append(types, string(t))
	}
	cats := map[string][]string{}
	for cat, list := range model.EventCategories() {
		for _, t := range list {
			cats[cat] = append(cats[cat], string(t))
		}
	}
	respondOK(c, eventTypesResponse{EventTypes: types, Categories: cats})
}

type debugArtifactResponse struct {
	Site       string `json:"site"`
	Step       string `json:"step"`
	CapturedAt string `json:"captured_at"`
	URL        string `json:"url,omitempty"`
	HasScreenshot bool `json:"has_screenshot"`
}

// Debug handles GET /debug/{session,page-source,screenshot,logs,snapshots}
// (spec.md §6): surfaces artifacts captured by the Workflow Executor's
// debug callback when a job ran with debug_mode=true.
func (h *Handler) Debug(c *gin.Context) {
	kind := c.Param("kind")
	jobID := c.Query("job_id")
	if jobID == "" {
		respondError(c, http.StatusBadRequest, "missing_job_id", fmt.Errorf("job_id is required"))
		return
	}

	records := h.runner.DebugRecords(jobID)
	switch kind {
	case "logs":
		lines := make([]string, 0, len(records))
		for _, r := range records {
			lines = append(lines, fmt.Sprintf("%s site=%s step=%s", r.CapturedAt.Format(time.RFC3339), r.Site, r.Step))
		}
		respondOK(c, gin.H{"job_id": jobID, "logs": lines})
	case "page-source":
		site := c.Query("site")
		for i := len(records) - 1; i >= 0; i-- {
			if site == "" || records[i].Site == site {
				respondOK(c, gin.H{"job_id": jobID, "site": records[i].Site, "page_content": records[i].Artifacts.PageContent})
				return
			}
		}
		respondError(c, http.StatusNotFound, "no_debug_artifacts", fmt.Errorf("no page source captured for job %q", jobID))
	case "screenshot":
		site := c.Query("site")
		for i := len(records) - 1; i >= 0; i-- {
			if (site == "" || records[i].Site == site) && len(records[i].Artifacts.Screenshot) > 0 {
				c.Data(http.StatusOK, "image/png", records[i].Artifacts.Screenshot)
				return
			}
		}
		respondError(c, http.StatusNotFound, "no_debug_artifacts", fmt.Errorf("no screenshot captured for job %q", jobID))
	case "session":
		respondOK(c, gin.H{"job_id": jobID, "artifact_count": len(records)})
	case "snapshots":
		out := make([]debugArtifactResponse, 0, len(records))
		for _, r := range records {
			out = append(out, debugArtifactResponse{
				Site: r.Site, Step: r.Step, CapturedAt: r.CapturedAt.Format(time.RFC3339),
				URL: r.Artifacts.URL, HasScreenshot: len(r.Artifacts.Screenshot) > 0,
			})
		}
		respondOK(c, gin.H{"job_id": jobID, "snapshots": out})
	default:
		respondError(c, http.StatusNotFound, "unknown_debug_kind", fmt.Errorf("unknown debug kind %q", kind))
	}
}
