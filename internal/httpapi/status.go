package httpapi

import (
	"sync"
	"time"

	"github.com/brightfield-labs/scraperd/internal/model"
)

const maxStatusLines = 50

// jobStatus tracks the single in-flight (or most recently finished) job
// for GET /status (spec.md §6). It is fed passively by subscribing to
// the event bus rather than polling the Job Runner, so it stays correct
// even though Runner.Run blocks for the lifetime of a job.
type jobStatus struct {
	mu sync.Mutex

	running        bool
	jobID          string
	startedAt      time.Time
	activeScrapers []string
	totalSKUs      int
	completedSKUs  int
	progress       int
	logs           []string
	errs           []string
	workers        map[string]int
}

func newJobStatus() *jobStatus {
	return &jobStatus{workers: map[string]int{}}
}

func (s *jobStatus) start(jobID string, activeScrapers []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.jobID = jobID
	s.startedAt = time.Now()
	s.activeScrapers = activeScrapers
	s.totalSKUs = 0
	s.completedSKUs = 0
	s.progress = 0
	s.logs = nil
	s.errs = nil
	s.workers = map[string]int{}
}

// isRunning reports whether a job is currently accepted (used to reject
// a second POST /scrape with 409, per spec.md §6).
func (s *jobStatus) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *jobStatus) onEvent(e model.ScraperEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobID == "" || e.JobID != s.jobID {
		return
	}

	line := formatLogLine(e)
	s.logs = appendCapped(s.logs, line, maxStatusLines)
	if e.Severity == model.SeverityError || e.Severity == model.SeverityWarning {
		s.errs = appendCapped(s.errs, line, maxStatusLines)
	}

	switch e.EventType {
	case model.EventProgressUpdate:
		if v, ok := intField(e.Data, "total"); ok {
			s.totalSKUs = v
		}
		if v, ok := intField(e.Data, "completed"); ok {
			s.completedSKUs = v
		}
		if v, ok := intField(e.Data, "percent"); ok {
			s.progress = v
		}
	case model.EventProgressWorker:
		site, _ := e.Data["site"].(string)
		if n, ok := intField(e.Data, "workers"); ok && site != "" {
			s.workers[site] = n
		}
	case model.EventJobCompleted, model.EventJobCancelled, model.EventJobFailed:
		s.running = false
	}
}

func appendCapped(lines []string, line string, cap int) []string {
	lines = append(lines, line)
	if len(lines) > cap {
		lines = lines[len(lines)-cap:]
	}
	return lines
}

func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func formatLogLine(e model.ScraperEvent) string {
	return e.Timestamp.Format(time.RFC3339) + " [" + string(e.Severity) + "] " + string(e.EventType)
}

type statusResponse struct {
	IsRunning      bool           `json:"is_running"`
	JobID          string         `json:"job_id,omitempty"`
	Progress       int            `json:"progress"`
	Logs           []string       `json:"logs"`
	Errors         []string       `json:"errors"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	ActiveScrapers []string       `json:"active_scrapers"`
	TotalSKUs      int            `json:"total_skus"`
	CompletedSKUs  int            `json:"completed_skus"`
	ETASeconds     int            `json:"eta_seconds"`
	Workers        map[string]int `json:"workers"`
}

func (s *jobStatus) snapshot() statusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := statusResponse{
		IsRunning:      s.running,
		JobID:          s.jobID,
		Progress:       s.progress,
		Logs:           append([]string(nil), s.logs...),
		Errors:         append([]string(nil), s.errs...),
		ActiveScrapers: append([]string(nil), s.activeScrapers...),
		TotalSKUs:      s.totalSKUs,
		CompletedSKUs:  s.completedSKUs,
		Workers:        map[string]int{},
	}
	for site, n := range s.workers {
		resp.Workers[site] = n
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		resp.StartedAt = &started
	}
	if s.running && s.completedSKUs > 0 && s.totalSKUs > s.completedSKUs {
		elapsed := time.Since(s.startedAt).Seconds()
		perSKU := elapsed / float64(s.completedSKUs)
		resp.ETASeconds = int(perSKU * float64(s.totalSKUs-s.completedSKUs))
	}
	return resp
}
