// Package events implements the structured, buffered, subscriber fan-out
// event bus described in spec.md §4.1. It is grounded in the same
// publish/broadcast shape as a notification hub: a set of subscriber
// callbacks fed from a single emit path, plus bounded history buffers for
// replay via Query.
package events

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// Subscriber receives a copy of every event emitted after it subscribes.
type Subscriber func(model.ScraperEvent)

// Options configures buffer sizes; zero values fall back to spec.md
// §4.1's defaults (1000 global / 500 per-job / 100 max jobs).
type Options struct {
	GlobalCapacity int
	PerJobCapacity int
	MaxJobs        int
	LogPath        string
}

func (o Options) withDefaults() Options {
	if o.GlobalCapacity <= 0 {
		o.GlobalCapacity = 1000
	}
	if o.PerJobCapacity <= 0 {
		o.PerJobCapacity = 500
	}
	if o.MaxJobs <= 0 {
		o.MaxJobs = 100
	}
	return o
}

// Bus is the thread-safe, buffered, subscriber fan-out event bus.
type Bus struct {
	mu   sync.Mutex
	opts Options
	log  *logger.Logger

	global *ring
	perJob map[string]*ring
	jobLRU []string // most-recently-touched job ids, front = most recent

	subs   map[int]Subscriber
	nextID int

	logFile *os.File
	logW    *bufio.Writer
}

// New constructs a Bus. If opts.LogPath is non-empty, every event is also
// appended as a JSON line for durability; failures to open or write
// degrade to in-memory-only with a logged warning (spec.md §4.1).
func New(opts Options, log *logger.Logger) *Bus {
	opts = opts.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	b := &Bus{
		opts:   opts,
		log:    log,
		global: newRing(opts.GlobalCapacity),
		perJob: map[string]*ring{},
		subs:   map[int]Subscriber{},
	}
	if opts.LogPath != "" {
		f, err := os.OpenFile(opts.LogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Warn("event bus: failed to open durable log, continuing in-memory only", "path", opts.LogPath, "error", err)
		} else {
			b.logFile = f
			b.logW = bufio.NewWriter(f)
		}
	}
	return b
}

// Close flushes and closes the durable log file, if any.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logW != nil {
		_ = b.logW.Flush()
	}
	if b.logFile != nil {
		return b.logFile.Close()
	}
	return nil
}

// Subscribe registers a callback invoked for every event emitted after
// this call, in emit order. It returns an unsubscribe function.
func (b *Bus) Subscribe(cb Subscriber) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = cb
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Unsubscribe is a convenience alias matching spec.md's named contract;
// most callers use the closure Subscribe returns instead.
func (b *Bus) Unsubscribe(cancel func()) {
	if cancel != nil {
		cancel()
	}
}

// Emit publishes an event. It fills in EventID/Timestamp if unset,
// validates the event type against the closed set, stores it in the
// global and per-job ring buffers, appends it to the durable log (best
// effort), and fans it out to subscribers. A panicking subscriber is
// recovered and logged; it never breaks delivery to other subscribers or
// to the caller (spec.md §4.1).
func (b *Bus) Emit(e model.ScraperEvent) {
	if _, ok := model.KnownEventTypes[e.EventType]; !ok {
		b.log.Warn("event bus: rejecting unknown event type", "event_type", e.EventType)
		return
	}
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Severity == "" {
		e.Severity = model.SeverityInfo
	}
	stored := e.Clone()

	b.mu.Lock()
	b.global.push(stored)
	if e.JobID != "" {
		jr := b.perJob[e.JobID]
		if jr == nil {
			jr = newRing(b.opts.PerJobCapacity)
			b.perJob[e.JobID] = jr
			b.touchJobLocked(e.JobID)
			b.evictOldJobsLocked()
		} else {
			b.touchJobLocked(e.JobID)
		}
		jr.push(stored.Clone())
	}
	subsSnapshot := make([]Subscriber, 0, len(b.subs))
	for _, cb := range b.subs {
		subsSnapshot = append(subsSnapshot, cb)
	}
	b.mu.Unlock()

	b.appendDurable(stored)

	for _, cb := range subsSnapshot {
		b.deliver(cb, stored.Clone())
	}
}

func (b *Bus) deliver(cb Subscriber, e model.ScraperEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event bus: subscriber panicked, dropping this delivery", "panic", r, "event_type", e.EventType)
		}
	}()
	cb(e)
}

func (b *Bus) appendDurable(e model.ScraperEvent) {
	b.mu.Lock()
	w := b.logW
	b.mu.Unlock()
	if w == nil {
		return
	}
	line, err := json.Marshal(wireEvent(e))
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.logW == nil {
		return
	}
	if _, err := b.logW.Write(line); err != nil {
		b.log.Warn("event bus: durable write failed, degrading to in-memory only", "error", err)
		_ = b.logFile.Close()
		b.logFile, b.logW = nil, nil
		return
	}
	_, _ = b.logW.WriteString("\n")
	_ = b.logW.Flush()
}

// touchJobLocked moves jobID to the front of the LRU list. Caller must
// hold b.mu.
func (b *Bus) touchJobLocked(jobID string) {
	for i, id := range b.jobLRU {
		if id == jobID {
			b.jobLRU = append(b.jobLRU[:i], b.jobLRU[i+1:]...)
			break
		}
	}
	b.jobLRU = append([]string{jobID}, b.jobLRU...)
}

// evictOldJobsLocked drops the least-recently-touched job buffers beyond
// opts.MaxJobs. Caller must hold b.mu.
func (b *Bus) evictOldJobsLocked() {
	for len(b.jobLRU) > b.opts.MaxJobs {
		victim := b.jobLRU[len(b.jobLRU)-1]
		b.jobLRU = b.jobLRU[:len(b.jobLRU)-1]
		delete(b.perJob, victim)
	}
}

// Clear drops the per-job buffer for jobID (spec.md §4.1 contract).
func (b *Bus) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.perJob, jobID)
	for i, id := range b.jobLRU {
		if id == jobID {
			b.jobLRU = append(b.jobLRU[:i], b.jobLRU[i+1:]...)
			break
		}
	}
}

// Filter narrows a Query: JobID ("" = any), EventTypes (empty = any), and
// Since (zero = no lower bound).
type Filter struct {
	JobID      string
	EventTypes map[model.EventType]struct{}
	Since      time.Time
}

// Query returns up to limit events matching filter, most-recent last,
// preferring the per-job buffer when filter.JobID is set (spec.md §4.1).
func (b *Bus) Query(filter Filter, limit int) []model.ScraperEvent {
	b.mu.Lock()
	var source []model.ScraperEvent
	if filter.JobID != "" {
		if jr := b.perJob[filter.JobID]; jr != nil {
			source = jr.snapshot()
		}
	} else {
		source = b.global.snapshot()
	}
	b.mu.Unlock()

	out := make([]model.ScraperEvent, 0, len(source))
	for _, e := range source {
		if filter.JobID != "" && e.JobID != filter.JobID {
			continue
		}
		if len(filter.EventTypes) > 0 {
			if _, ok := filter.EventTypes[e.EventType]; !ok {
				continue
			}
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

type wireEventT struct {
	EventType string         `json:"event_type"`
	Timestamp string         `json:"timestamp"`
	JobID     *string        `json:"job_id"`
	EventID   string         `json:"event_id"`
	Severity  string         `json:"severity"`
	Data      map[string]any `json:"data"`
}

func wireEvent(e model.ScraperEvent) wireEventT {
	var jobID *string
	if e.JobID != "" {
		jobID = &e.JobID
	}
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return wireEventT{
		EventType: string(e.EventType),
		Timestamp: e.Timestamp.Format(time.RFC3339Nano),
		JobID:     jobID,
		EventID:   e.EventID,
		Severity:  string(e.Severity),
		Data:      data,
	}
}
