// Package collector implements the Result Collector of spec.md §4.4:
// normalize, validate, and persist per-SKU-per-site scrape outputs.
package collector

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// Store is the preferred persistence sink: an external document store
// with upsert-merge semantics per (SKU, site). internal/store provides
// a gorm/postgres-backed implementation.
type Store interface {
	Upsert(sku, site string, rec model.ProductRecord) error
}

// Stats summarizes collector activity for the /status endpoint.
type Stats struct {
	Added        int
	Skipped      int // "has data" test failed
	PersistedOK  int
	FallbackUsed int
	Sites        map[string]int
}

// Collector is the Result Collector component. It never returns an
// error from Add; persistence and normalization failures are logged
// and the call degrades gracefully (spec.md §4.4).
type Collector struct {
	mu sync.Mutex

	sessionID    string
	records      map[string]map[string]*model.ProductRecord // sku -> site -> record
	imageQuality map[string]map[string]float64
	frozenPrice  map[string]string // sku -> retail price, set once, never overwritten

	store        Store
	fallbackDir  string
	fallbackFile *os.File
	fallbackW    *bufio.Writer

	log   *logger.Logger
	stats Stats
}

func New(sessionID string, store Store, fallbackDir string, log *logger.Logger) *Collector {
	if log == nil {
		log = logger.Nop()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Collector{
		sessionID:    sessionID,
		records:      map[string]map[string]*model.ProductRecord{},
		imageQuality: map[string]map[string]float64{},
		frozenPrice:  map[string]string{},
		store:        store,
		fallbackDir:  fallbackDir,
		log:          log,
		stats:        Stats{Sites: map[string]int{}},
	}
}

// SetFrozenPrice records the source-of-truth retail price for sku. Once
// set it is never displaced by a scraper-supplied ScrapedPrice (spec.md
// §4.4's frozen fields invariant).
func (c *Collector) SetFrozenPrice(sku, price string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozenPrice[sku] = price
}

// Add normalizes and stores one (sku, site) scrape result.
// imageQuality is used to prefer the higher-quality image set when
// merging repeated writes for the same (sku, site).
func (c *Collector) Add(sku, site string, data model.ProductRecord, imageQuality float64) {
	data.Weight = NormalizeWeight(data.Weight)
	data.Images = FilterImageURLs(data.Images)
	data.SKU = sku

	c.mu.Lock()
	if price, ok := c.frozenPrice[sku]; ok {
		data.Price = price
	}
	c.mu.Unlock()

	if !data.HasData() {
		c.log.Debug("collector: no usable fields, skipping write", "sku", sku, "site", site)
		c.mu.Lock()
		c.stats.Skipped++
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	bySite, ok := c.records[sku]
	if !ok {
		bySite = map[string]*model.ProductRecord{}
		c.records[sku] = bySite
	}
	qBySite, ok := c.imageQuality[sku]
	if !ok {
		qBySite = map[string]float64{}
		c.imageQuality[sku] = qBySite
	}

	existing := bySite[site]
	merged := mergeRecord(existing, data, qBySite[site], imageQuality)
	bySite[site] = &merged
	qBySite[site] = maxFloat(qBySite[site], imageQuality)

	c.stats.Added++
	c.stats.Sites[site]++
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Upsert(sku, site, merged); err != nil {
			c.log.Warn("collector: store upsert failed, writing fallback line", "sku", sku, "site", site, "error", err)
			c.writeFallback(sku, site, merged)
			return
		}
		c.mu.Lock()
		c.stats.PersistedOK++
		c.mu.Unlock()
		return
	}
	c.writeFallback(sku, site, merged)
}

// mergeRecord folds a new write into the existing record for (sku,
// site): non-empty new fields win, except Images, which is replaced
// only when the new write carries a non-empty image list and an
// image_quality at least as high (ties go to the newer write).
func mergeRecord(existing *model.ProductRecord, incoming model.ProductRecord, existingQ, incomingQ float64) model.ProductRecord {
	if existing == nil {
		return incoming
	}
	out := *existing
	if incoming.Name != "" {
		out.Name = incoming.Name
	}
	if incoming.Brand != "" {
		out.Brand = incoming.Brand
	}
	if incoming.Weight != "" {
		out.Weight = incoming.Weight
	}
	if incoming.Description != "" {
		out.Description = incoming.Description
	}
	if incoming.Category != "" {
		out.Category = incoming.Category
	}
	if incoming.ProductType != "" {
		out.ProductType = incoming.ProductType
	}
	if incoming.ScrapedPrice != "" {
		out.ScrapedPrice = incoming.ScrapedPrice
	}
	if incoming.Price != "" {
		out.Price = incoming.Price
	}
	if incomingQ >= existingQ && len(incoming.Images) > 0 {
		out.Images = incoming.Images
	}
	return out
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Get returns a copy of every site's record for sku.
func (c *Collector) Get(sku string) map[string]model.ProductRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := map[string]model.ProductRecord{}
	for site, rec := range c.records[sku] {
		out[site] = *rec
	}
	return out
}

// StatsSnapshot returns a copy of the running stats.
func (c *Collector) StatsSnapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	sites := make(map[string]int, len(c.stats.Sites))
	for k, v := range c.stats.Sites {
		sites[k] = v
	}
	s := c.stats
	s.Sites = sites
	return s
}

// SaveSession writes every collected record plus metadata to a
// JSON-lines file named by session id and returns its location
// (spec.md §4.4's save_session contract).
func (c *Collector) SaveSession(metadata map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.fallbackDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("collector: create session dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("session-%s.jsonl", c.sessionID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("collector: create session file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)

	header, _ := json.Marshal(map[string]any{"session_id": c.sessionID, "saved_at": time.Now().Format(time.RFC3339), "metadata": metadata})
	w.Write(header)
	w.WriteString("\n")

	for sku, bySite := range c.records {
		for site, rec := range bySite {
			line, _ := json.Marshal(map[string]any{"sku": sku, "site": site, "record": rec})
			w.Write(line)
			w.WriteString("\n")
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("collector: flush session file: %w", err)
	}
	return path, nil
}

func (c *Collector) writeFallback(sku, site string, rec model.ProductRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallbackFile == nil {
		dir := c.fallbackDir
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			c.log.Warn("collector: cannot create fallback dir, dropping write", "error", err)
			return
		}
		path := filepath.Join(dir, fmt.Sprintf("session-%s.fallback.jsonl", c.sessionID))
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			c.log.Warn("collector: cannot open fallback file, dropping write", "error", err)
			return
		}
		c.fallbackFile = f
		c.fallbackW = bufio.NewWriter(f)
	}
	line, err := json.Marshal(map[string]any{"sku": sku, "site": site, "record": rec, "at": time.Now().Format(time.RFC3339)})
	if err != nil {
		return
	}
	c.fallbackW.Write(line)
	c.fallbackW.WriteString("\n")
	_ = c.fallbackW.Flush()
	c.stats.FallbackUsed++
}

// Close flushes any open fallback file handle.
func (c *Collector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallbackW != nil {
		_ = c.fallbackW.Flush()
	}
	if c.fallbackFile != nil {
		return c.fallbackFile.Close()
	}
	return nil
}
