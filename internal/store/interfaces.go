// Package store implements the persistence interface of spec.md §6: a
// gorm/postgres-backed config store plus scrape-status/product-source
// tracking, and an optional Redis-backed durable event fan-out.
package store

import "github.com/brightfield-labs/scraperd/internal/model"

// ScraperStore is the persistence interface the core consumes (spec.md
// §6). It never exposes gorm types at its boundary so callers in
// internal/jobrunner and internal/collector can depend on the interface
// alone.
type ScraperStore interface {
	RecordScrapeStatus(sku, site string, status model.ScrapeRecordStatus, errorMessage string) error
	UpdateProductSource(sku, site string, rec model.ProductRecord) error
	GetScraper(name string) (model.SiteConfig, error)
	UpdateScraperTestResult(name string, result model.TestResult) error
	UpdateScraperHealth(name string, health model.Health) error
}
