package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/logger"
)

// PostgresStore is the reference ScraperStore + collector.Store
// implementation, backed by gorm.io/gorm and gorm.io/driver/postgres.
type PostgresStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// Open connects to dsn and migrates the schema named in spec.md §6.
func Open(dsn string, log *logger.Logger) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := db.AutoMigrate(&scraperConfigRow{}, &productSourceRow{}, &scrapeStatusRow{}); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &PostgresStore{db: db, log: log}, nil
}

// RecordScrapeStatus upserts the latest status for (sku, site).
func (s *PostgresStore) RecordScrapeStatus(sku, site string, status model.ScrapeRecordStatus, errorMessage string) error {
	row := scrapeStatusRow{SKU: sku, Site: site, Status: string(status), ErrorMessage: errorMessage}
	return s.db.Where(scrapeStatusRow{SKU: sku, Site: site}).
		Assign(scrapeStatusRow{Status: string(status), ErrorMessage: errorMessage}).
		FirstOrCreate(&row).Error
}

// UpdateProductSource upserts the canonical record for (sku, site),
// fulfilling collector.Store as well as the §6 persistence interface.
func (s *PostgresStore) UpdateProductSource(sku, site string, rec model.ProductRecord) error {
	row := productSourceRow{SKU: sku, Site: site, Record: toJSON(rec)}
	return s.db.Where(productSourceRow{SKU: sku, Site: site}).
		Assign(productSourceRow{Record: toJSON(rec)}).
		FirstOrCreate(&row).Error
}

// Upsert implements collector.Store, delegating straight to
// UpdateProductSource so the collector and the §6 persistence contract
// share one sink.
func (s *PostgresStore) Upsert(sku, site string, rec model.ProductRecord) error {
	return s.UpdateProductSource(sku, site, rec)
}

// GetScraper loads one scraper's config by name.
func (s *PostgresStore) GetScraper(name string) (model.SiteConfig, error) {
	var row scraperConfigRow
	if err := s.db.Where("name = ?", name).First(&row).Error; err != nil {
		return model.SiteConfig{}, fmt.Errorf("store: get scraper %q: %w", name, err)
	}
	return rowToSiteConfig(row), nil
}

// UpdateScraperTestResult persists the latest test-mode run for name.
func (s *PostgresStore) UpdateScraperTestResult(name string, result model.TestResult) error {
	return s.db.Model(&scraperConfigRow{}).Where("name = ?", name).
		Update("last_test_result", toJSON(result)).Error
}

// UpdateScraperHealth persists the derived health status for name.
func (s *PostgresStore) UpdateScraperHealth(name string, health model.Health) error {
	return s.db.Model(&scraperConfigRow{}).Where("name = ?", name).
		Update("status", string(health)).Error
}

// UpsertScraperConfig writes or replaces a scraper's full config row;
// used by the config-loading seed path and by administrative tooling.
func (s *PostgresStore) UpsertScraperConfig(cfg model.SiteConfig) error {
	row := siteConfigToRow(cfg)
	return s.db.Where("name = ?", cfg.Name).Assign(row).FirstOrCreate(&row).Error
}
