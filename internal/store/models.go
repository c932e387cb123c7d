package store

import "gorm.io/datatypes"

// scraperConfigRow is the gorm-mapped row for the config store schema
// named in spec.md §6. JSON-shaped fields (selectors, workflow, SKU
// lists, validation, login, last test result) are stored as
// gorm.io/datatypes.JSON columns rather than normalized tables, mirroring
// the config-as-data approach the spec itself takes.
type scraperConfigRow struct {
	ID             uint   `gorm:"primaryKey"`
	Name           string `gorm:"uniqueIndex;not null"`
	RequiresAuth   bool
	URLTemplate    string
	Timeout        int
	Disabled       bool
	Selectors      datatypes.JSON
	Workflow       datatypes.JSON
	TestSKUs       datatypes.JSON
	FakeSKUs       datatypes.JSON
	Validation     datatypes.JSON
	Login          datatypes.JSON
	LastTestResult datatypes.JSON
	Status         string
}

func (scraperConfigRow) TableName() string { return "scrapers" }

// productSourceRow stores one upsert-merged canonical record per
// (sku, site), the Result Collector's preferred sink (spec.md §4.4).
type productSourceRow struct {
	ID     uint   `gorm:"primaryKey"`
	SKU    string `gorm:"uniqueIndex:idx_product_source_sku_site"`
	Site   string `gorm:"uniqueIndex:idx_product_source_sku_site"`
	Record datatypes.JSON
}

func (productSourceRow) TableName() string { return "product_sources" }

// scrapeStatusRow records the latest scrape_status per (sku, site)
// (spec.md §6's record_scrape_status).
type scrapeStatusRow struct {
	ID           uint   `gorm:"primaryKey"`
	SKU          string `gorm:"uniqueIndex:idx_scrape_status_sku_site"`
	Site         string `gorm:"uniqueIndex:idx_scrape_status_sku_site"`
	Status       string
	ErrorMessage string
}

func (scrapeStatusRow) TableName() string { return "scrape_statuses" }
