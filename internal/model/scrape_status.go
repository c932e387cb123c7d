package model

// ScrapeRecordStatus is the closed set of statuses recorded against a
// (sku, site) pair via the persistence interface's record_scrape_status
// (spec.md §6).
type ScrapeRecordStatus string

const (
	ScrapeStatusPending   ScrapeRecordStatus = "pending"
	ScrapeStatusScraped   ScrapeRecordStatus = "scraped"
	ScrapeStatusNotFound  ScrapeRecordStatus = "not_found"
	ScrapeStatusError     ScrapeRecordStatus = "error"
	ScrapeStatusNoResults ScrapeRecordStatus = "no_results"
)

// FromOutcome maps a SkuResult outcome to its persisted scrape status.
func FromOutcome(o Outcome) ScrapeRecordStatus {
	switch o {
	case OutcomeSuccess:
		return ScrapeStatusScraped
	case OutcomeNoResults:
		return ScrapeStatusNoResults
	case OutcomeNotFound:
		return ScrapeStatusNotFound
	default:
		return ScrapeStatusError
	}
}
