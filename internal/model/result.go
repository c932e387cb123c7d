package model

import "time"

// SKUType distinguishes real test SKUs from fake ones used to verify
// "no results" detection (spec.md glossary).
type SKUType string

const (
	SKUTypeTest SKUType = "test"
	SKUTypeFake SKUType = "fake"
)

// Outcome is the closed set of per-SKU scrape outcomes (spec.md §3).
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeNoResults Outcome = "no_results"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeError     Outcome = "error"
)

// SkuResult is the outcome of scraping one SKU on one site.
type SkuResult struct {
	SKU     string
	Site    string
	SKUType SKUType
	Outcome Outcome

	Data     *ProductRecord
	Err      error
	Duration time.Duration
}

// IsPassing implements spec.md §3's central derivation rule exactly:
//
//	is_passing = (sku_type == fake && outcome == no_results) ||
//	             (sku_type == test && outcome == success)
func IsPassing(t SKUType, o Outcome) bool {
	switch {
	case t == SKUTypeFake && o == OutcomeNoResults:
		return true
	case t == SKUTypeTest && o == OutcomeSuccess:
		return true
	default:
		return false
	}
}

// IsPassing is a convenience method mirroring the package-level function.
func (r SkuResult) IsPassing() bool {
	return IsPassing(r.SKUType, r.Outcome)
}

// ProductRecord is the canonical normalized product shape produced by the
// Result Collector (spec.md §4.4).
type ProductRecord struct {
	Name        string
	Brand       string
	Weight      string // normalized pounds, two-decimal string
	Images      []string
	Description string
	Category    string
	ProductType string

	// ScrapedPrice is a scraper-supplied reference price. It must never
	// displace the frozen input Price in downstream consolidation
	// (spec.md §4.4 "Frozen fields invariant", §8 property 6).
	ScrapedPrice string

	// SKU and Price are the two frozen, source-of-truth fields. They are
	// never set by scrapers; they are attached by the caller that owns
	// the originating input (spec.md §4.4, §9 open question 3).
	SKU   string
	Price string
}

// HasData implements the Result Collector's "has data" test: any of
// Name, Brand, Weight, ScrapedPrice non-empty (spec.md §4.4).
func (p ProductRecord) HasData() bool {
	return p.Name != "" || p.Brand != "" || p.Weight != "" || p.ScrapedPrice != ""
}

// Health is the closed set of scraper health statuses derived from test
// mode results (spec.md §4.7).
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthBroken   Health = "broken"
	HealthUnknown  Health = "unknown"
)

// TestResult aggregates per-SKU selector coverage for a scraper's test run
// and the derived health (spec.md §4.7).
type TestResult struct {
	ScraperName string
	RunAt       time.Time

	TestSKUResults []SkuResult
	FakeSKUResults []SkuResult

	SelectorsFound   map[string][]string // sku -> selector ids found
	SelectorsMissing map[string][]string // sku -> selector ids missing

	Health Health
}

// DeriveHealth implements spec.md §4.7's health derivation exactly:
//
//	healthy: test-SKU coverage present and all passing, fake-SKU coverage
//	         present and all passing (or no fake SKUs configured)
//	degraded: some passing, missing coverage, or partial failures
//	broken: nothing passing
//	unknown: no results to evaluate
func DeriveHealth(testResults, fakeResults []SkuResult) Health {
	if len(testResults) == 0 && len(fakeResults) == 0 {
		return HealthUnknown
	}

	testPassing, testTotal := countPassing(testResults)
	fakePassing, fakeTotal := countPassing(fakeResults)

	anyPassing := testPassing > 0 || fakePassing > 0
	if !anyPassing {
		return HealthBroken
	}

	testAllPassing := testTotal > 0 && testPassing == testTotal
	fakeAllPassingOrAbsent := fakeTotal == 0 || fakePassing == fakeTotal
	testCoveragePresent := testTotal > 0

	if testCoveragePresent && testAllPassing && fakeAllPassingOrAbsent {
		return HealthHealthy
	}
	return HealthDegraded
}

func countPassing(results []SkuResult) (passing, total int) {
	for _, r := range results {
		total++
		if r.IsPassing() {
			passing++
		}
	}
	return passing, total
}
