// Package workflow implements the Workflow Executor of spec.md §4.6: it
// runs a site's declarative workflow steps against one SKU through a
// browser substrate, wrapping retryable steps in the Retry Executor and
// emitting events throughout.
package workflow

import "context"

// Element is an opaque handle to a located DOM node, returned by Page.
// Its Text is read eagerly so click-filtering (spec.md §4.6's
// filter_text/filter_text_exclude) doesn't need a second round trip.
type Element struct {
	Text   string
	Handle any
}

// Page is the browser substrate contract every action is written
// against. It is deliberately a contract, not an implementation
// (spec.md §4.6): production wiring plugs in a real automation driver,
// tests plug in a fake.
type Page interface {
	Navigate(ctx context.Context, url string) (statusCode int, err error)
	CurrentURL() string
	PageText(ctx context.Context) (string, error)

	FindAll(ctx context.Context, selector string) ([]Element, error)
	WaitForAny(ctx context.Context, selectors []string, timeoutMs int) (found string, err error)

	Click(ctx context.Context, el Element) error
	ScrollIntoView(ctx context.Context, el Element) error
	InputText(ctx context.Context, selector, text string, clearFirst bool) error

	ExtractText(ctx context.Context, selector, attribute string) (string, error)
	ExtractAll(ctx context.Context, selector, attribute string) ([]string, error)
	ExtractTable(ctx context.Context, selector string) ([]map[string]string, error)

	ExecuteScript(ctx context.Context, script string) (any, error)
	Scroll(ctx context.Context, dx, dy int) error

	ApplyStealth(ctx context.Context) error

	CaptureDebugArtifacts(ctx context.Context) (DebugArtifacts, error)
}

// DebugArtifacts is captured on step failure when debug mode is on
// (spec.md §4.6 step 5).
type DebugArtifacts struct {
	PageContent string
	Screenshot  []byte
	URL         string
}
