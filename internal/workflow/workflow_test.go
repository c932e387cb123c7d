package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/model"
	"github.com/brightfield-labs/scraperd/internal/platform/config"
	"github.com/brightfield-labs/scraperd/internal/retry"
)

type fakePage struct {
	navigateStatus int
	found          map[string][]Element
	text           string
	scripted       any
}

func newFakePage() *fakePage {
	return &fakePage{navigateStatus: 200, found: map[string][]Element{}}
}

func (p *fakePage) Navigate(ctx context.Context, url string) (int, error) { return p.navigateStatus, nil }
func (p *fakePage) CurrentURL() string                                    { return "https://example.com" }
func (p *fakePage) PageText(ctx context.Context) (string, error)          { return p.text, nil }
func (p *fakePage) FindAll(ctx context.Context, selector string) ([]Element, error) {
	return p.found[selector], nil
}
func (p *fakePage) WaitForAny(ctx context.Context, selectors []string, timeoutMs int) (string, error) {
	for _, s := range selectors {
		if els, ok := p.found[s]; ok && len(els) > 0 {
			return s, nil
		}
	}
	return "", errTimeout
}
func (p *fakePage) Click(ctx context.Context, el Element) error              { return nil }
func (p *fakePage) ScrollIntoView(ctx context.Context, el Element) error     { return nil }
func (p *fakePage) InputText(ctx context.Context, selector, text string, clearFirst bool) error {
	return nil
}
func (p *fakePage) ExtractText(ctx context.Context, selector, attribute string) (string, error) {
	els := p.found[selector]
	if len(els) == 0 {
		return "", errNotFound
	}
	return els[0].Text, nil
}
func (p *fakePage) ExtractAll(ctx context.Context, selector, attribute string) ([]string, error) {
	var out []string
	for _, el := range p.found[selector] {
		out = append(out, el.Text)
	}
	return out, nil
}
func (p *fakePage) ExtractTable(ctx context.Context, selector string) ([]map[string]string, error) {
	return nil, nil
}
func (p *fakePage) ExecuteScript(ctx context.Context, script string) (any, error) { return p.scripted, nil }
func (p *fakePage) Scroll(ctx context.Context, dx, dy int) error                  { return nil }
func (p *fakePage) ApplyStealth(ctx context.Context) error                       { return nil }
func (p *fakePage) CaptureDebugArtifacts(ctx context.Context) (DebugArtifacts, error) {
	return DebugArtifacts{URL: p.CurrentURL()}, nil
}

var errTimeout = &testErr{"timed out"}
var errNotFound = &testErr{"not found"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func newExecutor() *Executor {
	retrier := retry.New(config.Config{RetryBaseDelay: 0, RetryMaxDelay: 0, RetryMaxJitter: 0.01}, classifier.New(), nil)
	return New(NewRegistry(), retrier, nil, nil)
}

func TestExecuteWorkflowExtractsAndNormalizes(t *testing.T) {
	page := newFakePage()
	page.found["#title"] = []Element{{Text: "  WIDGET DELUXE  "}}

	steps := []model.WorkflowStep{
		{Action: "navigate", Params: map[string]any{"url": "https://example.com/{sku}"}},
		{Action: "extract_single", Params: map[string]any{"selector": "#title", "target_field": "name"}},
	}
	rules := []NormalizationRule{{Field: "name", Op: "trim"}, {Field: "name", Op: "title"}}

	ec := NewExecutionContext("sku-1", "site-a", false, false)
	e := newExecutor()
	res := e.ExecuteWorkflow(context.Background(), page, "site-a", steps, rules, ec, nil)

	require.True(t, res.Success)
	require.Equal(t, "Widget Deluxe", res.Results["name"])
}

func TestExecuteWorkflowConditionalSkipOnNoResults(t *testing.T) {
	page := newFakePage()
	page.found["#no-results"] = []Element{{Text: "No products found"}}

	steps := []model.WorkflowStep{
		{Action: "check_no_results", Params: map[string]any{"no_results_selectors": []string{"#no-results"}, "recheck_delay_ms": 0}},
		{Action: "conditional_skip", Params: map[string]any{}},
		{Action: "extract_single", Params: map[string]any{"selector": "#title", "target_field": "name"}},
	}

	ec := NewExecutionContext("sku-1", "site-a", false, false)
	e := newExecutor()
	res := e.ExecuteWorkflow(context.Background(), page, "site-a", steps, nil, ec, nil)

	require.True(t, res.Success)
	require.True(t, res.NoResultsFound)
	require.NotContains(t, res.Results, "name")
}

func TestExecuteWorkflowLoginSkipsWhenAlreadyAuthenticated(t *testing.T) {
	page := newFakePage()
	page.found["#welcome"] = []Element{{Text: "hi"}}

	steps := []model.WorkflowStep{
		{Action: "login", Params: map[string]any{"url": "https://example.com/login", "success_indicator": "#welcome"}},
	}
	ec := NewExecutionContext("sku-1", "site-a", false, false)
	e := newExecutor()

	res1 := e.ExecuteWorkflow(context.Background(), page, "site-a", steps, nil, ec, nil)
	require.True(t, res1.Success)

	ec2 := NewExecutionContext("sku-2", "site-a", false, false)
	res2 := e.ExecuteWorkflow(context.Background(), page, "site-a", steps, nil, ec2, nil)
	require.True(t, res2.Success)
	require.Contains(t, res2.StepsExecuted, "login:noop")
}

func TestActionFilterByTextIncludeExclude(t *testing.T) {
	els := []Element{{Text: "In Stock"}, {Text: "Out of Stock"}, {Text: "In Stock Again"}}
	got := filterByText(els, "In Stock", "Again")
	require.Len(t, got, 1)
	require.Equal(t, "In Stock", got[0].Text)
}
