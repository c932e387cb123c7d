package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/brightfield-labs/scraperd/internal/classifier"
	"github.com/brightfield-labs/scraperd/internal/retry"
)

// ErrConditionalSkip is returned by the conditional_skip action to
// cleanly halt the workflow with a successful, no-data outcome (spec.md
// §4.6 step 6). The executor recognizes it specially and does not treat
// it as a failure.
var ErrConditionalSkip = errors.New("workflow: conditional skip")

// ActionFunc is one registered workflow action. params have already had
// "{name}" placeholders resolved against the ExecutionContext.
type ActionFunc func(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error

// Retryable is the whitelisted subset of actions execute_workflow wraps
// in execute_with_retry (spec.md §4.6 step 3).
var Retryable = map[string]bool{
	"navigate":         true,
	"wait_for":         true,
	"click":            true,
	"input_text":       true,
	"login":            true,
	"check_no_results": true,
	"detect_captcha":   true,
}

// Registry looks up action handlers by name, built once at construction
// (mirrors the failure classifier's declarative-ruleset spirit: a table,
// not a chain of branches).
type Registry struct {
	actions map[string]ActionFunc
}

func NewRegistry() *Registry {
	r := &Registry{actions: map[string]ActionFunc{}}
	r.registerDefaults()
	return r
}

func (r *Registry) Register(name string, fn ActionFunc) { r.actions[name] = fn }

func (r *Registry) Lookup(name string) (ActionFunc, bool) {
	fn, ok := r.actions[name]
	return fn, ok
}

func (r *Registry) registerDefaults() {
	r.actions["navigate"] = actionNavigate
	r.actions["wait_for"] = actionWaitFor
	r.actions["click"] = actionClick
	r.actions["input_text"] = actionInputText
	r.actions["extract_single"] = actionExtractSingle
	r.actions["extract_multiple"] = actionExtractMultiple
	r.actions["extract"] = actionExtractSingle
	r.actions["transform_value"] = actionTransformValue
	r.actions["parse_table"] = actionParseTable
	r.actions["check_no_results"] = actionCheckNoResults
	r.actions["conditional_skip"] = actionConditionalSkip
	r.actions["verify"] = actionVerify
	r.actions["execute_script"] = actionExecuteScript
	r.actions["scroll"] = actionScroll
	r.actions["wait"] = actionWait
	r.actions["conditional_click"] = actionConditionalClick
	r.actions["login"] = actionLogin
	r.actions["detect_captcha"] = actionDetectCaptcha
}

func actionNavigate(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	url, err := requireString(params, "url")
	if err != nil {
		return err
	}
	status, err := page.Navigate(ctx, url)
	if err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindNetworkError}}
	}
	if waitAfter := paramInt(params, "wait_after_ms", 0); waitAfter > 0 {
		sleepCtx(ctx, time.Duration(waitAfter)*time.Millisecond)
	}
	errCodes := paramIntSlice(params, "error_codes")
	failOnError := paramBool(params, "fail_on_error", len(errCodes) > 0)
	if failOnError && containsInt(errCodes, status) {
		fc := classifier.New().ClassifyPage(nil, "", status)
		return &retry.ClassifiedError{Err: fmt.Errorf("navigate: http status %d", status), Context: fc}
	}
	return nil
}

func actionWaitFor(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selectors := paramStringSlice(params, "selector")
	if len(selectors) == 0 {
		return fmt.Errorf("workflow: wait_for requires at least one selector")
	}
	timeoutMs := paramInt(params, "timeout_ms", 5000)
	found, err := page.WaitForAny(ctx, selectors, timeoutMs)
	if err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindTimeout}}
	}
	ec.Data["_last_wait_found"] = found
	return nil
}

func actionClick(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selector, err := requireString(params, "selector")
	if err != nil {
		return err
	}
	elements, err := page.FindAll(ctx, selector)
	if err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindElementMissing}}
	}
	elements = filterByText(elements, paramString(params, "filter_text", ""), paramString(params, "filter_text_exclude", ""))
	idx := paramInt(params, "index", 0)
	if idx < 0 || idx >= len(elements) {
		return &retry.ClassifiedError{
			Err:     fmt.Errorf("click: index %d out of range (%d matches)", idx, len(elements)),
			Context: classifier.FailureContext{Kind: classifier.KindElementMissing},
		}
	}
	el := elements[idx]
	_ = page.ScrollIntoView(ctx, el)
	if err := page.Click(ctx, el); err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindElementMissing}}
	}
	if waitAfter := paramInt(params, "wait_after_ms", 0); waitAfter > 0 {
		sleepCtx(ctx, time.Duration(waitAfter)*time.Millisecond)
	}
	return nil
}

func filterByText(elements []Element, include, exclude string) []Element {
	var inc, exc *regexp.Regexp
	if include != "" {
		inc = regexp.MustCompile(include)
	}
	if exclude != "" {
		exc = regexp.MustCompile(exclude)
	}
	if inc == nil && exc == nil {
		return elements
	}
	out := make([]Element, 0, len(elements))
	for _, e := range elements {
		if inc != nil && !inc.MatchString(e.Text) {
			continue
		}
		if exc != nil && exc.MatchString(e.Text) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func actionInputText(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selector, err := requireString(params, "selector")
	if err != nil {
		return err
	}
	text := paramString(params, "text", "")
	clearFirst := paramBool(params, "clear_first", true)
	if err := page.InputText(ctx, selector, text, clearFirst); err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindElementMissing}}
	}
	return nil
}

func actionExtractSingle(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selector, err := requireString(params, "selector")
	if err != nil {
		return err
	}
	attribute := paramString(params, "attribute", "")
	target := paramString(params, "target_field", "value")
	val, err := page.ExtractText(ctx, selector, attribute)
	if err != nil {
		return nil // extraction misses are not fatal; field is simply absent (spec.md §4.6 actions are best-effort for extract)
	}
	ec.Data[target] = val
	return nil
}

func actionExtractMultiple(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selector, err := requireString(params, "selector")
	if err != nil {
		return err
	}
	attribute := paramString(params, "attribute", "")
	target := paramString(params, "target_field", "values")
	vals, err := page.ExtractAll(ctx, selector, attribute)
	if err != nil {
		return nil
	}
	if paramBool(params, "dedupe", true) {
		vals = dedupe(vals)
	}
	ec.Data[target] = vals
	return nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func actionTransformValue(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	source, err := requireString(params, "source_field")
	if err != nil {
		return err
	}
	target := paramString(params, "target_field", source)
	raw, _ := ec.Data[source].(string)

	transforms, _ := params["transformations"].([]any)
	for _, t := range transforms {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		raw = applyTransform(raw, tm)
	}
	ec.Data[target] = raw
	return nil
}

func applyTransform(val string, t map[string]any) string {
	switch paramString(t, "type", "") {
	case "replace":
		return strings.ReplaceAll(val, paramString(t, "old", ""), paramString(t, "new", ""))
	case "strip":
		cutset := paramString(t, "cutset", " \t\n")
		return strings.Trim(val, cutset)
	case "lower":
		return strings.ToLower(val)
	case "upper":
		return strings.ToUpper(val)
	case "title":
		return strings.Title(strings.ToLower(val))
	case "regex_extract":
		pattern := paramString(t, "pattern", "")
		if pattern == "" {
			return val
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return val
		}
		group := paramInt(t, "group", 1)
		m := re.FindStringSubmatch(val)
		if m == nil || group >= len(m) {
			return val
		}
		return m[group]
	default:
		return val
	}
}

func actionParseTable(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selector, err := requireString(params, "selector")
	if err != nil {
		return err
	}
	target := paramString(params, "target_field", "table")
	keyCol := paramString(params, "key_column", "key")
	valCol := paramString(params, "value_column", "value")

	rows, err := page.ExtractTable(ctx, selector)
	if err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindElementMissing}}
	}
	out := map[string]string{}
	for _, row := range rows {
		k, hasK := row[keyCol]
		v, hasV := row[valCol]
		if hasK && hasV {
			out[k] = v
		}
	}
	ec.Data[target] = out
	return nil
}

func actionCheckNoResults(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selectors := paramStringSlice(params, "no_results_selectors")
	textPatterns := paramStringSlice(params, "no_results_text_patterns")
	recheckDelay := time.Duration(paramInt(params, "recheck_delay_ms", 150)) * time.Millisecond

	matched, err := matchNoResults(ctx, page, selectors, textPatterns)
	if err != nil {
		return nil
	}
	if !matched {
		return nil
	}

	sleepCtx(ctx, recheckDelay)
	matched, err = matchNoResults(ctx, page, selectors, textPatterns)
	if err != nil || !matched {
		return nil // transient; reject it (spec.md §4.6)
	}

	ec.NoResultsFound = true
	return nil
}

func matchNoResults(ctx context.Context, page Page, selectors, textPatterns []string) (bool, error) {
	for _, sel := range selectors {
		els, err := page.FindAll(ctx, sel)
		if err == nil && len(els) > 0 {
			return true, nil
		}
	}
	if len(textPatterns) > 0 {
		text, err := page.PageText(ctx)
		if err != nil {
			return false, err
		}
		if len(classifier.MatchNoResultsText(textPatterns, text)) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func actionConditionalSkip(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	flag := paramString(params, "if_flag", "")
	if flag == "" {
		if ec.NoResultsFound {
			return ErrConditionalSkip
		}
		return nil
	}
	if v, ok := ec.Data[flag]; ok {
		if b, ok := v.(bool); ok && b {
			return ErrConditionalSkip
		}
	}
	return nil
}

func actionVerify(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	selector, err := requireString(params, "selector")
	if err != nil {
		return err
	}
	attribute := paramString(params, "attribute", "")
	expected := paramString(params, "expected_value", "")
	mode := paramString(params, "match_mode", "exact")
	onFailure := paramString(params, "on_failure", "fail")

	actual, err := page.ExtractText(ctx, selector, attribute)
	if err != nil {
		actual = ""
	}

	ok := false
	switch mode {
	case "exact":
		ok = actual == expected
	case "contains":
		ok = strings.Contains(actual, expected)
	case "fuzzy_number":
		ok = fuzzyNumberMatch(actual, expected)
	}
	if ok {
		return nil
	}
	switch onFailure {
	case "warn":
		return nil
	case "skip":
		return ErrConditionalSkip
	default:
		return &retry.ClassifiedError{
			Err:     fmt.Errorf("verify: %q expected %q got %q (mode %s)", selector, expected, actual, mode),
			Context: classifier.FailureContext{Kind: classifier.KindElementMissing},
		}
	}
}

func fuzzyNumberMatch(actual, expected string) bool {
	a, err1 := strconv.ParseFloat(strings.TrimSpace(actual), 64)
	e, err2 := strconv.ParseFloat(strings.TrimSpace(expected), 64)
	if err1 != nil || err2 != nil {
		return false
	}
	const tolerance = 0.01
	diff := a - e
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance*maxAbs(a, e)
}

func maxAbs(a, b float64) float64 {
	if a < 0 {
		a = -a
	}
	if b < 0 {
		b = -b
	}
	if a > b {
		return a
	}
	return b
}

func actionExecuteScript(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	script, err := requireString(params, "script")
	if err != nil {
		return err
	}
	result, err := page.ExecuteScript(ctx, script)
	if err != nil {
		return err
	}
	if target := paramString(params, "target_field", ""); target != "" {
		ec.Data[target] = result
	}
	return nil
}

func actionScroll(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	return page.Scroll(ctx, paramInt(params, "dx", 0), paramInt(params, "dy", 0))
}

func actionWait(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	sleepCtx(ctx, time.Duration(paramInt(params, "duration_ms", 0))*time.Millisecond)
	return nil
}

func actionConditionalClick(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	flag := paramString(params, "if_flag", "")
	if flag != "" {
		v, ok := ec.Data[flag]
		if !ok {
			return nil
		}
		if b, ok := v.(bool); !ok || !b {
			return nil
		}
	}
	return actionClick(ctx, page, ec, params)
}

func actionLogin(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	url, err := requireString(params, "url")
	if err != nil {
		return err
	}
	successIndicator, err := requireString(params, "success_indicator")
	if err != nil {
		return err
	}
	timeoutMs := paramInt(params, "timeout_ms", 30000)

	if _, err := page.Navigate(ctx, url); err != nil {
		return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindNetworkError}}
	}
	if _, err := page.WaitForAny(ctx, []string{successIndicator}, 1500); err == nil {
		return nil // already logged in
	}

	usernameField := paramString(params, "username_field", "")
	passwordField := paramString(params, "password_field", "")
	submitButton := paramString(params, "submit_button", "")
	username := paramString(params, "username", "")
	password := paramString(params, "password", "")

	if usernameField != "" {
		if err := page.InputText(ctx, usernameField, username, true); err != nil {
			return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindLoginFailed}}
		}
	}
	if passwordField != "" {
		if err := page.InputText(ctx, passwordField, password, true); err != nil {
			return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindLoginFailed}}
		}
	}
	if submitButton != "" {
		els, err := page.FindAll(ctx, submitButton)
		if err != nil || len(els) == 0 {
			return &retry.ClassifiedError{Err: fmt.Errorf("login: submit button not found"), Context: classifier.FailureContext{Kind: classifier.KindLoginFailed}}
		}
		if err := page.Click(ctx, els[0]); err != nil {
			return &retry.ClassifiedError{Err: err, Context: classifier.FailureContext{Kind: classifier.KindLoginFailed}}
		}
	}
	if _, err := page.WaitForAny(ctx, []string{successIndicator}, timeoutMs); err != nil {
		return &retry.ClassifiedError{Err: fmt.Errorf("login: success indicator not found"), Context: classifier.FailureContext{Kind: classifier.KindLoginFailed}}
	}
	return nil
}

func actionDetectCaptcha(ctx context.Context, page Page, ec *ExecutionContext, params map[string]any) error {
	text, err := page.PageText(ctx)
	if err != nil {
		return nil
	}
	fc := classifier.New().ClassifyPage(nil, text, 200)
	if fc.Kind == classifier.KindCaptchaDetected {
		return &retry.ClassifiedError{Err: errors.New("captcha detected"), Context: fc}
	}
	return nil
}

func paramIntSlice(params map[string]any, key string) []int {
	v, ok := params[key]
	if !ok {
		return nil
	}
	var out []int
	switch t := v.(type) {
	case []int:
		out = t
	case []any:
		for _, e := range t {
			switch n := e.(type) {
			case int:
				out = append(out, n)
			case float64:
				out = append(out, int(n))
			}
		}
	}
	return out
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
