// Package classifier maps exceptions and page content to a closed set of
// failure kinds with a confidence score (spec.md §4.2). The ruleset is
// encoded as ordered declarative entries (pattern -> kind -> confidence)
// per spec.md §9's re-architecture guidance, rather than as branching
// code, so it is testable as data.
package classifier

import (
	"regexp"
	"sort"
	"strings"
)

// Kind is the closed set of failure kinds the classifier produces.
type Kind string

const (
	KindNoResults       Kind = "no_results"
	KindLoginFailed     Kind = "login_failed"
	KindCaptchaDetected Kind = "captcha_detected"
	KindRateLimited     Kind = "rate_limited"
	KindPageNotFound    Kind = "page_not_found"
	KindAccessDenied    Kind = "access_denied"
	KindNetworkError    Kind = "network_error"
	KindElementMissing  Kind = "element_missing"
	KindTimeout         Kind = "timeout"
)

// Retryable implements the retryability taxonomy of spec.md §4.3/§7:
// everything is retryable except the explicit non-retryable set.
func (k Kind) Retryable() bool {
	switch k {
	case KindLoginFailed, KindPageNotFound, KindNoResults:
		return false
	default:
		return true
	}
}

// RecoveryStrategy is a closed set of recovery-hook actions the Retry Executor
// consults (spec.md §4.3).
type RecoveryStrategy string

const (
	RecoveryNone           RecoveryStrategy = ""
	RecoveryRefreshAndWait RecoveryStrategy = "refresh_and_wait"
	RecoveryWait30s        RecoveryStrategy = "wait_30s"
	RecoveryClearCookies   RecoveryStrategy = "clear_cookies_and_wait"
)

// FailureContext is the classifier's output (spec.md §4.2).
type FailureContext struct {
	Kind             Kind
	Confidence       float64
	Details          string
	RecoveryStrategy RecoveryStrategy
}

// exceptionRule matches against a typed exception name and/or its
// message. typePattern and messagePattern may be empty to mean "don't
// care"; at least one must be set.
type exceptionRule struct {
	kind          Kind
	confidence    float64
	typePattern   *regexp.Regexp // matches exception "type" strings, e.g. "TimeoutError"
	messagePattern *regexp.Regexp
	recovery      RecoveryStrategy
}

// pageRule matches page-content text patterns.
type pageRule struct {
	kind       Kind
	confidence float64
	pattern    *regexp.Regexp
}

// Classifier pre-compiles every pattern once at construction (spec.md
// §4.2 step 1) and never re-compiles on the hot path.
type Classifier struct {
	exceptionRules []exceptionRule
	pageRules      []pageRule
}

func New() *Classifier {
	return &Classifier{
		exceptionRules: defaultExceptionRules(),
		pageRules:      defaultPageRules(),
	}
}

func mustCompile(pat string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + pat)
}

// defaultExceptionRules encodes spec.md §4.2 step 2-4: exception-type
// matching first (timeout types -> timeout 0.9; element-not-found ->
// element_missing 0.8; network-ish strings -> network_error 0.8), then
// message-pattern fallback at confidence 0.7, in declaration order.
func defaultExceptionRules() []exceptionRule {
	return []exceptionRule{
		{kind: KindTimeout, confidence: 0.9, typePattern: mustCompile(`timeout`)},
		{kind: KindElementMissing, confidence: 0.8, typePattern: mustCompile(`no.?such.?element|element.?not.?found`)},
		{kind: KindNetworkError, confidence: 0.8, typePattern: mustCompile(`network|connection|dns`)},

		{kind: KindCaptchaDetected, confidence: 0.7, messagePattern: mustCompile(`captcha|are you a robot|verify you are human`), recovery: RecoveryRefreshAndWait},
		{kind: KindRateLimited, confidence: 0.7, messagePattern: mustCompile(`rate.?limit|too many requests|429`), recovery: RecoveryWait30s},
		{kind: KindAccessDenied, confidence: 0.7, messagePattern: mustCompile(`access denied|forbidden|403|blocked`), recovery: RecoveryClearCookies},
		{kind: KindLoginFailed, confidence: 0.7, messagePattern: mustCompile(`login failed|invalid credentials|authentication failed`)},
		{kind: KindPageNotFound, confidence: 0.7, messagePattern: mustCompile(`not found|404`)},
		{kind: KindElementMissing, confidence: 0.7, messagePattern: mustCompile(`selector|locator`)},
		{kind: KindTimeout, confidence: 0.7, messagePattern: mustCompile(`timed? out`)},
	}
}

func defaultPageRules() []pageRule {
	return []pageRule{
		{kind: KindCaptchaDetected, confidence: 0.85, pattern: mustCompile(`captcha|are you a robot`)},
		{kind: KindAccessDenied, confidence: 0.8, pattern: mustCompile(`access denied|forbidden`)},
	}
}

// ClassifyException implements spec.md §4.2's exception branch: exact
// exception-type rules first, then message-pattern rules (first match
// wins within each phase), and finally the network_error 0.3 fallback.
func (c *Classifier) ClassifyException(excType, message string) FailureContext {
	for _, r := range c.exceptionRules {
		if r.typePattern == nil {
			continue
		}
		if r.typePattern.MatchString(excType) {
			return FailureContext{Kind: r.kind, Confidence: r.confidence, Details: message, RecoveryStrategy: r.recovery}
		}
	}
	for _, r := range c.exceptionRules {
		if r.messagePattern == nil {
			continue
		}
		if r.messagePattern.MatchString(message) || r.messagePattern.MatchString(excType) {
			return FailureContext{Kind: r.kind, Confidence: r.confidence, Details: message, RecoveryStrategy: r.recovery}
		}
	}
	return FailureContext{Kind: KindNetworkError, Confidence: 0.3, Details: message}
}

// PageSignal is one candidate classification surfaced while inspecting
// page content: a selector match, a text-pattern match, or an HTTP
// status. Tie-breaking (spec.md §4.2) prefers selector > text > status,
// then highest confidence, then declaration order.
type PageSignal struct {
	source     pageSignalSource
	declOrder  int
	ctx        FailureContext
}

type pageSignalSource int

const (
	sourceSelector pageSignalSource = iota
	sourceText
	sourceStatus
)

// ClassifyPage implements spec.md §4.2's page-content branch: (a)
// site-specific no-results selectors, (b) site-specific text patterns,
// (c) HTTP status mapping, with tie-breaking by source then confidence
// then declaration order.
func (c *Classifier) ClassifyPage(noResultsSelectorsMatched []string, pageText string, httpStatus int) FailureContext {
	var signals []PageSignal

	for i, sel := range noResultsSelectorsMatched {
		if sel == "" {
			continue
		}
		signals = append(signals, PageSignal{
			source:    sourceSelector,
			declOrder: i,
			ctx:       FailureContext{Kind: KindNoResults, Confidence: 0.9, Details: "selector matched: " + sel},
		})
	}

	for i, r := range c.pageRules {
		if r.pattern.MatchString(pageText) {
			signals = append(signals, PageSignal{
				source:    sourceText,
				declOrder: i,
				ctx:       FailureContext{Kind: r.kind, Confidence: r.confidence, Details: "text pattern matched"},
			})
		}
	}

	if statusCtx, ok := classifyStatus(httpStatus); ok {
		signals = append(signals, PageSignal{source: sourceStatus, declOrder: 0, ctx: statusCtx})
	}

	if len(signals) == 0 {
		return FailureContext{Kind: KindNetworkError, Confidence: 0.3, Details: "unclassified page content"}
	}

	sort.SliceStable(signals, func(i, j int) bool {
		if signals[i].source != signals[j].source {
			return signals[i].source < signals[j].source
		}
		if signals[i].ctx.Confidence != signals[j].ctx.Confidence {
			return signals[i].ctx.Confidence > signals[j].ctx.Confidence
		}
		return signals[i].declOrder < signals[j].declOrder
	})
	return signals[0].ctx
}

// classifyStatus implements spec.md §4.2's HTTP status mapping:
// 404 -> page_not_found 0.95, 403/401 -> access_denied, 429 -> rate_limited,
// 5xx -> network_error.
func classifyStatus(status int) (FailureContext, bool) {
	switch {
	case status == 404:
		return FailureContext{Kind: KindPageNotFound, Confidence: 0.95}, true
	case status == 403 || status == 401:
		return FailureContext{Kind: KindAccessDenied, Confidence: 0.85}, true
	case status == 429:
		return FailureContext{Kind: KindRateLimited, Confidence: 0.85, RecoveryStrategy: RecoveryWait30s}, true
	case status >= 500 && status < 600:
		return FailureContext{Kind: KindNetworkError, Confidence: 0.7}, true
	default:
		return FailureContext{}, false
	}
}

// MatchNoResultsText reports which of the configured text patterns are
// present in pageText, preserving declaration order. Used by the
// check_no_results workflow action (spec.md §4.6) alongside selector
// matches before calling ClassifyPage.
func MatchNoResultsText(patterns []string, pageText string) []string {
	var matched []string
	lower := strings.ToLower(pageText)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			matched = append(matched, p)
		}
	}
	return matched
}
