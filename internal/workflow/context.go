package workflow

import (
	"regexp"
	"strconv"
)

// ExecutionContext carries per-run state through a workflow: the
// resolved step parameters substitute "{name}"-style placeholders
// against it (spec.md §4.6, §3).
type ExecutionContext struct {
	SKU      string
	Site     string
	TestMode bool
	Debug    bool

	Data map[string]any // named extracted/transformed fields

	NoResultsFound bool
	StepsExecuted  []string
	Errors         []string
}

func NewExecutionContext(sku, site string, testMode, debug bool) *ExecutionContext {
	return &ExecutionContext{
		SKU:      sku,
		Site:     site,
		TestMode: testMode,
		Debug:    debug,
		Data:     map[string]any{},
	}
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// resolve substitutes "{name}"-style references in v
// against ec.Data plus the built-in "sku"/"site" names (spec.md §4.6
// step 2).
func (ec *ExecutionContext) resolve(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[1 : len(match)-1]
		switch name {
		case "sku":
			return ec.SKU
		case "site":
			return ec.Site
		}
		if val, ok := ec.Data[name]; ok {
			return toString(val)
		}
		return match
	})
}

// resolveParams returns a copy of params with every string value's
// placeholders resolved.
func (ec *ExecutionContext) resolveParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = ec.resolve(v)
	}
	return out
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
