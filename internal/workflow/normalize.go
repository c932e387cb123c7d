package workflow

import (
	"strings"

	"github.com/brightfield-labs/scraperd/internal/collector"
)

// NormalizationRule is one declarative post-pass rule applied to a
// named result field (spec.md §4.6 step 7).
type NormalizationRule struct {
	Field string
	Op    string // lower, upper, title, trim, strip_prefix, extract_weight
	Arg   string // e.g. the prefix for strip_prefix
}

// ApplyNormalization mutates ec.Data in place per spec.md §4.6 step 7's
// declarative rule set.
func ApplyNormalization(ec *ExecutionContext, rules []NormalizationRule) {
	for _, rule := range rules {
		raw, ok := ec.Data[rule.Field].(string)
		if !ok {
			continue
		}
		ec.Data[rule.Field] = applyNormalizationOp(raw, rule)
	}
}

func applyNormalizationOp(val string, rule NormalizationRule) string {
	switch rule.Op {
	case "lower":
		return strings.ToLower(val)
	case "upper":
		return strings.ToUpper(val)
	case "title":
		return strings.Title(strings.ToLower(val))
	case "trim":
		return strings.TrimSpace(val)
	case "strip_prefix":
		return strings.TrimPrefix(val, rule.Arg)
	case "extract_weight":
		return collector.NormalizeWeight(val)
	default:
		return val
	}
}
