package collector

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var weightPattern = regexp.MustCompile(`(?i)([\d.]+)\s*(lbs?|oz|kg|g)\b`)

// NormalizeWeight implements spec.md §4.4's weight parsing: strings like
// "5 lbs", "2.3kg", "12 oz" are converted to pounds (lb=1, oz÷16,
// kg×2.20462, g×0.00220462) and formatted as a two-decimal string.
// Unparseable input is returned unchanged so the collector never loses
// data it couldn't normalize.
func NormalizeWeight(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	m := weightPattern.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	qty, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return raw
	}
	var lbs float64
	switch strings.ToLower(m[2]) {
	case "lb", "lbs":
		lbs = qty
	case "oz":
		lbs = qty / 16
	case "kg":
		lbs = qty * 2.20462
	case "g":
		lbs = qty * 0.00220462
	default:
		return raw
	}
	return fmt.Sprintf("%.2f", lbs)
}

// FilterImageURLs keeps only well-formed http(s) URLs, preserving order
// (spec.md §4.4).
func FilterImageURLs(images []string) []string {
	out := make([]string, 0, len(images))
	for _, raw := range images {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			continue
		}
		out = append(out, raw)
	}
	return out
}
