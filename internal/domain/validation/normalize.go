package validation

import (
	"math"
	"strconv"
	"strings"
)

// NormalizedValue is a submitted value prepared for rule evaluation.
// Original always holds the submitted text; Number is meaningful only when
// IsNumeric is set.
type NormalizedValue struct {
	Original  string  `json:"original"`
	Number    float64 `json:"number"`
	IsNumeric bool    `json:"is_numeric"`
	IsText    bool    `json:"is_text"`
}

// Normalize coerces v into numeric form when possible. Strings that parse to
// a finite number count as numeric unless the hint is ResultText; NaN and
// infinities never do.
func Normalize(v ResultValue, hint ResultType) NormalizedValue {
	n := NormalizedValue{Original: v.Raw, IsText: v.IsText}
	if v.IsText && hint == ResultText {
		return n
	}
	f, ok := parseFinite(v.Raw)
	if !ok {
		return n
	}
	n.Number = f
	n.IsNumeric = true
	return n
}

func parseFinite(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// ParseResultValue builds a ResultValue from submitted text. The value is
// numeric when it parses to a finite number and hint is not text; anything
// else, including NaN and Inf, stays text so pattern rules can see it.
func ParseResultValue(raw string, hint ResultType) ResultValue {
	if hint == ResultText {
		return TextValue(raw)
	}
	if _, ok := parseFinite(raw); ok {
		return ResultValue{Raw: strings.TrimSpace(raw)}
	}
	return TextValue(raw)
}

// formatNumber renders f with the shortest exact representation, so
// messages cite values the way they were entered (65, 1.2, -5).
func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
