package validation

import (
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// OrderRules returns the enabled rules in evaluation order: ascending
// priority, ties kept in input order. The input slice is not modified.
func OrderRules(rules []*ValidationRule) []*ValidationRule {
	ordered := make([]*ValidationRule, 0, len(rules))
	for _, r := range rules {
		if r != nil && r.Enabled {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})
	return ordered
}

// NeedsPrior reports whether any enabled delta rule could use a prior value.
func NeedsPrior(value NormalizedValue, rules []*ValidationRule) bool {
	if !value.IsNumeric {
		return false
	}
	for _, r := range rules {
		if r != nil && r.Enabled && r.RuleType == RuleDelta {
			return true
		}
	}
	return false
}

// accumulator is threaded through the rule fold. Each step returns a new
// value; nothing is shared between evaluations.
type accumulator struct {
	errors   []string
	warnings []string
	flags    []string
	review   bool
	critical bool
	notify   bool
	applied  []uuid.UUID
	skipped  []SkippedRule
}

func (a accumulator) withFlag(f string) accumulator {
	for _, existing := range a.flags {
		if existing == f {
			return a
		}
	}
	a.flags = append(a.flags, f)
	return a
}

func (a accumulator) verdict() Verdict {
	v := Verdict{
		IsValid:        len(a.errors) == 0,
		Errors:         a.errors,
		Warnings:       a.warnings,
		Flags:          a.flags,
		RequiresReview: a.review || a.critical,
		IsCritical:     a.critical,
		Notify:         a.notify,
		AppliedRuleIDs: a.applied,
		SkippedRules:   a.skipped,
	}
	return v
}

// finding is what a single triggered rule contributes.
type finding struct {
	flags    []string
	message  string
	hard     bool // error regardless of the rule's action
	critical bool
	review   bool
}

// Evaluate applies the rules to value in priority order and returns the
// accumulated verdict. It performs no I/O: delta rules use prior, and are
// inert when it is nil. Flags keep evaluation order; the first one is the
// primary flag.
func Evaluate(value NormalizedValue, rules []*ValidationRule, prior *PriorResult) Verdict {
	acc := accumulator{
		errors:   []string{},
		warnings: []string{},
		flags:    []string{},
		applied:  []uuid.UUID{},
	}
	for _, rule := range OrderRules(rules) {
		acc = step(acc, rule, value, prior)
	}
	return acc.verdict()
}

func step(acc accumulator, rule *ValidationRule, value NormalizedValue, prior *PriorResult) accumulator {
	if err := CheckRule(rule); err != nil {
		acc.skipped = append(acc.skipped, SkippedRule{
			RuleID:   rule.ID,
			RuleType: rule.RuleType,
			Reason:   err.Error(),
		})
		return acc
	}
	if rule.RuleType.numeric() && !value.IsNumeric {
		return acc
	}
	if rule.RuleType == RulePattern && !value.IsText {
		return acc
	}
	acc.applied = append(acc.applied, rule.ID)

	f := check(rule, value, prior)
	if f == nil {
		return acc
	}

	for _, fl := range f.flags {
		acc = acc.withFlag(fl)
	}
	switch {
	case f.hard:
		acc.errors = append(acc.errors, f.message)
	case f.critical:
		acc.critical = true
		acc.warnings = append(acc.warnings, f.message)
	case rule.Action == ActionBlock:
		acc.errors = append(acc.errors, f.message)
	default:
		acc.warnings = append(acc.warnings, f.message)
	}
	if f.review || rule.RequiresReview {
		acc.review = true
	}
	switch rule.Action {
	case ActionNotify:
		acc.notify = true
	case ActionFlag:
		acc = acc.withFlag(rule.Flag)
	}
	return acc
}

// check dispatches on the conditions variant. It returns nil when the rule
// did not trigger.
func check(rule *ValidationRule, value NormalizedValue, prior *PriorResult) *finding {
	switch c := rule.Conditions.(type) {
	case RangeConditions:
		return checkRange(c, value.Number)
	case CriticalConditions:
		return checkCritical(c, value.Number)
	case AbsurdConditions:
		return checkAbsurd(c, value.Number)
	case DeltaConditions:
		return checkDelta(c, value.Number, prior)
	case PatternConditions:
		return checkPattern(c, value.Original)
	case ReservedConditions:
		return nil
	}
	return nil
}

func checkRange(c RangeConditions, v float64) *finding {
	if c.MinValue != nil && v < *c.MinValue {
		return &finding{
			flags:   []string{FlagLow},
			message: fmt.Sprintf("value %s is below minimum %s", formatNumber(v), formatNumber(*c.MinValue)),
		}
	}
	if c.MaxValue != nil && v > *c.MaxValue {
		return &finding{
			flags:   []string{FlagHigh},
			message: fmt.Sprintf("value %s is above maximum %s", formatNumber(v), formatNumber(*c.MaxValue)),
		}
	}
	return nil
}

// checkCritical uses inclusive bounds: a value exactly at a critical
// threshold is critical.
func checkCritical(c CriticalConditions, v float64) *finding {
	if c.CriticalLow != nil && v <= *c.CriticalLow {
		return &finding{
			flags:    []string{FlagCriticalLow},
			message:  fmt.Sprintf("critical low value %s (threshold %s)", formatNumber(v), formatNumber(*c.CriticalLow)),
			critical: true,
			review:   true,
		}
	}
	if c.CriticalHigh != nil && v >= *c.CriticalHigh {
		return &finding{
			flags:    []string{FlagCriticalHigh},
			message:  fmt.Sprintf("critical high value %s (threshold %s)", formatNumber(v), formatNumber(*c.CriticalHigh)),
			critical: true,
			review:   true,
		}
	}
	return nil
}

func checkAbsurd(c AbsurdConditions, v float64) *finding {
	if c.AbsurdLow != nil && v < *c.AbsurdLow {
		return &finding{
			message: fmt.Sprintf("absurd value %s is below physiological limit %s", formatNumber(v), formatNumber(*c.AbsurdLow)),
			hard:    true,
		}
	}
	if c.AbsurdHigh != nil && v > *c.AbsurdHigh {
		return &finding{
			message: fmt.Sprintf("absurd value %s is above physiological limit %s", formatNumber(v), formatNumber(*c.AbsurdHigh)),
			hard:    true,
		}
	}
	return nil
}

func checkDelta(c DeltaConditions, v float64, prior *PriorResult) *finding {
	if prior == nil {
		return nil
	}
	out, ok := ComputeDelta(v, prior.Value, c)
	if !ok || !out.Exceeded {
		return nil
	}
	var change string
	if out.DeltaType == DeltaPercentage {
		change = fmt.Sprintf("%.1f%% > %s%%", out.Delta, formatNumber(out.Threshold))
	} else {
		change = fmt.Sprintf("%s > %s", formatNumber(out.Delta), formatNumber(out.Threshold))
	}
	return &finding{
		message: fmt.Sprintf("delta check failed: previous %s, current %s, change %s",
			formatNumber(out.Previous), formatNumber(out.Current), change),
		review: true,
	}
}

func checkPattern(c PatternConditions, s string) *finding {
	re, err := compilePattern(c.Pattern)
	if err != nil || re.MatchString(s) {
		return nil
	}
	return &finding{
		message: fmt.Sprintf("value %q does not match pattern %s", s, c.Pattern),
	}
}

// patterns caches compiled pattern rules by source. Compiled regexps are
// safe for concurrent use.
var patterns sync.Map

func compilePattern(p string) (*regexp.Regexp, error) {
	if re, ok := patterns.Load(p); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	actual, _ := patterns.LoadOrStore(p, re)
	return actual.(*regexp.Regexp), nil
}
