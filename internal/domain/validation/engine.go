package validation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/metrics"
)

// Engine runs the rule set for a test against a submitted result. It reads
// rules and prior results but writes nothing.
type Engine struct {
	rules  RuleRepository
	delta  *DeltaChecker
	logger zerolog.Logger
}

func NewEngine(rules RuleRepository, delta *DeltaChecker, logger zerolog.Logger) *Engine {
	return &Engine{rules: rules, delta: delta, logger: logger}
}

// Run evaluates r against the active rules for its test. A failure to load
// rules is returned wrapped in ErrRuleRepository; every other problem is
// folded into the outcome.
func (e *Engine) Run(ctx context.Context, r *TestResult) (Outcome, error) {
	rules, err := e.rules.ListActive(ctx, r.TenantID, r.TestCode)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrRuleRepository, err)
	}

	value := Normalize(r.Value, r.ResultType)

	var prior *PriorResult
	if NeedsPrior(value, rules) {
		prior = e.delta.PriorResult(ctx, r.TenantID, r.TestCode, r.PatientID)
	}

	verdict := Evaluate(value, rules, prior)
	e.reportSkipped(r, verdict.SkippedRules)
	return Assemble(verdict), nil
}

func (e *Engine) reportSkipped(r *TestResult, skipped []SkippedRule) {
	for _, s := range skipped {
		metrics.RecordRuleSkipped(string(s.RuleType))
		e.logger.Warn().
			Str("rule_id", s.RuleID.String()).
			Str("rule_type", string(s.RuleType)).
			Str("test_code", r.TestCode).
			Str("reason", s.Reason).
			Msg("malformed validation rule skipped")
	}
}

// EvaluateOffline evaluates rules against a value without any repository.
// previous, when non-nil, stands in for the prior final result.
func EvaluateOffline(value ResultValue, hint ResultType, rules []*ValidationRule, previous *float64) Outcome {
	var prior *PriorResult
	if previous != nil {
		prior = &PriorResult{Value: *previous}
	}
	return Assemble(Evaluate(Normalize(value, hint), rules, prior))
}
