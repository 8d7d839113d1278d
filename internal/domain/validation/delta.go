package validation

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/metrics"
)

// DeltaOutcome is the measured change between a prior final result and the
// current value.
type DeltaOutcome struct {
	PreviousResultID uuid.UUID `json:"previous_result_id,omitempty"`
	Previous         float64   `json:"previous"`
	Current          float64   `json:"current"`
	Delta            float64   `json:"delta"`
	DeltaType        DeltaType `json:"delta_type"`
	Threshold        float64   `json:"threshold"`
	Exceeded         bool      `json:"exceeded"`
}

// ComputeDelta measures the change from previous to current. It reports
// false when the change cannot be computed: malformed conditions, or a
// percentage delta against a zero baseline.
func ComputeDelta(current, previous float64, c DeltaConditions) (DeltaOutcome, bool) {
	if c.check() != nil {
		return DeltaOutcome{}, false
	}
	diff := math.Abs(current - previous)
	out := DeltaOutcome{
		Previous:  previous,
		Current:   current,
		DeltaType: c.DeltaType,
		Threshold: *c.DeltaThreshold,
	}
	switch c.DeltaType {
	case DeltaPercentage:
		if previous == 0 {
			return DeltaOutcome{}, false
		}
		out.Delta = diff / math.Abs(previous) * 100
	default:
		out.Delta = diff
	}
	out.Exceeded = out.Delta > out.Threshold
	return out, true
}

// PriorResultProvider looks up the most recent final result for a patient
// and test. It returns ErrNotFound (or a nil result) when there is none.
type PriorResultProvider interface {
	PreviousFinal(ctx context.Context, tenantID, testCode string, patientID uuid.UUID) (*TestResult, error)
}

// DeltaChecker performs the only I/O the evaluator depends on. Lookup
// failures never fail validation; they make delta rules inert.
type DeltaChecker struct {
	provider PriorResultProvider
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewDeltaChecker(provider PriorResultProvider, timeout time.Duration, logger zerolog.Logger) *DeltaChecker {
	return &DeltaChecker{provider: provider, timeout: timeout, logger: logger}
}

// PriorResult returns the prior final numeric value, or nil when there is
// none or it could not be fetched in time.
func (d *DeltaChecker) PriorResult(ctx context.Context, tenantID, testCode string, patientID uuid.UUID) *PriorResult {
	if d == nil || d.provider == nil {
		return nil
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	prev, err := d.provider.PreviousFinal(ctx, tenantID, testCode, patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		metrics.RecordDeltaLookupFailure()
		d.logger.Warn().Err(err).
			Str("tenant_id", tenantID).
			Str("test_code", testCode).
			Msg("prior result lookup failed, delta rules skipped")
		return nil
	}
	if prev == nil {
		return nil
	}
	f, ok := parseFinite(prev.Value.Raw)
	if !ok {
		d.logger.Debug().
			Str("result_id", prev.ID.String()).
			Msg("prior result is not numeric, delta rules skipped")
		return nil
	}
	return &PriorResult{ResultID: prev.ID, Value: f, PerformedAt: prev.PerformedAt}
}

// EvaluateDelta checks a single delta rule for the given value. It returns
// nil when the rule is inert for this submission.
func (d *DeltaChecker) EvaluateDelta(ctx context.Context, current float64, tenantID, testCode string, patientID uuid.UUID, rule *ValidationRule) *DeltaOutcome {
	c, ok := rule.Conditions.(DeltaConditions)
	if !ok || c.check() != nil {
		return nil
	}
	prior := d.PriorResult(ctx, tenantID, testCode, patientID)
	if prior == nil {
		return nil
	}
	out, ok := ComputeDelta(current, prior.Value, c)
	if !ok {
		return nil
	}
	out.PreviousResultID = prior.ResultID
	return &out
}
