package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrRuleRepository      = errors.New("rule repository unavailable")
	ErrAlreadyAcknowledged = errors.New("notification already acknowledged")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidRule         = errors.New("invalid validation rule")
)

// SystemErrorMessage is the only error surfaced on a result when the rule
// set could not be loaded.
const SystemErrorMessage = "validation system error"

// RuleType identifies the check a ValidationRule performs.
type RuleType string

const (
	RuleRange       RuleType = "range"
	RuleCritical    RuleType = "critical"
	RuleAbsurd      RuleType = "absurd"
	RuleDelta       RuleType = "delta"
	RulePattern     RuleType = "pattern"
	RuleConsistency RuleType = "consistency"
	RuleCalculated  RuleType = "calculated"
)

var knownRuleTypes = map[RuleType]bool{
	RuleRange: true, RuleCritical: true, RuleAbsurd: true, RuleDelta: true,
	RulePattern: true, RuleConsistency: true, RuleCalculated: true,
}

// Valid reports whether t is a recognised rule type.
func (t RuleType) Valid() bool { return knownRuleTypes[t] }

// numeric reports whether the rule compares numbers.
func (t RuleType) numeric() bool {
	switch t {
	case RuleRange, RuleCritical, RuleAbsurd, RuleDelta:
		return true
	}
	return false
}

// Action is what a triggered rule does to the verdict.
type Action string

const (
	ActionWarn   Action = "warn"
	ActionBlock  Action = "block"
	ActionNotify Action = "notify"
	ActionFlag   Action = "flag"
)

var validActions = map[Action]bool{
	ActionWarn: true, ActionBlock: true, ActionNotify: true, ActionFlag: true,
}

// Valid reports whether a is a recognised action.
func (a Action) Valid() bool { return validActions[a] }

// ResultStatus is the lifecycle state of a TestResult.
type ResultStatus string

const (
	StatusPending        ResultStatus = "pending"
	StatusValidated      ResultStatus = "validated"
	StatusRejected       ResultStatus = "rejected"
	StatusRequiresReview ResultStatus = "requires_review"
	StatusFinal          ResultStatus = "final"
	StatusAmended        ResultStatus = "amended"
)

// Result flags. Rules with action "flag" may add arbitrary strings as well.
const (
	FlagNormal       = "normal"
	FlagLow          = "low"
	FlagHigh         = "high"
	FlagCriticalLow  = "critical_low"
	FlagCriticalHigh = "critical_high"
)

// ResultType hints how a raw value should be normalized.
type ResultType string

const (
	ResultNumeric ResultType = "numeric"
	ResultText    ResultType = "text"
)

// DeltaType selects how a delta check measures change.
type DeltaType string

const (
	DeltaAbsolute   DeltaType = "absolute"
	DeltaPercentage DeltaType = "percentage"
)

// -- Conditions --

// Conditions is the typed payload of a rule. Each rule type has exactly one
// concrete implementation; the set is closed to this package.
type Conditions interface {
	RuleType() RuleType
	check() error
}

// RangeConditions bounds the reference interval. Comparisons are exclusive.
type RangeConditions struct {
	MinValue *float64 `json:"min_value,omitempty"`
	MaxValue *float64 `json:"max_value,omitempty"`
}

func (RangeConditions) RuleType() RuleType { return RuleRange }

func (c RangeConditions) check() error {
	if c.MinValue == nil && c.MaxValue == nil {
		return errors.New("range rule needs min_value or max_value")
	}
	return nil
}

// CriticalConditions bounds the critical interval. Comparisons are inclusive.
type CriticalConditions struct {
	CriticalLow  *float64 `json:"critical_low,omitempty"`
	CriticalHigh *float64 `json:"critical_high,omitempty"`
}

func (CriticalConditions) RuleType() RuleType { return RuleCritical }

func (c CriticalConditions) check() error {
	if c.CriticalLow == nil && c.CriticalHigh == nil {
		return errors.New("critical rule needs critical_low or critical_high")
	}
	return nil
}

// AbsurdConditions bounds physiologically possible values.
type AbsurdConditions struct {
	AbsurdLow  *float64 `json:"absurd_low,omitempty"`
	AbsurdHigh *float64 `json:"absurd_high,omitempty"`
}

func (AbsurdConditions) RuleType() RuleType { return RuleAbsurd }

func (c AbsurdConditions) check() error {
	if c.AbsurdLow == nil && c.AbsurdHigh == nil {
		return errors.New("absurd rule needs absurd_low or absurd_high")
	}
	return nil
}

// DeltaConditions configures comparison against the prior final result.
type DeltaConditions struct {
	DeltaThreshold *float64  `json:"delta_threshold,omitempty"`
	DeltaType      DeltaType `json:"delta_type,omitempty"`
}

func (DeltaConditions) RuleType() RuleType { return RuleDelta }

func (c DeltaConditions) check() error {
	if c.DeltaThreshold == nil {
		return errors.New("delta rule needs delta_threshold")
	}
	if c.DeltaType != DeltaAbsolute && c.DeltaType != DeltaPercentage {
		return fmt.Errorf("delta rule has unknown delta_type %q", c.DeltaType)
	}
	return nil
}

// PatternConditions holds an RE2 expression the textual value must match.
type PatternConditions struct {
	Pattern string `json:"pattern,omitempty"`
}

func (PatternConditions) RuleType() RuleType { return RulePattern }

func (c PatternConditions) check() error {
	if c.Pattern == "" {
		return errors.New("pattern rule needs pattern")
	}
	if _, err := compilePattern(c.Pattern); err != nil {
		return fmt.Errorf("pattern rule has invalid pattern: %w", err)
	}
	return nil
}

// ReservedConditions carries the untyped payload of consistency and
// calculated rules, which the engine accepts but does not act on.
type ReservedConditions struct {
	Type RuleType       `json:"-"`
	Raw  map[string]any `json:"-"`
}

func (c ReservedConditions) RuleType() RuleType { return c.Type }

func (ReservedConditions) check() error { return nil }

func (c ReservedConditions) MarshalJSON() ([]byte, error) {
	if c.Raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c.Raw)
}

// DecodeConditions decodes the flat conditions object into the variant for t.
// A null or empty payload yields the zero variant, which CheckRule reports as
// malformed for every type that needs fields.
func DecodeConditions(t RuleType, raw json.RawMessage) (Conditions, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown rule_type %q", ErrInvalidRule, t)
	}
	empty := len(raw) == 0 || string(raw) == "null"

	var (
		c   Conditions
		err error
	)
	switch t {
	case RuleRange:
		var v RangeConditions
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		c = v
	case RuleCritical:
		var v CriticalConditions
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		c = v
	case RuleAbsurd:
		var v AbsurdConditions
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		c = v
	case RuleDelta:
		var v DeltaConditions
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		c = v
	case RulePattern:
		var v PatternConditions
		if !empty {
			err = json.Unmarshal(raw, &v)
		}
		c = v
	default:
		v := ReservedConditions{Type: t}
		if !empty {
			err = json.Unmarshal(raw, &v.Raw)
		}
		c = v
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s conditions: %v", ErrInvalidRule, t, err)
	}
	return c, nil
}

// -- ValidationRule --

// ValidationRule maps to the validation_rule table.
type ValidationRule struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	TenantID       string     `db:"tenant_id" json:"tenant_id"`
	TestCode       string     `db:"test_code" json:"test_code"`
	Name           string     `db:"name" json:"name,omitempty"`
	RuleType       RuleType   `db:"rule_type" json:"rule_type"`
	Priority       int        `db:"priority" json:"priority"`
	Conditions     Conditions `db:"conditions" json:"conditions"`
	Action         Action     `db:"action" json:"action"`
	Flag           string     `db:"flag" json:"flag,omitempty"`
	RequiresReview bool       `db:"requires_review" json:"requires_review"`
	Enabled        bool       `db:"enabled" json:"enabled"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// UnmarshalJSON decodes conditions according to rule_type. Omitted
// "enabled" defaults to true and omitted "action" to warn.
func (r *ValidationRule) UnmarshalJSON(data []byte) error {
	type alias ValidationRule
	aux := struct {
		*alias
		Conditions json.RawMessage `json:"conditions"`
	}{alias: (*alias)(r)}
	r.Enabled = true
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if r.Action == "" {
		r.Action = ActionWarn
	}
	c, err := DecodeConditions(r.RuleType, aux.Conditions)
	if err != nil {
		return err
	}
	r.Conditions = c
	return nil
}

// CheckRule reports why a rule cannot take effect, or nil if it is usable.
func CheckRule(r *ValidationRule) error {
	if !r.RuleType.Valid() {
		return fmt.Errorf("%w: unknown rule_type %q", ErrInvalidRule, r.RuleType)
	}
	if r.Conditions == nil {
		return fmt.Errorf("%w: %s rule has no conditions", ErrInvalidRule, r.RuleType)
	}
	if r.Conditions.RuleType() != r.RuleType {
		return fmt.Errorf("%w: %s rule carries %s conditions", ErrInvalidRule, r.RuleType, r.Conditions.RuleType())
	}
	if r.Action != "" && !r.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidRule, r.Action)
	}
	if r.Action == ActionFlag && strings.TrimSpace(r.Flag) == "" {
		return fmt.Errorf("%w: flag action requires a flag", ErrInvalidRule)
	}
	if err := r.Conditions.check(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// -- TestResult --

// ResultValue is a submitted value, numeric or textual, kept verbatim.
type ResultValue struct {
	Raw    string
	IsText bool
}

// NumberValue builds a numeric ResultValue.
func NumberValue(f float64) ResultValue {
	return ResultValue{Raw: formatNumber(f)}
}

// TextValue builds a textual ResultValue.
func TextValue(s string) ResultValue {
	return ResultValue{Raw: s, IsText: true}
}

func (v ResultValue) String() string { return v.Raw }

func (v ResultValue) MarshalJSON() ([]byte, error) {
	if v.IsText || v.Raw == "" {
		return json.Marshal(v.Raw)
	}
	return []byte(v.Raw), nil
}

func (v *ResultValue) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*v = ResultValue{}
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*v = TextValue(text)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value must be a number or string: %w", err)
	}
	*v = ResultValue{Raw: n.String()}
	return nil
}

// TestResult maps to the test_result table.
type TestResult struct {
	ID                 uuid.UUID    `db:"id" json:"id"`
	TenantID           string       `db:"tenant_id" json:"tenant_id"`
	PatientID          uuid.UUID    `db:"patient_id" json:"patient_id"`
	TestOrderID        uuid.UUID    `db:"test_order_id" json:"test_order_id"`
	TestCode           string       `db:"test_code" json:"test_code"`
	Value              ResultValue  `db:"value" json:"value"`
	ResultType         ResultType   `db:"result_type" json:"result_type,omitempty"`
	Unit               *string      `db:"unit" json:"unit,omitempty"`
	ReferenceRange     *string      `db:"reference_range" json:"reference_range,omitempty"`
	Status             ResultStatus `db:"status" json:"status"`
	Flag               *string      `db:"flag" json:"flag,omitempty"`
	IsCritical         bool         `db:"is_critical" json:"is_critical"`
	ValidationErrors   []string     `db:"validation_errors" json:"validation_errors"`
	ValidationWarnings []string     `db:"validation_warnings" json:"validation_warnings"`
	PerformedAt        time.Time    `db:"performed_at" json:"performed_at"`
	ValidatedAt        *time.Time   `db:"validated_at" json:"validated_at,omitempty"`
	ReviewedBy         *string      `db:"reviewed_by" json:"reviewed_by,omitempty"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

// PriorResult is the numeric value of the most recent final result used by
// delta checks.
type PriorResult struct {
	ResultID    uuid.UUID `json:"result_id"`
	Value       float64   `json:"value"`
	PerformedAt time.Time `json:"performed_at"`
}

// -- Verdict --

// SkippedRule records a malformed rule left out of evaluation.
type SkippedRule struct {
	RuleID   uuid.UUID `json:"rule_id"`
	RuleType RuleType  `json:"rule_type"`
	Reason   string    `json:"reason"`
}

// Verdict is the evaluator output. IsValid is true exactly when Errors is
// empty, and IsCritical implies RequiresReview.
type Verdict struct {
	IsValid        bool          `json:"is_valid"`
	Errors         []string      `json:"errors"`
	Warnings       []string      `json:"warnings"`
	Flags          []string      `json:"flags"`
	RequiresReview bool          `json:"requires_review"`
	IsCritical     bool          `json:"is_critical"`
	Notify         bool          `json:"notify"`
	AppliedRuleIDs []uuid.UUID   `json:"applied_rule_ids"`
	SkippedRules   []SkippedRule `json:"skipped_rules,omitempty"`
}

// Outcome is the assembled result of validating one value.
type Outcome struct {
	Status      ResultStatus `json:"status"`
	Flag        string       `json:"flag"`
	IsCritical  bool         `json:"is_critical"`
	SystemError bool         `json:"system_error,omitempty"`
	Verdict     Verdict      `json:"verdict"`
}

// SystemErrorOutcome is persisted when the rule set could not be loaded:
// the result goes to human review instead of being silently accepted.
func SystemErrorOutcome() Outcome {
	return Outcome{
		Status:      StatusRequiresReview,
		Flag:        FlagNormal,
		SystemError: true,
		Verdict: Verdict{
			IsValid:        false,
			Errors:         []string{SystemErrorMessage},
			Warnings:       []string{},
			Flags:          []string{},
			RequiresReview: true,
			AppliedRuleIDs: []uuid.UUID{},
		},
	}
}

// -- Critical notifications --

const (
	NotificationPending      = "pending"
	NotificationAcknowledged = "acknowledged"
)

// CriticalResultNotification maps to the critical_result_notification table.
type CriticalResultNotification struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	TenantID           string     `db:"tenant_id" json:"tenant_id"`
	ResultID           uuid.UUID  `db:"result_id" json:"result_id"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	TestCode           string     `db:"test_code" json:"test_code"`
	Value              string     `db:"value" json:"value"`
	Unit               *string    `db:"unit" json:"unit,omitempty"`
	Flag               string     `db:"flag" json:"flag"`
	NotificationStatus string     `db:"notification_status" json:"notification_status"`
	NotifiedTo         *string    `db:"notified_to" json:"notified_to,omitempty"`
	NotificationMethod *string    `db:"notification_method" json:"notification_method,omitempty"`
	AcknowledgedBy     *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt     *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
}

// Acknowledgement captures who was told about a critical value and how.
type Acknowledgement struct {
	NotifiedTo     string    `json:"notified_to"`
	Method         string    `json:"method"`
	AcknowledgedBy string    `json:"acknowledged_by"`
	AcknowledgedAt time.Time `json:"acknowledged_at"`
}

// -- Audit --

// AuditEntry maps to the validation_audit_log table.
type AuditEntry struct {
	ID             uuid.UUID    `db:"id" json:"id"`
	TenantID       string       `db:"tenant_id" json:"tenant_id"`
	ResultID       uuid.UUID    `db:"result_id" json:"result_id"`
	AppliedRuleIDs []uuid.UUID  `db:"applied_rule_ids" json:"applied_rule_ids"`
	Status         ResultStatus `db:"status" json:"status"`
	Verdict        Verdict      `db:"verdict" json:"verdict"`
	RecordedAt     time.Time    `db:"recorded_at" json:"recorded_at"`
}

func strPtr(s string) *string { return &s }
