package qc

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidMaterial = errors.New("invalid control material")
)

// ControlMaterial maps to the qc_control_material table. Mean and SD are the
// established target values for one level of one lot.
type ControlMaterial struct {
	ID        uuid.UUID `db:"id" json:"id"`
	TenantID  string    `db:"tenant_id" json:"tenant_id"`
	TestCode  string    `db:"test_code" json:"test_code"`
	Level     string    `db:"level" json:"level"`
	Lot       string    `db:"lot" json:"lot"`
	Mean      float64   `db:"mean" json:"mean"`
	SD        float64   `db:"sd" json:"sd"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// ControlResult maps to the qc_control_result table.
type ControlResult struct {
	ID         uuid.UUID `db:"id" json:"id"`
	MaterialID uuid.UUID `db:"material_id" json:"material_id"`
	Value      float64   `db:"value" json:"value"`
	ZScore     float64   `db:"z_score" json:"z_score"`
	Decision   Decision  `db:"decision" json:"decision"`
	Rules      []string  `db:"rules" json:"rules"`
	RunAt      time.Time `db:"run_at" json:"run_at"`
	RecordedBy *string   `db:"recorded_by" json:"recorded_by,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// WestgardRule names one rule of the multi-rule procedure.
type WestgardRule string

const (
	Rule12s WestgardRule = "1_2s"
	Rule13s WestgardRule = "1_3s"
	Rule22s WestgardRule = "2_2s"
	RuleR4s WestgardRule = "R_4s"
	Rule41s WestgardRule = "4_1s"
	Rule10x WestgardRule = "10_x"
)

// DefaultRules is the classic Westgard multi-rule set.
var DefaultRules = []WestgardRule{Rule12s, Rule13s, Rule22s, RuleR4s, Rule41s, Rule10x}

// Warning reports whether r only warns instead of rejecting the run.
func (r WestgardRule) Warning() bool { return r == Rule12s }

// Decision is the outcome of a control run.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionWarning Decision = "warning"
	DecisionReject  Decision = "reject"
)

// Violation is a rule that fired on the latest run.
type Violation struct {
	Rule    WestgardRule `json:"rule"`
	Message string       `json:"message"`
}

// Evaluation is the result of applying the rules to a control history.
type Evaluation struct {
	Decision   Decision    `json:"decision"`
	ZScores    []float64   `json:"z_scores"`
	Violations []Violation `json:"violations"`
	Warnings   []Violation `json:"warnings"`
}

// Fired lists the names of every rule that fired, rejections first.
func (e Evaluation) Fired() []string {
	out := make([]string, 0, len(e.Violations)+len(e.Warnings))
	for _, v := range e.Violations {
		out = append(out, string(v.Rule))
	}
	for _, w := range e.Warnings {
		out = append(out, string(w.Rule))
	}
	return out
}
