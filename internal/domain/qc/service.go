package qc

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/db"
	"github.com/ehr/lis/internal/platform/metrics"
)

const minHistory = 10

type Service struct {
	materials MaterialRepository
	results   ResultRepository
	history   int
	logger    zerolog.Logger
}

// NewService evaluates each run against the last history values (at least
// ten, so the 10_x rule can fire).
func NewService(materials MaterialRepository, results ResultRepository, history int, logger zerolog.Logger) *Service {
	if history < minHistory {
		history = minHistory
	}
	return &Service{materials: materials, results: results, history: history, logger: logger}
}

// RunReport is a recorded control result together with its evaluation.
type RunReport struct {
	Result     *ControlResult `json:"result"`
	Evaluation Evaluation     `json:"evaluation"`
}

func (s *Service) CreateMaterial(ctx context.Context, m *ControlMaterial) error {
	if strings.TrimSpace(m.TestCode) == "" {
		return fmt.Errorf("%w: test_code is required", ErrInvalidInput)
	}
	if strings.TrimSpace(m.Level) == "" {
		return fmt.Errorf("%w: level is required", ErrInvalidInput)
	}
	if m.SD <= 0 || math.IsNaN(m.SD) || math.IsInf(m.SD, 0) {
		return fmt.Errorf("%w: sd must be positive", ErrInvalidMaterial)
	}
	if math.IsNaN(m.Mean) || math.IsInf(m.Mean, 0) {
		return fmt.Errorf("%w: mean must be finite", ErrInvalidMaterial)
	}
	m.Active = true
	return s.materials.Create(ctx, m)
}

func (s *Service) GetMaterial(ctx context.Context, id uuid.UUID) (*ControlMaterial, error) {
	return s.materials.GetByID(ctx, id)
}

func (s *Service) ListMaterials(ctx context.Context, testCode string, limit, offset int) ([]*ControlMaterial, int, error) {
	return s.materials.List(ctx, testCode, limit, offset)
}

// RecordResult stores a control value and judges it against the material's
// recent history. The read and the insert share one transaction.
func (s *Service) RecordResult(ctx context.Context, materialID uuid.UUID, value float64, runAt time.Time, by string) (*RunReport, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("%w: value must be finite", ErrInvalidInput)
	}
	if runAt.IsZero() {
		runAt = time.Now().UTC()
	}

	var report *RunReport
	err := db.InTx(ctx, func(ctx context.Context) error {
		m, err := s.materials.GetByID(ctx, materialID)
		if err != nil {
			return err
		}
		prior, err := s.results.Recent(ctx, materialID, s.history-1)
		if err != nil {
			return fmt.Errorf("load control history: %w", err)
		}
		history := make([]float64, 0, len(prior)+1)
		for _, p := range prior {
			history = append(history, p.Value)
		}
		history = append(history, value)

		ev, err := Evaluate(history, m.Mean, m.SD, DefaultRules)
		if err != nil {
			return err
		}

		cr := &ControlResult{
			MaterialID: materialID,
			Value:      value,
			ZScore:     ev.ZScores[len(ev.ZScores)-1],
			Decision:   ev.Decision,
			Rules:      ev.Fired(),
			RunAt:      runAt,
		}
		if by != "" {
			cr.RecordedBy = &by
		}
		if err := s.results.Create(ctx, cr); err != nil {
			return err
		}
		report = &RunReport{Result: cr, Evaluation: ev}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordQCRun(string(report.Evaluation.Decision))
	if report.Evaluation.Decision == DecisionReject {
		s.logger.Warn().
			Str("material_id", materialID.String()).
			Strs("rules", report.Result.Rules).
			Float64("z_score", report.Result.ZScore).
			Msg("qc run rejected")
	}
	return report, nil
}

// CurrentEvaluation re-evaluates the material's recent history without
// recording anything.
func (s *Service) CurrentEvaluation(ctx context.Context, materialID uuid.UUID) (Evaluation, error) {
	m, err := s.materials.GetByID(ctx, materialID)
	if err != nil {
		return Evaluation{}, err
	}
	recent, err := s.results.Recent(ctx, materialID, s.history)
	if err != nil {
		return Evaluation{}, err
	}
	history := make([]float64, len(recent))
	for i, r := range recent {
		history[i] = r.Value
	}
	return Evaluate(history, m.Mean, m.SD, DefaultRules)
}

func (s *Service) RecentResults(ctx context.Context, materialID uuid.UUID) ([]*ControlResult, error) {
	if _, err := s.materials.GetByID(ctx, materialID); err != nil {
		return nil, err
	}
	return s.results.Recent(ctx, materialID, s.history)
}
