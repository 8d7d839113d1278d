package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/metrics"
)

// ErrInvalidInput marks a request the caller must fix.
var ErrInvalidInput = errors.New("invalid input")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

type Service struct {
	rules         RuleRepository
	results       ResultRepository
	notifications NotificationRepository
	audit         AuditWriter
	engine        *Engine
	notifier      *CriticalNotifier
	logger        zerolog.Logger
}

func NewService(rules RuleRepository, results ResultRepository, notifications NotificationRepository,
	audit AuditWriter, engine *Engine, notifier *CriticalNotifier, logger zerolog.Logger) *Service {
	return &Service{
		rules:         rules,
		results:       results,
		notifications: notifications,
		audit:         audit,
		engine:        engine,
		notifier:      notifier,
		logger:        logger,
	}
}

// ValidationReport is what a validation run returns to callers.
type ValidationReport struct {
	Result       *TestResult                 `json:"result"`
	Outcome      Outcome                     `json:"outcome"`
	Notification *CriticalResultNotification `json:"critical_notification,omitempty"`
}

// -- Validation rules --

func (s *Service) checkRuleInput(r *ValidationRule) error {
	if strings.TrimSpace(r.TestCode) == "" {
		return invalid("test_code is required")
	}
	if r.Action == "" {
		r.Action = ActionWarn
	}
	if err := CheckRule(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

func (s *Service) CreateRule(ctx context.Context, r *ValidationRule) error {
	if err := s.checkRuleInput(r); err != nil {
		return err
	}
	return s.rules.Create(ctx, r)
}

func (s *Service) GetRule(ctx context.Context, id uuid.UUID) (*ValidationRule, error) {
	return s.rules.GetByID(ctx, id)
}

func (s *Service) UpdateRule(ctx context.Context, r *ValidationRule) error {
	if err := s.checkRuleInput(r); err != nil {
		return err
	}
	return s.rules.Update(ctx, r)
}

func (s *Service) DeleteRule(ctx context.Context, id uuid.UUID) error {
	return s.rules.Delete(ctx, id)
}

func (s *Service) ListRules(ctx context.Context, tenantID, testCode string, limit, offset int) ([]*ValidationRule, int, error) {
	return s.rules.List(ctx, tenantID, testCode, limit, offset)
}

// -- Test results --

// Submit stores a new pending result and validates it straight away.
func (s *Service) Submit(ctx context.Context, r *TestResult) (*ValidationReport, error) {
	if r.PatientID == uuid.Nil {
		return nil, invalid("patient_id is required")
	}
	if strings.TrimSpace(r.TestCode) == "" {
		return nil, invalid("test_code is required")
	}
	if r.Value.Raw == "" {
		return nil, invalid("value is required")
	}
	if r.ResultType != "" && r.ResultType != ResultNumeric && r.ResultType != ResultText {
		return nil, invalid("result_type must be numeric or text")
	}
	r.Status = StatusPending
	r.IsCritical = false
	r.Flag = nil
	r.ValidationErrors = []string{}
	r.ValidationWarnings = []string{}
	if err := s.results.Create(ctx, r); err != nil {
		return nil, err
	}
	return s.validate(ctx, r)
}

// ValidateResult re-runs validation for a stored result. Running it again
// with unchanged rules and prior results yields the same outcome.
func (s *Service) ValidateResult(ctx context.Context, id uuid.UUID) (*ValidationReport, error) {
	r, err := s.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status == StatusFinal || r.Status == StatusAmended {
		return nil, fmt.Errorf("%w: result is %s", ErrInvalidTransition, r.Status)
	}
	return s.validate(ctx, r)
}

func (s *Service) validate(ctx context.Context, r *TestResult) (*ValidationReport, error) {
	start := time.Now()
	logger := s.logger.With().
		Str("tenant_id", r.TenantID).
		Str("result_id", r.ID.String()).
		Str("test_code", r.TestCode).
		Logger()

	o, err := s.engine.Run(ctx, r)
	if err != nil {
		if !errors.Is(err, ErrRuleRepository) {
			return nil, err
		}
		logger.Error().Err(err).Msg("validation system error, result held for review")
		o = SystemErrorOutcome()
	}

	if err := s.results.PersistOutcome(ctx, r.ID, o); err != nil {
		return nil, fmt.Errorf("persist outcome: %w", err)
	}
	applyOutcome(r, o)
	metrics.RecordValidation(string(o.Status), time.Since(start))

	report := &ValidationReport{Result: r, Outcome: o}

	if o.IsCritical && s.notifier != nil {
		crn, _, err := s.notifier.Trigger(ctx, r, o)
		if err != nil {
			metrics.RecordSideEffectFailure("critical_notification")
			logger.Error().Err(err).Msg("critical notification failed")
		}
		report.Notification = crn
	}

	if s.audit != nil {
		if err := s.audit.WriteAuditLog(ctx, r.TenantID, r.ID, o.Verdict.AppliedRuleIDs, o); err != nil {
			metrics.RecordSideEffectFailure("audit")
			logger.Error().Err(err).Msg("validation audit write failed")
		}
	}

	logger.Debug().
		Str("status", string(o.Status)).
		Str("flag", o.Flag).
		Int("applied", len(o.Verdict.AppliedRuleIDs)).
		Msg("result validated")
	return report, nil
}

func applyOutcome(r *TestResult, o Outcome) {
	now := time.Now().UTC()
	r.Status = o.Status
	r.Flag = strPtr(o.Flag)
	r.IsCritical = o.IsCritical
	r.ValidationErrors = o.Verdict.Errors
	r.ValidationWarnings = o.Verdict.Warnings
	r.ValidatedAt = &now
}

// Finalize releases a result. Results needing review require a reviewer,
// and critical ones an acknowledged notification.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID, reviewer string) (*TestResult, error) {
	r, err := s.results.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch r.Status {
	case StatusValidated:
	case StatusRequiresReview:
		if strings.TrimSpace(reviewer) == "" {
			return nil, fmt.Errorf("%w: reviewer required to release a result under review", ErrInvalidTransition)
		}
		if r.IsCritical {
			n, err := s.notifications.GetByResultID(ctx, id)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return nil, err
			}
			if n == nil || n.NotificationStatus != NotificationAcknowledged {
				return nil, fmt.Errorf("%w: critical result not acknowledged", ErrInvalidTransition)
			}
		}
	default:
		return nil, fmt.Errorf("%w: cannot finalize a %s result", ErrInvalidTransition, r.Status)
	}

	if err := s.results.MarkFinal(ctx, id, reviewer); err != nil {
		return nil, err
	}
	r.Status = StatusFinal
	if reviewer != "" {
		r.ReviewedBy = strPtr(reviewer)
	}
	return r, nil
}

func (s *Service) GetResult(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	return s.results.GetByID(ctx, id)
}

func (s *Service) ListResultsByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*TestResult, int, error) {
	return s.results.ListByPatient(ctx, patientID, status, limit, offset)
}

// -- Critical notifications --

func (s *Service) GetNotification(ctx context.Context, id uuid.UUID) (*CriticalResultNotification, error) {
	return s.notifications.GetByID(ctx, id)
}

func (s *Service) ListNotifications(ctx context.Context, status string, limit, offset int) ([]*CriticalResultNotification, int, error) {
	if status != "" && status != NotificationPending && status != NotificationAcknowledged {
		return nil, 0, invalid("status must be pending or acknowledged")
	}
	return s.notifications.List(ctx, status, limit, offset)
}

// AcknowledgeNotification closes a pending notification. It fails with
// ErrAlreadyAcknowledged when the notification is already closed.
func (s *Service) AcknowledgeNotification(ctx context.Context, id uuid.UUID, notifiedTo, method, by string) (*CriticalResultNotification, error) {
	if strings.TrimSpace(notifiedTo) == "" {
		return nil, invalid("notified_to is required")
	}
	if strings.TrimSpace(method) == "" {
		return nil, invalid("method is required")
	}
	if strings.TrimSpace(by) == "" {
		return nil, invalid("acknowledging user is required")
	}
	ack := Acknowledgement{
		NotifiedTo:     notifiedTo,
		Method:         method,
		AcknowledgedBy: by,
		AcknowledgedAt: time.Now().UTC(),
	}
	if err := s.notifications.Acknowledge(ctx, id, ack); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("notification_id", id.String()).
		Str("acknowledged_by", by).
		Msg("critical result acknowledged")
	return s.notifications.GetByID(ctx, id)
}

// -- Dry run --

// EvaluateRequest is an ad-hoc evaluation with caller-supplied rules.
type EvaluateRequest struct {
	Value         ResultValue       `json:"value"`
	ResultType    ResultType        `json:"result_type,omitempty"`
	Rules         []*ValidationRule `json:"rules"`
	PreviousValue *float64          `json:"previous_value,omitempty"`
}

// DryRun evaluates req without touching any repository.
func (s *Service) DryRun(req *EvaluateRequest) (Outcome, error) {
	if req.Value.Raw == "" {
		return Outcome{}, invalid("value is required")
	}
	if req.ResultType != "" && req.ResultType != ResultNumeric && req.ResultType != ResultText {
		return Outcome{}, invalid("result_type must be numeric or text")
	}
	return EvaluateOffline(req.Value, req.ResultType, req.Rules, req.PreviousValue), nil
}
