package validation

import (
	"context"

	"github.com/google/uuid"
)

type RuleRepository interface {
	Create(ctx context.Context, r *ValidationRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*ValidationRule, error)
	Update(ctx context.Context, r *ValidationRule) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, tenantID, testCode string, limit, offset int) ([]*ValidationRule, int, error)
	// ListActive returns the enabled rules for a test, ordered by priority.
	ListActive(ctx context.Context, tenantID, testCode string) ([]*ValidationRule, error)
}

type ResultRepository interface {
	PriorResultProvider
	Create(ctx context.Context, r *TestResult) error
	GetByID(ctx context.Context, id uuid.UUID) (*TestResult, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*TestResult, int, error)
	// PersistOutcome overwrites status, flag, criticality and messages. It is
	// safe to call repeatedly with the same outcome.
	PersistOutcome(ctx context.Context, id uuid.UUID, o Outcome) error
	MarkFinal(ctx context.Context, id uuid.UUID, reviewedBy string) error
}

type NotificationRepository interface {
	// CreateIfAbsent inserts n unless a notification already exists for
	// n.ResultID. It reports whether a row was created.
	CreateIfAbsent(ctx context.Context, n *CriticalResultNotification) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*CriticalResultNotification, error)
	GetByResultID(ctx context.Context, resultID uuid.UUID) (*CriticalResultNotification, error)
	List(ctx context.Context, status string, limit, offset int) ([]*CriticalResultNotification, int, error)
	Acknowledge(ctx context.Context, id uuid.UUID, ack Acknowledgement) error
}

// AuditWriter records which rules were applied to a result and the outcome.
type AuditWriter interface {
	WriteAuditLog(ctx context.Context, tenantID string, resultID uuid.UUID, applied []uuid.UUID, o Outcome) error
}
