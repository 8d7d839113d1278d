package validation

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogAuditWriter writes audit entries to the structured log.
type LogAuditWriter struct {
	logger zerolog.Logger
}

func NewLogAuditWriter(logger zerolog.Logger) *LogAuditWriter {
	return &LogAuditWriter{logger: logger}
}

func (w *LogAuditWriter) WriteAuditLog(_ context.Context, tenantID string, resultID uuid.UUID, applied []uuid.UUID, o Outcome) error {
	ids := make([]string, len(applied))
	for i, id := range applied {
		ids[i] = id.String()
	}
	w.logger.Info().
		Str("event", "validation_audit").
		Str("tenant_id", tenantID).
		Str("result_id", resultID.String()).
		Strs("applied_rule_ids", ids).
		Str("status", string(o.Status)).
		Str("flag", o.Flag).
		Bool("is_critical", o.IsCritical).
		Int("errors", len(o.Verdict.Errors)).
		Int("warnings", len(o.Verdict.Warnings)).
		Msg("validation audit")
	return nil
}

// MultiAuditWriter hands every entry to each writer in turn. A failing writer
// does not stop the ones after it; their errors are joined.
type MultiAuditWriter struct {
	writers []AuditWriter
}

func NewMultiAuditWriter(writers ...AuditWriter) *MultiAuditWriter {
	return &MultiAuditWriter{writers: writers}
}

func (m *MultiAuditWriter) WriteAuditLog(ctx context.Context, tenantID string, resultID uuid.UUID, applied []uuid.UUID, o Outcome) error {
	var errs []error
	for _, w := range m.writers {
		if err := w.WriteAuditLog(ctx, tenantID, resultID, applied, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
