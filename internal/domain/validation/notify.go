package validation

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ehr/lis/internal/platform/metrics"
	"github.com/ehr/lis/internal/platform/notification"
)

// CriticalNotifier records a critical-value notification for a result and
// pages the on-call recipient. At most one notification exists per result.
type CriticalNotifier struct {
	repo       NotificationRepository
	dispatcher notification.Dispatcher
	logger     zerolog.Logger
}

func NewCriticalNotifier(repo NotificationRepository, dispatcher notification.Dispatcher, logger zerolog.Logger) *CriticalNotifier {
	return &CriticalNotifier{repo: repo, dispatcher: dispatcher, logger: logger}
}

// Trigger creates the notification when o is critical and none exists yet.
// It reports whether a new notification was created.
func (n *CriticalNotifier) Trigger(ctx context.Context, r *TestResult, o Outcome) (*CriticalResultNotification, bool, error) {
	if !o.IsCritical {
		return nil, false, nil
	}

	existing, err := n.repo.GetByResultID(ctx, r.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	flag := criticalFlag(o)
	crn := &CriticalResultNotification{
		TenantID:           r.TenantID,
		ResultID:           r.ID,
		PatientID:          r.PatientID,
		TestCode:           r.TestCode,
		Value:              r.Value.Raw,
		Unit:               r.Unit,
		Flag:               flag,
		NotificationStatus: NotificationPending,
	}
	created, err := n.repo.CreateIfAbsent(ctx, crn)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost a race with a concurrent validation of the same result.
		existing, err := n.repo.GetByResultID(ctx, r.ID)
		return existing, false, err
	}

	metrics.RecordCriticalResult(flag)
	n.logger.Warn().
		Str("result_id", r.ID.String()).
		Str("test_code", r.TestCode).
		Str("flag", flag).
		Str("notification_id", crn.ID.String()).
		Msg("critical result recorded")

	n.page(ctx, crn)
	return crn, true, nil
}

// criticalFlag is the first critical flag raised, which is not necessarily
// the primary flag when a lower-priority-number rule also fired.
func criticalFlag(o Outcome) string {
	for _, f := range o.Verdict.Flags {
		if f == FlagCriticalLow || f == FlagCriticalHigh {
			return f
		}
	}
	return o.Flag
}

func (n *CriticalNotifier) page(ctx context.Context, crn *CriticalResultNotification) {
	if n.dispatcher == nil {
		return
	}
	unit := ""
	if crn.Unit != nil {
		unit = *crn.Unit
	}
	_, err := n.dispatcher.DispatchCritical(ctx, map[string]string{
		"test_code":       crn.TestCode,
		"value":           crn.Value,
		"unit":            unit,
		"flag":            crn.Flag,
		"result_id":       crn.ResultID.String(),
		"notification_id": crn.ID.String(),
	})
	if err != nil {
		metrics.RecordSideEffectFailure("page")
		n.logger.Error().Err(err).
			Str("notification_id", crn.ID.String()).
			Msg("critical result page failed")
	}
}
