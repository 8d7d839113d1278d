package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/lis/internal/platform/db"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== ValidationRule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

const ruleCols = `id, tenant_id, test_code, name, rule_type, priority, conditions,
	action, flag, requires_review, enabled, created_at, updated_at`

func (r *ruleRepoPG) scanRule(row pgx.Row) (*ValidationRule, error) {
	var (
		vr   ValidationRule
		raw  []byte
		flag *string
	)
	err := row.Scan(&vr.ID, &vr.TenantID, &vr.TestCode, &vr.Name, &vr.RuleType, &vr.Priority, &raw,
		&vr.Action, &flag, &vr.RequiresReview, &vr.Enabled, &vr.CreatedAt, &vr.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if flag != nil {
		vr.Flag = *flag
	}
	// A stored rule whose conditions no longer decode is kept with nil
	// conditions; the evaluator skips it instead of failing the whole set.
	if c, err := DecodeConditions(vr.RuleType, raw); err == nil {
		vr.Conditions = c
	}
	return &vr, nil
}

func (r *ruleRepoPG) collect(rows pgx.Rows) ([]*ValidationRule, error) {
	defer rows.Close()
	var items []*ValidationRule
	for rows.Next() {
		vr, err := r.scanRule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, vr)
	}
	return items, rows.Err()
}

func marshalConditions(c Conditions) ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(c)
}

func (r *ruleRepoPG) Create(ctx context.Context, vr *ValidationRule) error {
	vr.ID = uuid.New()
	raw, err := marshalConditions(vr.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	return db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO validation_rule (id, tenant_id, test_code, name, rule_type, priority, conditions,
			action, flag, requires_review, enabled)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULLIF($9,''),$10,$11)
		RETURNING created_at, updated_at`,
		vr.ID, vr.TenantID, vr.TestCode, vr.Name, vr.RuleType, vr.Priority, raw,
		vr.Action, vr.Flag, vr.RequiresReview, vr.Enabled).Scan(&vr.CreatedAt, &vr.UpdatedAt)
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ValidationRule, error) {
	return r.scanRule(db.From(ctx, r.pool).QueryRow(ctx, `SELECT `+ruleCols+` FROM validation_rule WHERE id = $1`, id))
}

func (r *ruleRepoPG) Update(ctx context.Context, vr *ValidationRule) error {
	raw, err := marshalConditions(vr.Conditions)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	tag, err := db.From(ctx, r.pool).Exec(ctx, `
		UPDATE validation_rule SET test_code=$2, name=$3, rule_type=$4, priority=$5, conditions=$6,
			action=$7, flag=NULLIF($8,''), requires_review=$9, enabled=$10, updated_at=NOW()
		WHERE id = $1`,
		vr.ID, vr.TestCode, vr.Name, vr.RuleType, vr.Priority, raw,
		vr.Action, vr.Flag, vr.RequiresReview, vr.Enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ruleRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := db.From(ctx, r.pool).Exec(ctx, `DELETE FROM validation_rule WHERE id = $1`, id)
	return err
}

func (r *ruleRepoPG) List(ctx context.Context, tenantID, testCode string, limit, offset int) ([]*ValidationRule, int, error) {
	query := `SELECT ` + ruleCols + ` FROM validation_rule WHERE tenant_id = $1`
	countQuery := `SELECT COUNT(*) FROM validation_rule WHERE tenant_id = $1`
	args := []interface{}{tenantID}
	idx := 2

	if testCode != "" {
		query += fmt.Sprintf(` AND test_code = $%d`, idx)
		countQuery += fmt.Sprintf(` AND test_code = $%d`, idx)
		args = append(args, testCode)
		idx++
	}

	var total int
	if err := db.From(ctx, r.pool).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY test_code, priority, created_at LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.From(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *ruleRepoPG) ListActive(ctx context.Context, tenantID, testCode string) ([]*ValidationRule, error) {
	rows, err := db.From(ctx, r.pool).Query(ctx, `SELECT `+ruleCols+` FROM validation_rule
		WHERE tenant_id = $1 AND test_code = $2 AND enabled = TRUE
		ORDER BY priority ASC, created_at ASC`, tenantID, testCode)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// =========== TestResult Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

const resultCols = `id, tenant_id, patient_id, test_order_id, test_code, value_raw, value_is_text,
	result_type, unit, reference_range, status, flag, is_critical,
	validation_errors, validation_warnings, performed_at, validated_at, reviewed_by,
	created_at, updated_at`

func (r *resultRepoPG) scanResult(row pgx.Row) (*TestResult, error) {
	var (
		tr         TestResult
		resultType *string
	)
	err := row.Scan(&tr.ID, &tr.TenantID, &tr.PatientID, &tr.TestOrderID, &tr.TestCode,
		&tr.Value.Raw, &tr.Value.IsText,
		&resultType, &tr.Unit, &tr.ReferenceRange, &tr.Status, &tr.Flag, &tr.IsCritical,
		&tr.ValidationErrors, &tr.ValidationWarnings, &tr.PerformedAt, &tr.ValidatedAt, &tr.ReviewedBy,
		&tr.CreatedAt, &tr.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if resultType != nil {
		tr.ResultType = ResultType(*resultType)
	}
	return &tr, nil
}

func (r *resultRepoPG) Create(ctx context.Context, tr *TestResult) error {
	tr.ID = uuid.New()
	if tr.PerformedAt.IsZero() {
		tr.PerformedAt = time.Now().UTC()
	}
	if tr.ValidationErrors == nil {
		tr.ValidationErrors = []string{}
	}
	if tr.ValidationWarnings == nil {
		tr.ValidationWarnings = []string{}
	}
	return db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO test_result (id, tenant_id, patient_id, test_order_id, test_code, value_raw, value_is_text,
			result_type, unit, reference_range, status, flag, is_critical,
			validation_errors, validation_warnings, performed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14,$15,$16)
		RETURNING created_at, updated_at`,
		tr.ID, tr.TenantID, tr.PatientID, tr.TestOrderID, tr.TestCode, tr.Value.Raw, tr.Value.IsText,
		string(tr.ResultType), tr.Unit, tr.ReferenceRange, tr.Status, tr.Flag, tr.IsCritical,
		tr.ValidationErrors, tr.ValidationWarnings, tr.PerformedAt).Scan(&tr.CreatedAt, &tr.UpdatedAt)
}

func (r *resultRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	return r.scanResult(db.From(ctx, r.pool).QueryRow(ctx, `SELECT `+resultCols+` FROM test_result WHERE id = $1`, id))
}

func (r *resultRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, status string, limit, offset int) ([]*TestResult, int, error) {
	query := `SELECT ` + resultCols + ` FROM test_result WHERE patient_id = $1`
	countQuery := `SELECT COUNT(*) FROM test_result WHERE patient_id = $1`
	args := []interface{}{patientID}
	idx := 2

	if status != "" {
		query += fmt.Sprintf(` AND status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, status)
		idx++
	}

	var total int
	if err := db.From(ctx, r.pool).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY performed_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.From(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*TestResult
	for rows.Next() {
		tr, err := r.scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, tr)
	}
	return items, total, rows.Err()
}

func (r *resultRepoPG) PreviousFinal(ctx context.Context, tenantID, testCode string, patientID uuid.UUID) (*TestResult, error) {
	return r.scanResult(db.From(ctx, r.pool).QueryRow(ctx, `SELECT `+resultCols+` FROM test_result
		WHERE tenant_id = $1 AND test_code = $2 AND patient_id = $3 AND status = 'final'
		ORDER BY performed_at DESC LIMIT 1`, tenantID, testCode, patientID))
}

func (r *resultRepoPG) PersistOutcome(ctx context.Context, id uuid.UUID, o Outcome) error {
	tag, err := db.From(ctx, r.pool).Exec(ctx, `
		UPDATE test_result SET status=$2, flag=$3, is_critical=$4,
			validation_errors=$5, validation_warnings=$6, validated_at=NOW(), updated_at=NOW()
		WHERE id = $1`,
		id, o.Status, o.Flag, o.IsCritical, o.Verdict.Errors, o.Verdict.Warnings)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *resultRepoPG) MarkFinal(ctx context.Context, id uuid.UUID, reviewedBy string) error {
	tag, err := db.From(ctx, r.pool).Exec(ctx, `
		UPDATE test_result SET status='final', reviewed_by=NULLIF($2,''), updated_at=NOW()
		WHERE id = $1 AND status IN ('validated', 'requires_review')`, id, reviewedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// =========== CriticalResultNotification Repository ===========

type notificationRepoPG struct{ pool *pgxpool.Pool }

func NewNotificationRepoPG(pool *pgxpool.Pool) NotificationRepository {
	return &notificationRepoPG{pool: pool}
}

const notificationCols = `id, tenant_id, result_id, patient_id, test_code, value, unit, flag,
	notification_status, notified_to, notification_method, acknowledged_by, acknowledged_at, created_at`

func (r *notificationRepoPG) scanNotification(row pgx.Row) (*CriticalResultNotification, error) {
	var n CriticalResultNotification
	err := row.Scan(&n.ID, &n.TenantID, &n.ResultID, &n.PatientID, &n.TestCode, &n.Value, &n.Unit, &n.Flag,
		&n.NotificationStatus, &n.NotifiedTo, &n.NotificationMethod, &n.AcknowledgedBy, &n.AcknowledgedAt, &n.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &n, nil
}

func (r *notificationRepoPG) CreateIfAbsent(ctx context.Context, n *CriticalResultNotification) (bool, error) {
	n.ID = uuid.New()
	if n.NotificationStatus == "" {
		n.NotificationStatus = NotificationPending
	}
	err := db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO critical_result_notification (id, tenant_id, result_id, patient_id, test_code, value, unit, flag,
			notification_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (result_id) DO NOTHING
		RETURNING created_at`,
		n.ID, n.TenantID, n.ResultID, n.PatientID, n.TestCode, n.Value, n.Unit, n.Flag,
		n.NotificationStatus).Scan(&n.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *notificationRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*CriticalResultNotification, error) {
	return r.scanNotification(db.From(ctx, r.pool).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM critical_result_notification WHERE id = $1`, id))
}

func (r *notificationRepoPG) GetByResultID(ctx context.Context, resultID uuid.UUID) (*CriticalResultNotification, error) {
	return r.scanNotification(db.From(ctx, r.pool).QueryRow(ctx,
		`SELECT `+notificationCols+` FROM critical_result_notification WHERE result_id = $1`, resultID))
}

func (r *notificationRepoPG) List(ctx context.Context, status string, limit, offset int) ([]*CriticalResultNotification, int, error) {
	query := `SELECT ` + notificationCols + ` FROM critical_result_notification WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM critical_result_notification WHERE 1=1`
	var args []interface{}
	idx := 1

	if status != "" {
		query += fmt.Sprintf(` AND notification_status = $%d`, idx)
		countQuery += fmt.Sprintf(` AND notification_status = $%d`, idx)
		args = append(args, status)
		idx++
	}

	var total int
	if err := db.From(ctx, r.pool).QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := db.From(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*CriticalResultNotification
	for rows.Next() {
		n, err := r.scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, n)
	}
	return items, total, rows.Err()
}

func (r *notificationRepoPG) Acknowledge(ctx context.Context, id uuid.UUID, ack Acknowledgement) error {
	tag, err := db.From(ctx, r.pool).Exec(ctx, `
		UPDATE critical_result_notification
		SET notification_status='acknowledged', notified_to=$2, notification_method=$3,
			acknowledged_by=$4, acknowledged_at=$5
		WHERE id = $1 AND notification_status = 'pending'`,
		id, ack.NotifiedTo, ack.Method, ack.AcknowledgedBy, ack.AcknowledgedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyAcknowledged
	}
	return nil
}

// =========== Audit Log ===========

type auditRepoPG struct{ pool *pgxpool.Pool }

// NewAuditRepoPG returns an AuditWriter backed by the validation_audit_log table.
func NewAuditRepoPG(pool *pgxpool.Pool) AuditWriter { return &auditRepoPG{pool: pool} }

func (r *auditRepoPG) WriteAuditLog(ctx context.Context, tenantID string, resultID uuid.UUID, applied []uuid.UUID, o Outcome) error {
	verdict, err := json.Marshal(o.Verdict)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	ids := make([]string, len(applied))
	for i, id := range applied {
		ids[i] = id.String()
	}
	_, err = db.From(ctx, r.pool).Exec(ctx, `
		INSERT INTO validation_audit_log (id, tenant_id, result_id, applied_rule_ids, status, verdict)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.New(), tenantID, resultID, ids, o.Status, verdict)
	return err
}
