package qc

import (
	"context"
	"errors"
	"fmt"

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

// =========== ControlMaterial Repository ===========

type materialRepoPG struct{ pool *pgxpool.Pool }

func NewMaterialRepoPG(pool *pgxpool.Pool) MaterialRepository { return &materialRepoPG{pool: pool} }

const materialCols = `id, tenant_id, test_code, level, lot, mean, sd, active, created_at`

func scanMaterial(row pgx.Row) (*ControlMaterial, error) {
	var m ControlMaterial
	err := row.Scan(&m.ID, &m.TenantID, &m.TestCode, &m.Level, &m.Lot, &m.Mean, &m.SD, &m.Active, &m.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *materialRepoPG) Create(ctx context.Context, m *ControlMaterial) error {
	m.ID = uuid.New()
	return db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO qc_control_material (id, tenant_id, test_code, level, lot, mean, sd, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		m.ID, m.TenantID, m.TestCode, m.Level, m.Lot, m.Mean, m.SD, m.Active,
	).Scan(&m.CreatedAt)
}

func (r *materialRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*ControlMaterial, error) {
	return scanMaterial(db.From(ctx, r.pool).QueryRow(ctx,
		`SELECT `+materialCols+` FROM qc_control_material WHERE id = $1`, id))
}

func (r *materialRepoPG) List(ctx context.Context, testCode string, limit, offset int) ([]*ControlMaterial, int, error) {
	q := db.From(ctx, r.pool)
	where, args := "", []interface{}{}
	if testCode != "" {
		where = " WHERE test_code = $1"
		args = append(args, testCode)
	}

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM qc_control_material`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	args = append(args, limit, offset)
	rows, err := q.Query(ctx, fmt.Sprintf(`SELECT %s FROM qc_control_material%s
		ORDER BY test_code, level, created_at DESC LIMIT $%d OFFSET $%d`, materialCols, where, n+1, n+2), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*ControlMaterial
	for rows.Next() {
		m, err := scanMaterial(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

// =========== ControlResult Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository { return &resultRepoPG{pool: pool} }

func (r *resultRepoPG) Create(ctx context.Context, cr *ControlResult) error {
	cr.ID = uuid.New()
	return db.From(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO qc_control_result (id, material_id, value, z_score, decision, rules, run_at, recorded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at`,
		cr.ID, cr.MaterialID, cr.Value, cr.ZScore, cr.Decision, cr.Rules, cr.RunAt, cr.RecordedBy,
	).Scan(&cr.CreatedAt)
}

func (r *resultRepoPG) Recent(ctx context.Context, materialID uuid.UUID, n int) ([]*ControlResult, error) {
	rows, err := db.From(ctx, r.pool).Query(ctx, `
		SELECT id, material_id, value, z_score, decision, rules, run_at, recorded_by, created_at
		FROM (
			SELECT * FROM qc_control_result WHERE material_id = $1
			ORDER BY run_at DESC, created_at DESC LIMIT $2
		) recent
		ORDER BY run_at ASC, created_at ASC`, materialID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ControlResult
	for rows.Next() {
		var cr ControlResult
		if err := rows.Scan(&cr.ID, &cr.MaterialID, &cr.Value, &cr.ZScore, &cr.Decision, &cr.Rules,
			&cr.RunAt, &cr.RecordedBy, &cr.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &cr)
	}
	return items, rows.Err()
}
