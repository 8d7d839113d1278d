package qc

import (
	"context"

	"github.com/google/uuid"
)

type MaterialRepository interface {
	Create(ctx context.Context, m *ControlMaterial) error
	GetByID(ctx context.Context, id uuid.UUID) (*ControlMaterial, error)
	List(ctx context.Context, testCode string, limit, offset int) ([]*ControlMaterial, int, error)
}

type ResultRepository interface {
	Create(ctx context.Context, r *ControlResult) error
	// Recent returns up to n results for the material, oldest first.
	Recent(ctx context.Context, materialID uuid.UUID, n int) ([]*ControlResult, error)
}
