package patient

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts p and fills ID, HN and timestamps.
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByHN(ctx context.Context, hn string) (*Patient, error)
	// Search matches term against names, phone digits and HN, case-insensitively.
	Search(ctx context.Context, term string, limit int) ([]*Patient, error)
}
