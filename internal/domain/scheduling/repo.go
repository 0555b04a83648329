package scheduling

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts a and fills ID and timestamps.
	Create(ctx context.Context, a *Appointment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error)
	// UpdateStatus moves the appointment from one status to another. It reports
	// false when the row is no longer in from.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
}
