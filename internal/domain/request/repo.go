package request

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dental/clinic/internal/platform/db"
)

// ErrDuplicateRequestID is returned by Create when the request id is taken.
var ErrDuplicateRequestID = fmt.Errorf("request id already issued: %w", db.ErrUniqueViolation)

type Repository interface {
	// Create inserts r. A taken request id yields ErrDuplicateRequestID.
	Create(ctx context.Context, r *AppointmentRequest) error
	GetByRequestID(ctx context.Context, requestID string) (*AppointmentRequest, error)
	List(ctx context.Context, status *Status, limit, offset int) ([]*AppointmentRequest, int, error)

	// LatestSequence returns the highest suffix issued for year, or 0.
	LatestSequence(ctx context.Context, year int) (int, error)
	// NextSequence atomically increments and returns the counter for year.
	NextSequence(ctx context.Context, year int) (int, error)

	// UpdateStatus writes to only while the row is still in from. It reports
	// whether a row changed.
	UpdateStatus(ctx context.Context, requestID string, from, to Status) (bool, error)
	// Confirm moves the request from from to confirmed and links the
	// appointment, only while it is still in from and unlinked.
	Confirm(ctx context.Context, requestID string, from Status, appointmentID uuid.UUID) (bool, error)
	// MarkNotified sets the channel flag when sent is true. Flags are never cleared.
	MarkNotified(ctx context.Context, requestID string, channel Channel, sent bool) (*AppointmentRequest, error)
}
