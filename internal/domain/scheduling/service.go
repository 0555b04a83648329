package scheduling

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/telemetry"
)

const maxServiceTypeLen = 100

// Service books appointments. It does not check for overlapping bookings;
// staff resolve clashes by hand.
type Service struct {
	appointments Repository
}

func NewService(repo Repository) *Service {
	return &Service{appointments: repo}
}

// Schedule validates in and creates a scheduled appointment.
func (s *Service) Schedule(ctx context.Context, in ScheduleInput) (a *Appointment, err error) {
	ctx, span := telemetry.StartSpan(ctx, "scheduling.schedule")
	defer func() { telemetry.EndSpan(span, err) }()

	if in.PatientID == uuid.Nil {
		return nil, apperr.Invalid("patient_id", "is required")
	}
	if in.Date.IsZero() {
		return nil, apperr.Invalid("date", "is required")
	}
	if in.Start < 0 || in.End >= 24*60 {
		return nil, apperr.Invalid("start_time", "must be within the day")
	}
	if in.Start >= in.End {
		return nil, apperr.Invalid("end_time", "must be after start_time")
	}
	serviceType := strings.TrimSpace(in.ServiceType)
	if serviceType == "" {
		return nil, apperr.Invalid("service_type", "is required")
	}
	if len(serviceType) > maxServiceTypeLen {
		return nil, apperr.Invalid("service_type", "is too long")
	}
	if in.DentistID != nil && *in.DentistID == uuid.Nil {
		in.DentistID = nil
	}

	a = &Appointment{
		PatientID:   in.PatientID,
		DentistID:   in.DentistID,
		RequestID:   in.RequestID,
		Date:        in.Date,
		StartTime:   in.Start,
		EndTime:     in.End,
		ServiceType: serviceType,
		Status:      StatusScheduled,
		Notes:       in.Notes,
	}
	if err := s.appointments.Create(ctx, a); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("appointment.id", a.ID.String()))
	return a, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	if id == uuid.Nil {
		return nil, apperr.Invalid("appointment_id", "is required")
	}
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, 0, apperr.Invalid("status", "unknown appointment status")
	}
	return s.appointments.List(ctx, f, limit, offset)
}

// UpdateStatus closes a scheduled appointment as completed or cancelled.
// Setting the current status again is a no-op.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	if !to.Valid() {
		return nil, apperr.Invalid("status", "unknown appointment status")
	}
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Status == to {
		return a, nil
	}
	if a.Status != StatusScheduled || to == StatusScheduled {
		return nil, &apperr.TransitionError{From: string(a.Status), To: string(to)}
	}
	ok, err := s.appointments.UpdateStatus(ctx, id, a.Status, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &apperr.TransitionError{From: string(a.Status), To: string(to)}
	}
	a.Status = to
	return a, nil
}
