package request

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dental/clinic/internal/domain/patient"
	"github.com/dental/clinic/internal/domain/scheduling"
	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/db"
	"github.com/dental/clinic/internal/platform/events"
	"github.com/dental/clinic/internal/platform/notification"
	"github.com/dental/clinic/internal/platform/phone"
	"github.com/dental/clinic/internal/platform/telemetry"
	"github.com/dental/clinic/pkg/pagination"
)

const (
	maxNameLen        = 200
	maxPreferredTime  = 50
	maxServiceTypeLen = 100
	maxNotesLen       = 2000
	maxIPLen          = 64
	maxUserAgentLen   = 500
)

// PatientFinder looks up a patient chosen or created by staff.
type PatientFinder interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Patient, error)
}

// Scheduler books and closes appointments.
type Scheduler interface {
	Schedule(ctx context.Context, in scheduling.ScheduleInput) (*scheduling.Appointment, error)
	Get(ctx context.Context, id uuid.UUID) (*scheduling.Appointment, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, to scheduling.Status) (*scheduling.Appointment, error)
}

// Authorizer decides whether role may perform action on object.
type Authorizer interface {
	Enforce(role, object, action string) (bool, error)
}

// Notifier delivers patient messages and reports per-channel outcomes.
type Notifier interface {
	Notify(ctx context.Context, event string, to notification.Recipient, data map[string]string) []notification.Outcome
}

// errStale signals that a conditional write matched no row because the
// request changed underneath us.
var errStale = errors.New("request changed concurrently")

// Service owns the appointment request lifecycle.
type Service struct {
	requests  Repository
	seq       *Sequencer
	tx        db.TxRunner
	patients  PatientFinder
	scheduler Scheduler

	authz    Authorizer
	events   events.Publisher
	notifier Notifier
	metrics  *telemetry.Metrics
	log      zerolog.Logger
	// dispatch runs post-commit notification work.
	dispatch func(func())
}

type Option func(*Service)

// WithAuthorizer enables role checks on transitions. Without one every
// legal transition is allowed.
func WithAuthorizer(a Authorizer) Option {
	return func(s *Service) { s.authz = a }
}

func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.events = p }
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Service) { s.log = log }
}

func NewService(repo Repository, seq *Sequencer, tx db.TxRunner, patients PatientFinder, scheduler Scheduler, opts ...Option) *Service {
	s := &Service{
		requests:  repo,
		seq:       seq,
		tx:        tx,
		patients:  patients,
		scheduler: scheduler,
		events:    events.Noop{},
		log:       zerolog.Nop(),
		dispatch:  func(f func()) { go f() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates a public booking, issues its request id and stores it as
// pending.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (req *AppointmentRequest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "request.submit")
	defer func() { telemetry.EndSpan(span, err) }()

	req, err = s.validateSubmit(in)
	if err != nil {
		return nil, err
	}

	id, err := s.seq.Issue(ctx, func(ctx context.Context, id string) error {
		req.RequestID = id
		return s.requests.Create(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	req.RequestID = id
	span.SetAttributes(attribute.String("request.id", id))

	s.metrics.RequestSubmitted()
	s.log.Info().Str("request_id", id).Str("service_type", req.Preference.ServiceType).Msg("appointment request submitted")
	s.publish(ctx, events.SubjectRequestSubmitted, submittedEvent{
		RequestID:     id,
		ServiceType:   req.Preference.ServiceType,
		PreferredDate: req.Preference.Date.Format(DateLayout),
		PreferredTime: req.Preference.Time,
	})
	s.notify(ctx, req.RequestID, notification.EventRequestReceived,
		notification.Recipient{Name: req.Contact.Name, Email: req.Contact.Email, Phone: req.Contact.Phone},
		map[string]string{
			"request_id":     id,
			"service_type":   req.Preference.ServiceType,
			"preferred_date": req.Preference.Date.Format(DateLayout),
			"preferred_time": req.Preference.Time,
		})
	return req, nil
}

func (s *Service) validateSubmit(in SubmitInput) (*AppointmentRequest, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.Invalid("name", "is required")
	}
	if len(name) > maxNameLen {
		return nil, apperr.Invalid("name", "is too long")
	}

	if strings.TrimSpace(in.Phone) == "" {
		return nil, apperr.Invalid("phone", "is required")
	}
	num, err := phone.NormalizeTH(in.Phone)
	if err != nil {
		return nil, apperr.Invalid("phone", err.Error())
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		return nil, apperr.Invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, apperr.Invalid("email", "is not a valid address")
	}

	if strings.TrimSpace(in.PreferredDate) == "" {
		return nil, apperr.Invalid("preferred_date", "is required")
	}
	date, err := time.Parse(DateLayout, strings.TrimSpace(in.PreferredDate))
	if err != nil {
		return nil, apperr.Invalid("preferred_date", "must be YYYY-MM-DD")
	}
	now := s.seq.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if date.Before(today) {
		return nil, apperr.Invalid("preferred_date", "cannot be in the past")
	}

	prefTime := strings.TrimSpace(in.PreferredTime)
	if prefTime == "" {
		return nil, apperr.Invalid("preferred_time", "is required")
	}
	if len(prefTime) > maxPreferredTime {
		return nil, apperr.Invalid("preferred_time", "is too long")
	}

	serviceType := strings.TrimSpace(in.ServiceType)
	if serviceType == "" {
		return nil, apperr.Invalid("service_type", "is required")
	}
	if len(serviceType) > maxServiceTypeLen {
		return nil, apperr.Invalid("service_type", "is too long")
	}

	req := &AppointmentRequest{
		Contact: Contact{
			Name:      name,
			Phone:     num,
			Email:     strings.ToLower(email),
			IPAddress: optional(in.IPAddress, maxIPLen),
			UserAgent: optional(in.UserAgent, maxUserAgentLen),
		},
		Preference: Preference{Date: date, Time: prefTime, ServiceType: serviceType},
		Status:     StatusPending,
	}
	if in.Notes != nil {
		notes := strings.TrimSpace(*in.Notes)
		if len(notes) > maxNotesLen {
			return nil, apperr.Invalid("notes", "is too long")
		}
		if notes != "" {
			req.Notes = &notes
		}
	}
	return req, nil
}

func optional(s string, max int) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if len(s) > max {
		s = s[:max]
	}
	return &s
}

// Transition moves a request to target. Requesting the current status is a
// no-op. Confirmation books an appointment and links it in one transaction;
// leaving confirmed closes the linked appointment the same way.
func (s *Service) Transition(ctx context.Context, requestID string, target Status, tc TransitionContext) (req *AppointmentRequest, err error) {
	ctx, span := telemetry.StartSpan(ctx, "request.transition",
		attribute.String("request.id", requestID),
		attribute.String("request.target", string(target)))
	defer func() { telemetry.EndSpan(span, err) }()

	if _, err := ParseStatus(string(target)); err != nil {
		return nil, err
	}
	req, err = s.requests.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	from := req.Status
	if from == target {
		return req, nil
	}
	if !CanTransition(from, target) {
		s.metrics.Transition(string(from), string(target), "invalid")
		return nil, &apperr.TransitionError{From: string(from), To: string(target)}
	}
	if err := s.authorize(tc.ActorRole, from, target); err != nil {
		s.metrics.Transition(string(from), string(target), "forbidden")
		return nil, err
	}

	var appt *scheduling.Appointment
	var pat *patient.Patient
	switch {
	case target == StatusConfirmed:
		pat, appt, err = s.confirm(ctx, req, tc)
	case from == StatusConfirmed:
		err = s.closeConfirmed(ctx, req, target)
	default:
		err = s.setStatus(ctx, req, target)
	}
	if errors.Is(err, errStale) {
		return s.resolveStale(ctx, requestID, from, target)
	}
	if err != nil {
		s.metrics.Transition(string(from), string(target), "failed")
		return nil, err
	}

	req.Status = target
	req.UpdatedAt = s.seq.Now()
	if appt != nil {
		req.LinkedAppointmentID = &appt.ID
	}
	s.metrics.Transition(string(from), string(target), "ok")
	s.log.Info().Str("request_id", requestID).Str("from", string(from)).Str("to", string(target)).
		Str("actor", tc.ActorID).Msg("appointment request transitioned")

	evt := transitionedEvent{RequestID: requestID, From: from, To: target, ActorID: tc.ActorID, ActorRole: tc.ActorRole}
	if req.LinkedAppointmentID != nil {
		evt.AppointmentID = req.LinkedAppointmentID.String()
	}
	s.publish(ctx, events.SubjectRequestTransitioned, evt)

	if appt != nil {
		s.notify(ctx, requestID, notification.EventRequestConfirmed,
			notification.Recipient{Name: pat.FullName(), Email: req.Contact.Email},
			map[string]string{
				"request_id":   requestID,
				"service_type": appt.ServiceType,
				"date":         appt.Date.Format(DateLayout),
				"start_time":   appt.StartTime.String(),
				"end_time":     appt.EndTime.String(),
				"hn":           pat.HN,
			})
	}
	return req, nil
}

func (s *Service) authorize(role string, from, to Status) error {
	if s.authz == nil {
		return nil
	}
	if role == "" {
		return fmt.Errorf("%w: actor role is required", apperr.ErrForbidden)
	}
	ok, err := s.authz.Enforce(role, policyObject, policyAction(from, to))
	if err != nil {
		return fmt.Errorf("authorize transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: role %q may not move a request from %s to %s", apperr.ErrForbidden, role, from, to)
	}
	return nil
}

// confirm runs the patient step, then books the appointment and links it
// inside one transaction. Failures are tagged with the step to redo.
func (s *Service) confirm(ctx context.Context, req *AppointmentRequest, tc TransitionContext) (*patient.Patient, *scheduling.Appointment, error) {
	if tc.PatientID == nil || *tc.PatientID == uuid.Nil {
		return nil, nil, apperr.AtStep(apperr.StepPatient,
			apperr.Invalid("patient_id", "a resolved patient is required to confirm"))
	}
	pat, err := s.patients.Get(ctx, *tc.PatientID)
	if err != nil {
		return nil, nil, apperr.AtStep(apperr.StepPatient, err)
	}

	in, err := scheduleInput(req, pat, tc)
	if err != nil {
		return nil, nil, apperr.AtStep(apperr.StepSchedule, err)
	}

	var appt *scheduling.Appointment
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.scheduler.Schedule(ctx, in)
		if err != nil {
			return apperr.AtStep(apperr.StepSchedule, err)
		}
		ok, err := s.requests.Confirm(ctx, req.RequestID, req.Status, a.ID)
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		appt = a
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pat, appt, nil
}

func scheduleInput(req *AppointmentRequest, pat *patient.Patient, tc TransitionContext) (scheduling.ScheduleInput, error) {
	if strings.TrimSpace(tc.StartTime) == "" {
		return scheduling.ScheduleInput{}, apperr.Invalid("start_time", "is required")
	}
	if strings.TrimSpace(tc.EndTime) == "" {
		return scheduling.ScheduleInput{}, apperr.Invalid("end_time", "is required")
	}
	start, err := scheduling.ParseTimeOfDay(tc.StartTime)
	if err != nil {
		return scheduling.ScheduleInput{}, apperr.Invalid("start_time", err.Error())
	}
	end, err := scheduling.ParseTimeOfDay(tc.EndTime)
	if err != nil {
		return scheduling.ScheduleInput{}, apperr.Invalid("end_time", err.Error())
	}
	if start >= end {
		return scheduling.ScheduleInput{}, apperr.Invalid("end_time", "must be after start_time")
	}

	date := req.Preference.Date
	if tc.Date != nil && !tc.Date.IsZero() {
		date = *tc.Date
	}
	requestID := req.RequestID
	return scheduling.ScheduleInput{
		PatientID:   pat.ID,
		DentistID:   tc.DentistID,
		Date:        date,
		Start:       start,
		End:         end,
		ServiceType: req.Preference.ServiceType,
		RequestID:   &requestID,
		Notes:       tc.Notes,
	}, nil
}

// closeConfirmed completes or cancels a confirmed request and mirrors the
// status onto its appointment.
func (s *Service) closeConfirmed(ctx context.Context, req *AppointmentRequest, target Status) error {
	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ok, err := s.requests.UpdateStatus(ctx, req.RequestID, StatusConfirmed, target)
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		if req.LinkedAppointmentID == nil {
			return nil
		}
		_, err = s.scheduler.UpdateStatus(ctx, *req.LinkedAppointmentID, scheduling.Status(target))
		return err
	})
}

func (s *Service) setStatus(ctx context.Context, req *AppointmentRequest, target Status) error {
	ok, err := s.requests.UpdateStatus(ctx, req.RequestID, req.Status, target)
	if err != nil {
		return err
	}
	if !ok {
		return errStale
	}
	return nil
}

// resolveStale re-reads a request whose conditional write lost a race. If a
// concurrent caller already moved it to target the result is the same as a
// no-op; otherwise the transition is judged against the fresh status.
func (s *Service) resolveStale(ctx context.Context, requestID string, from, target Status) (*AppointmentRequest, error) {
	fresh, err := s.requests.GetByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if fresh.Status == target {
		return fresh, nil
	}
	s.metrics.Transition(string(from), string(target), "conflict")
	return nil, &apperr.TransitionError{From: string(fresh.Status), To: string(target)}
}

// Get returns a request with its linked appointment summary.
func (s *Service) Get(ctx context.Context, requestID string) (*View, error) {
	req, err := s.requests.GetByRequestID(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return nil, err
	}
	return s.view(ctx, req)
}

func (s *Service) view(ctx context.Context, req *AppointmentRequest) (*View, error) {
	v := &View{AppointmentRequest: req}
	if req.LinkedAppointmentID == nil {
		return v, nil
	}
	appt, err := s.scheduler.Get(ctx, *req.LinkedAppointmentID)
	if err != nil {
		return nil, err
	}
	v.Appointment = appt.Summary()
	return v, nil
}

// ListByStatus pages through requests, newest first. A nil status lists all.
func (s *Service) ListByStatus(ctx context.Context, status *Status, page, pageSize int) ([]*View, int, error) {
	if status != nil {
		if _, err := ParseStatus(string(*status)); err != nil {
			return nil, 0, err
		}
	}
	p, err := pagination.Params{Page: page, PageSize: pageSize}.Normalize()
	if err != nil {
		var pe *pagination.ParamError
		if errors.As(err, &pe) {
			return nil, 0, apperr.Invalid(pe.Param, pe.Reason)
		}
		return nil, 0, err
	}

	items, total, err := s.requests.List(ctx, status, p.Limit(), p.Offset())
	if err != nil {
		return nil, 0, err
	}
	views := make([]*View, 0, len(items))
	for _, req := range items {
		v, err := s.view(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		views = append(views, v)
	}
	return views, total, nil
}

// MarkNotified records a delivery outcome. A successful delivery sets the
// channel flag for good; a failure leaves it as it was.
func (s *Service) MarkNotified(ctx context.Context, requestID string, channel Channel, success bool) (*AppointmentRequest, error) {
	if _, err := ParseChannel(string(channel)); err != nil {
		return nil, err
	}
	return s.requests.MarkNotified(ctx, strings.TrimSpace(requestID), channel, success)
}

type submittedEvent struct {
	RequestID     string `json:"request_id"`
	ServiceType   string `json:"service_type"`
	PreferredDate string `json:"preferred_date"`
	PreferredTime string `json:"preferred_time"`
}

type transitionedEvent struct {
	RequestID     string `json:"request_id"`
	From          Status `json:"from"`
	To            Status `json:"to"`
	ActorID       string `json:"actor_id,omitempty"`
	ActorRole     string `json:"actor_role,omitempty"`
	AppointmentID string `json:"appointment_id,omitempty"`
}

func (s *Service) publish(ctx context.Context, subject string, payload interface{}) {
	if err := s.events.Publish(ctx, subject, payload); err != nil {
		s.log.Warn().Err(err).Str("subject", subject).Msg("event publish failed")
	}
}

// notify delivers in the background and records each outcome on the request.
func (s *Service) notify(ctx context.Context, requestID, event string, to notification.Recipient, data map[string]string) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s.dispatch(func() {
		for _, o := range s.notifier.Notify(ctx, event, to, data) {
			if _, err := s.MarkNotified(ctx, requestID, Channel(o.Channel), o.Sent); err != nil {
				s.log.Error().Err(err).Str("request_id", requestID).Str("channel", string(o.Channel)).
					Msg("record notification outcome failed")
			}
		}
	})
}
