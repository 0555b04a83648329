package request

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dental/clinic/internal/domain/scheduling"
	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/auth"
)

// Status of an appointment request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusContacted Status = "contacted"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusContacted, StatusConfirmed, StatusCancelled, StatusCompleted}

func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", apperr.Invalid("status", fmt.Sprintf("unknown status %q", s))
}

// Terminal reports whether no transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type edge struct{ from, to Status }

// transitions is the lifecycle graph. Each edge carries the least privileged
// role allowed to take it.
var transitions = map[edge]string{
	{StatusPending, StatusContacted}:   auth.RoleStaff,
	{StatusPending, StatusConfirmed}:   auth.RoleStaff,
	{StatusContacted, StatusConfirmed}: auth.RoleStaff,
	{StatusPending, StatusCancelled}:   auth.RoleStaff,
	{StatusContacted, StatusCancelled}: auth.RoleStaff,
	{StatusConfirmed, StatusCancelled}: auth.RoleManager,
	{StatusConfirmed, StatusCompleted}: auth.RoleStaff,
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

// RequiredRole returns the least privileged role allowed to move a request
// from one status to another. Higher roles inherit it.
func RequiredRole(from, to Status) (string, error) {
	role, ok := transitions[edge{from, to}]
	if !ok {
		return "", &apperr.TransitionError{From: string(from), To: string(to)}
	}
	return role, nil
}

const policyObject = "appointment_request"

func policyAction(from, to Status) string {
	return string(from) + "->" + string(to)
}

// PolicyRules renders the transition graph as authorisation rules.
func PolicyRules() []auth.Rule {
	rules := make([]auth.Rule, 0, len(transitions))
	for e, role := range transitions {
		rules = append(rules, auth.Rule{Role: role, Object: policyObject, Action: policyAction(e.from, e.to)})
	}
	return rules
}

// Channel is a notification medium tracked on the request.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelEmail, ChannelSMS:
		return Channel(s), nil
	}
	return "", apperr.Invalid("channel", "must be email or sms")
}

const DateLayout = "2006-01-02"

type Contact struct {
	Name      string  `json:"name"`
	Phone     string  `json:"phone"`
	Email     string  `json:"email"`
	IPAddress *string `json:"ip_address,omitempty"`
	UserAgent *string `json:"user_agent,omitempty"`
}

type Preference struct {
	Date        time.Time `json:"-"`
	Time        string    `json:"preferred_time"`
	ServiceType string    `json:"service_type"`
}

func (p Preference) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Date        string `json:"preferred_date"`
		Time        string `json:"preferred_time"`
		ServiceType string `json:"service_type"`
	}{p.Date.Format(DateLayout), p.Time, p.ServiceType})
}

// AppointmentRequest maps to the appointment_requests table.
type AppointmentRequest struct {
	ID                  uuid.UUID  `db:"id" json:"-"`
	RequestID           string     `db:"request_id" json:"request_id"`
	Contact             Contact    `json:"contact"`
	Preference          Preference `json:"preference"`
	Notes               *string    `db:"notes" json:"notes,omitempty"`
	Status              Status     `db:"status" json:"status"`
	EmailSent           bool       `db:"email_sent" json:"email_sent"`
	SMSSent             bool       `db:"sms_sent" json:"sms_sent"`
	LinkedAppointmentID *uuid.UUID `db:"linked_appointment_id" json:"linked_appointment_id,omitempty"`
	CreatedAt           time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time  `db:"updated_at" json:"updated_at"`
}

// View is a request with its linked appointment, when there is one.
type View struct {
	*AppointmentRequest
	Appointment *scheduling.Summary `json:"appointment,omitempty"`
}

// SubmitInput is a public booking submission.
type SubmitInput struct {
	Name          string  `json:"name"`
	Phone         string  `json:"phone"`
	Email         string  `json:"email"`
	PreferredDate string  `json:"preferred_date"`
	PreferredTime string  `json:"preferred_time"`
	ServiceType   string  `json:"service_type"`
	Notes         *string `json:"notes,omitempty"`
	IPAddress     string  `json:"-"`
	UserAgent     string  `json:"-"`
}

// TransitionContext carries the actor and, for confirmation, the resolved
// patient and chosen time window.
type TransitionContext struct {
	ActorRole string
	ActorID   string
	PatientID *uuid.UUID
	DentistID *uuid.UUID
	// Date overrides the preferred date of the request.
	Date      *time.Time
	StartTime string
	EndTime   string
	Notes     *string
}
