package scheduling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status of an appointment. Appointments start scheduled and end completed or
// cancelled.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusScheduled, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// TimeOfDay is a wall-clock time in minutes since midnight.
type TimeOfDay int

var timeLayouts = []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "03:04 PM"}

// ParseTimeOfDay accepts 24h ("09:30", "09:30:00") and 12h ("9:30 AM") forms.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("invalid time of day %q", s)
}

func (t TimeOfDay) Hour() int   { return int(t) / 60 }
func (t TimeOfDay) Minute() int { return int(t) % 60 }

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour(), t.Minute())
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

const DateLayout = "2006-01-02"

// Appointment maps to the appointments table.
type Appointment struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	PatientID   uuid.UUID  `db:"patient_id" json:"patient_id"`
	DentistID   *uuid.UUID `db:"dentist_id" json:"dentist_id,omitempty"`
	RequestID   *string    `db:"request_id" json:"request_id,omitempty"`
	Date        time.Time  `db:"appointment_date" json:"-"`
	StartTime   TimeOfDay  `db:"start_time" json:"start_time"`
	EndTime     TimeOfDay  `db:"end_time" json:"end_time"`
	ServiceType string     `db:"service_type" json:"service_type"`
	Status      Status     `db:"status" json:"status"`
	Notes       *string    `db:"notes" json:"notes,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

func (a *Appointment) MarshalJSON() ([]byte, error) {
	type alias Appointment
	return json.Marshal(struct {
		*alias
		Date string `json:"date"`
	}{alias: (*alias)(a), Date: a.Date.Format(DateLayout)})
}

// Summary is the denormalised appointment view embedded in request reads.
type Summary struct {
	ID          uuid.UUID  `json:"id"`
	Date        string     `json:"date"`
	StartTime   string     `json:"start_time"`
	EndTime     string     `json:"end_time"`
	DentistID   *uuid.UUID `json:"dentist_id,omitempty"`
	PatientID   uuid.UUID  `json:"patient_id"`
	ServiceType string     `json:"service_type"`
	Status      Status     `json:"status"`
}

func (a *Appointment) Summary() *Summary {
	return &Summary{
		ID:          a.ID,
		Date:        a.Date.Format(DateLayout),
		StartTime:   a.StartTime.String(),
		EndTime:     a.EndTime.String(),
		DentistID:   a.DentistID,
		PatientID:   a.PatientID,
		ServiceType: a.ServiceType,
		Status:      a.Status,
	}
}

// ScheduleInput carries everything needed to book one appointment.
type ScheduleInput struct {
	PatientID   uuid.UUID
	DentistID   *uuid.UUID
	Date        time.Time
	Start       TimeOfDay
	End         TimeOfDay
	ServiceType string
	RequestID   *string
	Notes       *string
}

// Filter narrows appointment listings. Nil fields are ignored.
type Filter struct {
	Date      *time.Time
	DentistID *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	RequestID *string
}
