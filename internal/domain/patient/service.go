package patient

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/phone"
	"github.com/dental/clinic/internal/platform/telemetry"
)

const (
	defaultSearchLimit = 20
	maxSearchLimit     = 50
)

// Service resolves request contact data to exactly one patient: staff either
// pick a search candidate or create a new record. It never merges records.
type Service struct {
	patients Repository
	now      func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{patients: repo, now: time.Now}
}

// Search returns candidates whose name, phone or HN contains term. No match is
// an empty slice, not an error.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]*Patient, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, apperr.Invalid("q", "search term is required")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	return s.patients.Search(ctx, term, limit)
}

// Create registers a new patient with a fresh HN, even when similar records exist.
func (s *Service) Create(ctx context.Context, in CreateInput) (p *Patient, err error) {
	ctx, span := telemetry.StartSpan(ctx, "patient.create")
	defer func() { telemetry.EndSpan(span, err) }()

	p, err = s.validate(in)
	if err != nil {
		return nil, err
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("patient.hn", p.HN))
	return p, nil
}

func (s *Service) validate(in CreateInput) (*Patient, error) {
	p := &Patient{
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
	}
	if p.FirstName == "" {
		return nil, apperr.Invalid("first_name", "is required")
	}
	if p.LastName == "" {
		return nil, apperr.Invalid("last_name", "is required")
	}
	if strings.TrimSpace(in.Phone) == "" {
		return nil, apperr.Invalid("phone", "is required")
	}
	num, err := phone.NormalizeTH(in.Phone)
	if err != nil {
		return nil, apperr.Invalid("phone", err.Error())
	}
	p.Phone = num

	if in.Email != nil && strings.TrimSpace(*in.Email) != "" {
		addr, err := mail.ParseAddress(strings.TrimSpace(*in.Email))
		if err != nil {
			return nil, apperr.Invalid("email", "is not a valid address")
		}
		email := strings.ToLower(addr.Address)
		p.Email = &email
	}

	if in.DateOfBirth != nil && strings.TrimSpace(*in.DateOfBirth) != "" {
		dob, err := time.Parse(dateLayout, strings.TrimSpace(*in.DateOfBirth))
		if err != nil {
			return nil, apperr.Invalid("date_of_birth", "must be YYYY-MM-DD")
		}
		if dob.After(s.now()) {
			return nil, apperr.Invalid("date_of_birth", "cannot be in the future")
		}
		p.DateOfBirth = &dob
	}

	if in.Gender != nil && *in.Gender != "" {
		g := strings.ToLower(strings.TrimSpace(*in.Gender))
		if !validGenders[g] {
			return nil, apperr.Invalid("gender", "must be male, female, other or unknown")
		}
		p.Gender = &g
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	if id == uuid.Nil {
		return nil, apperr.Invalid("patient_id", "is required")
	}
	return s.patients.GetByID(ctx, id)
}

func (s *Service) GetByHN(ctx context.Context, hn string) (*Patient, error) {
	return s.patients.GetByHN(ctx, strings.TrimSpace(hn))
}
