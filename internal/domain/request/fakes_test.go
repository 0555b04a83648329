package request

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dental/clinic/internal/domain/patient"
	"github.com/dental/clinic/internal/domain/scheduling"
	"github.com/dental/clinic/internal/platform/apperr"
)

// mockRepo is an in-memory Repository with a unique request id, like the
// appointment_requests table.
type mockRepo struct {
	mu       sync.Mutex
	rows     map[string]*AppointmentRequest
	counters map[int]int
	// beforeCreate, when set, runs before each insert with the candidate id.
	beforeCreate func(id string) error
}

func newMockRepo() *mockRepo {
	return &mockRepo{rows: make(map[string]*AppointmentRequest), counters: make(map[int]int)}
}

func (m *mockRepo) Create(_ context.Context, r *AppointmentRequest) error {
	if m.beforeCreate != nil {
		if err := m.beforeCreate(r.RequestID); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.rows[r.RequestID]; taken {
		return ErrDuplicateRequestID
	}
	r.ID = uuid.New()
	r.CreatedAt = time.Now()
	r.UpdatedAt = r.CreatedAt
	cp := *r
	m.rows[r.RequestID] = &cp
	return nil
}

func (m *mockRepo) GetByRequestID(_ context.Context, id string) (*AppointmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, apperr.NotFound("appointment request", id)
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) List(_ context.Context, status *Status, limit, offset int) ([]*AppointmentRequest, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AppointmentRequest
	for _, r := range m.rows {
		if status != nil && r.Status != *status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID > out[j].RequestID })
	total := len(out)
	if offset >= total {
		return []*AppointmentRequest{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockRepo) maxSuffix(year int) int {
	prefix := fmt.Sprintf("REQ-%04d-", year)
	max := 0
	for id := range m.rows {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		_, seq, err := ParseRequestID(id)
		if err == nil && seq > max {
			max = seq
		}
	}
	return max
}

func (m *mockRepo) LatestSequence(_ context.Context, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxSuffix(year), nil
}

func (m *mockRepo) NextSequence(_ context.Context, year int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[year]; !ok {
		m.counters[year] = m.maxSuffix(year)
	}
	m.counters[year]++
	return m.counters[year], nil
}

func (m *mockRepo) UpdateStatus(_ context.Context, id string, from, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockRepo) Confirm(_ context.Context, id string, from Status, appointmentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status != from || r.LinkedAppointmentID != nil {
		return false, nil
	}
	r.Status = StatusConfirmed
	r.LinkedAppointmentID = &appointmentID
	r.UpdatedAt = time.Now()
	return true, nil
}

func (m *mockRepo) MarkNotified(_ context.Context, id string, ch Channel, sent bool) (*AppointmentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, apperr.NotFound("appointment request", id)
	}
	switch ch {
	case ChannelEmail:
		r.EmailSent = r.EmailSent || sent
	case ChannelSMS:
		r.SMSSent = r.SMSSent || sent
	}
	cp := *r
	return &cp, nil
}

func (m *mockRepo) snapshot() map[string]AppointmentRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]AppointmentRequest, len(m.rows))
	for k, v := range m.rows {
		out[k] = *v
	}
	return out
}

func (m *mockRepo) restore(snap map[string]AppointmentRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = make(map[string]*AppointmentRequest, len(snap))
	for k, v := range snap {
		v := v
		m.rows[k] = &v
	}
}

// mockAppointments is an in-memory scheduling.Repository whose Create can be
// made to fail.
type mockAppointments struct {
	mu         sync.Mutex
	appts      map[uuid.UUID]*scheduling.Appointment
	failCreate error
}

func newMockAppointments() *mockAppointments {
	return &mockAppointments{appts: make(map[uuid.UUID]*scheduling.Appointment)}
}

func (m *mockAppointments) Create(_ context.Context, a *scheduling.Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreate != nil {
		return m.failCreate
	}
	a.ID = uuid.New()
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := *a
	m.appts[a.ID] = &cp
	return nil
}

func (m *mockAppointments) GetByID(_ context.Context, id uuid.UUID) (*scheduling.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, apperr.NotFound("appointment", id.String())
	}
	cp := *a
	return &cp, nil
}

func (m *mockAppointments) List(_ context.Context, _ scheduling.Filter, _, _ int) ([]*scheduling.Appointment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*scheduling.Appointment{}
	for _, a := range m.appts {
		cp := *a
		out = append(out, &cp)
	}
	return out, len(out), nil
}

func (m *mockAppointments) UpdateStatus(_ context.Context, id uuid.UUID, from, to scheduling.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *mockAppointments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.appts)
}

func (m *mockAppointments) snapshot() map[uuid.UUID]scheduling.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uuid.UUID]scheduling.Appointment, len(m.appts))
	for k, v := range m.appts {
		out[k] = *v
	}
	return out
}

func (m *mockAppointments) restore(snap map[uuid.UUID]scheduling.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appts = make(map[uuid.UUID]*scheduling.Appointment, len(snap))
	for k, v := range snap {
		v := v
		m.appts[k] = &v
	}
}

// memTx emulates a transaction over the in-memory stores: state is restored
// when fn fails.
type memTx struct {
	mu       sync.Mutex
	requests *mockRepo
	appts    *mockAppointments
}

func (t *memTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	reqSnap := t.requests.snapshot()
	apptSnap := t.appts.snapshot()
	if err := fn(ctx); err != nil {
		t.requests.restore(reqSnap)
		t.appts.restore(apptSnap)
		return err
	}
	return nil
}

type mockPatients struct {
	patients map[uuid.UUID]*patient.Patient
}

func (m *mockPatients) Get(_ context.Context, id uuid.UUID) (*patient.Patient, error) {
	p, ok := m.patients[id]
	if !ok {
		return nil, apperr.NotFound("patient", id.String())
	}
	return p, nil
}

// fixture wires a Service over the in-memory stores with a fixed clock.
type fixture struct {
	svc      *Service
	repo     *mockRepo
	appts    *mockAppointments
	patient  *patient.Patient
	patients *mockPatients
}

var fixedNow = time.Date(2025, 2, 20, 9, 0, 0, 0, time.UTC)

func newFixture(opts ...Option) *fixture {
	repo := newMockRepo()
	appts := newMockAppointments()
	p := &patient.Patient{ID: uuid.New(), HN: "HN000001", FirstName: "Somchai", LastName: "Jaidee", Phone: "0812345678"}
	patients := &mockPatients{patients: map[uuid.UUID]*patient.Patient{p.ID: p}}

	seq := NewSequencer(latestSource{repo: repo}, SequencerConfig{Now: func() time.Time { return fixedNow }})
	svc := NewService(repo, seq, &memTx{requests: repo, appts: appts}, patients,
		scheduling.NewService(appts), opts...)
	svc.dispatch = func(f func()) { f() }
	return &fixture{svc: svc, repo: repo, appts: appts, patient: p, patients: patients}
}

func validSubmit() SubmitInput {
	return SubmitInput{
		Name:          "Somchai",
		Phone:         "0812345678",
		Email:         "a@b.com",
		PreferredDate: "2025-03-01",
		PreferredTime: "10:00 AM",
		ServiceType:   "General Checkup",
	}
}

// submit creates a pending request and fails the test on error.
func (f *fixture) submit(t testingT) *AppointmentRequest {
	t.Helper()
	req, err := f.svc.Submit(context.Background(), validSubmit())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return req
}

func (f *fixture) confirmCtx() TransitionContext {
	return TransitionContext{ActorRole: "staff", PatientID: &f.patient.ID, StartTime: "09:00", EndTime: "09:30"}
}

// at forces a request into status without going through the lifecycle.
func (f *fixture) at(id string, st Status) {
	f.repo.mu.Lock()
	defer f.repo.mu.Unlock()
	f.repo.rows[id].Status = st
}

type testingT interface {
	Helper()
	Fatalf(format string, args ...interface{})
}
