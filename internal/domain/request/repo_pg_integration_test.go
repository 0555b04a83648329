//go:build integration

package request

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dental/clinic/internal/platform/db"
)

// Run with: CLINIC_TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/domain/request/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("CLINIC_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CLINIC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: url, MaxConns: 4, Timezone: "Asia/Bangkok"})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.NewMigrator(pool, "../../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE appointment_requests, request_sequences, appointments, patients`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func newStoredRequest(id string) *AppointmentRequest {
	return &AppointmentRequest{
		RequestID: id,
		Contact:   Contact{Name: "Somchai Jaidee", Phone: "0812345678", Email: "somchai@example.com"},
		Preference: Preference{
			Date:        time.Date(2025, 3, 14, 0, 0, 0, 0, time.UTC),
			Time:        "morning",
			ServiceType: "cleaning",
		},
		Status: StatusPending,
	}
}

// insertAppointment stores a patient and an appointment for FK targets.
func insertAppointment(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	patientID, apptID := uuid.New(), uuid.New()
	if _, err := pool.Exec(ctx, `
		INSERT INTO patients (id, hn, first_name, last_name, phone)
		VALUES ($1, 'HN' || nextval('patient_hn_seq'), 'Somchai', 'Jaidee', '0812345678')`, patientID); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, appointment_date, start_time, end_time, service_type)
		VALUES ($1, $2, '2025-03-14', '09:00', '09:30', 'cleaning')`, apptID, patientID); err != nil {
		t.Fatalf("insert appointment: %v", err)
	}
	return apptID
}

func TestRepoPG_NextSequenceSeedsFromExistingIDs(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()

	for _, id := range []string{"REQ-2025-00007", "REQ-2025-00012", "REQ-2024-00099"} {
		if err := repo.Create(ctx, newStoredRequest(id)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	latest, err := repo.LatestSequence(ctx, 2025)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 12 {
		t.Errorf("expected latest 12, got %d", latest)
	}

	for want := 13; want <= 15; want++ {
		got, err := repo.NextSequence(ctx, 2025)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	got, err := repo.NextSequence(ctx, 2026)
	if err != nil {
		t.Fatalf("next 2026: %v", err)
	}
	if got != 1 {
		t.Errorf("expected a fresh year to start at 1, got %d", got)
	}
}

func TestRepoPG_NextSequenceRolledBackWithTx(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	tx := db.NewTxManager(pool)
	ctx := context.Background()

	boom := errors.New("insert failed")
	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := repo.NextSequence(ctx, 2025); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected rollback error, got %v", err)
	}

	got, err := repo.NextSequence(ctx, 2025)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if got != 1 {
		t.Errorf("expected rolled back value to be reissued, got %d", got)
	}
}

func TestRepoPG_CreateDuplicateRequestID(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()

	if err := repo.Create(ctx, newStoredRequest("REQ-2025-00001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := repo.Create(ctx, newStoredRequest("REQ-2025-00001"))
	if !errors.Is(err, ErrDuplicateRequestID) {
		t.Errorf("expected ErrDuplicateRequestID, got %v", err)
	}
}

func TestRepoPG_UpdateStatusIsConditional(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()

	if err := repo.Create(ctx, newStoredRequest("REQ-2025-00001")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.UpdateStatus(ctx, "REQ-2025-00001", StatusPending, StatusContacted)
	if err != nil || !ok {
		t.Fatalf("expected pending -> contacted, got ok=%v err=%v", ok, err)
	}
	ok, err = repo.UpdateStatus(ctx, "REQ-2025-00001", StatusPending, StatusCancelled)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected stale from-status to update nothing")
	}

	got, err := repo.GetByRequestID(ctx, "REQ-2025-00001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusContacted {
		t.Errorf("expected contacted, got %s", got.Status)
	}
}

func TestRepoPG_ConfirmRequiresUnlinkedRow(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()

	if err := repo.Create(ctx, newStoredRequest("REQ-2025-00001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	apptID := insertAppointment(t, pool)

	ok, err := repo.Confirm(ctx, "REQ-2025-00001", StatusContacted, apptID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected wrong from-status to confirm nothing")
	}

	ok, err = repo.Confirm(ctx, "REQ-2025-00001", StatusPending, apptID)
	if err != nil || !ok {
		t.Fatalf("expected confirm, got ok=%v err=%v", ok, err)
	}
	got, err := repo.GetByRequestID(ctx, "REQ-2025-00001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusConfirmed || got.LinkedAppointmentID == nil || *got.LinkedAppointmentID != apptID {
		t.Errorf("expected confirmed and linked to %s, got %s %v", apptID, got.Status, got.LinkedAppointmentID)
	}

	// A pending row that already carries a link must not be relinked.
	if err := repo.Create(ctx, newStoredRequest("REQ-2025-00002")); err != nil {
		t.Fatalf("create: %v", err)
	}
	other := insertAppointment(t, pool)
	if _, err := pool.Exec(ctx, `UPDATE appointment_requests SET linked_appointment_id = $1 WHERE request_id = $2`,
		other, "REQ-2025-00002"); err != nil {
		t.Fatalf("link: %v", err)
	}
	ok, err = repo.Confirm(ctx, "REQ-2025-00002", StatusPending, insertAppointment(t, pool))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected already linked row to confirm nothing")
	}
}

func TestRepoPG_ConfirmedRowNeedsLink(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()

	if err := repo.Create(ctx, newStoredRequest("REQ-2025-00001")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := repo.UpdateStatus(ctx, "REQ-2025-00001", StatusPending, StatusConfirmed)
	if err == nil {
		t.Error("expected check constraint to reject an unlinked confirmed row")
	}
}

func TestRepoPG_MarkNotifiedNeverClears(t *testing.T) {
	pool := testPool(t)
	repo := NewRepoPG(pool)
	ctx := context.Background()

	if err := repo.Create(ctx, newStoredRequest("REQ-2025-00001")); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.MarkNotified(ctx, "REQ-2025-00001", ChannelEmail, true)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !got.EmailSent || got.SMSSent {
		t.Errorf("expected email only, got email=%v sms=%v", got.EmailSent, got.SMSSent)
	}

	got, err = repo.MarkNotified(ctx, "REQ-2025-00001", ChannelEmail, false)
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if !got.EmailSent {
		t.Error("expected a failed resend to keep email_sent")
	}

	if _, err := repo.MarkNotified(ctx, "REQ-2025-99999", ChannelSMS, true); err == nil {
		t.Error("expected not found for unknown request")
	}
}
