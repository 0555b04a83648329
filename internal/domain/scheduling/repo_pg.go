package scheduling

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/db"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var appointmentCols = []string{
	"id", "patient_id", "dentist_id", "request_id", "appointment_date",
	"to_char(start_time, 'HH24:MI')", "to_char(end_time, 'HH24:MI')",
	"service_type", "status", "notes", "created_at", "updated_at",
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a          Appointment
		start, end string
		status     string
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.DentistID, &a.RequestID, &a.Date,
		&start, &end, &a.ServiceType, &status, &a.Notes, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if a.StartTime, err = ParseTimeOfDay(start); err != nil {
		return nil, err
	}
	if a.EndTime, err = ParseTimeOfDay(end); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *repoPG) Create(ctx context.Context, a *Appointment) error {
	a.ID = uuid.New()
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, dentist_id, request_id, appointment_date,
			start_time, end_time, service_type, status, notes)
		VALUES ($1, $2, $3, $4, $5, $6::time, $7::time, $8, $9, $10)
		RETURNING created_at, updated_at`,
		a.ID, a.PatientID, a.DentistID, a.RequestID, a.Date,
		a.StartTime.String(), a.EndTime.String(), a.ServiceType, string(a.Status), a.Notes)
	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err, "idx_appointments_request") {
			return apperr.Persistence("insert appointment", fmt.Errorf("request already has an appointment: %w", err))
		}
		return apperr.Persistence("insert appointment", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	query, args, err := psql.Select(appointmentCols...).From("appointments").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, apperr.Persistence("build appointment query", err)
	}
	a, err := scanAppointment(db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("appointment", id.String())
	}
	if err != nil {
		return nil, apperr.Persistence("get appointment", err)
	}
	return a, nil
}

func applyFilter(b sq.SelectBuilder, f Filter) sq.SelectBuilder {
	if f.Date != nil {
		b = b.Where(sq.Eq{"appointment_date": *f.Date})
	}
	if f.DentistID != nil {
		b = b.Where(sq.Eq{"dentist_id": *f.DentistID})
	}
	if f.PatientID != nil {
		b = b.Where(sq.Eq{"patient_id": *f.PatientID})
	}
	if f.Status != nil {
		b = b.Where(sq.Eq{"status": string(*f.Status)})
	}
	if f.RequestID != nil {
		b = b.Where(sq.Eq{"request_id": *f.RequestID})
	}
	return b
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Appointment, int, error) {
	conn := db.Conn(ctx, r.pool)

	countSQL, countArgs, err := applyFilter(psql.Select("COUNT(*)").From("appointments"), f).ToSql()
	if err != nil {
		return nil, 0, apperr.Persistence("build appointment count", err)
	}
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence("count appointments", err)
	}

	query, args, err := applyFilter(psql.Select(appointmentCols...).From("appointments"), f).
		OrderBy("appointment_date", "start_time").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, apperr.Persistence("build appointment list", err)
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Persistence("list appointments", err)
	}
	defer rows.Close()

	items := []*Appointment{}
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, 0, apperr.Persistence("scan appointment", err)
		}
		items = append(items, a)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Persistence("list appointments", err)
	}
	return items, total, nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointments SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return false, apperr.Persistence("update appointment status", err)
	}
	return tag.RowsAffected() == 1, nil
}
