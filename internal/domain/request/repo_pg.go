package request

import (
	"context"
	"fmt"
	"strings"

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

const requestIDConstraint = "appointment_requests_request_id_key"

var requestCols = []string{
	"id", "request_id", "contact_name", "contact_phone", "contact_email", "ip_address", "user_agent",
	"preferred_date", "preferred_time", "service_type", "notes", "status",
	"email_sent", "sms_sent", "linked_appointment_id", "created_at", "updated_at",
}

func scanRequest(row pgx.Row) (*AppointmentRequest, error) {
	var (
		r      AppointmentRequest
		status string
	)
	err := row.Scan(&r.ID, &r.RequestID, &r.Contact.Name, &r.Contact.Phone, &r.Contact.Email,
		&r.Contact.IPAddress, &r.Contact.UserAgent,
		&r.Preference.Date, &r.Preference.Time, &r.Preference.ServiceType, &r.Notes, &status,
		&r.EmailSent, &r.SMSSent, &r.LinkedAppointmentID, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	return &r, nil
}

func (r *repoPG) Create(ctx context.Context, req *AppointmentRequest) error {
	req.ID = uuid.New()
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO appointment_requests (id, request_id, contact_name, contact_phone, contact_email,
			ip_address, user_agent, preferred_date, preferred_time, service_type, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at`,
		req.ID, req.RequestID, req.Contact.Name, req.Contact.Phone, req.Contact.Email,
		req.Contact.IPAddress, req.Contact.UserAgent,
		req.Preference.Date, req.Preference.Time, req.Preference.ServiceType, req.Notes, string(req.Status))
	if err := row.Scan(&req.CreatedAt, &req.UpdatedAt); err != nil {
		if db.IsUniqueViolation(err, requestIDConstraint) {
			return ErrDuplicateRequestID
		}
		return apperr.Persistence("insert appointment request", err)
	}
	return nil
}

func (r *repoPG) GetByRequestID(ctx context.Context, requestID string) (*AppointmentRequest, error) {
	query, args, err := psql.Select(requestCols...).
		From("appointment_requests").
		Where(sq.Eq{"request_id": requestID}).
		ToSql()
	if err != nil {
		return nil, apperr.Persistence("build request query", err)
	}
	req, err := scanRequest(db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("appointment request", requestID)
	}
	if err != nil {
		return nil, apperr.Persistence("get appointment request", err)
	}
	return req, nil
}

func (r *repoPG) List(ctx context.Context, status *Status, limit, offset int) ([]*AppointmentRequest, int, error) {
	conn := db.Conn(ctx, r.pool)
	where := sq.And{}
	if status != nil {
		where = append(where, sq.Eq{"status": string(*status)})
	}

	countSQL, countArgs, err := psql.Select("COUNT(*)").From("appointment_requests").Where(where).ToSql()
	if err != nil {
		return nil, 0, apperr.Persistence("build request count", err)
	}
	var total int
	if err := conn.QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, apperr.Persistence("count appointment requests", err)
	}

	query, args, err := psql.Select(requestCols...).
		From("appointment_requests").
		Where(where).
		OrderBy("created_at DESC", "request_id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, 0, apperr.Persistence("build request list", err)
	}
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperr.Persistence("list appointment requests", err)
	}
	defer rows.Close()

	items := []*AppointmentRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, 0, apperr.Persistence("scan appointment request", err)
		}
		items = append(items, req)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperr.Persistence("list appointment requests", err)
	}
	return items, total, nil
}

// maxSuffix reads the highest numeric suffix of REQ-YYYY-NNNNN ids matching
// the LIKE pattern $1. The suffix starts at character 10.
const maxSuffix = `SELECT COALESCE(MAX(substring(request_id FROM 10)::int), 0)
	FROM appointment_requests WHERE request_id LIKE $1`

func yearPattern(year int) string {
	return fmt.Sprintf("REQ-%04d-%%", year)
}

func (r *repoPG) LatestSequence(ctx context.Context, year int) (int, error) {
	var seq int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, maxSuffix, yearPattern(year)).Scan(&seq)
	if err != nil {
		return 0, apperr.Persistence("read latest request sequence", err)
	}
	return seq, nil
}

func (r *repoPG) NextSequence(ctx context.Context, year int) (int, error) {
	var seq int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO request_sequences (year, last_value)
		VALUES ($2, (`+maxSuffix+`) + 1)
		ON CONFLICT (year) DO UPDATE
			SET last_value = request_sequences.last_value + 1, updated_at = NOW()
		RETURNING last_value`,
		yearPattern(year), year).Scan(&seq)
	if err != nil {
		return 0, apperr.Persistence("advance request sequence", err)
	}
	return seq, nil
}

func (r *repoPG) UpdateStatus(ctx context.Context, requestID string, from, to Status) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointment_requests SET status = $3, updated_at = NOW()
		WHERE request_id = $1 AND status = $2`,
		requestID, string(from), string(to))
	if err != nil {
		return false, apperr.Persistence("update request status", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Confirm(ctx context.Context, requestID string, from Status, appointmentID uuid.UUID) (bool, error) {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE appointment_requests
		SET status = $3, linked_appointment_id = $4, updated_at = NOW()
		WHERE request_id = $1 AND status = $2 AND linked_appointment_id IS NULL`,
		requestID, string(from), string(StatusConfirmed), appointmentID)
	if err != nil {
		return false, apperr.Persistence("confirm request", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) MarkNotified(ctx context.Context, requestID string, channel Channel, sent bool) (*AppointmentRequest, error) {
	col := "email_sent"
	if channel == ChannelSMS {
		col = "sms_sent"
	}
	query, args, err := psql.Update("appointment_requests").
		Set(col, sq.Expr(col+" OR ?", sent)).
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"request_id": requestID}).
		Suffix("RETURNING " + strings.Join(requestCols, ", ")).
		ToSql()
	if err != nil {
		return nil, apperr.Persistence("build notification update", err)
	}
	req, err := scanRequest(db.Conn(ctx, r.pool).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("appointment request", requestID)
	}
	if err != nil {
		return nil, apperr.Persistence("mark request notified", err)
	}
	return req, nil
}
