package patient

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dental/clinic/internal/platform/apperr"
	"github.com/dental/clinic/internal/platform/db"
	"github.com/dental/clinic/internal/platform/phone"
)

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const patientCols = `id, hn, first_name, last_name, phone, email, date_of_birth, gender, created_at, updated_at`

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.HN, &p.FirstName, &p.LastName, &p.Phone, &p.Email,
		&p.DateOfBirth, &p.Gender, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repoPG) Create(ctx context.Context, p *Patient) error {
	p.ID = uuid.New()
	row := db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patients (id, hn, first_name, last_name, phone, email, date_of_birth, gender)
		VALUES ($1, 'HN' || lpad(nextval('patient_hn_seq')::text, 6, '0'), $2, $3, $4, $5, $6, $7)
		RETURNING hn, created_at, updated_at`,
		p.ID, p.FirstName, p.LastName, p.Phone, p.Email, p.DateOfBirth, p.Gender)
	if err := row.Scan(&p.HN, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return apperr.Persistence("insert patient", err)
	}
	return nil
}

func (r *repoPG) get(ctx context.Context, where string, arg interface{}, key string) (*Patient, error) {
	p, err := scanPatient(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE `+where, arg))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("patient", key)
	}
	if err != nil {
		return nil, apperr.Persistence("get patient", err)
	}
	return p, nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return r.get(ctx, `id = $1`, id, id.String())
}

func (r *repoPG) GetByHN(ctx context.Context, hn string) (*Patient, error) {
	return r.get(ctx, `upper(hn) = upper($1)`, hn, hn)
}

// searchMatch matches term against names, HN and phone. Phones are stored in
// national form, so an international number also matches as 0XXXXXXXXX.
func searchMatch(term string) sq.Or {
	like := "%" + escapeLike(term) + "%"
	match := sq.Or{
		sq.ILike{"first_name": like},
		sq.ILike{"last_name": like},
		sq.Expr("(first_name || ' ' || last_name) ILIKE ?", like),
		sq.ILike{"hn": like},
	}
	digits := phone.Digits(term)
	if len(digits) >= 3 {
		match = append(match, sq.Like{"phone": "%" + digits + "%"})
	}
	if national, err := phone.NormalizeTH(term); err == nil && national != digits {
		match = append(match, sq.Eq{"phone": national})
	}
	return match
}

func (r *repoPG) Search(ctx context.Context, term string, limit int) ([]*Patient, error) {
	query, args, err := psql.Select(strings.Split(patientCols, ", ")...).
		From("patients").
		Where(searchMatch(term)).
		OrderBy("last_name", "first_name", "hn").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, apperr.Persistence("build patient search", err)
	}

	rows, err := db.Conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Persistence("search patients", err)
	}
	defer rows.Close()

	items := []*Patient{}
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, apperr.Persistence("scan patient", err)
		}
		items = append(items, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("search patients", err)
	}
	return items, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
