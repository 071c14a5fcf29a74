package hipaa

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgate/docgate/internal/platform/db"
)

// disclosureRepoPG persists the accounting to the disclosure_records table.
// Rows are append-only; the retention schedule never purges this class.
type disclosureRepoPG struct {
	pool *pgxpool.Pool
}

// NewDisclosureRepo creates the Postgres-backed disclosure store.
func NewDisclosureRepo(pool *pgxpool.Pool) DisclosureStore {
	return &disclosureRepoPG{pool: pool}
}

type disclosureQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *disclosureRepoPG) conn(ctx context.Context) disclosureQuerier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const disclosureCols = `id, member_id, disclosed_to, disclosed_to_type, purpose,
	document_types, document_ids, date_disclosed, disclosed_by, method, description, created_at`

func (r *disclosureRepoPG) Record(ctx context.Context, d *Disclosure) error {
	if err := d.prepare(); err != nil {
		return err
	}

	// Nil slices would encode as NULL; the columns are NOT NULL arrays.
	types, ids := d.DocumentTypes, d.DocumentIDs
	if types == nil {
		types = []string{}
	}
	if ids == nil {
		ids = []string{}
	}

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO disclosure_records (`+disclosureCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		d.ID, d.MemberID, d.DisclosedTo, d.DisclosedToType, d.Purpose,
		types, ids, d.DateDisclosed, d.DisclosedBy, d.Method, d.Description, d.CreatedAt,
	)
	return err
}

func (r *disclosureRepoPG) ListByMember(ctx context.Context, memberID string, from, to time.Time) ([]*Disclosure, error) {
	var fromArg, toArg *time.Time
	if !from.IsZero() {
		fromArg = &from
	}
	if !to.IsZero() {
		toArg = &to
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+disclosureCols+` FROM disclosure_records
		WHERE member_id = $1
		  AND ($2::timestamptz IS NULL OR date_disclosed >= $2)
		  AND ($3::timestamptz IS NULL OR date_disclosed <= $3)
		ORDER BY date_disclosed DESC`, memberID, fromArg, toArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectDisclosures(rows)
}

func (r *disclosureRepoPG) ListAll(ctx context.Context, limit, offset int) ([]*Disclosure, int, error) {
	q := r.conn(ctx)

	var total int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM disclosure_records`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := q.Query(ctx, `
		SELECT `+disclosureCols+` FROM disclosure_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out, err := collectDisclosures(rows)
	if err != nil {
		return nil, 0, err
	}
	if out == nil {
		out = []*Disclosure{}
	}
	return out, total, nil
}

func (r *disclosureRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Disclosure, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+disclosureCols+` FROM disclosure_records
		WHERE id = $1`, id)

	d, err := scanDisclosure(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func collectDisclosures(rows pgx.Rows) ([]*Disclosure, error) {
	var out []*Disclosure
	for rows.Next() {
		d, err := scanDisclosure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDisclosure(row pgx.Row) (*Disclosure, error) {
	var d Disclosure
	err := row.Scan(&d.ID, &d.MemberID, &d.DisclosedTo, &d.DisclosedToType, &d.Purpose,
		&d.DocumentTypes, &d.DocumentIDs, &d.DateDisclosed, &d.DisclosedBy, &d.Method, &d.Description, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
