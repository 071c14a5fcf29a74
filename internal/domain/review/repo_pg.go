package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgate/docgate/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

// NewRepoPG builds the Postgres-backed review repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const itemCols = `id, document_id, correlation_id, label, confidence, reasons, violations,
	document, status, claimed_by, claimed_at, resolution, resolved_by, note, resolved_at,
	created_at, updated_at`

func scanItem(row pgx.Row) (*ReviewItem, error) {
	var (
		it                          ReviewItem
		reasons, violations, docRaw []byte
	)
	err := row.Scan(&it.ID, &it.DocumentID, &it.CorrelationID, &it.Label, &it.Confidence,
		&reasons, &violations, &docRaw, &it.Status, &it.ClaimedBy, &it.ClaimedAt,
		&it.Resolution, &it.ResolvedBy, &it.Note, &it.ResolvedAt, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(reasons, &it.Reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &it.Violations); err != nil {
			return nil, fmt.Errorf("decode violations: %w", err)
		}
	}
	if err := json.Unmarshal(docRaw, &it.Document); err != nil {
		return nil, fmt.Errorf("decode document snapshot: %w", err)
	}
	return &it, nil
}

func (r *repoPG) Create(ctx context.Context, item *ReviewItem) error {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = StatusOpen
	}
	reasons, err := json.Marshal(item.Reasons)
	if err != nil {
		return err
	}
	violations, err := json.Marshal(item.Violations)
	if err != nil {
		return err
	}
	docRaw, err := json.Marshal(item.Document)
	if err != nil {
		return err
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO review_items (id, document_id, correlation_id, label, confidence,
			reasons, violations, document, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		item.ID, item.DocumentID, item.CorrelationID, item.Label, item.Confidence,
		reasons, violations, docRaw, item.Status)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*ReviewItem, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+` FROM review_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (r *repoPG) GetByDocument(ctx context.Context, docID uuid.UUID) (*ReviewItem, error) {
	it, err := scanItem(r.conn(ctx).QueryRow(ctx,
		`SELECT `+itemCols+` FROM review_items WHERE document_id = $1`, docID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (r *repoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*ReviewItem, int, error) {
	where := ""
	var args []any
	and := func(clause string) {
		if where == "" {
			where = " WHERE " + clause
			return
		}
		where += " AND " + clause
	}
	if f.Status != "" {
		args = append(args, f.Status)
		and(fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Label != "" {
		args = append(args, f.Label)
		and(fmt.Sprintf("label = $%d", len(args)))
	}
	if f.Reason != "" {
		reason, err := json.Marshal(f.Reason)
		if err != nil {
			return nil, 0, err
		}
		args = append(args, reason)
		and(fmt.Sprintf("reasons @> $%d", len(args)))
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM review_items`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM review_items`+where+
		fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*ReviewItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, it)
	}
	return items, total, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, item *ReviewItem) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE review_items
		SET status = $2, claimed_by = $3, claimed_at = $4, resolution = $5,
			resolved_by = $6, note = $7, resolved_at = $8, updated_at = NOW()
		WHERE id = $1`,
		item.ID, item.Status, item.ClaimedBy, item.ClaimedAt, item.Resolution,
		item.ResolvedBy, item.Note, item.ResolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *repoPG) OpenOlderThan(ctx context.Context, cutoff time.Time) ([]*ReviewItem, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+itemCols+` FROM review_items
		WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC`, StatusOpen, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*ReviewItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
