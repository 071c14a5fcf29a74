package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgate/docgate/internal/platform/db"
)

type outboxRepoPG struct {
	pool *pgxpool.Pool
}

// NewOutboxRepo creates the Postgres-backed outbox.
func NewOutboxRepo(pool *pgxpool.Pool) OutboxStore {
	return &outboxRepoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *outboxRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const outboxCols = `id, document_id, event_type, payload, attempts, status, last_error, created_at, delivered_at`

func (r *outboxRepoPG) Add(ctx context.Context, e *OutboxEntry) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO publish_outbox (id, document_id, event_type, payload, attempts, status, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.DocumentID, e.EventType, e.Payload, e.Attempts, e.Status, e.LastError, e.CreatedAt,
	)
	return err
}

func (r *outboxRepoPG) ListPending(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = DefaultRetryBatch
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+outboxCols+` FROM publish_outbox
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2`, OutboxPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*OutboxEntry
	for rows.Next() {
		e, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *outboxRepoPG) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	ct, err := r.conn(ctx).Exec(ctx, `
		UPDATE publish_outbox
		SET status = $2, delivered_at = now()
		WHERE id = $1`, id, OutboxDelivered)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	return nil
}

func (r *outboxRepoPG) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	ct, err := r.conn(ctx).Exec(ctx, `
		UPDATE publish_outbox
		SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, lastError)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %s not found", id)
	}
	return nil
}

func (r *outboxRepoPG) TrimDelivered(ctx context.Context, before time.Time) (int, error) {
	ct, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM publish_outbox
		WHERE status = $1 AND delivered_at < $2`, OutboxDelivered, before)
	if err != nil {
		return 0, err
	}
	return int(ct.RowsAffected()), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var e OutboxEntry
	var lastErr *string
	if err := row.Scan(&e.ID, &e.DocumentID, &e.EventType, &e.Payload, &e.Attempts, &e.Status, &lastErr, &e.CreatedAt, &e.DeliveredAt); err != nil {
		return nil, err
	}
	if lastErr != nil {
		e.LastError = *lastErr
	}
	return &e, nil
}
