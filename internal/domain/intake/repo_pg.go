package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Document Repository ===========

type documentRepoPG struct{ pool *pgxpool.Pool }

func NewDocumentRepoPG(pool *pgxpool.Pool) DocumentRepository {
	return &documentRepoPG{pool: pool}
}

func (r *documentRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const documentCols = `id, correlation_id, format, page_count, blob_key, content_sha256,
	source, received_at, status, created_at, updated_at`

func (r *documentRepoPG) scanDocument(row pgx.Row) (*StoredDocument, error) {
	var d StoredDocument
	err := row.Scan(&d.ID, &d.CorrelationID, &d.Format, &d.PageCount, &d.BlobKey, &d.ContentSHA256,
		&d.Source, &d.ReceivedAt, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	return &d, err
}

func (r *documentRepoPG) Create(ctx context.Context, d *StoredDocument) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Status == "" {
		d.Status = StatusReceived
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO documents (id, correlation_id, format, page_count, blob_key, content_sha256,
			source, received_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		d.ID, d.CorrelationID, d.Format, d.PageCount, d.BlobKey, d.ContentSHA256,
		d.Source, d.ReceivedAt, d.Status)
	return err
}

func (r *documentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StoredDocument, error) {
	d, err := r.scanDocument(r.conn(ctx).QueryRow(ctx, `SELECT `+documentCols+` FROM documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *documentRepoPG) List(ctx context.Context, f DocumentFilter, limit, offset int) ([]*StoredDocument, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Format != "" {
		args = append(args, f.Format)
		where = append(where, fmt.Sprintf("format = $%d", len(args)))
	}
	if f.Source != "" {
		args = append(args, f.Source)
		where = append(where, fmt.Sprintf("source = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM documents`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+documentCols+` FROM documents%s ORDER BY received_at DESC LIMIT $%d OFFSET $%d`,
		clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StoredDocument
	for rows.Next() {
		d, err := r.scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, d)
	}
	return items, total, nil
}

func (r *documentRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`UPDATE documents SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	return err
}

func (r *documentRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	return err
}

// =========== Result Repository ===========

type resultRepoPG struct{ pool *pgxpool.Pool }

func NewResultRepoPG(pool *pgxpool.Pool) ResultRepository {
	return &resultRepoPG{pool: pool}
}

func (r *resultRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// Save upserts on document_id: one terminal result per document, and a
// retried save replaces rather than duplicates.
func (r *resultRepoPG) Save(ctx context.Context, res document.PipelineResult) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal pipeline result: %w", err)
	}
	label := string(document.TypeUnknown)
	confidence := 0.0
	if res.Classification != nil {
		label = string(res.Classification.Label)
		confidence = res.Classification.Confidence
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO pipeline_results (document_id, result_id, destination, label, confidence,
			publish_state, result, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (document_id) DO UPDATE SET
			result_id = EXCLUDED.result_id, destination = EXCLUDED.destination,
			label = EXCLUDED.label, confidence = EXCLUDED.confidence,
			publish_state = EXCLUDED.publish_state, result = EXCLUDED.result,
			completed_at = EXCLUDED.completed_at`,
		res.DocumentID, res.ID, string(res.Decision.Destination), label, confidence,
		string(res.Publish), raw, res.CompletedAt)
	return err
}

func (r *resultRepoPG) GetByDocument(ctx context.Context, docID uuid.UUID) (*document.PipelineResult, error) {
	var raw []byte
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT result FROM pipeline_results WHERE document_id = $1`, docID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrResultNotReady
	}
	if err != nil {
		return nil, err
	}
	var res document.PipelineResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline result: %w", err)
	}
	return &res, nil
}
