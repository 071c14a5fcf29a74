package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docgate/docgate/internal/platform/db"
	"github.com/docgate/docgate/internal/platform/middleware"
)

// AccessRecord is one row in the phi_access_log table: a single request
// against a PHI-bearing endpoint, with the authenticated user, the document
// touched, and the outcome. HIPAA requires this trail to be retained for six
// years, so the table is append-only and rows are never updated.
type AccessRecord struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	UserRoles        []string  `json:"user_roles"`
	TenantID         string    `json:"tenant_id"`
	Resource         string    `json:"resource"`
	DocumentID       string    `json:"document_id"`
	Action           string    `json:"action"`
	Outcome          string    `json:"outcome"`
	StatusCode       int       `json:"status_code"`
	IPAddress        string    `json:"ip_address"`
	UserAgent        string    `json:"user_agent"`
	IsBreakGlass     bool      `json:"is_break_glass"`
	BreakGlassReason string    `json:"break_glass_reason,omitempty"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// AccessLog persists access records to Postgres. It satisfies
// middleware.AuditRecorder so it can be handed straight to the audit
// middleware.
type AccessLog struct {
	pool *pgxpool.Pool
}

// NewAccessLog creates an AccessLog backed by the given connection pool.
func NewAccessLog(pool *pgxpool.Pool) *AccessLog {
	return &AccessLog{pool: pool}
}

// Insert writes an access record. It uses the tenant-scoped connection from
// context when one is present, falling back to pool.Acquire.
func (a *AccessLog) Insert(ctx context.Context, rec *AccessRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	if rec.UserRoles == nil {
		// A nil slice would encode as NULL; user_roles is a NOT NULL array.
		rec.UserRoles = []string{}
	}

	const query = `
		INSERT INTO phi_access_log (
			request_id, user_id, user_roles, tenant_id,
			resource, document_id, action, outcome, status_code,
			ip_address, user_agent,
			is_break_glass, break_glass_reason, occurred_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10::inet,$11,$12,$13,$14
		) RETURNING id`

	// Empty string is not a valid inet literal; store NULL instead.
	var ip *string
	if rec.IPAddress != "" {
		ip = &rec.IPAddress
	}

	args := []any{
		rec.RequestID, rec.UserID, rec.UserRoles, rec.TenantID,
		rec.Resource, rec.DocumentID, rec.Action, rec.Outcome, rec.StatusCode,
		ip, rec.UserAgent,
		rec.IsBreakGlass, rec.BreakGlassReason, rec.OccurredAt,
	}

	conn := db.ConnFromContext(ctx)
	if conn != nil {
		return conn.QueryRow(ctx, query, args...).Scan(&rec.ID)
	}

	poolConn, err := a.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("phi access log: acquire connection: %w", err)
	}
	defer poolConn.Release()

	return poolConn.QueryRow(ctx, query, args...).Scan(&rec.ID)
}

// RecordAccess implements middleware.AuditRecorder. The middleware interface
// carries no context, so the write runs under its own short deadline; the
// response has already been decided by the time the recorder fires and a slow
// audit insert must not hold the worker.
func (a *AccessLog) RecordAccess(entry middleware.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.Insert(ctx, accessRecordFrom(entry))
}

// accessRecordFrom maps a middleware audit entry onto a storable record,
// deriving the outcome from the response status.
func accessRecordFrom(entry middleware.AuditEntry) *AccessRecord {
	occurred := entry.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}
	return &AccessRecord{
		RequestID:        entry.RequestID,
		UserID:           entry.UserID,
		UserRoles:        entry.UserRoles,
		TenantID:         entry.TenantID,
		Resource:         entry.Resource,
		DocumentID:       entry.DocumentID,
		Action:           entry.Action,
		Outcome:          outcomeFromStatus(entry.StatusCode),
		StatusCode:       entry.StatusCode,
		IPAddress:        entry.IPAddress,
		UserAgent:        entry.UserAgent,
		IsBreakGlass:     entry.IsBreakGlass,
		BreakGlassReason: entry.BreakGlassReason,
		OccurredAt:       occurred,
	}
}

// outcomeFromStatus collapses a response status into the three outcomes the
// compliance reports group by.
func outcomeFromStatus(status int) string {
	switch {
	case status == 0:
		return "unknown"
	case status < 400:
		return "success"
	case status == 401 || status == 403:
		return "denied"
	default:
		return "failure"
	}
}
