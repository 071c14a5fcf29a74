package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/platform/hipaa"
	"github.com/docgate/docgate/internal/platform/middleware"
)

func TestPHIEncryptionAtRest(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	h := newDocHarness(t, ctx, "phi", permissiveBundle())

	stored := h.ingestText(t, ctx, paText, "fax-gateway", "corr-phi-1")
	res := waitForResult(t, ctx, h.intake, stored.ID)
	if res.Decision.Destination != document.DestAutoPublish {
		t.Fatalf("destination = %s, want %s", res.Decision.Destination, document.DestAutoPublish)
	}
	member, ok := res.Record.Field("member_id")
	if !ok || member.Value != "MBR-77104" {
		t.Fatalf("decrypted member_id = %q, want MBR-77104", member.Value)
	}

	// The stored row must hold ciphertext for PHI fields and plaintext for
	// the rest.
	var raw []byte
	err := withTenantConn(ctx, h.pool, h.tenantID, func(ctx context.Context) error {
		return connFromCtx(ctx).QueryRow(ctx,
			`SELECT result FROM pipeline_results WHERE document_id = $1`, stored.ID).Scan(&raw)
	})
	if err != nil {
		t.Fatalf("read stored result: %v", err)
	}
	var atRest document.PipelineResult
	if err := json.Unmarshal(raw, &atRest); err != nil {
		t.Fatalf("decode stored result: %v", err)
	}
	if atRest.Record == nil {
		t.Fatal("stored result has no record")
	}

	for _, f := range atRest.Record.Fields {
		clear, ok := res.Record.Field(f.Name)
		if !ok {
			t.Errorf("stored field %s missing from decrypted record", f.Name)
			continue
		}
		if hipaa.IsPHI(f.Name) {
			if f.Value == clear.Value {
				t.Errorf("PHI field %s stored in the clear", f.Name)
			}
			if f.Value == "" {
				t.Errorf("PHI field %s stored empty", f.Name)
			}
		} else if f.Value != clear.Value {
			t.Errorf("non-PHI field %s altered at rest: %q != %q", f.Name, f.Value, clear.Value)
		}
	}

	auth, ok := atRest.Record.Field("auth_number")
	if !ok || auth.Value != "PA-2024-01544" {
		t.Errorf("auth_number at rest = %q, want plaintext PA-2024-01544", auth.Value)
	}
}

func TestAccessLogTrail(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	tenantID := uniqueTenantID("audit")
	t.Cleanup(func() { dropTenantSchema(t, context.Background(), tenantID) })
	createTenantSchema(t, ctx, tenantID)
	pool := newTenantPool(t, ctx, tenantID)

	log := hipaa.NewAccessLog(pool)
	docID := uuid.New().String()

	entry := func(status int, breakGlass bool, reason string) middleware.AuditEntry {
		return middleware.AuditEntry{
			RequestID:        uuid.New().String(),
			UserID:           "dr.reyes",
			UserRoles:        []string{"physician"},
			TenantID:         tenantID,
			Resource:         "documents",
			DocumentID:       docID,
			Action:           "read",
			IPAddress:        "10.40.8.17",
			UserAgent:        "integration-test/1.0",
			Path:             "/api/v1/documents/" + docID + "/result",
			Method:           "GET",
			Timestamp:        time.Now().UTC(),
			StatusCode:       status,
			IsBreakGlass:     breakGlass,
			BreakGlassReason: reason,
		}
	}

	for _, e := range []middleware.AuditEntry{
		entry(200, false, ""),
		entry(403, false, ""),
		entry(500, false, ""),
		entry(200, true, "on-call physician, patient unresponsive"),
		entry(0, false, ""),
	} {
		if err := log.RecordAccess(e); err != nil {
			t.Fatalf("RecordAccess status %d: %v", e.StatusCode, err)
		}
	}

	type logged struct {
		outcome    string
		status     int
		breakGlass bool
		reason     string
		ip         string
	}
	var rows []logged
	err := withTenantConn(ctx, globalDB.Pool, tenantID, func(ctx context.Context) error {
		r, err := connFromCtx(ctx).Query(ctx, `
			SELECT outcome, status_code, is_break_glass, break_glass_reason, ip_address::text
			FROM phi_access_log WHERE user_id = $1 ORDER BY id`, "dr.reyes")
		if err != nil {
			return err
		}
		defer r.Close()
		for r.Next() {
			var l logged
			if err := r.Scan(&l.outcome, &l.status, &l.breakGlass, &l.reason, &l.ip); err != nil {
				return err
			}
			rows = append(rows, l)
		}
		return r.Err()
	})
	if err != nil {
		t.Fatalf("read access log: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("access log rows = %d, want 5", len(rows))
	}

	wantOutcomes := []string{"success", "denied", "failure", "success", "unknown"}
	for i, want := range wantOutcomes {
		if rows[i].outcome != want {
			t.Errorf("row %d outcome = %q, want %q (status %d)", i, rows[i].outcome, want, rows[i].status)
		}
		if rows[i].ip != "10.40.8.17" {
			t.Errorf("row %d ip = %q, want 10.40.8.17", i, rows[i].ip)
		}
	}
	if !rows[3].breakGlass || rows[3].reason != "on-call physician, patient unresponsive" {
		t.Errorf("break-glass row = %+v", rows[3])
	}
	if rows[0].breakGlass || rows[1].breakGlass {
		t.Error("regular access rows flagged as break-glass")
	}

	t.Run("Insert_Uses_Context_Connection", func(t *testing.T) {
		rec := &hipaa.AccessRecord{
			UserID:     "auditor",
			UserRoles:  []string{"compliance_officer"},
			TenantID:   tenantID,
			Resource:   "phi_access_log",
			Action:     "export",
			Outcome:    "success",
			StatusCode: 200,
			IPAddress:  "10.40.8.30",
			UserAgent:  "integration-test/1.0",
		}
		err := withTenantConn(ctx, globalDB.Pool, tenantID, func(ctx context.Context) error {
			return log.Insert(ctx, rec)
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if rec.ID == 0 {
			t.Error("Insert did not return the row id")
		}
	})
}
