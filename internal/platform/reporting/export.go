package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/xuri/excelize/v2"

	"github.com/docgate/docgate/internal/pipeline/document"
	"github.com/docgate/docgate/internal/platform/auth"
	"github.com/docgate/docgate/internal/platform/hipaa"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReviewExportRow is one review item flattened for the workbook, with the
// member id decrypted from the stored record.
type ReviewExportRow struct {
	ItemID        string
	DocumentID    string
	CorrelationID string
	Label         string
	Confidence    float64
	Status        string
	ClaimedBy     string
	Reasons       []string
	Violations    []string
	MemberID      string
	CreatedAt     time.Time
}

// ExportReviewXLSX streams the review queue as an XLSX workbook. The export
// carries PHI in the clear; when a recipient is named the disclosure is
// accounted per member under HIPAA 164.528. Exports without a recipient are
// internal operations use and are not accounted.
func (h *Handler) ExportReviewXLSX(c echo.Context) error {
	rows, err := h.reviewExportRows(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("load review items: %v", err))
	}

	recipient := c.QueryParam("recipient")
	if recipient != "" {
		purpose := c.QueryParam("purpose")
		if purpose == "" {
			purpose = hipaa.PurposeHealthOversight
		}
		if !hipaa.IsValidDisclosurePurpose(purpose) {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid disclosure purpose %q", purpose))
		}
		user := auth.UserIDFromContext(c.Request().Context())
		if err := recordDisclosures(c.Request().Context(), h.disclosures, rows, recipient, purpose, user); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("record disclosure: %v", err))
		}
	}

	b, err := BuildReviewWorkbook(rows)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("build workbook: %v", err))
	}

	h.logger.Info().
		Int("rows", len(rows)).
		Str("recipient", recipient).
		Msg("review queue exported")

	filename := "review-queue-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename=`+filename)
	return c.Blob(http.StatusOK, xlsxContentType, b)
}

func (h *Handler) reviewExportRows(ctx context.Context) ([]ReviewExportRow, error) {
	rows, err := h.pool.Query(ctx, `
		SELECT r.id, r.document_id, r.correlation_id, r.label, r.confidence, r.reasons,
			r.violations, r.status, r.claimed_by, r.created_at, p.result
		FROM review_items r
		LEFT JOIN pipeline_results p ON p.document_id = r.document_id
		ORDER BY r.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewExportRow
	for rows.Next() {
		var (
			row                         ReviewExportRow
			reasons, violations, resRaw []byte
		)
		if err := rows.Scan(&row.ItemID, &row.DocumentID, &row.CorrelationID, &row.Label,
			&row.Confidence, &reasons, &violations, &row.Status, &row.ClaimedBy,
			&row.CreatedAt, &resRaw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(reasons, &row.Reasons); err != nil {
			return nil, fmt.Errorf("decode reasons: %w", err)
		}
		if len(violations) > 0 {
			if err := json.Unmarshal(violations, &row.Violations); err != nil {
				return nil, fmt.Errorf("decode violations: %w", err)
			}
		}
		member, err := h.memberFromResult(resRaw)
		if err != nil {
			return nil, err
		}
		row.MemberID = member
		out = append(out, row)
	}
	return out, rows.Err()
}

func (h *Handler) memberFromResult(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var res document.PipelineResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("decode result: %w", err)
	}
	rec := res.Record
	if h.phi != nil {
		dec, err := h.phi.DecryptRecord(rec)
		if err != nil {
			return "", fmt.Errorf("decrypt record: %w", err)
		}
		rec = dec
	}
	if rec == nil {
		return "", nil
	}
	if f, ok := rec.Field("member_id"); ok {
		return f.Value, nil
	}
	return "", nil
}

// recordDisclosures accounts one disclosure per member present in the
// export, grouping that member's documents and labels.
func recordDisclosures(ctx context.Context, store hipaa.DisclosureStore, rows []ReviewExportRow, recipient, purpose, user string) error {
	type grouped struct {
		docIDs []string
		labels map[string]bool
	}
	byMember := map[string]*grouped{}
	for _, r := range rows {
		if r.MemberID == "" {
			continue
		}
		g := byMember[r.MemberID]
		if g == nil {
			g = &grouped{labels: map[string]bool{}}
			byMember[r.MemberID] = g
		}
		g.docIDs = append(g.docIDs, r.DocumentID)
		if r.Label != "" {
			g.labels[r.Label] = true
		}
	}
	for member, g := range byMember {
		var labels []string
		for l := range g.labels {
			labels = append(labels, l)
		}
		err := store.Record(ctx, &hipaa.Disclosure{
			MemberID:        member,
			DisclosedTo:     recipient,
			DisclosedToType: "organization",
			Purpose:         purpose,
			DocumentTypes:   labels,
			DocumentIDs:     g.docIDs,
			DisclosedBy:     user,
			Method:          "export",
			Description:     "review queue XLSX export",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// BuildReviewWorkbook renders rows as an XLSX workbook.
func BuildReviewWorkbook(rows []ReviewExportRow) ([]byte, error) {
	f := excelize.NewFile()
	const sheet = "Review Queue"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Item ID",
		"Document ID",
		"Correlation ID",
		"Label",
		"Confidence",
		"Status",
		"Claimed By",
		"Reasons",
		"Violations",
		"Member ID",
		"Created At",
	}
	for i, hd := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, hd)
	}

	rowIdx := 2
	for _, r := range rows {
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, rowIdx)
			_ = f.SetCellValue(sheet, cell, v)
		}
		write(1, r.ItemID)
		write(2, r.DocumentID)
		write(3, r.CorrelationID)
		write(4, r.Label)
		write(5, strconv.FormatFloat(r.Confidence, 'f', 2, 64))
		write(6, r.Status)
		write(7, r.ClaimedBy)
		write(8, strings.Join(r.Reasons, "; "))
		write(9, strings.Join(r.Violations, "; "))
		write(10, r.MemberID)
		write(11, r.CreatedAt.UTC().Format(time.RFC3339))
		rowIdx++
	}

	_ = f.SetColWidth(sheet, "A", "C", 38)
	_ = f.SetColWidth(sheet, "D", "D", 24)
	_ = f.SetColWidth(sheet, "E", "G", 12)
	_ = f.SetColWidth(sheet, "H", "I", 44)
	_ = f.SetColWidth(sheet, "J", "J", 16)
	_ = f.SetColWidth(sheet, "K", "K", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
