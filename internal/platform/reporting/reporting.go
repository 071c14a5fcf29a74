// Package reporting exposes predefined operational measures over the
// pipeline tables and an XLSX export of the review queue. Measures are raw
// SQL evaluated read-only; they reach across domain tables the same way an
// operator's dashboard query would.
package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/docgate/docgate/internal/platform/auth"
	"github.com/docgate/docgate/internal/platform/hipaa"
)

// MeasureDefinition defines a reporting measure with its SQL query.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string           `json:"measure_id"`
	MeasureName string           `json:"measure_name"`
	GeneratedAt time.Time        `json:"generated_at"`
	Results     []map[string]any `json:"results"`
}

// PredefinedMeasures is the list of available reporting measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "document-volume-by-status",
		Name:        "Document Volume by Status",
		Description: "Number of ingested documents grouped by pipeline status",
		SQL:         `SELECT status, COUNT(*) AS total FROM documents GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "routing-outcomes",
		Name:        "Routing Outcomes",
		Description: "Terminal routing destinations across all processed documents",
		SQL:         `SELECT destination, COUNT(*) AS total FROM pipeline_results GROUP BY destination ORDER BY total DESC`,
	},
	{
		ID:          "label-distribution",
		Name:        "Label Distribution",
		Description: "Classified document types with average classifier confidence",
		SQL:         `SELECT label, COUNT(*) AS total, ROUND(AVG(confidence)::numeric, 3) AS avg_confidence FROM pipeline_results GROUP BY label ORDER BY total DESC`,
	},
	{
		ID:          "review-reasons",
		Name:        "Review Reasons",
		Description: "How often each routing reason sent a document to review",
		SQL:         `SELECT reason, COUNT(*) AS total FROM review_items CROSS JOIN LATERAL jsonb_array_elements_text(reasons) AS reason GROUP BY reason ORDER BY total DESC`,
	},
	{
		ID:          "publish-states",
		Name:        "Publish States",
		Description: "Publish outcome of processed documents, including parked publishes",
		SQL:         `SELECT publish_state, COUNT(*) AS total FROM pipeline_results GROUP BY publish_state ORDER BY total DESC`,
	},
	{
		ID:          "publish-backlog",
		Name:        "Publish Backlog",
		Description: "Outbox entries by delivery status with the deepest retry count",
		SQL:         `SELECT status, COUNT(*) AS total, COALESCE(MAX(attempts), 0) AS max_attempts FROM publish_outbox GROUP BY status ORDER BY total DESC`,
	},
	{
		ID:          "daily-intake",
		Name:        "Daily Intake",
		Description: "Documents received per day over the last 14 days",
		SQL:         `SELECT DATE(received_at) AS day, COUNT(*) AS total FROM documents WHERE received_at > NOW() - INTERVAL '14 days' GROUP BY day ORDER BY day DESC`,
	},
	{
		ID:          "review-queue-age",
		Name:        "Review Queue Age",
		Description: "Review items by workflow status with the oldest item per status",
		SQL:         `SELECT status, COUNT(*) AS total, MIN(created_at) AS oldest FROM review_items GROUP BY status ORDER BY total DESC`,
	},
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool        *pgxpool.Pool
	phi         *hipaa.Service
	disclosures hipaa.DisclosureStore
	logger      zerolog.Logger
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool, phi *hipaa.Service, disclosures hipaa.DisclosureStore, logger zerolog.Logger) *Handler {
	return &Handler{
		pool:        pool,
		phi:         phi,
		disclosures: disclosures,
		logger:      logger.With().Str("component", "reporting").Logger(),
	}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole("admin", "operator"))
	reportGroup.GET("/measures", h.ListMeasures)
	reportGroup.GET("/measures/:id/evaluate", h.EvaluateMeasure)
	reportGroup.GET("/review/export.xlsx", h.ExportReviewXLSX)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	results, err := h.executeSQL(c.Request().Context(), measure.SQL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}

	return c.JSON(http.StatusOK, MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: time.Now().UTC(),
		Results:     results,
	})
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func (h *Handler) executeSQL(ctx context.Context, sql string) ([]map[string]any, error) {
	rows, err := h.pool.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	var results []map[string]any

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]any, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[string(fd.Name)] = values[i]
		}
		results = append(results, row)
	}

	if results == nil {
		results = []map[string]any{}
	}
	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
