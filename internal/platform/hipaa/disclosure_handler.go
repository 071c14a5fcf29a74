package hipaa

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docgate/docgate/internal/platform/auth"
)

// DisclosureHandler provides Echo HTTP handlers for accounting of disclosures.
type DisclosureHandler struct {
	store DisclosureStore
}

// NewDisclosureHandler creates a new handler backed by the given store.
func NewDisclosureHandler(store DisclosureStore) *DisclosureHandler {
	return &DisclosureHandler{store: store}
}

// RegisterDisclosureRoutes registers disclosure routes on the API group.
func RegisterDisclosureRoutes(apiV1 *echo.Group, store DisclosureStore) {
	h := NewDisclosureHandler(store)

	// Recording a disclosure happens when someone actually hands data out,
	// which is an admin or operator action. Listing the full accounting is
	// admin-only; the per-member accounting also serves reviewers answering
	// a member's Section 164.528 request.
	apiV1.POST("/disclosures", h.HandleRecordDisclosure, auth.RequireRole("admin", "operator"))
	apiV1.GET("/disclosures", h.HandleListDisclosures, auth.RequireRole("admin"))
	apiV1.GET("/disclosures/:id", h.HandleGetDisclosure, auth.RequireRole("admin"))
	apiV1.GET("/members/:memberId/disclosures", h.HandleListMemberDisclosures, auth.RequireRole("admin", "reviewer"))
}

// CreateDisclosureRequest is the request body for recording a disclosure.
type CreateDisclosureRequest struct {
	MemberID        string   `json:"member_id"`
	DisclosedTo     string   `json:"disclosed_to"`
	DisclosedToType string   `json:"disclosed_to_type"`
	Purpose         string   `json:"purpose"`
	DocumentTypes   []string `json:"document_types"`
	DocumentIDs     []string `json:"document_ids,omitempty"`
	DateDisclosed   string   `json:"date_disclosed,omitempty"` // RFC3339
	DisclosedBy     string   `json:"disclosed_by"`
	Method          string   `json:"method"`
	Description     string   `json:"description"`
}

// HandleRecordDisclosure handles POST /api/v1/disclosures.
func (h *DisclosureHandler) HandleRecordDisclosure(c echo.Context) error {
	var req CreateDisclosureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	if req.MemberID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "member_id is required")
	}
	if req.DisclosedTo == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "disclosed_to is required")
	}
	if req.Purpose == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "purpose is required")
	}
	if !IsValidDisclosurePurpose(req.Purpose) {
		return echo.NewHTTPError(http.StatusBadRequest,
			"invalid purpose: must be one of: "+strings.Join(ValidDisclosurePurposes(), ", "))
	}

	var dateDisclosed time.Time
	if req.DateDisclosed != "" {
		var err error
		dateDisclosed, err = time.Parse(time.RFC3339, req.DateDisclosed)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid date_disclosed: must be RFC3339")
		}
	}

	// Use the authenticated user ID if disclosed_by is not provided
	disclosedBy := req.DisclosedBy
	if disclosedBy == "" {
		disclosedBy = auth.UserIDFromContext(c.Request().Context())
	}

	disclosure := &Disclosure{
		MemberID:        req.MemberID,
		DisclosedTo:     req.DisclosedTo,
		DisclosedToType: req.DisclosedToType,
		Purpose:         req.Purpose,
		DocumentTypes:   req.DocumentTypes,
		DocumentIDs:     req.DocumentIDs,
		DateDisclosed:   dateDisclosed,
		DisclosedBy:     disclosedBy,
		Method:          req.Method,
		Description:     req.Description,
	}

	if err := h.store.Record(c.Request().Context(), disclosure); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusCreated, disclosure)
}

// HandleListDisclosures handles GET /api/v1/disclosures (admin only, paginated).
func (h *DisclosureHandler) HandleListDisclosures(c echo.Context) error {
	limit := 20
	offset := 0

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	if limit > 100 {
		limit = 100
	}

	disclosures, total, err := h.store.ListAll(c.Request().Context(), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":     disclosures,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
		"has_more": offset+limit < total,
	})
}

// HandleGetDisclosure handles GET /api/v1/disclosures/:id.
func (h *DisclosureHandler) HandleGetDisclosure(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid disclosure id")
	}

	d, err := h.store.GetByID(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if d == nil {
		return echo.NewHTTPError(http.StatusNotFound, "disclosure not found")
	}

	return c.JSON(http.StatusOK, d)
}

// HandleListMemberDisclosures handles GET /api/v1/members/:memberId/disclosures.
func (h *DisclosureHandler) HandleListMemberDisclosures(c echo.Context) error {
	memberID := c.Param("memberId")
	if memberID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "member id is required")
	}

	// Default to 6-year window (HIPAA requirement)
	to := time.Now().UTC()
	from := to.AddDate(-6, 0, 0)

	if v := c.QueryParam("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := c.QueryParam("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}

	disclosures, err := h.store.ListByMember(c.Request().Context(), memberID, from, to)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"data":      disclosures,
		"member_id": memberID,
		"from":      from.Format(time.RFC3339),
		"to":        to.Format(time.RFC3339),
		"total":     len(disclosures),
	})
}
