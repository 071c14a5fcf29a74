package hipaa

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/docgate/docgate/internal/platform/auth"
)

// RetentionHandler provides Echo HTTP handlers for data retention policy management.
type RetentionHandler struct {
	service *RetentionService
}

// NewRetentionHandler creates a new handler backed by the given retention service.
func NewRetentionHandler(service *RetentionService) *RetentionHandler {
	return &RetentionHandler{service: service}
}

// RegisterRetentionRoutes registers admin-only retention policy routes on the API group.
func RegisterRetentionRoutes(g *echo.Group, service *RetentionService) {
	h := NewRetentionHandler(service)

	admin := g.Group("/admin/retention-policies", auth.RequireRole("admin"))
	admin.GET("", h.HandleListPolicies)
	admin.GET("/:class", h.HandleGetPolicy)

	g.GET("/admin/retention-windows", h.HandleRetentionWindows, auth.RequireRole("admin"))
}

// HandleListPolicies handles GET /api/v1/admin/retention-policies.
// Returns all configured retention policies.
func (h *RetentionHandler) HandleListPolicies(c echo.Context) error {
	policies := h.service.GetAllPolicies()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"policies": policies,
		"total":    len(policies),
	})
}

// HandleGetPolicy handles GET /api/v1/admin/retention-policies/:class.
// Returns the retention policy for a specific record class.
func (h *RetentionHandler) HandleGetPolicy(c echo.Context) error {
	class := c.Param("class")
	policy := h.service.GetPolicy(class)
	if policy == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no retention policy found for record class: "+class)
	}
	return c.JSON(http.StatusOK, policy)
}

// HandleRetentionWindows handles GET /api/v1/admin/retention-windows.
// Returns the archive and purge cutoffs for every record class as of now,
// in the form cleanup jobs consume.
func (h *RetentionHandler) HandleRetentionWindows(c echo.Context) error {
	now := time.Now().UTC()
	windows := h.service.Windows(now)
	return c.JSON(http.StatusOK, map[string]interface{}{
		"windows": windows,
		"as_of":   now,
	})
}
