package review

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docgate/docgate/internal/platform/auth"
	"github.com/docgate/docgate/pkg/pagination"
)

// Handler exposes the review queue over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/review", h.List, auth.RequireRole("admin", "reviewer"))
	api.GET("/review/:id", h.Get, auth.RequireRole("admin", "reviewer"))
	api.POST("/review/:id/claim", h.Claim, auth.RequireRole("admin", "reviewer"))
	api.POST("/review/:id/release", h.Release, auth.RequireRole("admin", "reviewer"))
	api.POST("/review/:id/resolve", h.Resolve, auth.RequireRole("admin", "reviewer"))
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status: c.QueryParam("status"),
		Label:  c.QueryParam("label"),
		Reason: c.QueryParam("reason"),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	item, err := h.svc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrItemNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "review item not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Claim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	reviewer := auth.UserIDFromContext(c.Request().Context())
	if reviewer == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	item, err := h.svc.Claim(c.Request().Context(), id, reviewer)
	switch {
	case errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "review item not found")
	case errors.Is(err, ErrNotOpen):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Release(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	item, err := h.svc.Release(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "review item not found")
	case errors.Is(err, ErrNotClaimed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, item)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

func (h *Handler) Resolve(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	reviewer := auth.UserIDFromContext(c.Request().Context())
	if reviewer == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	item, err := h.svc.Resolve(c.Request().Context(), id, reviewer, req.Resolution, req.Note)
	switch {
	case errors.Is(err, ErrInvalidResolution):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrItemNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "review item not found")
	case errors.Is(err, ErrNotClaimed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, item)
}
