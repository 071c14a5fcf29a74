package intake

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/docgate/docgate/internal/pipeline/engine"
	"github.com/docgate/docgate/internal/platform/auth"
	"github.com/docgate/docgate/internal/platform/blobstore"
	"github.com/docgate/docgate/internal/platform/middleware"
	"github.com/docgate/docgate/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/documents", h.Ingest, auth.RequireRole("admin", "operator"))
	api.GET("/documents", h.List, auth.RequireRole("admin", "operator", "reviewer"))
	api.GET("/documents/:id", h.Get, auth.RequireRole("admin", "operator", "reviewer"))
	api.GET("/documents/:id/result", h.GetResult, auth.RequireRole("admin", "operator", "reviewer"))
}

// Ingest accepts a multipart upload: the payload under "file" plus optional
// source, format, correlation_id and received_at (RFC3339) form fields.
// Processing is asynchronous, so success is 202 with the stored document.
func (h *Handler) Ingest(c echo.Context) error {
	req, err := ingestRequestFrom(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := applyChannelBinding(c, &req); err != nil {
		return err
	}
	stored, err := h.svc.Ingest(c.Request().Context(), req)
	switch {
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrPoolStopped):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "intake queue is full, retry later")
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, stored)
}

func ingestRequestFrom(c echo.Context) (IngestRequest, error) {
	var req IngestRequest
	fh, err := c.FormFile("file")
	if err != nil {
		return req, errors.New(`multipart field "file" is required`)
	}
	f, err := fh.Open()
	if err != nil {
		return req, err
	}
	defer f.Close()
	payload, err := io.ReadAll(io.LimitReader(f, blobstore.MaxPayloadSize+1))
	if err != nil {
		return req, err
	}
	req.Payload = payload
	// Filenames and metadata arrive from fax bridges and upload forms;
	// strip control characters before they reach storage or logs.
	req.Filename = middleware.SanitizeString(fh.Filename)
	req.ContentType = fh.Header.Get("Content-Type")
	req.Source = middleware.SanitizeString(c.FormValue("source"))
	req.Format = c.FormValue("format")
	req.CorrelationID = middleware.SanitizeString(c.FormValue("correlation_id"))
	if v := c.FormValue("received_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, fmt.Errorf("invalid received_at: %v", err)
		}
		req.ReceivedAt = t.UTC()
	}
	return req, nil
}

// applyChannelBinding enforces the source restriction carried by API-key
// identities. A key bound to a single channel fills in an omitted source;
// a declared source outside the binding is refused.
func applyChannelBinding(c echo.Context, req *IngestRequest) error {
	channels := auth.SourceChannels(c)
	if len(channels) == 0 {
		return nil
	}
	if req.Source == "" {
		if len(channels) == 1 {
			req.Source = channels[0]
			return nil
		}
		return echo.NewHTTPError(http.StatusBadRequest, "source is required for this api key")
	}
	for _, ch := range channels {
		if ch == req.Source {
			return nil
		}
	}
	return echo.NewHTTPError(http.StatusForbidden,
		fmt.Sprintf("api key is not bound to source %q", req.Source))
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	st, err := h.svc.Status(c.Request().Context(), id)
	if errors.Is(err, ErrDocumentNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Pollers revalidate with If-Modified-Since; the status row's update time
	// is the validator.
	c.Response().Header().Set(echo.HeaderLastModified, st.UpdatedAt.UTC().Format(http.TimeFormat))
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.GetResult(c.Request().Context(), id)
	switch {
	case errors.Is(err, ErrDocumentNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	case errors.Is(err, ErrResultNotReady):
		return c.JSON(http.StatusAccepted, echo.Map{"status": StatusReceived})
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := DocumentFilter{
		Status: c.QueryParam("status"),
		Format: c.QueryParam("format"),
		Source: c.QueryParam("source"),
	}
	items, total, err := h.svc.ListDocuments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
