package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	core "github.com/deepinsight-ai/deepinsight/internal/agent/core"
	"github.com/deepinsight-ai/deepinsight/internal/runtime"
	"github.com/deepinsight-ai/deepinsight/internal/store"
)

// ReportsHandler serves the report CRUD surface.
type ReportsHandler struct {
	Store    *store.Store
	Progress *store.ProgressCache
}

func (h *ReportsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	write := runtime.RequireScopes(runtime.ScopeReportsWrite)
	g.POST("", h.create, write)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.GET("/uuid/:uuid", h.getByUUID)
	g.PUT("/:id/status", h.updateStatus, write)
	g.DELETE("/:id", h.delete, write)
	g.GET("/:id/rendered", h.rendered)
	g.GET("/:id/download", h.download)
	g.GET("/:id/progress", h.progress)
}

func ownerID(c echo.Context) string {
	id, _ := c.Get("user_id").(string)
	return id
}

// Create
//
//	@Summary	Create a pending report
//	@Tags		reports
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		CreateReportRequest	true	"Report goal"
//	@Success	201		{object}	CreateReportResponse
//	@Failure	400		{object}	HTTPError
//	@Router		/api/reports [post]
func (h *ReportsHandler) create(c echo.Context) error {
	var req CreateReportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Goal == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "goal must not be empty")
	}
	id, err := h.Store.CreateReport(c.Request().Context(), ownerID(c), req.Goal)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, CreateReportResponse{ReportID: id})
}

// List
//
//	@Summary	List the caller's reports
//	@Tags		reports
//	@Produce	json
//	@Param		status	query		string	false	"Status filter"
//	@Param		limit	query		int		false	"Page size"
//	@Param		offset	query		int		false	"Page offset"
//	@Success	200		{array}		core.AnalysisReport
//	@Router		/api/reports [get]
func (h *ReportsHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	reports, err := h.Store.ListReports(c.Request().Context(), ownerID(c), c.QueryParam("status"), limit, offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if reports == nil {
		reports = []core.AnalysisReport{}
	}
	return c.JSON(http.StatusOK, reports)
}

// Get
//
//	@Summary	Get one report
//	@Tags		reports
//	@Produce	json
//	@Param		id	path		string	true	"Report ID"
//	@Success	200	{object}	core.AnalysisReport
//	@Failure	404	{object}	HTTPError
//	@Router		/api/reports/{id} [get]
func (h *ReportsHandler) get(c echo.Context) error {
	rec, err := h.Store.GetReport(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		return reportError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

// GetByUUID
//
//	@Summary	Get one report by opaque UUID
//	@Tags		reports
//	@Produce	json
//	@Param		uuid	path		string	true	"Report UUID"
//	@Success	200		{object}	core.AnalysisReport
//	@Failure	404		{object}	HTTPError
//	@Router		/api/reports/uuid/{uuid} [get]
func (h *ReportsHandler) getByUUID(c echo.Context) error {
	rec, err := h.Store.GetReportByUUID(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return reportError(err)
	}
	if rec.OwnerID != ownerID(c) {
		// hide other owners' reports behind the same 404
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	return c.JSON(http.StatusOK, rec)
}

// UpdateStatus
//
//	@Summary	Update a non-terminal report's status
//	@Tags		reports
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string						true	"Report ID"
//	@Param		payload	body		UpdateReportStatusRequest	true	"New status"
//	@Success	200		{string}	string	"OK"
//	@Failure	404		{object}	HTTPError
//	@Failure	409		{object}	HTTPError
//	@Router		/api/reports/{id}/status [put]
func (h *ReportsHandler) updateStatus(c echo.Context) error {
	var req UpdateReportStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	switch req.Status {
	case core.ReportStatusPending, core.ReportStatusRunning, core.ReportStatusCompleted, core.ReportStatusFailed:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	if err := h.Store.UpdateReportStatus(c.Request().Context(), c.Param("id"), ownerID(c), req.Status); err != nil {
		return reportError(err)
	}
	return c.NoContent(http.StatusOK)
}

// Delete
//
//	@Summary	Delete a report
//	@Tags		reports
//	@Param		id	path	string	true	"Report ID"
//	@Success	204	{string}	string	"No Content"
//	@Failure	404	{object}	HTTPError
//	@Router		/api/reports/{id} [delete]
func (h *ReportsHandler) delete(c echo.Context) error {
	if err := h.Store.DeleteReport(c.Request().Context(), c.Param("id"), ownerID(c)); err != nil {
		return reportError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Rendered
//
//	@Summary	Get only the rendered report body
//	@Tags		reports
//	@Produce	json
//	@Param		id	path		string	true	"Report ID"
//	@Success	200	{object}	map[string]string
//	@Failure	404	{object}	HTTPError
//	@Router		/api/reports/{id}/rendered [get]
func (h *ReportsHandler) rendered(c echo.Context) error {
	body, err := h.Store.GetRenderedReport(c.Request().Context(), c.Param("id"), ownerID(c))
	if err != nil {
		return reportError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"rendered_report": body})
}

// Download
//
//	@Summary	Download the rendered report as a file
//	@Tags		reports
//	@Produce	text/markdown
//	@Param		id	path	string	true	"Report ID"
//	@Success	200	{string}	string	"Markdown file"
//	@Failure	404	{object}	HTTPError
//	@Router		/api/reports/{id}/download [get]
func (h *ReportsHandler) download(c echo.Context) error {
	id := c.Param("id")
	body, err := h.Store.GetRenderedReport(c.Request().Context(), id, ownerID(c))
	if err != nil {
		return reportError(err)
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="report-%s.md"`, id))
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(body))
}

// Progress
//
//	@Summary	Get the live stage progress of a running report
//	@Tags		reports
//	@Produce	json
//	@Param		id	path		string	true	"Report ID"
//	@Success	200	{array}		core.StageRecord
//	@Failure	404	{object}	HTTPError
//	@Router		/api/reports/{id}/progress [get]
func (h *ReportsHandler) progress(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	// ownership gate before exposing live state
	if _, err := h.Store.GetReport(ctx, id, ownerID(c)); err != nil {
		return reportError(err)
	}
	if h.Progress == nil {
		return c.JSON(http.StatusOK, []core.StageRecord{})
	}
	records, err := h.Progress.GetProgress(ctx, id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, records)
}

func reportError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	case errors.Is(err, store.ErrReportImmutable):
		return echo.NewHTTPError(http.StatusConflict, "report is terminal and immutable")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
