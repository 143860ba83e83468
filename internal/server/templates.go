package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/deepinsight-ai/deepinsight/internal/runtime"
	"github.com/deepinsight-ai/deepinsight/internal/store"
)

// TemplatesHandler serves the template registry and preference surface.
type TemplatesHandler struct {
	Store *store.Store
}

func (h *TemplatesHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("", h.list)
	g.GET("/preferences", h.preferences)
	g.POST("/:id/toggle", h.toggle)
	g.POST("/toggle_bulk", h.toggleBulk)
}

// List
//
//	@Summary	List agent templates
//	@Tags		templates
//	@Produce	json
//	@Param		variant	query		string	false	"Variant filter (individual|planner)"
//	@Success	200		{array}		store.AgentTemplate
//	@Router		/api/templates [get]
func (h *TemplatesHandler) list(c echo.Context) error {
	templates, err := h.Store.ListAgentTemplates(c.Request().Context(), c.QueryParam("variant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if templates == nil {
		templates = []store.AgentTemplate{}
	}
	return c.JSON(http.StatusOK, templates)
}

// Preferences
//
//	@Summary	List the caller's template preferences
//	@Tags		templates
//	@Produce	json
//	@Param		variant	query		string	false	"Variant filter"
//	@Success	200		{array}		store.UserTemplatePreference
//	@Router		/api/templates/preferences [get]
func (h *TemplatesHandler) preferences(c echo.Context) error {
	prefs, err := h.Store.ListUserTemplatePreferences(c.Request().Context(), ownerID(c), c.QueryParam("variant"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if prefs == nil {
		prefs = []store.UserTemplatePreference{}
	}
	return c.JSON(http.StatusOK, prefs)
}

// Toggle
//
//	@Summary		Toggle one template preference
//	@Description	Enforces the min-1/max-10 planner template bounds atomically
//	@Tags			templates
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Template ID"
//	@Param			payload	body		ToggleRequest	true	"Desired state"
//	@Success		200		{string}	string	"OK"
//	@Failure		404		{object}	HTTPError
//	@Failure		409		{object}	HTTPError
//	@Router			/api/templates/{id}/toggle [post]
func (h *TemplatesHandler) toggle(c echo.Context) error {
	var req ToggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Store.ToggleTemplatePreference(c.Request().Context(), ownerID(c), c.Param("id"), req.Enable); err != nil {
		return toggleError(err)
	}
	return c.NoContent(http.StatusOK)
}

// ToggleBulk
//
//	@Summary		Bulk-toggle template preferences
//	@Description	Each item is validated independently; the response reports a per-item verdict
//	@Tags			templates
//	@Accept			json
//	@Produce		json
//	@Param			payload	body		BulkToggleRequest	true	"Toggle items"
//	@Success		200		{array}		BulkToggleVerdict
//	@Failure		400		{object}	HTTPError
//	@Router			/api/templates/toggle_bulk [post]
func (h *TemplatesHandler) toggleBulk(c echo.Context) error {
	var req BulkToggleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Items) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "items must not be empty")
	}
	user := ownerID(c)
	verdicts := make([]BulkToggleVerdict, 0, len(req.Items))
	for _, item := range req.Items {
		verdict := BulkToggleVerdict{TemplateID: item.TemplateID, Success: true}
		if err := h.Store.ToggleTemplatePreference(c.Request().Context(), user, item.TemplateID, item.Enable); err != nil {
			verdict.Success = false
			verdict.Error = toggleMessage(err)
		}
		verdicts = append(verdicts, verdict)
	}
	return c.JSON(http.StatusOK, verdicts)
}

func toggleError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "template not found")
	case errors.Is(err, store.ErrPreferenceCapExceeded), errors.Is(err, store.ErrLastEnabledTemplate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func toggleMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "template not found"
	default:
		return err.Error()
	}
}
