package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	core "github.com/deepinsight-ai/deepinsight/internal/agent/core"
	"github.com/deepinsight-ai/deepinsight/internal/runtime"
	"github.com/deepinsight-ai/deepinsight/internal/store"
)

// AnalysisHandler exposes the streaming analysis endpoint.
type AnalysisHandler struct {
	Pipeline *core.Pipeline
	Store    *store.Store
	Logger   *log.Logger
}

func (h *AnalysisHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.POST("/stream", h.stream)
}

// Stream
//
//	@Summary		Run an analysis with streaming progress
//	@Description	Starts the pipeline and streams newline-delimited JSON progress events, ending with one final_result
//	@Tags			analysis
//	@Accept			json
//	@Produce		json
//	@Param			payload	body	AnalysisStreamRequest	true	"Analysis goal"
//	@Success		200		{string}	string	"application/x-ndjson event stream"
//	@Failure		400		{object}	HTTPError
//	@Failure		401		{object}	HTTPError
//	@Router			/api/analysis/stream [post]
func (h *AnalysisHandler) stream(c echo.Context) error {
	var req AnalysisStreamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.Pipeline.ValidateGoal(req.Goal); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ownerID, _ := c.Get("user_id").(string)

	ctx := c.Request().Context()
	reportID, err := h.Store.CreateReport(ctx, ownerID, req.Goal)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)

	flusher, _ := res.Writer.(http.Flusher)
	enc := json.NewEncoder(res)
	writeOK := true
	writeLine := func(v interface{}) {
		if !writeOK {
			return
		}
		if err := enc.Encode(v); err != nil {
			writeOK = false
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	events := h.Pipeline.Run(ctx, core.AnalysisRequest{
		ReportID:  reportID,
		OwnerID:   ownerID,
		Goal:      req.Goal,
		DatasetID: req.DatasetID,
	})

	// the channel closes after the final event; keep draining even if the
	// client went away so the run settles and persists
	for ev := range events {
		switch ev.Type {
		case core.EventFinalResult:
			writeLine(finalResultPayload(ev))
		default:
			writeLine(ev)
		}
	}
	return nil
}

// finalResultPayload flattens the report fields into the final_result object,
// alongside the event envelope keys.
func finalResultPayload(ev core.Event) map[string]interface{} {
	out := map[string]interface{}{
		"type":     core.EventFinalResult,
		"status":   ev.Status,
		"progress": ev.Progress,
	}
	if ev.Report == nil {
		return out
	}
	raw, err := json.Marshal(ev.Report)
	if err != nil {
		return out
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return out
	}
	for k, v := range fields {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}
