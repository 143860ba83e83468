package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/labstack/echo/v4"

	"github.com/deepinsight-ai/deepinsight/config"
	core "github.com/deepinsight-ai/deepinsight/internal/agent/core"
	"github.com/deepinsight-ai/deepinsight/internal/sandbox"
	"github.com/deepinsight-ai/deepinsight/internal/store"
	"github.com/deepinsight-ai/deepinsight/provider"
)

// scriptedProvider answers each pipeline prompt by recognizing its preamble.
type scriptedProvider struct{}

func (scriptedProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	text, _, _, err := scriptedProvider{}.GenerateWithTokens(ctx, prompt, model, options)
	return text, err
}

func (scriptedProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	switch {
	case strings.Contains(prompt, "analysis planner"):
		return "1. What drives churn?", 50, 20, nil
	case strings.Contains(prompt, "multi-agent planner"):
		return `[{"agent":"Statistical Analytics","question":"What drives churn?"}]`, 50, 20, nil
	case strings.Contains(prompt, "Respond with ONLY a JSON object"):
		return `{"summary":"tickets predict churn","code":"print('x')"}`, 50, 20, nil
	case strings.Contains(prompt, "senior data engineer"):
		return "FIGURES = []\nprint('merged')", 50, 20, nil
	case strings.Contains(prompt, "writing up results"):
		return `["Tickets predict churn."]`, 50, 20, nil
	case strings.Contains(prompt, "final conclusion"):
		return "Prioritize ticket resolution.", 50, 20, nil
	}
	return "", 0, 0, fmt.Errorf("unscripted prompt: %.40s", prompt)
}

func (scriptedProvider) GetAvailableModels() []string { return []string{"test-model"} }

func (scriptedProvider) GetModelInfo(model string) (provider.ModelInfo, error) {
	return provider.ModelInfo{Name: model}, nil
}

func (scriptedProvider) CalculateCost(in, out int64, model string) float64 { return 0.01 }

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{Output: "churn rate 12%"}, nil
}

type memorySnapshotStore struct {
	saved []core.AnalysisReport
}

func (m *memorySnapshotStore) SaveReportSnapshot(ctx context.Context, report *core.AnalysisReport) error {
	m.saved = append(m.saved, *report)
	return nil
}

func streamTestPipeline(snapshots *memorySnapshotStore) *core.Pipeline {
	cfg := &config.Config{
		LLM:     config.LLMConfig{Routing: config.LLMRoutingConfig{Fallback: "test-model"}},
		Agents:  config.AgentsConfig{MaxConcurrentAgents: 4, MaxGoalLength: 4000},
		Billing: config.BillingConfig{Enabled: false},
		Sandbox: config.SandboxConfig{DefaultTimeout: time.Second},
	}
	return core.NewPipeline(cfg, nil, nil, scriptedProvider{}, okExecutor{}, snapshots, nil, nil, nil)
}

func TestStreamEmitsNDJSONWithFinalResult(t *testing.T) {
	e := echo.New()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	snapshots := &memorySnapshotStore{}
	handler := &AnalysisHandler{Pipeline: streamTestPipeline(snapshots), Store: &store.Store{DB: db}}

	mock.ExpectQuery(`INSERT INTO reports \(owner_id, goal, status, start_time\)`).
		WithArgs("user-1", "Understand churn").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rep-9"))

	req := httptest.NewRequest(http.MethodPost, "/api/analysis/stream", strings.NewReader(`{"goal":"Understand churn","dataset_id":"ds-1"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	if err := handler.stream(ctx); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) < 2 {
		t.Fatalf("expected a multi-line event stream, got %q", rec.Body.String())
	}

	last := 0
	finals := 0
	for i, line := range lines {
		var ev map[string]interface{}
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("line %d is not JSON: %v (%q)", i, err, line)
		}
		switch ev["type"] {
		case "step_update":
			p := int(ev["progress"].(float64))
			if p < last {
				t.Fatalf("progress went backwards at line %d: %d after %d", i, p, last)
			}
			last = p
		case "final_result":
			finals++
			if i != len(lines)-1 {
				t.Fatalf("final_result must be the last line")
			}
			if ev["status"] != "completed" || int(ev["progress"].(float64)) != 100 {
				t.Fatalf("unexpected final event: %v", ev)
			}
			// report fields are flattened into the final object
			if ev["report_id"] != "rep-9" {
				t.Fatalf("expected flattened report_id, got %v", ev["report_id"])
			}
			if ev["final_conclusion"] != "Prioritize ticket resolution." {
				t.Fatalf("expected flattened conclusion, got %v", ev["final_conclusion"])
			}
		}
	}
	if finals != 1 {
		t.Fatalf("expected exactly one final_result, got %d", finals)
	}

	if len(snapshots.saved) != 1 || snapshots.saved[0].Status != core.ReportStatusCompleted {
		t.Fatalf("expected one completed snapshot, got %+v", snapshots.saved)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestStreamRejectsEmptyGoal(t *testing.T) {
	e := echo.New()
	handler := &AnalysisHandler{Pipeline: streamTestPipeline(&memorySnapshotStore{})}

	req := httptest.NewRequest(http.MethodPost, "/api/analysis/stream", strings.NewReader(`{"goal":"  "}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("user_id", "user-1")

	err := handler.stream(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 error, got %#v", err)
	}
}
