package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
)

func enabledTelemetry() *Telemetry {
	return NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
}

func TestRecordRunEvent(t *testing.T) {
	tel := enabledTelemetry()
	ctx := context.Background()

	tel.RecordRunEvent(ctx, RunEvent{ReportID: "r1", Success: true, Duration: 2 * time.Second, Cost: 0.5, TokensUsed: 100, ModelsUsed: []string{"gpt-4o"}})
	tel.RecordRunEvent(ctx, RunEvent{ReportID: "r2", Success: false, Duration: 4 * time.Second, Cost: 0.1, TokensUsed: 40})

	m := tel.GetMetrics()
	if m.TotalRuns != 2 || m.CompletedRuns != 1 || m.FailedRuns != 1 {
		t.Fatalf("unexpected run counters: %+v", m)
	}
	if m.AverageRunTime != 3*time.Second {
		t.Fatalf("unexpected average run time %v", m.AverageRunTime)
	}
	if m.ModelRequests["gpt-4o"] != 1 {
		t.Fatalf("model requests not recorded: %v", m.ModelRequests)
	}

	costs := tel.GetCostSummary()
	if costs.TotalCost != 0.6 || costs.TotalTokens != 140 {
		t.Fatalf("unexpected cost summary: %+v", costs)
	}
}

func TestRecordAgentEventSuccessRate(t *testing.T) {
	tel := enabledTelemetry()
	ctx := context.Background()

	tel.RecordAgentEvent(ctx, AgentEvent{AgentName: "Trend Mining", Success: true, Duration: time.Second, ModelUsed: "gpt-4o", TokensUsed: 10})
	tel.RecordAgentEvent(ctx, AgentEvent{AgentName: "Trend Mining", Success: false, Duration: 3 * time.Second, ModelUsed: "gpt-4o", TokensUsed: 10})

	m := tel.GetMetrics()
	if m.AgentExecutions["Trend Mining"] != 2 {
		t.Fatalf("unexpected executions: %v", m.AgentExecutions)
	}
	if rate := m.AgentSuccessRates["Trend Mining"]; rate != 0.5 {
		t.Fatalf("unexpected success rate %f", rate)
	}
	if avg := m.AgentAverageTimes["Trend Mining"]; avg != 2*time.Second {
		t.Fatalf("unexpected average time %v", avg)
	}
	if m.ModelTokensUsed["gpt-4o"] != 20 {
		t.Fatalf("unexpected model tokens: %v", m.ModelTokensUsed)
	}
}

func TestRecordSandboxExecution(t *testing.T) {
	tel := enabledTelemetry()
	ctx := context.Background()

	tel.RecordSandboxExecution(ctx, false, 1)
	tel.RecordSandboxExecution(ctx, true, 2)

	m := tel.GetMetrics()
	if m.SandboxExecutions != 2 || m.SandboxFailures != 1 || m.FixAttemptsTotal != 3 {
		t.Fatalf("unexpected sandbox metrics: %+v", m)
	}
}

func TestDisabledTelemetryRecordsNothing(t *testing.T) {
	tel := NewTelemetry(config.TelemetryConfig{Enabled: false})
	ctx := context.Background()

	tel.RecordRunEvent(ctx, RunEvent{ReportID: "r1", Success: true})
	tel.RecordSandboxExecution(ctx, true, 2)

	m := tel.GetMetrics()
	if m.TotalRuns != 0 || m.SandboxExecutions != 0 {
		t.Fatalf("disabled telemetry must record nothing: %+v", m)
	}
}

func TestGetMetricsReturnsCopy(t *testing.T) {
	tel := enabledTelemetry()
	tel.RecordAgentEvent(context.Background(), AgentEvent{AgentName: "Trend Mining", Success: true, ModelUsed: "gpt-4o"})

	m := tel.GetMetrics()
	m.AgentExecutions["Trend Mining"] = 99

	if tel.GetMetrics().AgentExecutions["Trend Mining"] != 1 {
		t.Fatalf("GetMetrics leaked internal state")
	}
}
