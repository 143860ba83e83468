package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
)

// Telemetry provides run monitoring and completion cost tracking.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
	mu          sync.RWMutex
}

// Metrics holds aggregate pipeline performance metrics.
type Metrics struct {
	// Run metrics
	TotalRuns      int64
	CompletedRuns  int64
	FailedRuns     int64
	AverageRunTime time.Duration

	// Agent metrics
	AgentExecutions   map[string]int64
	AgentSuccessRates map[string]float64
	AgentAverageTimes map[string]time.Duration

	// Completion model metrics
	ModelRequests   map[string]int64
	ModelTokensUsed map[string]int64

	// Sandbox metrics
	SandboxExecutions int64
	SandboxFailures   int64
	FixAttemptsTotal  int64
}

// CostTracker tracks completion spend across models and pipeline stages.
type CostTracker struct {
	StageCosts  map[string]float64
	ModelCosts  map[string]float64
	TotalCost   float64
	TotalTokens int64
}

// RunEvent represents one finished analysis run.
type RunEvent struct {
	ReportID   string
	Goal       string
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	AgentsUsed []string
	ModelsUsed []string
}

// AgentEvent represents one analysis agent execution.
type AgentEvent struct {
	ID         string
	AgentName  string
	Duration   time.Duration
	Success    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// StageEvent represents one pipeline stage transition with spend attribution.
type StageEvent struct {
	Stage      string
	Duration   time.Duration
	Cost       float64
	TokensUsed int64
}

// NewTelemetry creates a new telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			AgentExecutions:   make(map[string]int64),
			AgentSuccessRates: make(map[string]float64),
			AgentAverageTimes: make(map[string]time.Duration),
			ModelRequests:     make(map[string]int64),
			ModelTokensUsed:   make(map[string]int64),
		},
		costTracker: &CostTracker{
			StageCosts: make(map[string]float64),
			ModelCosts: make(map[string]float64),
		},
	}
}

// RecordRunEvent records a complete analysis run.
func (t *Telemetry) RecordRunEvent(ctx context.Context, event RunEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.TotalRuns++
	if event.Success {
		t.metrics.CompletedRuns++
	} else {
		t.metrics.FailedRuns++
	}

	if t.metrics.TotalRuns == 1 {
		t.metrics.AverageRunTime = event.Duration
	} else {
		total := t.metrics.AverageRunTime * time.Duration(t.metrics.TotalRuns-1)
		t.metrics.AverageRunTime = (total + event.Duration) / time.Duration(t.metrics.TotalRuns)
	}

	for _, model := range event.ModelsUsed {
		t.metrics.ModelRequests[model]++
	}
	if t.config.CostTracking {
		t.costTracker.TotalCost += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
	}

	t.logger.Printf("Run Event: ID=%s, Success=%t, Duration=%v, Cost=$%.4f, Tokens=%d",
		event.ReportID, event.Success, event.Duration, event.Cost, event.TokensUsed)
}

// RecordAgentEvent records an analysis agent execution.
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.metrics.AgentExecutions[event.AgentName]++
	executions := t.metrics.AgentExecutions[event.AgentName]

	currentSuccess := t.metrics.AgentSuccessRates[event.AgentName] * float64(executions-1)
	if event.Success {
		currentSuccess += 1.0
	}
	t.metrics.AgentSuccessRates[event.AgentName] = currentSuccess / float64(executions)

	currentAvg := t.metrics.AgentAverageTimes[event.AgentName]
	if executions == 1 {
		t.metrics.AgentAverageTimes[event.AgentName] = event.Duration
	} else {
		total := currentAvg * time.Duration(executions-1)
		t.metrics.AgentAverageTimes[event.AgentName] = (total + event.Duration) / time.Duration(executions)
	}

	t.metrics.ModelRequests[event.ModelUsed]++
	t.metrics.ModelTokensUsed[event.ModelUsed] += event.TokensUsed
	if t.config.CostTracking {
		t.costTracker.ModelCosts[event.ModelUsed] += event.Cost
	}
}

// RecordStageEvent records one stage transition with its spend.
func (t *Telemetry) RecordStageEvent(ctx context.Context, event StageEvent) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.config.CostTracking {
		t.costTracker.StageCosts[event.Stage] += event.Cost
		t.costTracker.TotalTokens += event.TokensUsed
	}
}

// RecordSandboxExecution records a sandbox round trip and whether it failed.
func (t *Telemetry) RecordSandboxExecution(ctx context.Context, failed bool, fixAttempts int) {
	if !t.config.Enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.SandboxExecutions++
	if failed {
		t.metrics.SandboxFailures++
	}
	t.metrics.FixAttemptsTotal += int64(fixAttempts)
}

// GetMetrics returns a copy of the current metrics.
func (t *Telemetry) GetMetrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := Metrics{
		TotalRuns:         t.metrics.TotalRuns,
		CompletedRuns:     t.metrics.CompletedRuns,
		FailedRuns:        t.metrics.FailedRuns,
		AverageRunTime:    t.metrics.AverageRunTime,
		SandboxExecutions: t.metrics.SandboxExecutions,
		SandboxFailures:   t.metrics.SandboxFailures,
		FixAttemptsTotal:  t.metrics.FixAttemptsTotal,
		AgentExecutions:   make(map[string]int64, len(t.metrics.AgentExecutions)),
		AgentSuccessRates: make(map[string]float64, len(t.metrics.AgentSuccessRates)),
		AgentAverageTimes: make(map[string]time.Duration, len(t.metrics.AgentAverageTimes)),
		ModelRequests:     make(map[string]int64, len(t.metrics.ModelRequests)),
		ModelTokensUsed:   make(map[string]int64, len(t.metrics.ModelTokensUsed)),
	}
	for k, v := range t.metrics.AgentExecutions {
		out.AgentExecutions[k] = v
	}
	for k, v := range t.metrics.AgentSuccessRates {
		out.AgentSuccessRates[k] = v
	}
	for k, v := range t.metrics.AgentAverageTimes {
		out.AgentAverageTimes[k] = v
	}
	for k, v := range t.metrics.ModelRequests {
		out.ModelRequests[k] = v
	}
	for k, v := range t.metrics.ModelTokensUsed {
		out.ModelTokensUsed[k] = v
	}
	return out
}

// GetCostSummary returns a copy of the accumulated cost tracking data.
func (t *Telemetry) GetCostSummary() CostTracker {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := CostTracker{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		StageCosts:  make(map[string]float64, len(t.costTracker.StageCosts)),
		ModelCosts:  make(map[string]float64, len(t.costTracker.ModelCosts)),
	}
	for k, v := range t.costTracker.StageCosts {
		out.StageCosts[k] = v
	}
	for k, v := range t.costTracker.ModelCosts {
		out.ModelCosts[k] = v
	}
	return out
}
