package core

import (
	"context"
	"time"
)

// Report status values.
const (
	ReportStatusPending   = "pending"
	ReportStatusRunning   = "running"
	ReportStatusCompleted = "completed"
	ReportStatusFailed    = "failed"
)

// Pipeline stages in canonical order.
const (
	StageInitialization = "initialization"
	StageQuestions      = "questions"
	StagePlanning       = "planning"
	StageAgentExecution = "agent_execution"
	StageCodeSynthesis  = "code_synthesis"
	StageCodeExecution  = "code_execution"
	StageSynthesis      = "synthesis"
	StageConclusion     = "conclusion"
)

// StageOrder is the strictly forward sequence the controller drives. A run
// never revisits an earlier stage.
var StageOrder = []string{
	StageInitialization,
	StageQuestions,
	StagePlanning,
	StageAgentExecution,
	StageCodeSynthesis,
	StageCodeExecution,
	StageSynthesis,
	StageConclusion,
}

// StageCheckpoints maps each stage to its fixed progress percentage. Progress
// across the event stream is non-decreasing; a completed run ends at 100.
var StageCheckpoints = map[string]int{
	StageInitialization: 5,
	StageQuestions:      20,
	StagePlanning:       40,
	StageAgentExecution: 60,
	StageCodeSynthesis:  80,
	StageCodeExecution:  85,
	StageSynthesis:      90,
	StageConclusion:     100,
}

// Stage event statuses.
const (
	StepStarting   = "starting"
	StepProcessing = "processing"
	StepCompleted  = "completed"
	StepFailed     = "failed"
)

// Event types on the progress stream.
const (
	EventStepUpdate  = "step_update"
	EventFinalResult = "final_result"
	EventError       = "error"
)

// AnalysisRequest is one submitted analysis goal.
type AnalysisRequest struct {
	ReportID  string `json:"report_id"`
	OwnerID   string `json:"owner_id"`
	Goal      string `json:"goal"`
	DatasetID string `json:"dataset_id"`
}

// StageRecord is one per-stage entry in a report's progress history.
type StageRecord struct {
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Progress  int       `json:"progress_percent"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentSummary captures one agent invocation during agent_execution.
type AgentSummary struct {
	AgentName    string  `json:"agent_name"`
	TemplateID   string  `json:"template_id,omitempty"`
	Question     string  `json:"question"`
	Summary      string  `json:"summary"`
	CodeFragment string  `json:"code_fragment,omitempty"`
	ModelUsed    string  `json:"model_used,omitempty"`
	TokensUsed   int64   `json:"tokens_used"`
	Cost         float64 `json:"cost"`
	DurationMS   int64   `json:"duration_ms"`
}

// Figure is one chart in the normalized schema all agents converge on.
type Figure map[string]interface{}

// AnalysisReport is the persisted record of one pipeline run.
type AnalysisReport struct {
	ID               string         `json:"report_id"`
	OwnerID          string         `json:"owner_id"`
	Goal             string         `json:"goal"`
	Status           string         `json:"status"`
	Questions        string         `json:"questions,omitempty"`
	Plan             []PlanItem     `json:"plan,omitempty"`
	AgentSummaries   []AgentSummary `json:"agent_summaries,omitempty"`
	SynthesizedCode  string         `json:"synthesized_code,omitempty"`
	Figures          []Figure       `json:"figures,omitempty"`
	Synthesis        []string       `json:"synthesis,omitempty"`
	FinalConclusion  string         `json:"final_conclusion,omitempty"`
	RenderedReport   string         `json:"rendered_report,omitempty"`
	StageProgress    []StageRecord  `json:"stage_progress,omitempty"`
	CreditsConsumed  int            `json:"credits_consumed"`
	ErrorMessage     string         `json:"error_message,omitempty"`
	TokensUsed       int64          `json:"tokens_used"`
	EstimatedCost    float64        `json:"estimated_cost"`
	StartTime        time.Time      `json:"start_time"`
	EndTime          *time.Time     `json:"end_time,omitempty"`
}

// PlanItem is one planned sub-question with its assigned agent.
type PlanItem struct {
	Agent      string `json:"agent"`
	TemplateID string `json:"template_id,omitempty"`
	Question   string `json:"question"`
}

// Event is one element of a run's progress stream.
type Event struct {
	Type     string `json:"type"`
	Step     string `json:"step,omitempty"`
	Status   string `json:"status,omitempty"`
	Message  string `json:"message,omitempty"`
	Progress int    `json:"progress,omitempty"`
	Error    string `json:"error,omitempty"`

	// Report is populated on the single final_result event. The transport
	// layer flattens its fields into the emitted JSON object.
	Report *AnalysisReport `json:"-"`
}

// AgentDescriptor is a planner-eligible agent resolved at selection time.
type AgentDescriptor struct {
	TemplateID string `json:"template_id"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Prompt     string `json:"prompt"`
	UsageCount int64  `json:"usage_count"`
}

// ReportStore persists the terminal snapshot of a run.
type ReportStore interface {
	SaveReportSnapshot(ctx context.Context, report *AnalysisReport) error
}

// TemplateRegistry resolves planner-eligible templates and records usage.
type TemplateRegistry interface {
	// EnabledPlannerTemplates returns the owner's enabled planner-variant
	// templates ordered by (usage_count desc, template_id asc).
	EnabledPlannerTemplates(ctx context.Context, ownerID string) ([]AgentDescriptor, error)
	// IncrementTemplateUsage atomically bumps the global usage counter for one
	// agent invocation that reached execution.
	IncrementTemplateUsage(ctx context.Context, ownerID, templateID string) error
}

// ProgressPublisher mirrors stage snapshots into a live registry so the
// progress endpoint can serve them without touching the run's event stream.
type ProgressPublisher interface {
	PublishProgress(ctx context.Context, reportID string, record StageRecord) error
}
