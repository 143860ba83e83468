package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/deepinsight-ai/deepinsight/config"
	"github.com/deepinsight-ai/deepinsight/internal/agent/telemetry"
	"github.com/deepinsight-ai/deepinsight/internal/billing"
	"github.com/deepinsight-ai/deepinsight/internal/sandbox"
	"github.com/deepinsight-ai/deepinsight/provider"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var pipelineTracer trace.Tracer = otel.Tracer("deepinsight/internal/agent/pipeline")

// Pipeline drives analysis runs through the canonical stage sequence,
// streaming progress events and settling billing on the terminal state.
type Pipeline struct {
	config     *config.Config
	logger     *log.Logger
	telemetry  *telemetry.Telemetry
	provider   provider.Provider
	executor   sandbox.Executor
	store      ReportStore
	registry   TemplateRegistry
	progress   ProgressPublisher
	ledger     billing.Ledger
	classifier *billing.Classifier
	selector   *Selector

	// Concurrency control for agent fan-out
	semaphore chan struct{}
}

// NewPipeline wires the pipeline from its collaborators. progress and ledger
// may be nil; the pipeline then skips live-progress mirroring and charging.
func NewPipeline(cfg *config.Config, logger *log.Logger, tel *telemetry.Telemetry, p provider.Provider, executor sandbox.Executor, store ReportStore, registry TemplateRegistry, progress ProgressPublisher, ledger billing.Ledger) *Pipeline {
	if logger == nil {
		logger = log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags)
	}
	workers := cfg.Agents.MaxConcurrentAgents
	if workers <= 0 {
		workers = MaxPlannerAgents
	}
	return &Pipeline{
		config:     cfg,
		logger:     logger,
		telemetry:  tel,
		provider:   p,
		executor:   executor,
		store:      store,
		registry:   registry,
		progress:   progress,
		ledger:     ledger,
		classifier: billing.NewClassifier(cfg.Billing.KnownErrors),
		selector:   NewSelector(registry, logger),
		semaphore:  make(chan struct{}, workers),
	}
}

// ValidateGoal rejects malformed goals before any stage starts.
func (p *Pipeline) ValidateGoal(goal string) error {
	if strings.TrimSpace(goal) == "" {
		return fmt.Errorf("goal must not be empty")
	}
	max := p.config.Agents.MaxGoalLength
	if max <= 0 {
		max = 4000
	}
	if utf8.RuneCountInString(goal) > max {
		return fmt.Errorf("goal exceeds %d characters", max)
	}
	return nil
}

// Run starts one analysis run and returns its single-consumption event
// stream. The channel is closed after the final_result event; the consumer
// never needs to poll.
func (p *Pipeline) Run(ctx context.Context, req AnalysisRequest) <-chan Event {
	ch := make(chan Event)
	go p.execute(ctx, req, ch)
	return ch
}

// run is the per-run state: the report under construction plus the ordering
// bookkeeping that keeps the event stream monotonic and forward-only.
type run struct {
	p      *Pipeline
	report *AnalysisReport
	ch     chan<- Event

	last    int               // highest progress emitted so far
	stageAt map[string]string // last emitted status per stage

	mu     sync.Mutex
	models map[string]bool
}

func (r *run) addUsage(model string, in, out int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.TokensUsed += in + out
	r.report.EstimatedCost += r.p.provider.CalculateCost(in, out, model)
	r.models[model] = true
}

func (r *run) emit(ctx context.Context, ev Event) {
	select {
	case r.ch <- ev:
	case <-ctx.Done():
	}
}

// step emits one step_update, records it in the report's stage history and
// mirrors it to the live progress registry. Progress only advances when a
// stage completes, which keeps the stream non-decreasing; a stage that has
// already reached a terminal status never re-emits starting.
func (r *run) step(ctx context.Context, stage, status, message string) {
	prev := r.stageAt[stage]
	if status == StepStarting && (prev == StepCompleted || prev == StepFailed) {
		return
	}
	r.stageAt[stage] = status

	progress := r.last
	if status == StepCompleted {
		if cp := StageCheckpoints[stage]; cp > progress {
			progress = cp
		}
		r.last = progress
	}

	record := StageRecord{
		Stage:     stage,
		Status:    status,
		Message:   message,
		Progress:  progress,
		Timestamp: time.Now(),
	}
	r.report.StageProgress = append(r.report.StageProgress, record)

	if r.p.progress != nil {
		if err := r.p.progress.PublishProgress(ctx, r.report.ID, record); err != nil {
			r.p.logger.Printf("progress publish for %s failed: %v", r.report.ID, err)
		}
	}

	r.emit(ctx, Event{
		Type:     EventStepUpdate,
		Step:     stage,
		Status:   status,
		Message:  message,
		Progress: progress,
	})
}

func (r *run) runStage(ctx context.Context, stage, message string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stageCtx, span := pipelineTracer.Start(ctx, "pipeline."+stage,
		trace.WithAttributes(attribute.String("report.id", r.report.ID)))
	defer span.End()

	r.step(ctx, stage, StepStarting, message)
	started := time.Now()

	err := fn(stageCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.step(ctx, stage, StepFailed, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "completed")
	r.step(ctx, stage, StepCompleted, fmt.Sprintf("%s completed", stage))
	if r.p.telemetry != nil {
		r.p.telemetry.RecordStageEvent(ctx, telemetry.StageEvent{Stage: stage, Duration: time.Since(started)})
	}
	return nil
}

func (p *Pipeline) execute(ctx context.Context, req AnalysisRequest, ch chan Event) {
	defer close(ch)

	if req.ReportID == "" {
		req.ReportID = uuid.NewString()
	}
	startTime := time.Now()
	r := &run{
		p: p,
		report: &AnalysisReport{
			ID:        req.ReportID,
			OwnerID:   req.OwnerID,
			Goal:      req.Goal,
			Status:    ReportStatusRunning,
			StartTime: startTime,
		},
		ch:      ch,
		stageAt: make(map[string]string),
		models:  make(map[string]bool),
	}

	ctx, span := pipelineTracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("report.id", req.ReportID),
			attribute.String("owner.id", req.OwnerID),
		))
	defer span.End()

	if err := p.ValidateGoal(req.Goal); err != nil {
		// rejected synchronously, before any stage starts; nothing persists
		r.emit(ctx, Event{Type: EventError, Error: err.Error()})
		span.SetStatus(codes.Error, err.Error())
		return
	}

	p.logger.Printf("starting analysis run %s for owner %s", req.ReportID, req.OwnerID)

	synthModel := p.config.LLM.Routing.Resolve(p.config.LLM.Routing.CodeSynthesis)
	synthesizer := NewSynthesizer(p.provider, p.executor, synthModel, p.config.Agents.MaxFixAttempts, p.logger)
	synthesizer.SetUsageHook(r.addUsage)

	var (
		selected []AgentDescriptor
		outcome  SynthesisOutcome
	)

	stages := []struct {
		name    string
		message string
		fn      func(context.Context) error
	}{
		{StageInitialization, "Preparing analysis run", func(context.Context) error { return nil }},
		{StageQuestions, "Generating analysis questions", r.generateQuestions},
		{StagePlanning, "Planning agent assignments", func(sc context.Context) error {
			selected = p.selector.Select(sc, req.OwnerID)
			return r.buildPlan(sc, selected)
		}},
		{StageAgentExecution, "Running analysis agents", func(sc context.Context) error {
			return r.executeAgents(sc, selected)
		}},
		{StageCodeSynthesis, "Merging agent code", func(sc context.Context) error {
			script, err := synthesizer.Merge(sc, r.report.AgentSummaries)
			if err != nil {
				return err
			}
			r.report.SynthesizedCode = script
			return nil
		}},
		{StageCodeExecution, "Executing analysis code", func(sc context.Context) error {
			var err error
			outcome, err = synthesizer.ExecuteWithRecovery(sc, r.report.SynthesizedCode, req.DatasetID, p.config.Sandbox.DefaultTimeout)
			if p.telemetry != nil {
				p.telemetry.RecordSandboxExecution(sc, err != nil, outcome.FixAttempts)
			}
			if err != nil {
				return err
			}
			r.report.SynthesizedCode = outcome.Script
			r.report.Figures = outcome.Figures
			return nil
		}},
		{StageSynthesis, "Synthesizing findings", func(sc context.Context) error {
			return r.synthesizeFindings(sc, outcome.Output)
		}},
		{StageConclusion, "Writing conclusion", r.drawConclusion},
	}

	var stageErr error
	completedStages := 0
	for _, st := range stages {
		if err := r.runStage(ctx, st.name, st.message, st.fn); err != nil {
			stageErr = err
			break
		}
		completedStages++
	}

	r.finish(ctx, span, stageErr, completedStages, startTime)
}

// finish classifies the terminal payload, settles billing, persists the
// snapshot exactly once and emits the single final_result event.
func (r *run) finish(ctx context.Context, span trace.Span, stageErr error, completedStages int, startTime time.Time) {
	p := r.p
	report := r.report

	canceled := ctx.Err() != nil

	// persistence must survive client disconnects
	persistCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if canceled {
		span.SetStatus(codes.Error, "canceled")
		if completedStages == 0 {
			// nothing reached a safe boundary; persist nothing so the client
			// can simply retry
			p.logger.Printf("run %s canceled before any stage completed, dropping", report.ID)
			return
		}
		now := time.Now()
		report.Status = ReportStatusFailed
		report.ErrorMessage = "analysis canceled by client"
		report.EndTime = &now
		if err := p.store.SaveReportSnapshot(persistCtx, report); err != nil {
			p.logger.Printf("persisting canceled run %s failed: %v", report.ID, err)
		}
		return
	}

	errText := ""
	if stageErr != nil {
		errText = stageErr.Error()
	}
	verdict := p.classifier.Classify(billing.Outcome{
		Completed:  stageErr == nil,
		ErrorText:  errText,
		Conclusion: report.FinalConclusion,
	})

	now := time.Now()
	report.EndTime = &now

	if verdict.Billable {
		report.Status = ReportStatusCompleted
		if p.config.Billing.Enabled && p.ledger != nil {
			cost := p.config.Billing.CreditCost
			if err := p.ledger.Charge(persistCtx, report.OwnerID, cost, report.ID); err != nil {
				// the analytical result stands; flag the discrepancy for
				// reconciliation instead of reversing a delivered analysis
				p.logger.Printf("[BILLING] reconciliation needed: charge failed for report %s owner %s credits %d: %v",
					report.ID, report.OwnerID, cost, err)
			} else {
				report.CreditsConsumed = cost
			}
		}
		span.SetStatus(codes.Ok, "completed")
	} else {
		report.Status = ReportStatusFailed
		report.ErrorMessage = verdict.Message
		if verdict.Marker != "" {
			p.logger.Printf("run %s failed on known error marker %q", report.ID, verdict.Marker)
		} else if errText != "" {
			// unmatched provider error formats are flagged for future
			// classification rather than silently billed
			p.logger.Printf("run %s failed with unclassified error: %s", report.ID, errText)
		}
		span.SetStatus(codes.Error, report.ErrorMessage)
	}

	if err := p.store.SaveReportSnapshot(persistCtx, report); err != nil {
		p.logger.Printf("persisting report %s failed: %v", report.ID, err)
	}

	progress := r.last
	if report.Status == ReportStatusCompleted {
		progress = 100
	}
	r.emit(ctx, Event{
		Type:     EventFinalResult,
		Status:   report.Status,
		Progress: progress,
		Report:   report,
	})

	if p.telemetry != nil {
		var agents []string
		for _, s := range report.AgentSummaries {
			agents = append(agents, s.AgentName)
		}
		var models []string
		r.mu.Lock()
		for m := range r.models {
			models = append(models, m)
		}
		r.mu.Unlock()
		p.telemetry.RecordRunEvent(ctx, telemetry.RunEvent{
			ReportID:   report.ID,
			Goal:       report.Goal,
			StartTime:  startTime,
			EndTime:    now,
			Duration:   now.Sub(startTime),
			Success:    report.Status == ReportStatusCompleted,
			Error:      report.ErrorMessage,
			Cost:       report.EstimatedCost,
			TokensUsed: report.TokensUsed,
			AgentsUsed: agents,
			ModelsUsed: models,
		})
	}

	p.logger.Printf("run %s finished status=%s credits=%d tokens=%d cost=$%.4f in %v",
		report.ID, report.Status, report.CreditsConsumed, report.TokensUsed, report.EstimatedCost, now.Sub(startTime))
}
