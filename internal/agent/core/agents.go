package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/deepinsight-ai/deepinsight/internal/agent/telemetry"
	"github.com/google/uuid"
)

const questionsPrompt = `You are an analysis planner. Given the analytical goal below, produce the 3-6 concrete questions the analysis must answer. Number them, one per line, no prose before or after.

Goal: %s`

const planningPrompt = `You are a multi-agent planner. Assign each analysis question to the single best-suited agent from the roster. Every agent may appear at most once; skip agents that add nothing for this goal.

Roster:
%s

Questions:
%s

Respond with ONLY a JSON array: [{"agent": "<roster name>", "question": "<the question it will answer>"}]`

const agentPrompt = `%s

Analytical goal: %s
Your assigned question: %s

Respond with ONLY a JSON object:
{"summary": "<your findings plan and the reasoning a reader needs>", "code": "<python fragment implementing your part; charts go into the shared FIGURES list>"}`

const synthesisPrompt = `You are a senior analyst writing up results. Combine the agent findings and the execution output below into coherent report sections.

Goal: %s

Agent findings:
%s

Execution output:
%s

Respond with ONLY a JSON array of section strings, ordered for reading.`

const conclusionPrompt = `You are a senior analyst. Write the final conclusion for this analysis: what was found, how confident we are, and what to do next. Plain text, no headings.

Goal: %s

Report sections:
%s`

// callModel runs one completion against the routed model, accounting usage
// into the run.
func (r *run) callModel(ctx context.Context, model, prompt string, options map[string]interface{}) (string, error) {
	text, in, out, err := r.p.provider.GenerateWithTokens(ctx, prompt, model, options)
	r.addUsage(model, in, out)
	return text, err
}

// generateQuestions fills report.Questions from the goal.
func (r *run) generateQuestions(ctx context.Context) error {
	model := r.p.config.LLM.Routing.Resolve(r.p.config.LLM.Routing.Questions)
	text, err := r.callModel(ctx, model, fmt.Sprintf(questionsPrompt, r.report.Goal), nil)
	if err != nil {
		return fmt.Errorf("question generation: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("question generation returned no questions")
	}
	r.report.Questions = text
	return nil
}

// buildPlan asks the planner model to assign questions to the selected agents.
// A malformed planner response degrades to one assignment per agent carrying
// the overall goal, so planning never dead-ends on model formatting.
func (r *run) buildPlan(ctx context.Context, agents []AgentDescriptor) error {
	var roster []string
	byName := make(map[string]AgentDescriptor, len(agents))
	for _, a := range agents {
		roster = append(roster, fmt.Sprintf("- %s (%s)", a.Name, a.Category))
		byName[strings.ToLower(a.Name)] = a
	}

	model := r.p.config.LLM.Routing.Resolve(r.p.config.LLM.Routing.Planning)
	text, err := r.callModel(ctx, model, fmt.Sprintf(planningPrompt, strings.Join(roster, "\n"), r.report.Questions), nil)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}

	var raw []PlanItem
	if jerr := json.Unmarshal([]byte(extractJSON(text)), &raw); jerr != nil || len(raw) == 0 {
		r.p.logger.Printf("planner response unparseable, assigning goal to all agents: %v", jerr)
		for _, a := range agents {
			r.report.Plan = append(r.report.Plan, PlanItem{Agent: a.Name, TemplateID: a.TemplateID, Question: r.report.Goal})
		}
		return nil
	}

	seen := make(map[string]bool, len(raw))
	for _, item := range raw {
		desc, ok := byName[strings.ToLower(strings.TrimSpace(item.Agent))]
		if !ok || seen[desc.Name] {
			continue
		}
		seen[desc.Name] = true
		question := strings.TrimSpace(item.Question)
		if question == "" {
			question = r.report.Goal
		}
		r.report.Plan = append(r.report.Plan, PlanItem{Agent: desc.Name, TemplateID: desc.TemplateID, Question: question})
	}
	if len(r.report.Plan) == 0 {
		for _, a := range agents {
			r.report.Plan = append(r.report.Plan, PlanItem{Agent: a.Name, TemplateID: a.TemplateID, Question: r.report.Goal})
		}
	}
	return nil
}

// executeAgents fans the plan out to agent completions, bounded by the
// concurrency semaphore, and fans results back in as one stage transition.
func (r *run) executeAgents(ctx context.Context, agents []AgentDescriptor) error {
	byName := make(map[string]AgentDescriptor, len(agents))
	for _, a := range agents {
		byName[a.Name] = a
	}

	model := r.p.config.LLM.Routing.Resolve(r.p.config.LLM.Routing.Agents)
	summaries := make([]AgentSummary, len(r.report.Plan))
	var wg sync.WaitGroup
	errCh := make(chan error, len(r.report.Plan))

	total := len(r.report.Plan)
	for i, item := range r.report.Plan {
		select {
		case r.p.semaphore <- struct{}{}:
		case <-ctx.Done():
			// in-flight agents still write into the report; the fan-in
			// barrier must hold before the caller reads it
			wg.Wait()
			return ctx.Err()
		}

		r.step(ctx, StageAgentExecution, StepProcessing, fmt.Sprintf("running agent %s (%d/%d)", item.Agent, i+1, total))

		wg.Add(1)
		go func(idx int, item PlanItem) {
			defer wg.Done()
			defer func() { <-r.p.semaphore }()

			desc := byName[item.Agent]
			started := time.Now()

			agentCtx := ctx
			if r.p.config.Agents.AgentTimeout > 0 {
				var cancel context.CancelFunc
				agentCtx, cancel = context.WithTimeout(ctx, r.p.config.Agents.AgentTimeout)
				defer cancel()
			}

			text, err := r.callModel(agentCtx, model, fmt.Sprintf(agentPrompt, desc.Prompt, r.report.Goal, item.Question), nil)
			duration := time.Since(started)

			summary := AgentSummary{
				AgentName:  item.Agent,
				TemplateID: item.TemplateID,
				Question:   item.Question,
				ModelUsed:  model,
				DurationMS: duration.Milliseconds(),
			}
			if err != nil {
				if r.p.telemetry != nil {
					r.p.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
						ID: uuid.NewString(), AgentName: item.Agent, Duration: duration,
						Success: false, Error: err.Error(), ModelUsed: model,
					})
				}
				errCh <- fmt.Errorf("agent %s: %w", item.Agent, err)
				return
			}

			var parsed struct {
				Summary string `json:"summary"`
				Code    string `json:"code"`
			}
			if jerr := json.Unmarshal([]byte(extractJSON(text)), &parsed); jerr != nil || parsed.Summary == "" {
				parsed.Summary = strings.TrimSpace(text)
			}
			summary.Summary = parsed.Summary
			summary.CodeFragment = parsed.Code

			if item.TemplateID != "" && r.p.registry != nil {
				if uerr := r.p.registry.IncrementTemplateUsage(ctx, r.report.OwnerID, item.TemplateID); uerr != nil {
					r.p.logger.Printf("usage increment for template %s failed: %v", item.TemplateID, uerr)
				}
			}
			if r.p.telemetry != nil {
				r.p.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
					ID: uuid.NewString(), AgentName: item.Agent, Duration: duration,
					Success: true, ModelUsed: model,
				})
			}

			summaries[idx] = summary
		}(i, item)
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}

	r.report.AgentSummaries = summaries
	return nil
}

// synthesizeFindings combines agent summaries and execution output into
// report sections.
func (r *run) synthesizeFindings(ctx context.Context, executionOutput string) error {
	var findings []string
	for _, s := range r.report.AgentSummaries {
		findings = append(findings, fmt.Sprintf("%s — %s:\n%s", s.AgentName, s.Question, s.Summary))
	}

	model := r.p.config.LLM.Routing.Resolve(r.p.config.LLM.Routing.Synthesis)
	text, err := r.callModel(ctx, model, fmt.Sprintf(synthesisPrompt, r.report.Goal, strings.Join(findings, "\n\n"), executionOutput), nil)
	if err != nil {
		return fmt.Errorf("synthesis: %w", err)
	}

	var sections []string
	if jerr := json.Unmarshal([]byte(extractJSON(text)), &sections); jerr != nil || len(sections) == 0 {
		sections = []string{strings.TrimSpace(text)}
	}
	r.report.Synthesis = sections
	return nil
}

// drawConclusion writes the final conclusion and renders the report body.
func (r *run) drawConclusion(ctx context.Context) error {
	model := r.p.config.LLM.Routing.Resolve(r.p.config.LLM.Routing.Conclusion)
	text, err := r.callModel(ctx, model, fmt.Sprintf(conclusionPrompt, r.report.Goal, strings.Join(r.report.Synthesis, "\n\n")), nil)
	if err != nil {
		return fmt.Errorf("conclusion: %w", err)
	}
	conclusion := strings.TrimSpace(text)
	if conclusion == "" {
		return fmt.Errorf("conclusion stage returned empty text")
	}
	r.report.FinalConclusion = conclusion
	r.report.RenderedReport = renderReport(r.report)
	return nil
}

// renderReport assembles the rendered markdown body persisted with the report.
func renderReport(report *AnalysisReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Analysis Report\n\n**Goal:** %s\n\n", report.Goal)
	if report.Questions != "" {
		fmt.Fprintf(&b, "## Questions\n\n%s\n\n", report.Questions)
	}
	for i, section := range report.Synthesis {
		fmt.Fprintf(&b, "## Findings %d\n\n%s\n\n", i+1, section)
	}
	if len(report.Figures) > 0 {
		fmt.Fprintf(&b, "## Figures\n\n")
		for _, fig := range report.Figures {
			if title, ok := fig["title"].(string); ok && title != "" {
				fmt.Fprintf(&b, "- %s\n", title)
			}
		}
		b.WriteString("\n")
	}
	if report.FinalConclusion != "" {
		fmt.Fprintf(&b, "## Conclusion\n\n%s\n", report.FinalConclusion)
	}
	return b.String()
}

// extractJSON trims prose and markdown fences around a JSON payload. Models
// are told to answer with bare JSON but do not always comply.
func extractJSON(s string) string {
	s = stripCodeFences(s)
	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return s
	}
	end := strings.LastIndexAny(s, "]}")
	if end < start {
		return s
	}
	return s[start : end+1]
}
