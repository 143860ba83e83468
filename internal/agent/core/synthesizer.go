package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/deepinsight-ai/deepinsight/internal/sandbox"
	"github.com/deepinsight-ai/deepinsight/provider"
)

const mergePrompt = `You are a senior data engineer. Merge the following per-agent Python fragments into ONE executable script.

Rules:
- Resolve variable name collisions by prefixing with the agent name.
- Normalize every chart into the shared figure schema: append a dict {"title": str, "kind": str, "data": {...}} to a top-level FIGURES list. Do not call any plotting library's show() or save functions.
- Wrap file and network I/O and type coercions in defensive try/except blocks; on failure print a short diagnostic and continue with the remaining analysis.
- Print key findings to stdout as you go.
- Return ONLY the merged script, no prose, no markdown fences.

Fragments:
%s`

const fixPrompt = `The following analysis script failed in the execution sandbox. Produce a corrected version of the FULL script.

Rules:
- Keep the original analysis intent and the FIGURES list schema unchanged.
- Fix the cause of the error; do not comment the failing section out.
- Return ONLY the corrected script, no prose, no markdown fences.

Error:
%s

Script:
%s`

// SynthesisOutcome is a successful merge-and-execute round trip.
type SynthesisOutcome struct {
	Script      string
	Output      string
	Figures     []Figure
	FixAttempts int
}

// Synthesizer merges per-agent code fragments into one script and runs it in
// the sandbox with a bounded fix-and-retry recovery loop.
type Synthesizer struct {
	provider    provider.Provider
	executor    sandbox.Executor
	model       string
	maxAttempts int
	logger      *log.Logger

	// onUsage, when set, receives token/cost accounting for each completion.
	onUsage func(model string, in, out int64)
}

// NewSynthesizer builds a synthesizer. maxFixAttempts bounds the number of
// extra execution attempts after the first failure.
func NewSynthesizer(p provider.Provider, executor sandbox.Executor, model string, maxFixAttempts int, logger *log.Logger) *Synthesizer {
	if maxFixAttempts < 0 {
		maxFixAttempts = 0
	}
	return &Synthesizer{
		provider:    p,
		executor:    executor,
		model:       model,
		maxAttempts: maxFixAttempts,
		logger:      logger,
	}
}

// SetUsageHook registers a callback invoked after every completion call.
func (s *Synthesizer) SetUsageHook(fn func(model string, in, out int64)) { s.onUsage = fn }

// Merge combines the agents' fragments in a single completion call.
func (s *Synthesizer) Merge(ctx context.Context, summaries []AgentSummary) (string, error) {
	var fragments []string
	for _, sum := range summaries {
		if strings.TrimSpace(sum.CodeFragment) == "" {
			continue
		}
		fragments = append(fragments, fmt.Sprintf("# --- agent: %s ---\n%s", sum.AgentName, sum.CodeFragment))
	}
	if len(fragments) == 0 {
		return "", fmt.Errorf("no code fragments to merge")
	}
	prompt := fmt.Sprintf(mergePrompt, strings.Join(fragments, "\n\n"))
	script, in, out, err := s.provider.GenerateWithTokens(ctx, prompt, s.model, nil)
	if s.onUsage != nil {
		s.onUsage(s.model, in, out)
	}
	if err != nil {
		return "", fmt.Errorf("code synthesis: %w", err)
	}
	script = stripCodeFences(script)
	if strings.TrimSpace(script) == "" {
		return "", fmt.Errorf("code synthesis returned an empty script")
	}
	return script, nil
}

// ExecuteWithRecovery runs the script in the sandbox, feeding structured
// execution errors back into the completion provider for a corrected script.
// After maxAttempts extra attempts the last error is returned verbatim.
func (s *Synthesizer) ExecuteWithRecovery(ctx context.Context, script, datasetID string, timeout time.Duration) (SynthesisOutcome, error) {
	current := script
	var lastErr error

	for attempt := 0; attempt <= s.maxAttempts; attempt++ {
		result, err := s.executor.Execute(ctx, sandbox.ExecRequest{
			DatasetID: datasetID,
			Code:      current,
			Timeout:   timeout,
		})
		if err == nil {
			return SynthesisOutcome{
				Script:      current,
				Output:      result.Output,
				Figures:     toFigures(result.Figures),
				FixAttempts: attempt,
			}, nil
		}
		lastErr = err

		if attempt == s.maxAttempts {
			break
		}
		if ctx.Err() != nil {
			return SynthesisOutcome{Script: current, FixAttempts: attempt}, ctx.Err()
		}
		if s.logger != nil {
			s.logger.Printf("execution attempt %d failed, requesting fix: %v", attempt+1, err)
		}

		fixed, in, out, ferr := s.provider.GenerateWithTokens(ctx, fmt.Sprintf(fixPrompt, err.Error(), current), s.model, nil)
		if s.onUsage != nil {
			s.onUsage(s.model, in, out)
		}
		if ferr != nil {
			// a provider failure mid-recovery ends the loop with the provider
			// error so the classifier sees the quota/auth marker
			return SynthesisOutcome{Script: current, FixAttempts: attempt}, ferr
		}
		fixed = stripCodeFences(fixed)
		if strings.TrimSpace(fixed) == "" {
			break
		}
		current = fixed
	}

	return SynthesisOutcome{Script: current, FixAttempts: s.maxAttempts}, lastErr
}

func toFigures(raw []map[string]interface{}) []Figure {
	if len(raw) == 0 {
		return nil
	}
	out := make([]Figure, 0, len(raw))
	for _, f := range raw {
		out = append(out, Figure(f))
	}
	return out
}

// stripCodeFences removes a surrounding markdown code fence if the model
// ignored the no-fences instruction.
func stripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// drop the language tag line
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
