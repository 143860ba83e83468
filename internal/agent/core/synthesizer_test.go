package core

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/deepinsight-ai/deepinsight/internal/sandbox"
)

func TestMergeStripsFences(t *testing.T) {
	prov := &fakeProvider{respond: func(string) (string, error) {
		return "```python\nFIGURES = []\nprint('merged')\n```", nil
	}}
	s := NewSynthesizer(prov, &fakeExecutor{}, "test-model", 0, nil)

	script, err := s.Merge(context.Background(), []AgentSummary{
		{AgentName: "Trend Mining", CodeFragment: "print('a')"},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if strings.Contains(script, "```") {
		t.Fatalf("fence survived merge: %q", script)
	}
	if !strings.HasPrefix(script, "FIGURES = []") {
		t.Fatalf("unexpected script: %q", script)
	}
}

func TestMergeRequiresFragments(t *testing.T) {
	prov := &fakeProvider{respond: func(string) (string, error) { return "x", nil }}
	s := NewSynthesizer(prov, &fakeExecutor{}, "test-model", 0, nil)

	if _, err := s.Merge(context.Background(), []AgentSummary{{AgentName: "a", CodeFragment: "  "}}); err == nil {
		t.Fatalf("expected error for empty fragment set")
	}
	if len(prov.calls) != 0 {
		t.Fatalf("no completion should run without fragments")
	}
}

// alwaysFailExecutor keeps returning the same structured error.
type alwaysFailExecutor struct {
	calls int
	msg   string
}

func (f *alwaysFailExecutor) Execute(ctx context.Context, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	f.calls++
	return sandbox.ExecResult{}, &sandbox.ExecError{Type: "NameError", Message: f.msg}
}

func TestExecuteWithRecoveryBound(t *testing.T) {
	exec := &alwaysFailExecutor{msg: "name 'df' is not defined"}
	prov := &fakeProvider{respond: func(string) (string, error) { return "print('try again')", nil }}
	s := NewSynthesizer(prov, exec, "test-model", 2, nil)

	outcome, err := s.ExecuteWithRecovery(context.Background(), "print('v1')", "ds-1", time.Second)
	if err == nil {
		t.Fatalf("expected the last execution error")
	}
	if !strings.Contains(err.Error(), "name 'df' is not defined") {
		t.Fatalf("last error must surface verbatim, got %q", err.Error())
	}
	// one initial run plus two bounded fix attempts
	if exec.calls != 3 {
		t.Fatalf("expected 3 executions, got %d", exec.calls)
	}
	if len(prov.calls) != 2 {
		t.Fatalf("expected 2 fix completions, got %d", len(prov.calls))
	}
	if outcome.FixAttempts != 2 {
		t.Fatalf("expected FixAttempts=2, got %d", outcome.FixAttempts)
	}
}

func TestExecuteWithRecoverySucceedsAfterFix(t *testing.T) {
	exec := &fakeExecutor{failures: 1, output: "done", figures: []map[string]interface{}{{"title": "t"}}}
	prov := &fakeProvider{respond: func(string) (string, error) { return "print('v2')", nil }}
	s := NewSynthesizer(prov, exec, "test-model", 2, nil)

	outcome, err := s.ExecuteWithRecovery(context.Background(), "print('v1')", "ds-1", time.Second)
	if err != nil {
		t.Fatalf("ExecuteWithRecovery: %v", err)
	}
	if outcome.Script != "print('v2')" {
		t.Fatalf("expected the corrected script, got %q", outcome.Script)
	}
	if outcome.FixAttempts != 1 || outcome.Output != "done" || len(outcome.Figures) != 1 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestExecuteWithRecoveryProviderErrorEndsLoop(t *testing.T) {
	exec := &alwaysFailExecutor{msg: "boom"}
	quota := fmt.Errorf("provider returned 429: insufficient_quota")
	prov := &fakeProvider{respond: func(string) (string, error) { return "", quota }}
	s := NewSynthesizer(prov, exec, "test-model", 3, nil)

	_, err := s.ExecuteWithRecovery(context.Background(), "print('v1')", "ds-1", time.Second)
	if err == nil || !strings.Contains(err.Error(), "insufficient_quota") {
		t.Fatalf("provider error must end the loop unchanged, got %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("no further executions after a provider failure, got %d", exec.calls)
	}
}

func TestStripCodeFences(t *testing.T) {
	cases := []struct{ in, want string }{
		{"print('x')", "print('x')"},
		{"```python\nprint('x')\n```", "print('x')"},
		{"```\nprint('x')\n```", "print('x')"},
		{"  ```python\nprint('x')\n```  ", "print('x')"},
	}
	for _, tc := range cases {
		if got := stripCodeFences(tc.in); got != tc.want {
			t.Fatalf("stripCodeFences(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
