package billing

import "testing"

func TestClassifyBillableSuccess(t *testing.T) {
	c := NewClassifier(nil)
	v := c.Classify(Outcome{Completed: true, Conclusion: "Churn is driven by unresolved tickets."})
	if !v.Billable {
		t.Fatalf("expected billable verdict, got %+v", v)
	}
	if v.Marker != "" || v.Message != "" {
		t.Fatalf("billable verdict must carry no marker or message: %+v", v)
	}
}

func TestClassifyKnownProviderError(t *testing.T) {
	c := NewClassifier(nil)
	v := c.Classify(Outcome{
		Completed: false,
		ErrorText: "agent Machine Learning: AnthropicException: Your credit balance is too low to access the API",
	})
	if v.Billable {
		t.Fatalf("known provider error must not be billable")
	}
	if v.Marker == "" {
		t.Fatalf("expected a matched marker")
	}
	if v.Message != KnownErrorMessage {
		t.Fatalf("known errors must be sanitized, got %q", v.Message)
	}
}

func TestClassifyUnmatchedErrorKeptVerbatim(t *testing.T) {
	c := NewClassifier(nil)
	v := c.Classify(Outcome{ErrorText: "dataset ds-9 has no readable columns"})
	if v.Billable {
		t.Fatalf("failed run must not be billable")
	}
	if v.Marker != "" {
		t.Fatalf("unexpected marker %q", v.Marker)
	}
	if v.Message != "dataset ds-9 has no readable columns" {
		t.Fatalf("unmatched error must stay verbatim, got %q", v.Message)
	}
}

func TestClassifyEmptyConclusionNotBillable(t *testing.T) {
	c := NewClassifier(nil)
	v := c.Classify(Outcome{Completed: true, Conclusion: "  "})
	if v.Billable {
		t.Fatalf("a run without a conclusion must not be billable")
	}
	if v.Message == "" {
		t.Fatalf("expected a persisted error message")
	}
}

func TestClassifyKnownErrorInConclusionContent(t *testing.T) {
	c := NewClassifier(nil)
	v := c.Classify(Outcome{
		Completed:  true,
		Conclusion: "AnthropicException: Your credit balance is too low to access the API",
	})
	if v.Billable {
		t.Fatalf("a known error surfacing as conclusion content must not be billable")
	}
	if v.Marker == "" {
		t.Fatalf("expected a matched marker from the conclusion text")
	}
	if v.Message != KnownErrorMessage {
		t.Fatalf("conclusion-content errors must be sanitized, got %q", v.Message)
	}
}

func TestClassifyIsPure(t *testing.T) {
	c := NewClassifier(nil)
	out := Outcome{ErrorText: "rate_limit_exceeded: try again in 20s"}
	first := c.Classify(out)
	second := c.Classify(out)
	if first != second {
		t.Fatalf("classification must be deterministic: %+v vs %+v", first, second)
	}
}

func TestClassifierExtension(t *testing.T) {
	c := NewClassifier([]string{"sandbox capacity exhausted", "TIMEOUT", "  "})
	if got := c.Match("error: Sandbox Capacity Exhausted for pool a"); got != "sandbox capacity exhausted" {
		t.Fatalf("configured marker did not match, got %q", got)
	}
	// "timeout" is built in; the upper-cased duplicate must not double the table
	count := 0
	for _, m := range c.Markers() {
		if m == "timeout" || m == "TIMEOUT" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected deduplicated marker table, found %d timeout entries", count)
	}
}
