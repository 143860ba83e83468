package billing

import (
	"strings"
)

// Outcome is the terminal payload of a finished analysis run, as seen by the
// classifier. It carries only what classification needs; the classifier never
// touches storage or the network.
type Outcome struct {
	// Completed is true when the pipeline reached its conclusion stage.
	Completed bool
	// ErrorText is the terminal error string for failed runs, empty otherwise.
	ErrorText string
	// Conclusion is the final conclusion text of the run, empty when the run
	// failed before the conclusion stage or the model produced nothing.
	Conclusion string
}

// Verdict is the classification of a terminal payload.
type Verdict struct {
	// Billable is true only for a verified success.
	Billable bool
	// Marker is the first known-error substring that matched, empty otherwise.
	Marker string
	// Message is the error message to persist: the sanitized service-limitation
	// text for known provider/infrastructure errors, the verbatim error text
	// otherwise, empty for billable successes.
	Message string
}

// KnownErrorMessage replaces provider quota/auth/rate-limit error bodies so
// upstream account details never reach end users.
const KnownErrorMessage = "analysis failed due to a service limitation, please try again later"

// defaultKnownErrors are substrings identifying provider or infrastructure
// failures that must never be charged. Matching is case-insensitive.
var defaultKnownErrors = []string{
	"rate_limit_exceeded",
	"insufficient_quota",
	"credit balance is too low",
	"AnthropicException",
	"authentication_error",
	"invalid_api_key",
	"invalid_request_error",
	"context deadline exceeded",
	"connection refused",
	"timeout",
}

// Classifier decides whether a terminal run payload is a billable success.
// Classification is pure: the same Outcome always yields the same Verdict.
type Classifier struct {
	markers []string
}

// NewClassifier builds a classifier from the built-in marker table extended
// with any configured additions. Duplicates are dropped.
func NewClassifier(extra []string) *Classifier {
	seen := make(map[string]bool, len(defaultKnownErrors)+len(extra))
	markers := make([]string, 0, len(defaultKnownErrors)+len(extra))
	for _, m := range defaultKnownErrors {
		key := strings.ToLower(m)
		if !seen[key] {
			seen[key] = true
			markers = append(markers, m)
		}
	}
	for _, m := range extra {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		key := strings.ToLower(m)
		if !seen[key] {
			seen[key] = true
			markers = append(markers, m)
		}
	}
	return &Classifier{markers: markers}
}

// Classify maps a terminal payload to a billing verdict.
//
// A run is billable only when it completed with a non-empty conclusion, no
// terminal error, and no known-error marker anywhere in the terminal payload.
// Provider error bodies can surface as stage *content* rather than a returned
// error, so the conclusion text is scanned against the same marker table.
// Known-error runs get the sanitized message; unmatched failures keep their
// error text verbatim.
func (c *Classifier) Classify(out Outcome) Verdict {
	if marker := c.match(out.ErrorText); marker != "" {
		return Verdict{Marker: marker, Message: KnownErrorMessage}
	}
	if marker := c.match(out.Conclusion); marker != "" {
		return Verdict{Marker: marker, Message: KnownErrorMessage}
	}
	conclusionEmpty := strings.TrimSpace(out.Conclusion) == ""
	if out.Completed && !conclusionEmpty && out.ErrorText == "" {
		return Verdict{Billable: true}
	}
	msg := out.ErrorText
	if msg == "" && conclusionEmpty {
		msg = "analysis completed without a conclusion"
	}
	return Verdict{Message: msg}
}

// Match reports the first known marker contained in text, or "".
func (c *Classifier) Match(text string) string { return c.match(text) }

func (c *Classifier) match(text string) string {
	if text == "" {
		return ""
	}
	lower := strings.ToLower(text)
	for _, m := range c.markers {
		if strings.Contains(lower, strings.ToLower(m)) {
			return m
		}
	}
	return ""
}

// Markers returns the active marker table, useful for startup logging.
func (c *Classifier) Markers() []string {
	out := make([]string, len(c.markers))
	copy(out, c.markers)
	return out
}
