package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
)

// ExecRequest describes one code execution against a dataset context.
type ExecRequest struct {
	DatasetID string        `json:"dataset_id"`
	Code      string        `json:"code"`
	Timeout   time.Duration `json:"-"`
}

// ExecResult is a successful sandbox execution.
type ExecResult struct {
	Output     string                   `json:"output"`
	Figures    []map[string]interface{} `json:"figures,omitempty"`
	DurationMS int64                    `json:"duration_ms"`
}

// ExecError is a structured execution failure reported by the sandbox. It is
// distinct from transport errors reaching the sandbox service: an ExecError
// means the submitted script ran and failed, which makes it eligible for the
// fix-and-retry loop.
type ExecError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Traceback string `json:"traceback,omitempty"`
}

func (e *ExecError) Error() string {
	if e.Traceback != "" {
		return fmt.Sprintf("%s: %s\n%s", e.Type, e.Message, e.Traceback)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Executor is the contract for the code execution sandbox.
type Executor interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// HTTPExecutor submits code to a remote sandbox service over HTTP.
type HTTPExecutor struct {
	baseURL  string
	token    string
	http     *http.Client
	enforcer *Enforcer
	timeout  time.Duration
}

// NewHTTPExecutor builds a sandbox client, loading and validating the policy
// file when one is configured.
func NewHTTPExecutor(cfg config.SandboxConfig) (*HTTPExecutor, error) {
	var enforcer *Enforcer
	if cfg.PolicyFile != "" {
		policy, err := LoadPolicy(cfg)
		if err != nil {
			return nil, fmt.Errorf("sandbox policy: %w", err)
		}
		enforcer = NewEnforcer(policy)
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPExecutor{
		baseURL: cfg.URL,
		token:   cfg.Token,
		// the HTTP client deadline is slack on top of the per-request timeout
		http:     &http.Client{Timeout: timeout + 30*time.Second},
		enforcer: enforcer,
		timeout:  timeout,
	}, nil
}

// Execute runs the code blob in the sandbox and returns output or a
// structured *ExecError.
func (x *HTTPExecutor) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if req.Timeout <= 0 {
		req.Timeout = x.timeout
	}
	if x.enforcer != nil {
		sreq := Request{Timeout: req.Timeout}
		if err := x.enforcer.Validate(ctx, &sreq); err != nil {
			return ExecResult{}, err
		}
		req.Timeout = sreq.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"dataset_id":      req.DatasetID,
		"code":            req.Code,
		"timeout_seconds": int(req.Timeout / time.Second),
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", x.baseURL+"/execute", bytes.NewBuffer(body))
	if err != nil {
		return ExecResult{}, fmt.Errorf("request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if x.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+x.token)
	}

	resp, err := x.http.Do(httpReq)
	if err != nil {
		return ExecResult{}, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return ExecResult{}, fmt.Errorf("sandbox status %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		OK         bool                     `json:"ok"`
		Output     string                   `json:"output"`
		Figures    []map[string]interface{} `json:"figures"`
		DurationMS int64                    `json:"duration_ms"`
		Error      *ExecError               `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ExecResult{}, fmt.Errorf("decode: %w", err)
	}
	if !out.OK {
		if out.Error == nil {
			out.Error = &ExecError{Type: "unknown", Message: "sandbox reported failure without detail"}
		}
		return ExecResult{}, out.Error
	}
	return ExecResult{Output: out.Output, Figures: out.Figures, DurationMS: out.DurationMS}, nil
}
