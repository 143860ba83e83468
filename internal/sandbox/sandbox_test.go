package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
)

func TestHTTPExecutorSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/execute" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("unexpected auth header %q", got)
		}
		var req struct {
			DatasetID      string `json:"dataset_id"`
			Code           string `json:"code"`
			TimeoutSeconds int    `json:"timeout_seconds"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.DatasetID != "ds-1" || !strings.Contains(req.Code, "print") || req.TimeoutSeconds != 30 {
			t.Errorf("unexpected request payload: %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":          true,
			"output":      "hello",
			"figures":     []map[string]interface{}{{"title": "t", "kind": "bar"}},
			"duration_ms": 42,
		})
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(config.SandboxConfig{URL: srv.URL, Token: "sekrit", DefaultTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}

	res, err := exec.Execute(context.Background(), ExecRequest{DatasetID: "ds-1", Code: "print('hi')", Timeout: 30 * time.Second})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "hello" || len(res.Figures) != 1 || res.DurationMS != 42 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestHTTPExecutorStructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok": false,
			"error": map[string]string{
				"type":      "NameError",
				"message":   "name 'df' is not defined",
				"traceback": "Traceback (most recent call last): ...",
			},
		})
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(config.SandboxConfig{URL: srv.URL, DefaultTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}

	_, err = exec.Execute(context.Background(), ExecRequest{DatasetID: "ds-1", Code: "df.head()"})
	var execErr *ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("expected *ExecError, got %T: %v", err, err)
	}
	if execErr.Type != "NameError" {
		t.Fatalf("unexpected error type %q", execErr.Type)
	}
	if !strings.Contains(execErr.Error(), "Traceback") {
		t.Fatalf("traceback missing from error text: %q", execErr.Error())
	}
}

func TestHTTPExecutorTransportFailureIsNotExecError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(config.SandboxConfig{URL: srv.URL, DefaultTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}

	_, err = exec.Execute(context.Background(), ExecRequest{DatasetID: "ds-1", Code: "print('hi')"})
	if err == nil {
		t.Fatal("expected error")
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		t.Fatalf("transport failures must not be structured execution errors: %v", err)
	}
	if !strings.Contains(err.Error(), "502") {
		t.Fatalf("status missing from error: %v", err)
	}
}

func TestHTTPExecutorPolicyRejection(t *testing.T) {
	dir := t.TempDir()
	policyPath := writePolicy(t, dir, "docker", false)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request must not reach the sandbox when policy validation fails")
	}))
	defer srv.Close()

	exec, err := NewHTTPExecutor(config.SandboxConfig{URL: srv.URL, PolicyFile: policyPath, DefaultTimeout: time.Minute})
	if err != nil {
		t.Fatalf("NewHTTPExecutor: %v", err)
	}

	// policy allows 60s; ask for more
	_, err = exec.Execute(context.Background(), ExecRequest{DatasetID: "ds-1", Code: "print('hi')", Timeout: 5 * time.Minute})
	if err == nil || !strings.Contains(err.Error(), "exceeds policy") {
		t.Fatalf("expected policy rejection, got %v", err)
	}
}
