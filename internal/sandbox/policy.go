package sandbox

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/deepinsight-ai/deepinsight/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v3"
)

// Policy represents execution sandbox limits loaded from the policy file.
type Policy struct {
	Provider string  `yaml:"provider"`
	Image    string  `yaml:"image"`
	CPU      float64 `yaml:"cpu"`
	Memory   string  `yaml:"memory"`
	Timeout  string  `yaml:"timeout"`
	Network  struct {
		Enabled   bool     `yaml:"enabled"`
		Allowlist []string `yaml:"allowlist"`
	} `yaml:"network"`
	EnvAllowlist  []string `yaml:"env_allowlist"`
	MountReadOnly []string `yaml:"mount_readonly"`
}

// LoadPolicy reads the policy file named in sandbox.policy_file, applying
// config defaults for fields the file leaves unset.
func LoadPolicy(cfg config.SandboxConfig) (*Policy, error) {
	if cfg.PolicyFile == "" {
		return nil, fmt.Errorf("sandbox.policy_file not configured")
	}
	data, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var policy struct {
		Sandbox Policy `yaml:"sandbox"`
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if policy.Sandbox.Provider == "" {
		policy.Sandbox.Provider = cfg.Provider
	}
	if policy.Sandbox.Timeout == "" {
		policy.Sandbox.Timeout = cfg.DefaultTimeout.String()
	}
	if policy.Sandbox.CPU == 0 {
		policy.Sandbox.CPU = cfg.DefaultCPU
	}
	if policy.Sandbox.Memory == "" {
		policy.Sandbox.Memory = cfg.DefaultMemory
	}
	if policy.Sandbox.Provider == "" {
		return nil, fmt.Errorf("sandbox provider missing; set sandbox.provider in config or policy")
	}
	return &policy.Sandbox, nil
}

// Request describes an execution request for validation.
type Request struct {
	Provider       string
	CPU            float64
	Timeout        time.Duration
	NetworkEnabled bool
}

// Enforcer performs policy validation prior to execution.
type Enforcer struct {
	policy *Policy
}

func NewEnforcer(policy *Policy) *Enforcer {
	return &Enforcer{policy: policy}
}

// Validate ensures settings meet policy requirements and applies default values
// from the loaded policy to the supplied request. The request is mutated in
// place so callers can rely on the returned values for downstream execution.
func (e *Enforcer) Validate(ctx context.Context, req *Request) error {
	if e == nil || e.policy == nil {
		return nil
	}
	if req == nil {
		return fmt.Errorf("sandbox request is nil")
	}
	if req.Provider == "" {
		req.Provider = e.policy.Provider
	} else if req.Provider != e.policy.Provider {
		return fmt.Errorf("provider %s not allowed (configured %s)", req.Provider, e.policy.Provider)
	}
	if req.CPU <= 0 {
		req.CPU = e.policy.CPU
	}
	if req.CPU > e.policy.CPU {
		return fmt.Errorf("cpu %.2f exceeds policy %.2f", req.CPU, e.policy.CPU)
	}
	if req.Timeout <= 0 {
		if d, err := time.ParseDuration(e.policy.Timeout); err == nil {
			req.Timeout = d
		}
	}
	if req.Timeout > 0 {
		if d, err := time.ParseDuration(e.policy.Timeout); err == nil && req.Timeout > d {
			return fmt.Errorf("timeout %s exceeds policy %s", req.Timeout, d)
		}
	}
	if !e.policy.Network.Enabled && req.NetworkEnabled {
		return fmt.Errorf("network access disabled by policy")
	}
	recordPolicyMetrics(ctx, e.policy, *req)
	return nil
}

// Policy returns the underlying policy, useful for diagnostics and logging.
func (e *Enforcer) Policy() *Policy {
	if e == nil {
		return nil
	}
	return e.policy
}

var (
	policyMetricsOnce       sync.Once
	sandboxRequests         otelmetric.Int64Counter
	sandboxCPUHistogram     otelmetric.Float64Histogram
	sandboxTimeoutHistogram otelmetric.Float64Histogram
	sandboxMemoryHistogram  otelmetric.Float64Histogram
	sandboxNetworkBlocked   otelmetric.Int64Counter
)

func initPolicyMetrics() {
	meter := otel.Meter("deepinsight/sandbox")
	var err error
	sandboxRequests, err = meter.Int64Counter(
		"sandbox_requests_total",
		otelmetric.WithDescription("Number of sandbox validations performed"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: requests counter: %v", err)
	}
	sandboxCPUHistogram, err = meter.Float64Histogram(
		"sandbox_request_cpu",
		otelmetric.WithDescription("Requested CPU cores for sandboxed execution"),
		otelmetric.WithUnit("cores"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: cpu histogram: %v", err)
	}
	sandboxTimeoutHistogram, err = meter.Float64Histogram(
		"sandbox_request_timeout_seconds",
		otelmetric.WithDescription("Requested timeout for sandboxed execution"),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: timeout histogram: %v", err)
	}
	sandboxMemoryHistogram, err = meter.Float64Histogram(
		"sandbox_request_memory_bytes",
		otelmetric.WithDescription("Requested memory limit for sandboxed execution"),
		otelmetric.WithUnit("By"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: memory histogram: %v", err)
	}
	sandboxNetworkBlocked, err = meter.Int64Counter(
		"sandbox_network_blocked_total",
		otelmetric.WithDescription("Sandbox executions where outbound network was blocked"),
	)
	if err != nil {
		log.Printf("sandbox metrics init: network blocked counter: %v", err)
	}
}

func recordPolicyMetrics(ctx context.Context, policy *Policy, req Request) {
	if ctx == nil {
		ctx = context.Background()
	}
	policyMetricsOnce.Do(initPolicyMetrics)
	attrs := []attribute.KeyValue{
		attribute.String("provider", strings.TrimSpace(policy.Provider)),
	}
	if sandboxRequests != nil {
		sandboxRequests.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
	}
	if sandboxCPUHistogram != nil {
		sandboxCPUHistogram.Record(ctx, req.CPU, otelmetric.WithAttributes(attrs...))
	}
	if sandboxTimeoutHistogram != nil && req.Timeout > 0 {
		sandboxTimeoutHistogram.Record(ctx, req.Timeout.Seconds(), otelmetric.WithAttributes(attrs...))
	}
	if sandboxMemoryHistogram != nil {
		if memBytes := parseMemoryBytes(policy.Memory); memBytes > 0 {
			sandboxMemoryHistogram.Record(ctx, memBytes, otelmetric.WithAttributes(attrs...))
		}
	}
	if !policy.Network.Enabled && !req.NetworkEnabled {
		if sandboxNetworkBlocked != nil {
			sandboxNetworkBlocked.Add(ctx, 1, otelmetric.WithAttributes(attrs...))
		}
	}
}

func parseMemoryBytes(value string) float64 {
	val := strings.TrimSpace(strings.ToLower(value))
	if val == "" {
		return 0
	}
	// longest suffix first so "mb" wins over "b"
	units := []struct {
		suffix     string
		multiplier float64
	}{
		{"kib", 1024},
		{"mib", 1024 * 1024},
		{"gib", 1024 * 1024 * 1024},
		{"tib", 1024 * 1024 * 1024 * 1024},
		{"pib", math.Pow(1024, 5)},
		{"kb", 1024},
		{"mb", 1024 * 1024},
		{"gb", 1024 * 1024 * 1024},
		{"tb", 1024 * 1024 * 1024 * 1024},
		{"pb", math.Pow(1024, 5)},
		{"k", 1024},
		{"m", 1024 * 1024},
		{"g", 1024 * 1024 * 1024},
		{"t", 1024 * 1024 * 1024 * 1024},
		{"p", math.Pow(1024, 5)},
		{"b", 1},
	}

	for _, u := range units {
		if strings.HasSuffix(val, u.suffix) {
			number := strings.TrimSpace(strings.TrimSuffix(val, u.suffix))
			f, err := strconv.ParseFloat(number, 64)
			if err != nil {
				return 0
			}
			return f * u.multiplier
		}
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return 0
}
