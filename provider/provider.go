package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepinsight-ai/deepinsight/config"
	openai_provider "github.com/deepinsight-ai/deepinsight/provider/openai"
)

// Provider is the interface that all completion implementations must satisfy.
type Provider interface {
	// Generate generates text for a prompt using the given model.
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns input/output token usage.
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// GetAvailableModels returns configured model names.
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model.
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the dollar cost for a given number of tokens.
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ModelInfo contains information about a completion model.
type ModelInfo = openai_provider.ModelInfo

// Error is a provider-level failure carrying the upstream status and body so
// callers can classify quota/auth/rate-limit responses.
type Error = openai_provider.Error

// AsError unwraps a provider Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// NewProvider creates a completion provider based on configuration.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no completion providers configured")
	}
	for _, pc := range cfg.Providers {
		switch pc.Type {
		case "openai":
			return openai_provider.NewClient(pc), nil
		default:
			return nil, fmt.Errorf("unsupported completion provider type: %s", pc.Type)
		}
	}
	return nil, fmt.Errorf("no valid completion providers found")
}
