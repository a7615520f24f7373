// Package llm provides chat-completion clients for the model providers the
// assistant can synthesize SQL with.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Completer is the interface the synthesizer speaks to a model through.
type Completer interface {
	// Complete sends a system prompt and a user prompt and returns the raw
	// model output.
	Complete(ctx context.Context, req Request) (Response, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}

// Request carries one completion call.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response carries the raw model output.
type Response struct {
	Text       string
	TokensUsed int
}

// Config holds provider configuration.
type Config struct {
	Provider    string // "openai" or "anthropic"
	APIKey      string
	Model       string
	BaseURL     string // overridable for proxies and compatible services
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewCompleter creates a provider client based on configuration.
func NewCompleter(cfg Config) (Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		if cfg.Model == "" {
			cfg.Model = "gpt-4o"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		return newOpenAIClient(cfg), nil

	case "anthropic":
		if cfg.Model == "" {
			cfg.Model = "claude-sonnet-4-20250514"
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.anthropic.com/v1"
		}
		return newAnthropicClient(cfg), nil

	default:
		return nil, fmt.Errorf("llm: unknown provider %q (supported: openai, anthropic)", cfg.Provider)
	}
}
