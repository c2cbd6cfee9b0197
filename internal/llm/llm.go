// Package llm defines the provider abstraction the agent loop drives.
//
// Responsibilities:
//   - Provider interface: plain and tool-enabled completions
//   - Dialect translation lives in the per-vendor subpackages
//     (provider/anthropic, provider/ollama, provider/bedrock)
//   - Provider selection from configuration (LLM_PROVIDER)
//
// Retries, backoff, and tool-call recovery from text are handled inside
// each provider; callers above this layer never observe them.
package llm

import (
	"context"
	"fmt"

	"github.com/sleuthhq/sleuth/internal/llm/provider/anthropic"
	"github.com/sleuthhq/sleuth/internal/llm/provider/bedrock"
	"github.com/sleuthhq/sleuth/internal/llm/provider/ollama"
	"github.com/sleuthhq/sleuth/internal/llm/types"
)

// Provider is the vendor-neutral LLM surface.
type Provider interface {
	// Name identifies the provider (ollama, anthropic, bedrock).
	Name() string

	// Complete returns a plain text completion.
	Complete(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (string, error)

	// CompleteWithTools returns a completion that may carry tool calls.
	CompleteWithTools(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (*types.ToolResponse, error)
}

// Config selects and configures a provider. Values come from the
// enumerated environment variables via internal/config.
type Config struct {
	Provider string // ollama | anthropic | bedrock

	OllamaBaseURL string
	OllamaModel   string

	AnthropicAPIKey string
	AnthropicModel  string

	BedrockRegion string
	BedrockModel  string
}

// NewProvider constructs the configured provider. An empty provider name
// defaults to ollama, the zero-cost local option.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "", "ollama":
		return ollama.NewClient(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	case "anthropic":
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	case "bedrock":
		return bedrock.NewClient(context.Background(), cfg.BedrockRegion, cfg.BedrockModel)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q (want ollama, anthropic, or bedrock)", cfg.Provider)
	}
}
