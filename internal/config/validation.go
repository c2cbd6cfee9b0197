package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	// Validate LLM configuration
	validProviders := map[string]bool{
		"ollama":    true,
		"anthropic": true,
		"bedrock":   true,
	}
	if !validProviders[c.LLM.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: ollama, anthropic, bedrock", c.LLM.Provider),
		})
	}

	// Provider-specific validation. Missing credentials are not fatal at
	// load time; the provider reports them when first used.
	switch c.LLM.Provider {
	case "ollama":
		if c.LLM.OllamaBaseURL == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.ollama_base_url",
				Message: "Ollama base URL is required",
			})
		}
		if c.LLM.OllamaModel == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.ollama_model",
				Message: "Ollama model is required",
			})
		}
	case "anthropic":
		if c.LLM.AnthropicModel == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.anthropic_model",
				Message: "Anthropic model is required",
			})
		}
	case "bedrock":
		if c.LLM.BedrockRegion == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.bedrock_region",
				Message: "Bedrock region is required",
			})
		}
		if c.LLM.BedrockModel == "" {
			errs = append(errs, &ValidationError{
				Field:   "llm.bedrock_model",
				Message: "Bedrock model is required",
			})
		}
	}

	// Validate agent configuration
	if c.Agent.MaxIterations < 1 {
		errs = append(errs, &ValidationError{
			Field:   "agent.max_iterations",
			Message: fmt.Sprintf("max_iterations must be at least 1, got %d", c.Agent.MaxIterations),
		})
	}

	if c.Agent.TimeoutMS < 0 {
		errs = append(errs, &ValidationError{
			Field:   "agent.timeout_ms",
			Message: fmt.Sprintf("timeout_ms cannot be negative, got %d", c.Agent.TimeoutMS),
		})
	}

	// Validate guardrails configuration
	if c.Guardrails.MaxLLMCallsPerHour < 0 {
		errs = append(errs, &ValidationError{
			Field:   "guardrails.max_llm_calls_per_hour",
			Message: fmt.Sprintf("max_llm_calls_per_hour cannot be negative, got %d", c.Guardrails.MaxLLMCallsPerHour),
		})
	}

	if c.Guardrails.MaxCostPerHour < 0 {
		errs = append(errs, &ValidationError{
			Field:   "guardrails.max_cost_per_hour",
			Message: fmt.Sprintf("max_cost_per_hour cannot be negative, got %.2f", c.Guardrails.MaxCostPerHour),
		})
	}

	// Validate database configuration
	if c.Database.URL == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.url",
			Message: "database URL is required",
		})
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	return errs
}
