// Package config provides configuration management for the sleuth
// server.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading for non-sensitive settings
//   - Manage sensitive data (API keys, tokens) via environment only
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//  1. Enumerated environment variables (LLM_PROVIDER, ANTHROPIC_API_KEY, ...)
//  2. SLEUTH_* prefixed environment variables
//  3. YAML config file (default: /etc/sleuth/config.yaml)
//  4. Built-in defaults
package config

import "context"

// Config contains all configuration fields.
type Config struct {
	// Server configuration
	Server struct {
		Port int
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// LLM provider configuration
	LLM struct {
		Provider string // ollama | anthropic | bedrock

		OllamaBaseURL string
		OllamaModel   string

		AnthropicAPIKey string
		AnthropicModel  string

		BedrockRegion string
		BedrockModel  string
	}

	// Agent loop configuration
	Agent struct {
		MaxIterations int
		TimeoutMS     int
		SystemPrompt  string
	}

	// Guardrails configuration
	Guardrails struct {
		MaxLLMCallsPerHour int
		MaxCostPerHour     float64
	}

	// GitHub configuration
	GitHub struct {
		Token   string
		BaseURL string
	}

	// Integrations configuration
	Integrations struct {
		ConfigPath string
	}

	// Database configuration
	Database struct {
		URL string // SQLite path, or ":memory:"
	}

	// Audit configuration
	Audit struct {
		LogPath    string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/sleuth/config.yaml")
}
