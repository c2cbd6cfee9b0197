package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("SLEUTH")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK, we'll use defaults + env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.ollama_base_url", defaults.LLM.OllamaBaseURL)
	m.viper.SetDefault("llm.ollama_model", defaults.LLM.OllamaModel)
	m.viper.SetDefault("llm.anthropic_model", defaults.LLM.AnthropicModel)
	m.viper.SetDefault("llm.bedrock_region", defaults.LLM.BedrockRegion)
	m.viper.SetDefault("llm.bedrock_model", defaults.LLM.BedrockModel)

	// Agent defaults
	m.viper.SetDefault("agent.max_iterations", defaults.Agent.MaxIterations)
	m.viper.SetDefault("agent.timeout_ms", defaults.Agent.TimeoutMS)
	m.viper.SetDefault("agent.system_prompt", defaults.Agent.SystemPrompt)

	// Guardrails defaults
	m.viper.SetDefault("guardrails.max_llm_calls_per_hour", defaults.Guardrails.MaxLLMCallsPerHour)
	m.viper.SetDefault("guardrails.max_cost_per_hour", defaults.Guardrails.MaxCostPerHour)

	// GitHub defaults
	m.viper.SetDefault("github.base_url", defaults.GitHub.BaseURL)

	// Integrations defaults
	m.viper.SetDefault("integrations.config_path", defaults.Integrations.ConfigPath)

	// Database defaults
	m.viper.SetDefault("database.url", defaults.Database.URL)

	// Audit defaults
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// LLM
	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.OllamaBaseURL = m.viper.GetString("llm.ollama_base_url")
	cfg.LLM.OllamaModel = m.viper.GetString("llm.ollama_model")
	cfg.LLM.AnthropicAPIKey = m.viper.GetString("llm.anthropic_api_key")
	cfg.LLM.AnthropicModel = m.viper.GetString("llm.anthropic_model")
	cfg.LLM.BedrockRegion = m.viper.GetString("llm.bedrock_region")
	cfg.LLM.BedrockModel = m.viper.GetString("llm.bedrock_model")

	// Agent
	cfg.Agent.MaxIterations = m.viper.GetInt("agent.max_iterations")
	cfg.Agent.TimeoutMS = m.viper.GetInt("agent.timeout_ms")
	cfg.Agent.SystemPrompt = m.viper.GetString("agent.system_prompt")

	// Guardrails
	cfg.Guardrails.MaxLLMCallsPerHour = m.viper.GetInt("guardrails.max_llm_calls_per_hour")
	cfg.Guardrails.MaxCostPerHour = m.viper.GetFloat64("guardrails.max_cost_per_hour")

	// GitHub
	cfg.GitHub.Token = m.viper.GetString("github.token")
	cfg.GitHub.BaseURL = m.viper.GetString("github.base_url")

	// Integrations
	cfg.Integrations.ConfigPath = m.viper.GetString("integrations.config_path")

	// Database
	cfg.Database.URL = m.viper.GetString("database.url")

	// Audit
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies the enumerated environment variables. These
// are the documented operator surface and win over file and SLEUTH_*
// settings.
func (m *viperConfigManager) applyEnvOverrides() {
	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		m.config.LLM.Provider = provider
	}

	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		m.config.LLM.OllamaBaseURL = baseURL
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		m.config.LLM.OllamaModel = model
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		m.config.LLM.AnthropicAPIKey = apiKey
	}
	if model := os.Getenv("ANTHROPIC_MODEL"); model != "" {
		m.config.LLM.AnthropicModel = model
	}

	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		m.config.LLM.BedrockRegion = region
	}
	if model := os.Getenv("BEDROCK_MODEL"); model != "" {
		m.config.LLM.BedrockModel = model
	}

	if token := os.Getenv("GITHUB_TOKEN"); token != "" {
		m.config.GitHub.Token = token
	}

	if url := os.Getenv("DATABASE_URL"); url != "" {
		m.config.Database.URL = url
	}

	if path := os.Getenv("INTEGRATIONS_CONFIG_PATH"); path != "" {
		m.config.Integrations.ConfigPath = path
	}

	// Port override - only when explicitly set
	if portEnv := os.Getenv("SLEUTH_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil {
			m.config.Server.Port = port
		}
	}
}
