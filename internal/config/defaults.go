package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	// LLM defaults
	cfg.LLM.Provider = "ollama"
	cfg.LLM.OllamaBaseURL = "http://localhost:11434"
	cfg.LLM.OllamaModel = "llama3.1"
	cfg.LLM.AnthropicModel = "claude-3-5-sonnet-20241022"
	cfg.LLM.BedrockRegion = "us-east-1"
	cfg.LLM.BedrockModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"

	// Agent defaults
	cfg.Agent.MaxIterations = 15
	cfg.Agent.TimeoutMS = 300_000
	cfg.Agent.SystemPrompt = ""

	// Guardrails defaults
	cfg.Guardrails.MaxLLMCallsPerHour = 300
	cfg.Guardrails.MaxCostPerHour = 10.0

	// GitHub defaults
	cfg.GitHub.BaseURL = "https://api.github.com"

	// Integrations defaults
	cfg.Integrations.ConfigPath = "integrations.yaml"

	// Database defaults
	cfg.Database.URL = "sleuth.db"

	// Audit defaults
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}
