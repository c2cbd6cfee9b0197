// Package server composes the service and exposes its HTTP surface.
//
// Responsibilities:
//   - Component wiring: config, persistence, guardrails, audit, LLM
//     provider, tool registry, integrations, and the run manager
//   - REST API for runs, approvals, audit queries, and tool listing
//   - WebSocket streaming of run lifecycle events
//   - Graceful startup and shutdown
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/agent"
	"github.com/sleuthhq/sleuth/internal/approval"
	"github.com/sleuthhq/sleuth/internal/audit"
	"github.com/sleuthhq/sleuth/internal/config"
	"github.com/sleuthhq/sleuth/internal/db"
	"github.com/sleuthhq/sleuth/internal/guardrails"
	"github.com/sleuthhq/sleuth/internal/integration"
	"github.com/sleuthhq/sleuth/internal/llm"
	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/middleware"
	"github.com/sleuthhq/sleuth/internal/scm/github"
	"github.com/sleuthhq/sleuth/internal/tool"
	"github.com/sleuthhq/sleuth/internal/tools"
)

// HTTP server timeouts. WebSocket connections are hijacked by the
// upgrader and are not subject to the write timeout.
const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 30 * time.Second
	idleTimeout     = 120 * time.Second
	shutdownTimeout = 10 * time.Second
)

// apiRateLimitPerMin caps requests per client IP on /api/v1 routes.
const apiRateLimitPerMin = 120

// defaultSystemPrompt seeds every run unless the config overrides it.
const defaultSystemPrompt = `You are an autonomous incident investigator for production systems.

Given an alert or a question, investigate the root cause by calling the
available tools: read code and configuration, search repositories, and
query the connected monitoring and infrastructure integrations. Work
step by step, state what you checked and what you found, and finish
with a concise root-cause summary and a recommended remediation.

When a code or configuration change would fix the issue, open a draft
pull request with the complete new file contents. Never guess file
contents: read the current file first. Destructive actions require
human approval; prefer read-only evidence gathering.`

// Server is the composed service.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	store     db.Store
	auditLog  audit.Logger
	guard     *guardrails.Engine
	provider  llm.Provider
	registry  *tool.Registry
	router    *integration.Router
	approvals *approval.Manager
	emitter   *agent.Emitter
	loop      *agent.Loop
	runs      *RunManager
	limiter   *middleware.RateLimiter

	httpServer *http.Server
	ctx        context.Context
	cancel     context.CancelFunc

	mu      sync.Mutex
	running bool
}

// NewServer wires all components from configuration. Nothing touches
// the network yet; that happens in Start.
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{cfg: cfg, logger: logger}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if err := s.initializeComponents(); err != nil {
		s.cancel()
		return nil, err
	}
	return s, nil
}

func (s *Server) initializeComponents() error {
	store, err := db.NewSQLiteStore(s.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	s.store = store

	s.guard = guardrails.New(guardrails.Limits{
		MaxLLMCallsPerHour: s.cfg.Guardrails.MaxLLMCallsPerHour,
		MaxCostPerHour:     s.cfg.Guardrails.MaxCostPerHour,
	}, s.logger)

	auditCfg := audit.DefaultConfig()
	if s.cfg.Audit.LogPath != "" {
		auditCfg.AuditLogPath = s.cfg.Audit.LogPath
	}
	if s.cfg.Audit.MaxSizeMB > 0 {
		auditCfg.MaxSize = s.cfg.Audit.MaxSizeMB
	}
	if s.cfg.Audit.MaxBackups > 0 {
		auditCfg.MaxBackups = s.cfg.Audit.MaxBackups
	}
	if s.cfg.Audit.MaxAgeDays > 0 {
		auditCfg.MaxAge = s.cfg.Audit.MaxAgeDays
	}
	auditLog, err := audit.NewLogger(auditCfg)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	s.auditLog = auditLog

	provider, err := llm.NewProvider(llm.Config{
		Provider:        s.cfg.LLM.Provider,
		OllamaBaseURL:   s.cfg.LLM.OllamaBaseURL,
		OllamaModel:     s.cfg.LLM.OllamaModel,
		AnthropicAPIKey: s.cfg.LLM.AnthropicAPIKey,
		AnthropicModel:  s.cfg.LLM.AnthropicModel,
		BedrockRegion:   s.cfg.LLM.BedrockRegion,
		BedrockModel:    s.cfg.LLM.BedrockModel,
	})
	if err != nil {
		return fmt.Errorf("configuring LLM provider: %w", err)
	}
	s.provider = provider

	s.registry = tool.NewRegistry()
	ghClient := github.NewClient(s.cfg.GitHub.BaseURL, s.cfg.GitHub.Token, nil)
	if err := tools.RegisterGitHubTools(s.registry, ghClient, s.logger); err != nil {
		return fmt.Errorf("registering GitHub tools: %w", err)
	}
	s.router = integration.NewRouter(s.cfg.Integrations.ConfigPath, s.registry, s.logger)

	s.approvals = approval.NewManager(s.store, s.logger)
	s.emitter = agent.NewEmitter()

	agentCfg := agent.Config{
		MaxIterations: s.cfg.Agent.MaxIterations,
		TimeoutMS:     s.cfg.Agent.TimeoutMS,
		SystemPrompt:  s.cfg.Agent.SystemPrompt,
	}
	if agentCfg.SystemPrompt == "" {
		agentCfg.SystemPrompt = defaultSystemPrompt
	}
	loop, err := agent.New(s.provider, s.registry, agentCfg,
		agent.WithGuard(s.guard),
		agent.WithEmitter(s.emitter),
		agent.WithLogger(s.logger),
		agent.WithUsageSink(usageSink(s.store, s.provider.Name(), s.logger)))
	if err != nil {
		return fmt.Errorf("configuring agent loop: %w", err)
	}
	s.loop = loop

	s.runs = NewRunManager(s.store, s.approvals, s.loop, s.emitter,
		s.auditLog, s.registry, agentCfg, s.logger)
	s.limiter = middleware.NewRateLimiter(apiRateLimitPerMin)
	return nil
}

// usageSink persists per-call token usage so cost is queryable after
// the guardrail window rolls over.
func usageSink(store db.Store, provider string, logger *zap.Logger) func(string, types.TokenUsage) {
	return func(runID string, usage types.TokenUsage) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := store.RecordTokenUsage(ctx, &db.TokenUsageRecord{
			RunID:        runID,
			Provider:     provider,
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			CostUSD:      usage.EstimatedCost,
			RecordedAt:   time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("recording token usage", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// Start initializes integrations and begins serving HTTP. It returns
// once the listener is running; Stop shuts everything down.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}

	if err := s.router.Init(s.ctx); err != nil {
		return fmt.Errorf("initializing integrations: %w", err)
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	go func() {
		s.logger.Info("http server listening", zap.Int("port", s.cfg.Server.Port))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.running = true
	return nil
}

// Stop drains HTTP, cancels in-flight runs, and closes every component.
// Run state is persisted before the database closes.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}

	s.runs.Stop()
	s.limiter.Stop()
	s.cancel()

	if err := s.router.Close(); err != nil {
		s.logger.Warn("closing integrations", zap.Error(err))
	}
	if err := s.auditLog.Close(); err != nil {
		s.logger.Warn("closing audit log", zap.Error(err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Warn("closing database", zap.Error(err))
	}

	s.running = false
	return nil
}
