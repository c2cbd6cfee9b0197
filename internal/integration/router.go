package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/metrics"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// systemIntegration is the virtual integration name for the router's
// discovery meta tools.
const systemIntegration = "_system"

// integrationState tracks one loaded integration for the meta tools.
type integrationState struct {
	name      string
	typ       string
	status    string // ready | error
	lastError string
	toolNames []string
	tester    func(context.Context) error
	closer    func() error
}

// Router synthesizes tools from the integrations config and registers
// them into the shared registry. Initialization is lazy: the first Init
// caller does the work while concurrent callers wait on the same
// in-flight future; later calls return the recorded outcome.
type Router struct {
	configPath string
	registry   *tool.Registry
	logger     *zap.Logger
	httpClient *http.Client

	mu       sync.Mutex
	inflight chan struct{}
	initErr  error
	states   map[string]*integrationState
}

// Option configures a Router.
type Option func(*Router)

// WithHTTPClient overrides the shared HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Router) { r.httpClient = c }
}

// NewRouter creates a router. No I/O happens until Init.
func NewRouter(configPath string, registry *tool.Registry, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		configPath: configPath,
		registry:   registry,
		logger:     logger,
		httpClient: &http.Client{Timeout: httpCallTimeout},
		states:     map[string]*integrationState{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init loads the config and builds every integration's tools. Safe for
// concurrent callers; only the first does the work. An invalid config is
// a caller bug and fails Init; a failing individual integration is
// recorded and reported through the meta tools instead.
func (r *Router) Init(ctx context.Context) error {
	r.mu.Lock()
	if r.inflight != nil {
		ch := r.inflight
		r.mu.Unlock()
		<-ch
		return r.initErr
	}
	ch := make(chan struct{})
	r.inflight = ch
	r.mu.Unlock()

	err := r.load(ctx)

	r.mu.Lock()
	r.initErr = err
	r.mu.Unlock()
	close(ch)
	return err
}

func (r *Router) load(ctx context.Context) error {
	cfg, err := LoadConfig(r.configPath)
	if err != nil {
		return err
	}

	// Deterministic load order.
	names := make([]string, 0, len(cfg.Integrations))
	for name := range cfg.Integrations {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ic := cfg.Integrations[name]
		state := r.buildIntegration(ctx, name, ic)
		r.mu.Lock()
		r.states[name] = state
		r.mu.Unlock()

		if state.status == "ready" {
			metrics.IntegrationToolsLoaded.WithLabelValues(name, state.typ).Set(float64(len(state.toolNames)))
		} else {
			metrics.IntegrationInitErrors.WithLabelValues(name).Inc()
			r.logger.Warn("integration failed to initialize",
				zap.String("integration", name),
				zap.String("type", state.typ),
				zap.String("error", state.lastError))
		}
	}

	return r.registerMetaTools()
}

// buildIntegration constructs one integration's tools and registers them.
func (r *Router) buildIntegration(ctx context.Context, name string, ic IntegrationConfig) *integrationState {
	state := &integrationState{name: name, typ: normalizeType(ic.Type), status: "ready"}

	var tools []*tool.Tool
	var err error
	switch state.typ {
	case TypeProtocolServer:
		var ps *protocolServer
		ps, tools, err = startProtocolServer(ctx, name, ic, r.logger)
		if err == nil {
			state.tester = ps.testConnection
			state.closer = ps.close
		}
	case TypeOpenAPI:
		var rest *restIntegration
		rest, tools, err = loadOpenAPIIntegration(ctx, name, ic, r.httpClient)
		if err == nil {
			state.tester = rest.testConnection
		}
	case TypeREST:
		rest := newRESTIntegration(name, ic, r.httpClient)
		tools = rest.tools(ic)
		state.tester = rest.testConnection
	}
	if err != nil {
		state.status = "error"
		state.lastError = err.Error()
		return state
	}

	for _, t := range tools {
		if regErr := r.registry.Register(t); regErr != nil {
			r.logger.Warn("skipping integration tool",
				zap.String("integration", name),
				zap.String("tool", t.Name),
				zap.Error(regErr))
			continue
		}
		state.toolNames = append(state.toolNames, t.Name)
	}
	sort.Strings(state.toolNames)
	return state
}

// Close shuts down integrations that hold external processes.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for _, s := range r.states {
		if s.closer == nil {
			continue
		}
		if err := s.closer(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ─── Meta tools ───────────────────────────────────────────────────────────────

func (r *Router) registerMetaTools() error {
	meta := []*tool.Tool{
		{
			Name:        "list_integrations",
			Description: "List the configured external integrations, their type, status, and number of tools.",
			Tier:        tool.TierReadOnly,
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			Execute: func(_ context.Context, _ map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
				return r.listIntegrations(), nil
			},
		},
		{
			Name:        "list_operations",
			Description: "List the tools exposed by one integration.",
			Tier:        tool.TierReadOnly,
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"integration": map[string]interface{}{"type": "string", "description": "Integration name"},
				},
				"required": []interface{}{"integration"},
			},
			Execute: func(_ context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
				name, _ := args["integration"].(string)
				return r.listOperations(name), nil
			},
		},
		{
			Name:        "test_connection",
			Description: "Check whether one integration's backing service is reachable.",
			Tier:        tool.TierReadOnly,
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"integration": map[string]interface{}{"type": "string", "description": "Integration name"},
				},
				"required": []interface{}{"integration"},
			},
			Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
				name, _ := args["integration"].(string)
				return r.testConnection(ctx, name), nil
			},
		},
	}
	for _, t := range meta {
		if err := r.registry.Register(t); err != nil {
			return fmt.Errorf("registering %s meta tool %q: %w", systemIntegration, t.Name, err)
		}
	}
	return nil
}

func (r *Router) listIntegrations() *tool.Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	type entry struct {
		Name   string `json:"name"`
		Type   string `json:"type"`
		Status string `json:"status"`
		Tools  int    `json:"tools"`
		Error  string `json:"error,omitempty"`
	}
	entries := make([]entry, 0, len(r.states))
	for _, s := range r.states {
		entries = append(entries, entry{
			Name:   s.name,
			Type:   s.typ,
			Status: s.status,
			Tools:  len(s.toolNames),
			Error:  s.lastError,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	raw, _ := json.MarshalIndent(entries, "", "  ")
	return &tool.Result{Success: true, Output: string(raw)}
}

func (r *Router) listOperations(name string) *tool.Result {
	r.mu.Lock()
	s, ok := r.states[name]
	r.mu.Unlock()
	if !ok {
		return tool.Errorf("unknown integration %q", name)
	}

	type op struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		RiskTier    string `json:"risk_tier"`
	}
	ops := make([]op, 0, len(s.toolNames))
	for _, tn := range s.toolNames {
		t, found := r.registry.Get(tn)
		if !found {
			continue
		}
		ops = append(ops, op{Name: t.Name, Description: t.Description, RiskTier: string(t.Tier)})
	}

	raw, _ := json.MarshalIndent(ops, "", "  ")
	return &tool.Result{Success: true, Output: string(raw)}
}

func (r *Router) testConnection(ctx context.Context, name string) *tool.Result {
	r.mu.Lock()
	s, ok := r.states[name]
	r.mu.Unlock()
	if !ok {
		return tool.Errorf("unknown integration %q", name)
	}
	if s.status != "ready" {
		return tool.Errorf("integration %q failed to initialize: %s", name, s.lastError)
	}
	if s.tester == nil {
		return &tool.Result{Success: true, Output: fmt.Sprintf("integration %q loaded (no connectivity probe)", name)}
	}
	if err := s.tester(ctx); err != nil {
		return tool.Errorf("integration %q: %v", name, err)
	}
	return &tool.Result{Success: true, Output: fmt.Sprintf("integration %q reachable", name)}
}
