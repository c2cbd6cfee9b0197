package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent service metrics for production monitoring
var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_runs_total",
			Help: "Total number of investigation runs started",
		},
		[]string{"status"}, // completed/failed/paused
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sleuth_run_duration_seconds",
			Help:    "Investigation run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"status"},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sleuth_run_iterations",
			Help:    "Number of agent loop iterations per run",
			Buckets: prometheus.LinearBuckets(1, 2, 10), // 1 to 19
		},
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_llm_cost_usd_total",
			Help: "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sleuth_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	// Tool metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_tool_calls_total",
			Help: "Total number of tool calls dispatched by the agent",
		},
		[]string{"tool", "risk_tier", "status"}, // status: success/error/blocked
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sleuth_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"tool"},
	)

	// Approval metrics
	ApprovalsRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_approvals_requested_total",
			Help: "Total number of approval requests raised by paused runs",
		},
		[]string{"tool"},
	)

	ApprovalsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_approvals_decided_total",
			Help: "Total number of approval decisions",
		},
		[]string{"decision"}, // approved/rejected/expired
	)

	// Guardrail metrics
	GuardrailBlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_guardrail_blocked_total",
			Help: "Total number of tool calls blocked by deny patterns",
		},
		[]string{"pattern"},
	)

	GuardrailBudgetStops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sleuth_guardrail_budget_stops_total",
			Help: "Total number of runs stopped by the hourly call or cost cap",
		},
	)

	// Pull request metrics
	PullRequestsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_pull_requests_total",
			Help: "Total number of pull requests composed by the agent",
		},
		[]string{"status"}, // created/updated/failed
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sleuth_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)

	// Integration metrics
	IntegrationToolsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sleuth_integration_tools_loaded",
			Help: "Number of tools registered per integration",
		},
		[]string{"integration", "type"},
	)

	IntegrationInitErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleuth_integration_init_errors_total",
			Help: "Total number of integration initialization failures",
		},
		[]string{"integration"},
	)
)
