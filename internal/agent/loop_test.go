package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// fakeProvider replays scripted responses in order.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*types.ToolResponse
	err       error
	calls     int
	lastOpts  types.CompletionOptions
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Complete(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (string, error) {
	resp, err := f.CompleteWithTools(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (f *fakeProvider) CompleteWithTools(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (*types.ToolResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.responses) {
		return &types.ToolResponse{Content: "done", FinishReason: types.FinishStop}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func finalAnswer(text string) *types.ToolResponse {
	return &types.ToolResponse{Content: text, FinishReason: types.FinishStop}
}

func toolTurn(calls ...types.ToolCall) *types.ToolResponse {
	return &types.ToolResponse{ToolCalls: calls, FinishReason: types.FinishToolCalls}
}

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	require.NoError(t, r.Register(&tool.Tool{
		Name: "logs_query",
		Tier: tool.TierReadOnly,
		Execute: func(ctx context.Context, args map[string]interface{}, tc *tool.Context) (*tool.Result, error) {
			return &tool.Result{Success: true, Output: "ERROR timeout connecting to db"}, nil
		},
	}))
	require.NoError(t, r.Register(&tool.Tool{
		Name: "flaky_backend",
		Tier: tool.TierReadOnly,
		Execute: func(ctx context.Context, args map[string]interface{}, tc *tool.Context) (*tool.Result, error) {
			return nil, errors.New("connection refused")
		},
	}))
	require.NoError(t, r.Register(&tool.Tool{
		Name: "restart_service",
		Tier: tool.TierDestructive,
		Execute: func(ctx context.Context, args map[string]interface{}, tc *tool.Context) (*tool.Result, error) {
			return &tool.Result{Success: true, Output: "service restarted"}, nil
		},
	}))
	return r
}

func newTestLoop(t *testing.T, p *fakeProvider, cfg Config, opts ...Option) *Loop {
	t.Helper()
	l, err := New(p, testRegistry(t), cfg, opts...)
	require.NoError(t, err)
	return l
}

func TestRunFinalAnswerFirstTurn(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{finalAnswer("root cause: db pool exhausted")}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "you investigate incidents", "api is returning 500s")

	require.NoError(t, l.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, "root cause: db pool exhausted", st.Result)
	assert.Equal(t, 1, st.Iterations)
	assert.Equal(t, 1, p.callCount())
	assert.InDelta(t, 0.2, float64(p.lastOpts.Temperature), 0.001)
	assert.Equal(t, 4096, p.lastOpts.MaxTokens)
}

func TestRunEmptyFinalAnswerGetsFallback(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{finalAnswer("")}}
	l := newTestLoop(t, p, Config{MaxIterations: 3})
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))
	assert.Equal(t, "Investigation complete.", st.Result)
}

func TestRunToolTurnThenAnswer(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "logs_query", Arguments: `{"query":"ERROR"}`}),
		finalAnswer("db timeouts caused the 500s"),
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "", "why 500s")

	require.NoError(t, l.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 2, st.Iterations)
	require.Len(t, st.ToolCallHistory, 1)
	assert.Equal(t, "logs_query", st.ToolCallHistory[0].ToolName)
	assert.True(t, st.ToolCallHistory[0].Result.Success)

	// Transcript: system-less seed user, assistant w/ call, tool result, final assistant.
	require.Len(t, st.Messages, 4)
	assert.Equal(t, types.RoleTool, st.Messages[2].Role)
	assert.Equal(t, "c1", st.Messages[2].ToolCallID)
	assert.Equal(t, "ERROR timeout connecting to db", st.Messages[2].Content)
}

func TestRunToolErrorFeedsBackAndContinues(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "flaky_backend", Arguments: `{}`}),
		finalAnswer("could not reach backend"),
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	require.Len(t, st.ToolCallHistory, 1)
	assert.False(t, st.ToolCallHistory[0].Result.Success)
	assert.Equal(t, "Error: connection refused", st.Messages[2].Content)
}

func TestRunMaxIterationsStitchesFindings(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		{Content: "checking logs first", ToolCalls: []types.ToolCall{{ID: "c1", Name: "logs_query", Arguments: `{}`}}, FinishReason: types.FinishToolCalls},
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 1})
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Equal(t, 1, st.Iterations)
	assert.Equal(t, 1, p.callCount())
	assert.Contains(t, st.Result, "Investigation reached maximum iterations.")
	assert.Contains(t, st.Result, "checking logs first")
}

func TestRunBudgetGateSkipsLLMCall(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{finalAnswer("never returned")}}
	// 10s budget is below the 30s iteration floor: no provider call at all.
	l := newTestLoop(t, p, Config{MaxIterations: 10, TimeoutMS: 10_000})
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Contains(t, st.Result, "Investigation timed out after")
	assert.Equal(t, 0, p.callCount())
	assert.Equal(t, 0, st.Iterations)
}

func TestRunProviderErrorFails(t *testing.T) {
	p := &fakeProvider{err: errors.New("bedrock: throttled past retries")}
	l := newTestLoop(t, p, Config{MaxIterations: 3})
	st := NewState("ws-1", "", "q")

	err := l.Run(context.Background(), st)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, st.Status)
	assert.Contains(t, st.Error, "LLM call failed")
}

func TestRunPausesOnDestructiveCall(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(
			types.ToolCall{ID: "c1", Name: "logs_query", Arguments: `{}`},
			types.ToolCall{ID: "c2", Name: "restart_service", Arguments: `{"service":"api"}`},
			types.ToolCall{ID: "c3", Name: "logs_query", Arguments: `{}`},
		),
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))

	assert.Equal(t, StatusPaused, st.Status)
	require.NotNil(t, st.PendingApproval)
	assert.Equal(t, "restart_service", st.PendingApproval.ToolName)
	assert.Equal(t, "c2", st.PendingApproval.ToolCallID)
	assert.False(t, st.PendingApproval.RequestedAt.IsZero())

	// The read before the destructive call ran; the call after it was
	// dropped from the turn.
	require.Len(t, st.ToolCallHistory, 1)
	assert.Equal(t, "logs_query", st.ToolCallHistory[0].ToolName)
	last := st.Messages[len(st.Messages)-2] // assistant turn before the tool result
	require.Equal(t, types.RoleAssistant, last.Role)
	assert.Len(t, last.ToolCalls, 2)
}

func TestRunUnknownToolRequiresApproval(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "totally_new_tool", Arguments: `{}`}),
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))
	assert.Equal(t, StatusPaused, st.Status)
	require.NotNil(t, st.PendingApproval)
	assert.Equal(t, "totally_new_tool", st.PendingApproval.ToolName)
}

// blockingGuard blocks a named tool and caps LLM calls.
type blockingGuard struct {
	blockTool string
	allowErr  error
	usages    []types.TokenUsage
}

func (g *blockingGuard) AllowLLMCall() error            { return g.allowErr }
func (g *blockingGuard) RecordUsage(u types.TokenUsage) { g.usages = append(g.usages, u) }
func (g *blockingGuard) Sanitize(s string) string       { return s }

func (g *blockingGuard) CheckToolCall(name string, args map[string]interface{}) error {
	if name == g.blockTool {
		return errors.New("matches deny pattern")
	}
	return nil
}

func TestGuardBlocksToolCall(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "logs_query", Arguments: `{}`}),
		finalAnswer("blocked, stopping"),
	}}
	g := &blockingGuard{blockTool: "logs_query"}
	l := newTestLoop(t, p, Config{MaxIterations: 10}, WithGuard(g))
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))

	require.Len(t, st.ToolCallHistory, 1)
	assert.False(t, st.ToolCallHistory[0].Result.Success)
	assert.Contains(t, st.ToolCallHistory[0].Result.Error, "blocked by guardrail")
	assert.Len(t, g.usages, 2, "usage recorded per provider call")
}

func TestGuardStopsRunBeforeLLMCall(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{finalAnswer("never")}}
	g := &blockingGuard{allowErr: errors.New("hourly cost cap reached")}
	l := newTestLoop(t, p, Config{MaxIterations: 10}, WithGuard(g))
	st := NewState("ws-1", "", "q")

	require.NoError(t, l.Run(context.Background(), st))
	assert.Equal(t, StatusCompleted, st.Status)
	assert.Contains(t, st.Result, "guardrail")
	assert.Equal(t, 0, p.callCount())
}

func TestRunEmitsLifecycleEvents(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "logs_query", Arguments: `{}`}),
		finalAnswer("done"),
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	ch, cancel := l.Events().Subscribe()
	defer cancel()

	st := NewState("ws-1", "", "q")
	require.NoError(t, l.Run(context.Background(), st))

	var seen []EventType
	for len(ch) > 0 {
		seen = append(seen, (<-ch).Type)
	}
	assert.Equal(t, []EventType{
		EventIterationStart,
		EventToolCall,
		EventToolResult,
		EventIterationStart,
		EventLLMResponse,
		EventCompleted,
	}, seen)
}

func TestFilterConflictingCalls(t *testing.T) {
	read := types.ToolCall{ID: "r", Name: "github_get_file", Arguments: `{"repo":"acme/api","path":"main.go"}`}
	pr := types.ToolCall{ID: "p", Name: "github_create_draft_pr", Arguments: `{"repo":"acme/api"}`}
	prOther := types.ToolCall{ID: "p2", Name: "github_create_draft_pr", Arguments: `{"repo":"acme/web"}`}

	out := filterConflictingCalls([]types.ToolCall{read, pr, prOther})
	require.Len(t, out, 2)
	assert.Equal(t, "r", out[0].ID)
	assert.Equal(t, "p2", out[1].ID, "PR against an unread repo survives")

	// No read in the turn: nothing is dropped.
	out = filterConflictingCalls([]types.ToolCall{pr})
	assert.Len(t, out, 1)
}

func TestStateSerializationRoundTrip(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "restart_service", Arguments: `{"service":"api"}`}),
	}}
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "sys", "q")
	require.NoError(t, l.Run(context.Background(), st))
	require.Equal(t, StatusPaused, st.Status)

	raw, err := st.Marshal()
	require.NoError(t, err)
	restored, err := UnmarshalState(raw)
	require.NoError(t, err)

	assert.Equal(t, st.RunID, restored.RunID)
	assert.Equal(t, StatusPaused, restored.Status)
	require.NotNil(t, restored.PendingApproval)
	assert.Equal(t, "restart_service", restored.PendingApproval.ToolName)
	assert.Equal(t, `{"service":"api"}`, restored.PendingApproval.ToolArgs)
	assert.Equal(t, len(st.Messages), len(restored.Messages))
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{MaxIterations: 0}.Validate())
	assert.NoError(t, Config{MaxIterations: 1}.Validate())
}
