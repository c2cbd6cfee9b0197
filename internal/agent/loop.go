package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/llm"
	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// Per-call sampling knobs. Investigations want focused, reproducible
// reasoning, not creativity.
const (
	llmTemperature = 0.2
	llmMaxTokens   = 4096
)

// finalAnswerFallback replaces an empty final completion so a run never
// ends with an empty result.
const finalAnswerFallback = "Investigation complete."

// Guard is the safety surface the loop consults. All methods must be
// safe for concurrent use. A nil Guard disables all checks.
type Guard interface {
	// AllowLLMCall checks the hourly call-rate and cost caps before a
	// provider call. A returned error stops the run gracefully.
	AllowLLMCall() error

	// RecordUsage feeds actual provider usage into the cost bucket.
	RecordUsage(usage types.TokenUsage)

	// CheckToolCall vets a pending call against deny patterns. A returned
	// error blocks execution; the message is fed back to the LLM as a
	// failed tool result.
	CheckToolCall(name string, args map[string]interface{}) error

	// Sanitize redacts secret-shaped content from tool output before it
	// enters the transcript.
	Sanitize(output string) string
}

// Loop drives one investigation: LLM turn, tool dispatch, repeat, under
// an iteration cap and a wall-clock budget.
type Loop struct {
	provider llm.Provider
	registry *tool.Registry
	cfg      Config

	guard     Guard
	emitter   *Emitter
	logger    *zap.Logger
	creds     map[string]string
	usageSink func(runID string, usage types.TokenUsage)
}

// Option configures a Loop.
type Option func(*Loop)

// WithGuard attaches guardrail checks.
func WithGuard(g Guard) Option { return func(l *Loop) { l.guard = g } }

// WithEmitter attaches a lifecycle event emitter.
func WithEmitter(e *Emitter) Option { return func(l *Loop) { l.emitter = e } }

// WithLogger attaches a structured logger.
func WithLogger(lg *zap.Logger) Option { return func(l *Loop) { l.logger = lg } }

// WithCredentials supplies credential references passed through to tools.
func WithCredentials(creds map[string]string) Option {
	return func(l *Loop) { l.creds = creds }
}

// WithUsageSink receives per-call token usage, for durable cost records.
// The sink runs on the loop's hot path and must not block.
func WithUsageSink(sink func(runID string, usage types.TokenUsage)) Option {
	return func(l *Loop) { l.usageSink = sink }
}

// New creates a loop. The config must validate.
func New(provider llm.Provider, registry *tool.Registry, cfg Config, opts ...Option) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Loop{
		provider: provider,
		registry: registry,
		cfg:      cfg,
		emitter:  NewEmitter(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Events exposes the loop's emitter for subscribers.
func (l *Loop) Events() *Emitter { return l.emitter }

// Run drives state until it reaches a terminal status or pauses for
// approval. The caller owns persistence of the resulting state.
func (l *Loop) Run(ctx context.Context, state *State) error {
	deadline := NewDeadline(l.cfg.Timeout())
	return l.run(ctx, state, deadline)
}

func (l *Loop) run(ctx context.Context, state *State, deadline *Deadline) error {
	for state.Status == StatusRunning {
		if state.Iterations >= l.cfg.MaxIterations {
			l.finishExhausted(state, "Investigation reached maximum iterations.")
			return nil
		}
		if err := ctx.Err(); err != nil {
			l.fail(state, fmt.Sprintf("run canceled: %v", err))
			return err
		}
		if !deadline.HasTimeFor(MinIterationTime) {
			l.emit(Event{Type: EventTimeout, RunID: state.RunID, Iteration: state.Iterations})
			l.finishExhausted(state, fmt.Sprintf("Investigation timed out after %s.",
				deadline.Elapsed().Round(time.Second)))
			return nil
		}
		if err := l.iterate(ctx, state, deadline); err != nil {
			return err
		}
	}
	return nil
}

// iterate performs one LLM turn and dispatches its tool calls.
func (l *Loop) iterate(ctx context.Context, state *State, deadline *Deadline) error {
	state.Iterations++
	state.touch()
	l.emit(Event{Type: EventIterationStart, RunID: state.RunID, Iteration: state.Iterations})

	if l.guard != nil {
		if err := l.guard.AllowLLMCall(); err != nil {
			l.logger.Warn("guardrail stopped run",
				zap.String("run_id", state.RunID),
				zap.Error(err))
			l.finishExhausted(state, fmt.Sprintf("Investigation stopped by guardrail: %v.", err))
			return nil
		}
	}

	resp, err := l.complete(ctx, state, deadline)
	if err != nil {
		l.fail(state, fmt.Sprintf("LLM call failed: %v", err))
		return err
	}
	if l.guard != nil {
		l.guard.RecordUsage(resp.Usage)
	}
	if l.usageSink != nil {
		l.usageSink(state.RunID, resp.Usage)
	}

	if len(resp.ToolCalls) == 0 {
		result := resp.Content
		if strings.TrimSpace(result) == "" {
			result = finalAnswerFallback
		}
		state.Messages = append(state.Messages, types.Message{Role: types.RoleAssistant, Content: resp.Content})
		state.Status = StatusCompleted
		state.Result = result
		state.touch()
		l.emit(Event{Type: EventLLMResponse, RunID: state.RunID, Iteration: state.Iterations, Content: resp.Content})
		l.emit(Event{Type: EventCompleted, RunID: state.RunID, Iteration: state.Iterations, Content: result})
		return nil
	}

	calls := filterConflictingCalls(resp.ToolCalls)
	state.Messages = append(state.Messages, types.Message{
		Role:      types.RoleAssistant,
		Content:   resp.Content,
		ToolCalls: calls,
	})
	assistantIdx := len(state.Messages) - 1

	for i, tc := range calls {
		if l.registry.RequiresApproval(tc.Name) {
			// Calls after the suspending one are dropped from the turn so
			// every surviving call gets exactly one result on resume.
			state.Messages[assistantIdx].ToolCalls = calls[:i+1]
			l.pause(state, tc)
			return nil
		}
		l.dispatch(ctx, state, tc)
	}
	state.touch()
	return nil
}

// complete issues one provider call under the per-call deadline.
func (l *Loop) complete(ctx context.Context, state *State, deadline *Deadline) (*types.ToolResponse, error) {
	callCtx, cancel := deadline.callContext(ctx, deadline.LLMCallTimeout())
	defer cancel()

	return l.provider.CompleteWithTools(callCtx, state.Messages, types.CompletionOptions{
		Temperature: llmTemperature,
		MaxTokens:   llmMaxTokens,
		Tools:       types.CapToolsForAPI(l.registry.Definitions()),
	})
}

// dispatch executes one auto-executable tool call and appends the
// result to the transcript and history.
func (l *Loop) dispatch(ctx context.Context, state *State, tc types.ToolCall) {
	args := tc.ParseArguments()
	l.emit(Event{
		Type:       EventToolCall,
		RunID:      state.RunID,
		Iteration:  state.Iterations,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   args,
	})

	var res *tool.Result
	if l.guard != nil {
		if err := l.guard.CheckToolCall(tc.Name, args); err != nil {
			res = tool.Errorf("blocked by guardrail: %v", err)
		}
	}
	if res == nil {
		res = l.registry.Execute(ctx, tc.Name, args, &tool.Context{
			RunID:       state.RunID,
			WorkspaceID: state.WorkspaceID,
			Credentials: l.creds,
			StartedAt:   state.CreatedAt,
		})
		if l.guard != nil && res.Output != "" {
			res.Output = l.guard.Sanitize(res.Output)
		}
	}

	l.recordResult(state, tc, res)
}

// recordResult appends the tool outcome to history and the transcript.
func (l *Loop) recordResult(state *State, tc types.ToolCall, res *tool.Result) {
	state.LastToolCall = tc.Name
	state.ToolCallHistory = append(state.ToolCallHistory, ToolCallRecord{
		Iteration: state.Iterations,
		ToolName:  tc.Name,
		Args:      tc.Arguments,
		Result:    res,
		Timestamp: time.Now().UTC(),
	})

	content := res.Output
	if !res.Success {
		content = "Error: " + res.Error
	}
	state.Messages = append(state.Messages, types.Message{
		Role:       types.RoleTool,
		Content:    content,
		ToolCallID: tc.ID,
	})

	l.emit(Event{
		Type:       EventToolResult,
		RunID:      state.RunID,
		Iteration:  state.Iterations,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		Result:     res,
	})
}

// pause suspends the run on a call that needs human approval. Calls
// after the suspending one in the same turn are not dispatched; the LLM
// re-plans after the decision.
func (l *Loop) pause(state *State, tc types.ToolCall) {
	state.Status = StatusPaused
	state.PendingApproval = &PendingApproval{
		ToolCallID:  tc.ID,
		ToolName:    tc.Name,
		ToolArgs:    tc.Arguments,
		RequestedAt: time.Now().UTC(),
	}
	state.touch()

	l.logger.Info("run paused for approval",
		zap.String("run_id", state.RunID),
		zap.String("tool", tc.Name))
	l.emit(Event{
		Type:       EventApprovalRequired,
		RunID:      state.RunID,
		Iteration:  state.Iterations,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   tc.ParseArguments(),
	})
}

// finishExhausted completes the run gracefully with whatever findings
// have accumulated, prefixed with the reason the loop stopped.
func (l *Loop) finishExhausted(state *State, reason string) {
	state.Status = StatusCompleted
	state.Result = state.stitchedResult(reason)
	state.touch()
	l.emit(Event{Type: EventCompleted, RunID: state.RunID, Iteration: state.Iterations, Content: state.Result})
}

// fail marks the run failed.
func (l *Loop) fail(state *State, msg string) {
	state.Status = StatusFailed
	state.Error = msg
	state.touch()
	l.logger.Error("run failed", zap.String("run_id", state.RunID), zap.String("error", msg))
	l.emit(Event{Type: EventFailed, RunID: state.RunID, Iteration: state.Iterations, Error: msg})
}

func (l *Loop) emit(ev Event) {
	if l.emitter != nil {
		l.emitter.Emit(ev)
	}
}

// ─── cross-call conflict filter ──────────────────────────────────────

// filterConflictingCalls drops a PR-creation call from a turn that also
// reads a file from the same repository: the PR would be composed from
// content the model has not seen yet. The read survives; the model can
// re-issue the PR next turn with the file in context.
func filterConflictingCalls(calls []types.ToolCall) []types.ToolCall {
	readRepos := map[string]bool{}
	for _, tc := range calls {
		if isFileReadCall(tc.Name) {
			if repo := repoArg(tc); repo != "" {
				readRepos[repo] = true
			}
		}
	}
	if len(readRepos) == 0 {
		return calls
	}

	out := calls[:0:0]
	for _, tc := range calls {
		if isPRCreateCall(tc.Name) && readRepos[repoArg(tc)] {
			continue
		}
		out = append(out, tc)
	}
	return out
}

func isFileReadCall(name string) bool {
	return strings.Contains(name, "get_file") || strings.Contains(name, "read_file")
}

func isPRCreateCall(name string) bool {
	return strings.Contains(name, "create_pr") ||
		strings.Contains(name, "create_draft_pr") ||
		strings.Contains(name, "create_pull_request")
}

func repoArg(tc types.ToolCall) string {
	args := tc.ParseArguments()
	for _, key := range []string{"repo", "repository"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
