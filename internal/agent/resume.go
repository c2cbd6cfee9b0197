package agent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// ErrNotPaused is returned when Resume is called on a run that has no
// pending approval. A second Resume for the same approval gets this
// error, which makes the decision exactly-once.
var ErrNotPaused = errors.New("run is not paused for approval")

// Resume applies an approval decision to a paused run and re-enters the
// loop. Approved: the stored call executes and its result joins the
// transcript. Rejected: a fixed rejection message joins the transcript
// so the LLM proposes an alternative.
//
// The wall-clock budget restarts on resume; time spent waiting for a
// human does not count against the run.
func (l *Loop) Resume(ctx context.Context, state *State, approved bool, reason string) error {
	if state.Status != StatusPaused || state.PendingApproval == nil {
		return ErrNotPaused
	}
	pa := state.PendingApproval
	state.PendingApproval = nil
	state.Status = StatusRunning
	state.touch()

	l.logger.Info("run resumed",
		zap.String("run_id", state.RunID),
		zap.String("tool", pa.ToolName),
		zap.Bool("approved", approved))

	tc := types.ToolCall{ID: pa.ToolCallID, Name: pa.ToolName, Arguments: pa.ToolArgs}
	if approved {
		l.executeApproved(ctx, state, tc)
	} else {
		l.recordRejection(state, tc, reason)
	}

	deadline := NewDeadline(l.cfg.Timeout())
	return l.run(ctx, state, deadline)
}

// executeApproved runs the suspended call. Approval overrides the risk
// tier, not argument validation or output sanitization.
func (l *Loop) executeApproved(ctx context.Context, state *State, tc types.ToolCall) {
	args := tc.ParseArguments()
	l.emit(Event{
		Type:       EventToolCall,
		RunID:      state.RunID,
		Iteration:  state.Iterations,
		ToolCallID: tc.ID,
		ToolName:   tc.Name,
		ToolArgs:   args,
	})

	res := l.registry.Execute(ctx, tc.Name, args, &tool.Context{
		RunID:       state.RunID,
		WorkspaceID: state.WorkspaceID,
		Credentials: l.creds,
		StartedAt:   state.CreatedAt,
	})
	if l.guard != nil && res.Output != "" {
		res.Output = l.guard.Sanitize(res.Output)
	}
	l.recordResult(state, tc, res)
}

// recordRejection feeds the rejection back as the tool's result. The
// call never executed, so the history records nothing; only executed
// calls enter tool_call_history.
func (l *Loop) recordRejection(state *State, tc types.ToolCall, reason string) {
	msg := fmt.Sprintf("Action %q was rejected by the user. Please suggest an alternative approach.", tc.Name)
	if reason != "" {
		msg += " Reason: " + reason
	}

	res := &tool.Result{Success: false, Error: msg}
	state.Messages = append(state.Messages, types.Message{
		Role:       types.RoleTool,
		Content:    msg,
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
