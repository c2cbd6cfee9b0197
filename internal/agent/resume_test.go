package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleuthhq/sleuth/internal/llm/types"
)

// pausedRun drives a run to the approval suspension point.
func pausedRun(t *testing.T, p *fakeProvider) (*Loop, *State) {
	t.Helper()
	l := newTestLoop(t, p, Config{MaxIterations: 10})
	st := NewState("ws-1", "", "restart the api service")
	require.NoError(t, l.Run(context.Background(), st))
	require.Equal(t, StatusPaused, st.Status)
	return l, st
}

func TestResumeApprovedExecutesAndContinues(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "restart_service", Arguments: `{"service":"api"}`}),
		finalAnswer("service restarted, errors cleared"),
	}}
	l, st := pausedRun(t, p)

	require.NoError(t, l.Resume(context.Background(), st, true, ""))

	assert.Equal(t, StatusCompleted, st.Status)
	assert.Nil(t, st.PendingApproval)
	assert.Equal(t, "service restarted, errors cleared", st.Result)

	require.Len(t, st.ToolCallHistory, 1)
	assert.Equal(t, "restart_service", st.ToolCallHistory[0].ToolName)
	assert.True(t, st.ToolCallHistory[0].Result.Success)

	// Tool result references the suspended call id.
	var toolMsg *types.Message
	for i := range st.Messages {
		if st.Messages[i].Role == types.RoleTool {
			toolMsg = &st.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "c1", toolMsg.ToolCallID)
	assert.Equal(t, "service restarted", toolMsg.Content)
}

func TestResumeRejectedFeedsFixedMessage(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "restart_service", Arguments: `{"service":"api"}`}),
		finalAnswer("suggesting a rollback instead"),
	}}
	l, st := pausedRun(t, p)

	historyBefore := len(st.ToolCallHistory)
	require.NoError(t, l.Resume(context.Background(), st, false, ""))

	assert.Equal(t, StatusCompleted, st.Status)
	// The rejected call never executed, so the history does not grow.
	assert.Len(t, st.ToolCallHistory, historyBefore)

	found := false
	for _, m := range st.Messages {
		if m.Role == types.RoleTool && m.ToolCallID == "c1" {
			found = true
			assert.Equal(t,
				`Action "restart_service" was rejected by the user. Please suggest an alternative approach.`,
				m.Content)
		}
	}
	assert.True(t, found)
}

func TestResumeRejectedWithReason(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "restart_service", Arguments: `{}`}),
		finalAnswer("understood"),
	}}
	l, st := pausedRun(t, p)

	require.NoError(t, l.Resume(context.Background(), st, false, "maintenance window closed"))

	var msg string
	for _, m := range st.Messages {
		if m.Role == types.RoleTool && m.ToolCallID == "c1" {
			msg = m.Content
		}
	}
	assert.Contains(t, msg, "was rejected by the user")
	assert.Contains(t, msg, "Reason: maintenance window closed")
}

func TestResumeIsExactlyOnce(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "restart_service", Arguments: `{}`}),
		finalAnswer("done"),
	}}
	l, st := pausedRun(t, p)

	require.NoError(t, l.Resume(context.Background(), st, true, ""))
	err := l.Resume(context.Background(), st, true, "")
	assert.ErrorIs(t, err, ErrNotPaused)

	// The approved call executed exactly once.
	assert.Len(t, st.ToolCallHistory, 1)
}

func TestResumeOnRunningStateFails(t *testing.T) {
	p := &fakeProvider{}
	l := newTestLoop(t, p, Config{MaxIterations: 3})
	st := NewState("ws-1", "", "q")
	assert.ErrorIs(t, l.Resume(context.Background(), st, true, ""), ErrNotPaused)
}

func TestResumeAfterSerializationRoundTrip(t *testing.T) {
	p := &fakeProvider{responses: []*types.ToolResponse{
		toolTurn(types.ToolCall{ID: "c1", Name: "restart_service", Arguments: `{"service":"api"}`}),
		finalAnswer("restart confirmed effective"),
	}}
	l, st := pausedRun(t, p)

	raw, err := st.Marshal()
	require.NoError(t, err)
	restored, err := UnmarshalState(raw)
	require.NoError(t, err)

	require.NoError(t, l.Resume(context.Background(), restored, true, ""))
	assert.Equal(t, StatusCompleted, restored.Status)
	assert.Equal(t, "restart confirmed effective", restored.Result)
	require.Len(t, restored.ToolCallHistory, 1)
	assert.True(t, restored.ToolCallHistory[0].Result.Success)
}
