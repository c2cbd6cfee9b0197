package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleuthhq/sleuth/internal/llm/retry"
	"github.com/sleuthhq/sleuth/internal/llm/types"
)

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient("test-key", "claude-test")
	require.NoError(t, err)
	c.SetBaseURL(srv.URL)
	c.SetRetryConfig(fastRetry())
	return c, srv
}

func respond(w http.ResponseWriter, resp anthResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func TestCompleteWithToolsTranslatesDialect(t *testing.T) {
	var captured anthRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, DefaultAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		respond(w, anthResponse{
			Content:    []ContentBlock{{Type: "text", Text: "done"}},
			StopReason: "end_turn",
			Usage:      anthUsage{InputTokens: 10, OutputTokens: 5},
		})
	})

	messages := []types.Message{
		{Role: types.RoleSystem, Content: "you are an investigator"},
		{Role: types.RoleUser, Content: "why is checkout failing?"},
		{Role: types.RoleAssistant, Content: "checking", ToolCalls: []types.ToolCall{
			{ID: "tc_1", Name: "cloudwatch_query_logs", Arguments: `{"group":"/app"}`},
		}},
		{Role: types.RoleTool, ToolCallID: "tc_1", Content: "ERROR timeout"},
	}
	resp, err := c.CompleteWithTools(context.Background(), messages, types.CompletionOptions{
		Tools: []types.ToolDefinition{{Name: "cloudwatch_query_logs", Description: "query logs"}},
	})
	require.NoError(t, err)

	// System message lifted into the system slot.
	assert.Equal(t, "you are an investigator", captured.System)
	require.Len(t, captured.Messages, 3)

	// Assistant tool call became a tool_use block with object input.
	asst := captured.Messages[1]
	assert.Equal(t, "assistant", asst.Role)
	require.Len(t, asst.Content, 2)
	assert.Equal(t, "tool_use", asst.Content[1].Type)
	assert.Equal(t, "tc_1", asst.Content[1].ID)
	assert.Equal(t, map[string]interface{}{"group": "/app"}, asst.Content[1].Input)

	// Tool message grouped into a user-role tool_result block.
	toolMsg := captured.Messages[2]
	assert.Equal(t, "user", toolMsg.Role)
	require.Len(t, toolMsg.Content, 1)
	assert.Equal(t, "tool_result", toolMsg.Content[0].Type)
	assert.Equal(t, "tc_1", toolMsg.Content[0].ToolUseID)
	assert.Equal(t, "ERROR timeout", toolMsg.Content[0].Content)

	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, types.FinishStop, resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteWithToolsGroupsAdjacentToolResults(t *testing.T) {
	var captured anthRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		respond(w, anthResponse{Content: []ContentBlock{{Type: "text", Text: "ok"}}, StopReason: "end_turn"})
	})

	messages := []types.Message{
		{Role: types.RoleUser, Content: "go"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{
			{ID: "a", Name: "t1", Arguments: "{}"},
			{ID: "b", Name: "t2", Arguments: "{}"},
		}},
		{Role: types.RoleTool, ToolCallID: "a", Content: "r1"},
		{Role: types.RoleTool, ToolCallID: "b", Content: "r2"},
	}
	_, err := c.CompleteWithTools(context.Background(), messages, types.CompletionOptions{})
	require.NoError(t, err)

	require.Len(t, captured.Messages, 3)
	grouped := captured.Messages[2]
	assert.Equal(t, "user", grouped.Role)
	require.Len(t, grouped.Content, 2)
	assert.Equal(t, "a", grouped.Content[0].ToolUseID)
	assert.Equal(t, "b", grouped.Content[1].ToolUseID)
}

func TestCompleteWithToolsParsesToolUse(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, anthResponse{
			Content: []ContentBlock{
				{Type: "text", Text: "let me look"},
				{Type: "tool_use", ID: "tc_9", Name: "github_get_file", Input: map[string]interface{}{"repo": "acme/api", "path": "main.go"}},
			},
			StopReason: "tool_use",
		})
	})

	resp, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tc_9", resp.ToolCalls[0].ID)
	assert.Equal(t, "github_get_file", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"repo":"acme/api","path":"main.go"}`, resp.ToolCalls[0].Arguments)
}

func TestCompleteWithToolsRecoversTextToolCall(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, anthResponse{
			Content:    []ContentBlock{{Type: "text", Text: `{"name": "postgres_get_schema", "parameters": {"table": "orders"}}`}},
			StopReason: "end_turn",
		})
	})

	resp, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.FinishToolCalls, resp.FinishReason)
	assert.Empty(t, resp.Content, "content is suppressed when a call is recovered from text")
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "postgres_get_schema", resp.ToolCalls[0].Name)
}

func TestCompleteWithToolsRetriesOn429(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		respond(w, anthResponse{Content: []ContentBlock{{Type: "text", Text: "recovered"}}, StopReason: "end_turn"})
	})

	resp, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "exactly two HTTP calls")
}

func TestCompleteWithToolsDoesNotRetry400(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCompleteWithToolsMalformedResponseIsPermanent(t *testing.T) {
	var calls int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte("not json"))
	})

	_, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "protocol errors are not retried")
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("", "model")
	require.Error(t, err)
}

func TestFinishReasonLength(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, anthResponse{Content: []ContentBlock{{Type: "text", Text: "trunc"}}, StopReason: "max_tokens"})
	})
	resp, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.FinishLength, resp.FinishReason)
}
