package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleuthhq/sleuth/internal/llm/retry"
	"github.com/sleuthhq/sleuth/internal/llm/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, "llama3.1")
	c.SetRetryConfig(retry.Config{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2})
	return c
}

func TestCompleteWithToolsStructuredCall(t *testing.T) {
	var captured chatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_ = json.NewEncoder(w).Encode(chatResponse{
			Message: chatMessage{
				Role: "assistant",
				ToolCalls: []chatToolCall{
					{Function: chatFunction{Name: "metrics_search", Arguments: map[string]interface{}{"query": "p99"}}},
				},
			},
			DoneReason: "stop",
		})
	})

	resp, err := c.CompleteWithTools(context.Background(), []types.Message{
		{Role: types.RoleUser, Content: "latency?"},
	}, types.CompletionOptions{
		Temperature: 0.2,
		MaxTokens:   4096,
		Tools:       []types.ToolDefinition{{Name: "metrics_search", Description: "search metrics"}},
	})
	require.NoError(t, err)

	assert.False(t, captured.Stream)
	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "function", captured.Tools[0].Type)
	assert.Equal(t, float64(4096), captured.Options["num_predict"])

	assert.Equal(t, types.FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "metrics_search", resp.ToolCalls[0].Name)
	assert.NotEmpty(t, resp.ToolCalls[0].ID, "synthetic id is generated")
	assert.JSONEq(t, `{"query":"p99"}`, resp.ToolCalls[0].Arguments)
}

func TestCompleteWithToolsTextRecovery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{
			Message: chatMessage{
				Role:    "assistant",
				Content: `I should check. {"name": "cloudwatch_query_logs", "parameters": {"group": "/api"}}`,
			},
			DoneReason: "stop",
		})
	})

	resp, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.FinishToolCalls, resp.FinishReason)
	assert.Empty(t, resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "cloudwatch_query_logs", resp.ToolCalls[0].Name)
}

func TestCompletePlainText(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chatResponse{
			Message:    chatMessage{Role: "assistant", Content: "all healthy"},
			DoneReason: "stop",
		})
	})

	text, err := c.Complete(context.Background(), []types.Message{{Role: types.RoleUser, Content: "status?"}}, types.CompletionOptions{})
	require.NoError(t, err)
	assert.Equal(t, "all healthy", text)
}

func TestCompleteWithToolsUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := c.CompleteWithTools(context.Background(), []types.Message{{Role: types.RoleUser, Content: "x"}}, types.CompletionOptions{})
	require.Error(t, err)
}

func TestDefaults(t *testing.T) {
	c := NewClient("", "")
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, DefaultModel, c.model)
	assert.Equal(t, "ollama", c.Name())
}
