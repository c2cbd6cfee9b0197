// Package ollama implements the provider abstraction for a local Ollama
// instance.
//
// Responsibilities:
//   - Chat API calls against OLLAMA_BASE_URL (default http://localhost:11434)
//   - OpenAI-style tool definitions on the request, tool_calls on the response
//   - Synthetic call ids (Ollama does not assign them)
//   - Text-JSON tool-call recovery — small local models frequently emit
//     the call as plain text instead of a structured block
//   - Approximate token accounting at zero cost
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/sleuthhq/sleuth/internal/llm/extract"
	"github.com/sleuthhq/sleuth/internal/llm/retry"
	"github.com/sleuthhq/sleuth/internal/llm/types"
)

const (
	// DefaultBaseURL is the standard local Ollama endpoint.
	DefaultBaseURL = "http://localhost:11434"

	// DefaultModel is used when the config does not name one.
	DefaultModel = "llama3.1"
)

// Client talks to the Ollama chat API.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewClient creates an Ollama client; empty arguments take defaults.
func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{},
		retryCfg:   retry.DefaultConfig(),
	}
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "ollama" }

// SetBaseURL overrides the endpoint (tests).
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

// SetRetryConfig overrides retry behavior (tests shrink the delays).
func (c *Client) SetRetryConfig(cfg retry.Config) { c.retryCfg = cfg }

// ─── Wire types ───────────────────────────────────────────────────────────────

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatToolCall struct {
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type chatRequest struct {
	Model    string                 `json:"model"`
	Messages []chatMessage          `json:"messages"`
	Tools    []chatTool             `json:"tools,omitempty"`
	Stream   bool                   `json:"stream"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type chatResponse struct {
	Message         chatMessage `json:"message"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

// ─── Provider surface ─────────────────────────────────────────────────────────

// Complete implements a plain text completion.
func (c *Client) Complete(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (string, error) {
	opts.Tools = nil
	resp, err := c.CompleteWithTools(ctx, messages, opts)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// CompleteWithTools performs one tool-enabled completion turn.
func (c *Client) CompleteWithTools(ctx context.Context, messages []types.Message, opts types.CompletionOptions) (*types.ToolResponse, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: convertMessages(messages),
		Tools:    convertTools(types.CapToolsForAPI(opts.Tools)),
		Stream:   false,
		Options:  map[string]interface{}{},
	}
	if opts.Temperature > 0 {
		req.Options["temperature"] = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.Options["num_predict"] = opts.MaxTokens
	}

	var resp *chatResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		var reqErr error
		resp, reqErr = c.makeRequest(ctx, req)
		return reqErr
	})
	if err != nil {
		return nil, err
	}
	return translateResponse(resp), nil
}

func (c *Client) makeRequest(ctx context.Context, req chatRequest) (*chatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama HTTP: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, &retry.HTTPError{
			StatusCode: httpResp.StatusCode,
			Body:       string(respBody),
			RetryAfter: retry.ParseRetryAfter(httpResp.Header),
		}
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse response: %w", err))
	}
	return &resp, nil
}

func translateResponse(resp *chatResponse) *types.ToolResponse {
	out := &types.ToolResponse{
		Content: resp.Message.Content,
		Usage: types.TokenUsage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			// Local inference: zero cost.
		},
	}

	for _, tc := range resp.Message.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      tc.Function.Name,
			Arguments: string(args),
		})
	}

	if len(out.ToolCalls) == 0 && extract.LooksLikeToolJSON(out.Content) {
		if recovered := extract.ToolCalls(out.Content); len(recovered) > 0 {
			out.ToolCalls = recovered
			out.Content = ""
		}
	}

	switch {
	case len(out.ToolCalls) > 0:
		out.FinishReason = types.FinishToolCalls
	case resp.DoneReason == "length":
		out.FinishReason = types.FinishLength
	default:
		out.FinishReason = types.FinishStop
	}
	return out
}

// ─── Dialect translation ──────────────────────────────────────────────────────

// convertMessages maps the neutral transcript to Ollama chat messages.
// Assistant tool calls carry object arguments; tool messages keep their
// role and content (Ollama does not track call ids).
func convertMessages(messages []types.Message) []chatMessage {
	out := make([]chatMessage, 0, len(messages))
	for _, m := range messages {
		cm := chatMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				Function: chatFunction{Name: tc.Name, Arguments: tc.ParseArguments()},
			})
		}
		out = append(out, cm)
	}
	return out
}

func convertTools(tools []types.ToolDefinition) []chatTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, chatTool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}
