// Package anthropic implements the provider abstraction for the
// Anthropic Messages API.
//
// Dialect notes:
//   - A leading system message moves into the request's system slot.
//   - An assistant message with tool calls becomes content blocks mixing
//     text and tool_use records; arguments round-trip string↔object.
//   - A tool message becomes a tool_result block inside a user-role
//     message; adjacent tool messages are grouped into one user message.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sleuthhq/sleuth/internal/llm/extract"
	"github.com/sleuthhq/sleuth/internal/llm/retry"
	"github.com/sleuthhq/sleuth/internal/llm/types"
)

const (
	// DefaultAPIVersion pins the Messages API revision.
	DefaultAPIVersion = "2023-06-01"

	// DefaultBaseURL is the production API endpoint.
	DefaultBaseURL = "https://api.anthropic.com/v1"

	// DefaultModel is used when the config does not name one.
	DefaultModel = "claude-sonnet-4-20250514"
)

// Claude pricing per 1K tokens, used for budget accounting.
const (
	costPer1KInput  = 0.003
	costPer1KOutput = 0.015
)

// Client talks to the Anthropic Messages API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	retryCfg   retry.Config
}

// NewClient creates an Anthropic client. The API key is required.
func NewClient(apiKey, model string) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: ANTHROPIC_API_KEY is required")
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		// No hard client timeout; cancellation comes from the caller's ctx.
		httpClient: &http.Client{},
		retryCfg:   retry.DefaultConfig(),
	}, nil
}

// Name implements llm.Provider.
func (c *Client) Name() string { return "anthropic" }

// SetBaseURL overrides the API endpoint (tests).
func (c *Client) SetBaseURL(url string) { c.baseURL = url }

// ─── Wire types ───────────────────────────────────────────────────────────────

type anthMessage struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one element of an Anthropic message's content array.
type ContentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

type anthTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []anthMessage `json:"messages"`
	System      string        `json:"system,omitempty"`
	Tools       []anthTool    `json:"tools,omitempty"`
	Temperature float32       `json:"temperature,omitempty"`
}

type anthResponse struct {
	ID         string         `json:"id"`
	Content    []ContentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
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
	system, filtered := extractSystem(messages)
	req := anthRequest{
		Model:       c.model,
		MaxTokens:   opts.MaxTokens,
		Messages:    convertMessages(filtered),
		System:      system,
		Tools:       convertTools(types.CapToolsForAPI(opts.Tools)),
		Temperature: opts.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 4096
	}

	var resp *anthResponse
	err := retry.Do(ctx, c.retryCfg, func() error {
		var reqErr error
		resp, reqErr = c.makeRequest(ctx, req)
		return reqErr
	})
	if err != nil {
		return nil, err
	}
	return c.translateResponse(resp), nil
}

// translateResponse converts the vendor response into the neutral shape,
// applying the text-JSON tool-call recovery fallback.
func (c *Client) translateResponse(resp *anthResponse) *types.ToolResponse {
	out := &types.ToolResponse{
		Usage: types.TokenUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
			EstimatedCost: float64(resp.Usage.InputTokens)/1000*costPer1KInput +
				float64(resp.Usage.OutputTokens)/1000*costPer1KOutput,
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			args, err := json.Marshal(block.Input)
			if err != nil {
				args = []byte("{}")
			}
			out.ToolCalls = append(out.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(args),
			})
		}
	}

	// Recovery: the model sometimes writes the tool call as JSON text.
	if len(out.ToolCalls) == 0 && extract.LooksLikeToolJSON(out.Content) {
		if recovered := extract.ToolCalls(out.Content); len(recovered) > 0 {
			out.ToolCalls = recovered
			out.Content = ""
		}
	}

	switch {
	case len(out.ToolCalls) > 0:
		out.FinishReason = types.FinishToolCalls
	case resp.StopReason == "max_tokens":
		out.FinishReason = types.FinishLength
	default:
		out.FinishReason = types.FinishStop
	}
	return out
}

// makeRequest performs one HTTP round-trip. Status codes are classified
// for the retry layer; an unparseable 200 body is a permanent error.
func (c *Client) makeRequest(ctx context.Context, req anthRequest) (*anthResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic HTTP: %w", err)
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

	var resp anthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse response: %w", err))
	}
	return &resp, nil
}

// ─── Dialect translation ──────────────────────────────────────────────────────

// extractSystem pulls a leading system message into the system slot.
func extractSystem(messages []types.Message) (string, []types.Message) {
	system := ""
	filtered := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == types.RoleSystem && system == "" {
			system = m.Content
			continue
		}
		filtered = append(filtered, m)
	}
	return system, filtered
}

// convertMessages maps the neutral transcript to Anthropic messages.
// Consecutive tool messages are grouped into a single user message of
// tool_result blocks, which the API requires.
func convertMessages(messages []types.Message) []anthMessage {
	out := make([]anthMessage, 0, len(messages))
	for i := 0; i < len(messages); i++ {
		m := messages[i]
		switch m.Role {
		case types.RoleTool:
			blocks := []ContentBlock{}
			for ; i < len(messages) && messages[i].Role == types.RoleTool; i++ {
				blocks = append(blocks, ContentBlock{
					Type:      "tool_result",
					ToolUseID: messages[i].ToolCallID,
					Content:   messages[i].Content,
				})
			}
			i--
			out = append(out, anthMessage{Role: "user", Content: blocks})

		case types.RoleAssistant:
			blocks := []ContentBlock{}
			if m.Content != "" {
				blocks = append(blocks, ContentBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, ContentBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.ParseArguments(),
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, ContentBlock{Type: "text", Text: ""})
			}
			out = append(out, anthMessage{Role: "assistant", Content: blocks})

		default:
			out = append(out, anthMessage{
				Role:    "user",
				Content: []ContentBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return out
}

// convertTools maps neutral tool definitions to the vendor schema.
func convertTools(tools []types.ToolDefinition) []anthTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, anthTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return out
}

// SetRetryConfig overrides retry behavior (tests shrink the delays).
func (c *Client) SetRetryConfig(cfg retry.Config) { c.retryCfg = cfg }

// SetHTTPTimeout bounds individual HTTP attempts independently of ctx.
func (c *Client) SetHTTPTimeout(d time.Duration) { c.httpClient.Timeout = d }
