package types

import "encoding/json"

// Message roles. Every transcript entry carries exactly one of these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single entry in a conversation transcript.
//
// Invariants maintained by the agent loop:
//   - ToolCalls is only set on assistant messages.
//   - ToolCallID is only set on tool messages, and always references a
//     tool call from a prior assistant message.
//   - Tool messages appear in the same order as their originating calls.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is one intended tool invocation emitted by the LLM. Arguments
// are kept as the raw JSON string the provider returned; they are parsed
// lazily so a malformed payload never aborts a turn.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParseArguments decodes the arguments JSON object. Malformed JSON
// degrades to {"raw": <string>} so the tool (and the LLM on the next
// turn) can still see what was sent.
func (tc ToolCall) ParseArguments() map[string]interface{} {
	if tc.Arguments == "" {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil || args == nil {
		return map[string]interface{}{"raw": tc.Arguments}
	}
	return args
}

// ToolDefinition describes a callable tool to the LLM.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON schema: type/properties/required
}

// Finish reasons reported by providers after dialect translation.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ToolResponse is the provider-neutral result of a tool-enabled completion.
type ToolResponse struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        TokenUsage `json:"usage"`
}

// CompletionOptions are per-call knobs passed through to providers.
type CompletionOptions struct {
	Temperature float32          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
}

// TokenUsage tracks token usage and cost per provider call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost"`
}

// MaxToolsPerRequest caps the tool array advertised to a provider;
// vendor APIs reject larger arrays.
const MaxToolsPerRequest = 128

// CapToolsForAPI truncates a tool list to the per-request limit.
func CapToolsForAPI(tools []ToolDefinition) []ToolDefinition {
	if len(tools) > MaxToolsPerRequest {
		return tools[:MaxToolsPerRequest]
	}
	return tools
}
