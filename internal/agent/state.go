// Package agent implements the investigation loop: a bounded,
// timeout-aware, cancelable, resumable driver that interleaves LLM
// calls and tool calls, maintains conversation state, and emits
// lifecycle events.
//
// Responsibilities:
//   - AgentState: the full serializable run state
//   - The per-iteration scheduler (loop.go)
//   - Suspension on destructive tool calls and approve/reject re-entry
//     (resume.go)
//   - Shared deadline and cancellation (deadline.go)
//   - Typed lifecycle events with best-effort delivery (events.go)
package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PendingApproval is the serialized suspension point: the destructive
// tool call waiting for an external decision.
type PendingApproval struct {
	ToolCallID  string    `json:"tool_call_id"`
	ToolName    string    `json:"tool_name"`
	ToolArgs    string    `json:"tool_args"`
	RequestedAt time.Time `json:"requested_at"`
}

// ToolCallRecord is one durable history entry. Unlike events, history
// is part of AgentState and survives serialization.
type ToolCallRecord struct {
	Iteration int          `json:"iteration"`
	ToolName  string       `json:"tool_name"`
	Args      string       `json:"args"`
	Result    *tool.Result `json:"result"`
	Timestamp time.Time    `json:"timestamp"`
}

// State is the full serializable state of one agent run.
//
// Invariants:
//   - Status == paused ⇔ PendingApproval != nil
//   - ToolCallHistory is append-only
//   - every tool message's ToolCallID references a tool call in a prior
//     assistant message
type State struct {
	RunID       string `json:"run_id"`
	WorkspaceID string `json:"workspace_id"`

	Status     Status          `json:"status"`
	Messages   []types.Message `json:"messages"`
	Iterations int             `json:"iterations"`

	PendingApproval *PendingApproval `json:"pending_approval,omitempty"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	ToolCallHistory []ToolCallRecord `json:"tool_call_history"`

	// LastToolCall is the most recently auto-executed tool name,
	// kept for audit context.
	LastToolCall string `json:"last_tool_call,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config controls one run of the loop.
type Config struct {
	MaxIterations int    `json:"max_iterations"`
	SystemPrompt  string `json:"system_prompt"`
	TimeoutMS     int    `json:"timeout_ms"`
}

// DefaultTimeoutMS is the total run budget when the config leaves it zero.
const DefaultTimeoutMS = 300_000

// Validate reports configuration caller bugs.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be >= 1, got %d", c.MaxIterations)
	}
	return nil
}

// Timeout returns the run budget as a duration.
func (c Config) Timeout() time.Duration {
	ms := c.TimeoutMS
	if ms <= 0 {
		ms = DefaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

// NewState creates a running state seeded with the system prompt and
// the user's alert or question.
func NewState(workspaceID, systemPrompt, query string) *State {
	now := time.Now().UTC()
	msgs := []types.Message{}
	if systemPrompt != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: systemPrompt})
	}
	msgs = append(msgs, types.Message{Role: types.RoleUser, Content: query})
	return &State{
		RunID:           uuid.New().String(),
		WorkspaceID:     workspaceID,
		Status:          StatusRunning,
		Messages:        msgs,
		ToolCallHistory: []ToolCallRecord{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Marshal serializes the state as JSON.
func (s *State) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalState restores a state from its JSON form.
func UnmarshalState(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal agent state: %w", err)
	}
	return &s, nil
}

// stitchedResult concatenates non-empty assistant contents, used for
// graceful termination on budget exhaustion.
func (s *State) stitchedResult(prefix string) string {
	parts := []string{}
	for _, m := range s.Messages {
		if m.Role == types.RoleAssistant && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	if len(parts) == 0 {
		return prefix
	}
	return prefix + "\n\n" + strings.Join(parts, "\n\n")
}

// touch updates the modification timestamp.
func (s *State) touch() { s.UpdatedAt = time.Now().UTC() }
