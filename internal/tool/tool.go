// Package tool defines the uniform tool contract and the registry that
// dispatches tool calls for the agent loop.
//
// Responsibilities:
//   - Tool: name, description, risk tier, parameter schema, executor
//   - Registry: name→tool map with duplicate protection
//   - Uniform Execute that never propagates errors or panics to callers
//   - Risk-tier queries driving the approval gate
package tool

import (
	"context"
	"time"
)

// RiskTier classifies a tool's side-effect risk. It decides whether the
// loop may auto-execute a call or must suspend for human approval.
type RiskTier string

const (
	// TierReadOnly tools observe state and never mutate anything.
	TierReadOnly RiskTier = "read_only"

	// TierSafeWrite tools mutate state in ways that are easy to undo
	// (draft PRs, comments, annotations).
	TierSafeWrite RiskTier = "safe_write"

	// TierDestructive tools can cause damage and always require approval.
	TierDestructive RiskTier = "destructive"
)

// Result is what every tool execution returns. Output goes back to the
// LLM on success; Error steers it on failure.
type Result struct {
	Success  bool                   `json:"success"`
	Output   string                 `json:"output,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Errorf builds a failed result.
func Errorf(format string, args ...interface{}) *Result {
	return &Result{Success: false, Error: sprintf(format, args...)}
}

// Context is the per-run carrier passed through to executors unchanged.
type Context struct {
	RunID       string            `json:"run_id"`
	WorkspaceID string            `json:"workspace_id"`
	// Credentials holds credential references by name; tools resolve
	// them themselves. Never logged.
	Credentials map[string]string `json:"-"`
	StartedAt   time.Time         `json:"started_at"`
}

// ExecuteFunc is the executor contract: (args, context) → result.
// Returning an error is equivalent to returning a failed Result; the
// registry normalizes both.
type ExecuteFunc func(ctx context.Context, args map[string]interface{}, tc *Context) (*Result, error)

// Tool is one callable capability exposed to the LLM.
type Tool struct {
	Name        string
	Description string
	Tier        RiskTier
	// Parameters is the JSON-schema parameter spec advertised to providers.
	Parameters map[string]interface{}
	Execute    ExecuteFunc
}
