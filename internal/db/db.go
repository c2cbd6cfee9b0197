// Package db provides the persistence layer: run state, approval
// requests, the queryable audit trail, and token usage, all behind a
// Store interface with a pure-Go SQLite implementation.
//
// Responsibilities:
//   - Durable agent run state (the serialized state blob plus indexed
//     columns for listing and filtering)
//   - Approval request storage backing the approval manager
//   - Append-only audit events with time/run filtering
//   - Per-call token usage for cost reporting
package db

import (
	"context"
	"time"

	"github.com/sleuthhq/sleuth/internal/approval"
)

// RunRecord is the persisted form of an agent run. State carries the
// full serialized agent state; the other columns exist for listing and
// filtering without decoding the blob.
type RunRecord struct {
	ID          string
	WorkspaceID string
	Status      string
	Query       string
	Result      string
	Error       string
	Iterations  int
	State       []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AuditRecord is one row of the queryable audit trail.
type AuditRecord struct {
	ID          int64
	RunID       string
	EventType   string
	Tool        string
	RiskTier    string
	Result      string
	UserID      string
	Description string
	Metadata    string
	Timestamp   time.Time
}

// AuditQuery filters audit events.
type AuditQuery struct {
	RunID     string
	EventType string
	Tool      string
	UserID    string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// TokenUsageRecord is one provider call's usage.
type TokenUsageRecord struct {
	ID           int64
	RunID        string
	Provider     string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	RecordedAt   time.Time
}

// UsageSummary aggregates usage over a window.
type UsageSummary struct {
	Calls        int
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// Store is the persistence surface. It embeds the approval store so
// the approval manager can run directly on the database.
type Store interface {
	approval.Store

	// Runs
	SaveRun(ctx context.Context, rec *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, status string, limit, offset int) ([]*RunRecord, error)
	DeleteRun(ctx context.Context, id string) error

	// Audit events
	AppendAuditEvent(ctx context.Context, rec *AuditRecord) error
	QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error)

	// Token usage
	RecordTokenUsage(ctx context.Context, rec *TokenUsageRecord) error
	UsageSince(ctx context.Context, runID string, since time.Time) (*UsageSummary, error)

	Ping(ctx context.Context) error
	Close() error
}
