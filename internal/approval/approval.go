// Package approval manages human decisions on suspended tool calls.
//
// Responsibilities:
//   - Approval requests with a fixed expiry window
//   - Exactly-once decisions: the first decision wins, later decisions
//     see the recorded outcome
//   - Expiry: a pending request past its window resolves as expired,
//     which callers treat as a rejection
package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TTL is how long a request stays decidable after creation.
const TTL = 30 * time.Minute

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decided reports whether the request has reached a final status.
func (s Status) Decided() bool { return s != StatusPending }

// Request is one pending or decided approval.
type Request struct {
	ID          string `json:"id"`
	RunID       string `json:"run_id"`
	WorkspaceID string `json:"workspace_id"`

	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	ToolArgs   string `json:"tool_args"`

	Status      Status     `json:"status"`
	RequestedAt time.Time  `json:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
}

// ExpiredAt reports whether the request's window has closed at now.
func (r *Request) ExpiredAt(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// ErrNotFound is returned for an unknown request id.
var ErrNotFound = errors.New("approval request not found")

// Store persists approval requests.
type Store interface {
	InsertApproval(ctx context.Context, r *Request) error
	GetApproval(ctx context.Context, id string) (*Request, error)
	PendingApprovalForRun(ctx context.Context, runID string) (*Request, error)
	UpdateApproval(ctx context.Context, r *Request) error
	ListPendingApprovals(ctx context.Context) ([]*Request, error)
}

// Manager coordinates creation and decisions over a store. The mutex
// serializes decisions so two concurrent approvals of the same request
// cannot both observe it pending.
type Manager struct {
	store  Store
	logger *zap.Logger

	mu  sync.Mutex
	now func() time.Time
}

// NewManager creates a manager over a store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, logger: logger, now: time.Now}
}

// Create records a new pending request for a suspended tool call.
func (m *Manager) Create(ctx context.Context, runID, workspaceID, toolCallID, toolName, toolArgs string) (*Request, error) {
	now := m.now().UTC()
	r := &Request{
		ID:          uuid.New().String(),
		RunID:       runID,
		WorkspaceID: workspaceID,
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		ToolArgs:    toolArgs,
		Status:      StatusPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(TTL),
	}
	if err := m.store.InsertApproval(ctx, r); err != nil {
		return nil, fmt.Errorf("insert approval request: %w", err)
	}
	m.logger.Info("approval requested",
		zap.String("approval_id", r.ID),
		zap.String("run_id", runID),
		zap.String("workspace_id", workspaceID),
		zap.String("tool", toolName))
	return r, nil
}

// Get returns a request by id, resolving expiry lazily.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(ctx, id)
}

// PendingForRun returns the run's pending request, if any.
func (m *Manager) PendingForRun(ctx context.Context, runID string) (*Request, error) {
	return m.store.PendingApprovalForRun(ctx, runID)
}

// ListPending returns all currently pending requests.
func (m *Manager) ListPending(ctx context.Context) ([]*Request, error) {
	return m.store.ListPendingApprovals(ctx)
}

// Decide resolves a request. The first decision is recorded; any later
// decision returns the recorded request unchanged, so callers can act
// idempotently. A request past its window resolves as expired instead
// of taking the decision.
func (m *Manager) Decide(ctx context.Context, id, decidedBy string, approve bool, reason string) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.getLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status.Decided() {
		return r, nil
	}

	now := m.now().UTC()
	r.Status = StatusRejected
	if approve {
		r.Status = StatusApproved
	}
	r.DecidedAt = &now
	r.DecidedBy = decidedBy
	r.Reason = reason
	if err := m.store.UpdateApproval(ctx, r); err != nil {
		return nil, fmt.Errorf("record approval decision: %w", err)
	}

	m.logger.Info("approval decided",
		zap.String("approval_id", r.ID),
		zap.String("run_id", r.RunID),
		zap.String("status", string(r.Status)),
		zap.String("decided_by", decidedBy))
	return r, nil
}

// getLocked loads a request and persists expiry if its window closed.
func (m *Manager) getLocked(ctx context.Context, id string) (*Request, error) {
	r, err := m.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.ExpiredAt(m.now().UTC()) {
		now := m.now().UTC()
		r.Status = StatusExpired
		r.DecidedAt = &now
		if err := m.store.UpdateApproval(ctx, r); err != nil {
			return nil, fmt.Errorf("record approval expiry: %w", err)
		}
		m.logger.Info("approval expired",
			zap.String("approval_id", r.ID),
			zap.String("run_id", r.RunID))
	}
	return r, nil
}
