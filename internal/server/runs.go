package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/agent"
	"github.com/sleuthhq/sleuth/internal/approval"
	"github.com/sleuthhq/sleuth/internal/audit"
	"github.com/sleuthhq/sleuth/internal/db"
	"github.com/sleuthhq/sleuth/internal/guardrails"
	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/metrics"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// persistTimeout bounds how long a state save may take once a run has
// left the loop; the run's own context may already be canceled by then.
const persistTimeout = 10 * time.Second

// RunManager owns the lifecycle of investigations: it starts runs in
// background goroutines, persists their state at every suspension and
// terminal transition, files approval requests for paused runs, and
// applies approval decisions by re-entering the loop.
type RunManager struct {
	store     db.Store
	approvals *approval.Manager
	loop      *agent.Loop
	emitter   *agent.Emitter
	auditLog  audit.Logger
	registry  *tool.Registry
	agentCfg  agent.Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// resuming guards against two concurrent decisions re-entering the
	// same run; each would otherwise act on its own copy of the state.
	resumeMu sync.Mutex
	resuming map[string]bool

	unsubscribe func()
}

// NewRunManager creates a manager and starts its event bridge, which
// mirrors loop events into the queryable audit trail.
func NewRunManager(store db.Store, approvals *approval.Manager, loop *agent.Loop,
	emitter *agent.Emitter, auditLog audit.Logger, registry *tool.Registry,
	agentCfg agent.Config, logger *zap.Logger) *RunManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &RunManager{
		store:     store,
		approvals: approvals,
		loop:      loop,
		emitter:   emitter,
		auditLog:  auditLog,
		registry:  registry,
		agentCfg:  agentCfg,
		logger:    logger,
		resuming:  make(map[string]bool),
	}
	m.ctx = ctx
	m.cancel = cancel

	ch, unsub := emitter.Subscribe()
	m.unsubscribe = unsub
	m.wg.Add(1)
	go m.bridgeEvents(ch)
	return m
}

// StartRun creates and persists a new run, then drives it in the
// background. The returned state is the initial snapshot; callers poll
// or subscribe for progress.
func (m *RunManager) StartRun(ctx context.Context, workspaceID, query string) (*agent.State, error) {
	state := agent.NewState(workspaceID, m.agentCfg.SystemPrompt, query)
	if err := m.saveState(ctx, state); err != nil {
		return nil, fmt.Errorf("persisting new run: %w", err)
	}
	if m.auditLog != nil {
		_ = m.auditLog.LogRunStarted(ctx, state.RunID)
	}
	m.logger.Info("run started",
		zap.String("run_id", state.RunID),
		zap.String("workspace_id", workspaceID))

	m.wg.Add(1)
	go m.drive(state)
	return state, nil
}

// drive runs the loop to its next suspension or terminal status.
func (m *RunManager) drive(state *agent.State) {
	defer m.wg.Done()
	started := time.Now()
	err := m.loop.Run(m.ctx, state)
	m.settle(state, started, err)
}

// settle persists the post-loop state and files the follow-up work a
// pause or terminal status requires.
func (m *RunManager) settle(state *agent.State, started time.Time, runErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.saveState(ctx, state); err != nil {
		m.logger.Error("persisting run state",
			zap.String("run_id", state.RunID),
			zap.Error(err))
	}
	if runErr != nil {
		m.logger.Warn("run left the loop with an error",
			zap.String("run_id", state.RunID),
			zap.Error(runErr))
	}

	switch {
	case state.Status == agent.StatusPaused && state.PendingApproval != nil:
		pa := state.PendingApproval
		if _, err := m.approvals.Create(ctx, state.RunID, state.WorkspaceID, pa.ToolCallID, pa.ToolName, pa.ToolArgs); err != nil {
			m.logger.Error("creating approval request",
				zap.String("run_id", state.RunID),
				zap.Error(err))
		}
		metrics.ApprovalsRequested.WithLabelValues(pa.ToolName).Inc()
		if m.auditLog != nil {
			_ = m.auditLog.LogRunPaused(ctx, state.RunID, pa.ToolName)
		}

	case state.Status.Terminal():
		metrics.RunsTotal.WithLabelValues(string(state.Status)).Inc()
		metrics.RunDuration.WithLabelValues(string(state.Status)).Observe(time.Since(started).Seconds())
		metrics.RunIterations.Observe(float64(state.Iterations))
		if m.auditLog != nil {
			if state.Status == agent.StatusCompleted {
				_ = m.auditLog.LogRunCompleted(ctx, state.RunID, time.Since(started))
			} else {
				_ = m.auditLog.LogRunFailed(ctx, state.RunID, fmt.Errorf("%s", state.Error))
			}
		}
	}
}

// Decide applies a human decision to an approval request. The first
// decision resumes the run; repeats and races return the recorded
// request without side effects. An expired request resumes the run as a
// rejection.
func (m *RunManager) Decide(ctx context.Context, approvalID, decidedBy string, approve bool, reason string) (*approval.Request, error) {
	req, err := m.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	approved := false
	resumeReason := reason
	switch {
	case req.Status == approval.StatusExpired:
		// The window closed before anyone decided; the run resumes as
		// rejected regardless of what the caller asked for.
		resumeReason = "approval request expired before a decision was made"
	case req.Status.Decided():
		return req, nil
	default:
		req, err = m.approvals.Decide(ctx, approvalID, decidedBy, approve, reason)
		if err != nil {
			return nil, err
		}
		metrics.ApprovalsDecided.WithLabelValues(string(req.Status)).Inc()
		approved = req.Status == approval.StatusApproved
		if m.auditLog != nil {
			_ = m.auditLog.LogRunResumed(ctx, req.RunID, approved, decidedBy)
		}
	}

	state, err := m.GetRun(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s for resume: %w", req.RunID, err)
	}
	if state.Status != agent.StatusPaused || state.PendingApproval == nil ||
		state.PendingApproval.ToolCallID != req.ToolCallID {
		// The run already moved on; the decision stands recorded but has
		// nothing left to resume.
		return req, nil
	}

	m.resumeMu.Lock()
	if m.resuming[req.RunID] {
		m.resumeMu.Unlock()
		return req, nil
	}
	m.resuming[req.RunID] = true
	m.resumeMu.Unlock()

	m.wg.Add(1)
	go m.resume(state, approved, resumeReason)
	return req, nil
}

// resume re-enters the loop with the decision applied.
func (m *RunManager) resume(state *agent.State, approved bool, reason string) {
	defer m.wg.Done()
	defer func() {
		m.resumeMu.Lock()
		delete(m.resuming, state.RunID)
		m.resumeMu.Unlock()
	}()
	started := time.Now()
	err := m.loop.Resume(m.ctx, state, approved, reason)
	if err == agent.ErrNotPaused {
		m.logger.Warn("resume raced with another decision",
			zap.String("run_id", state.RunID))
		return
	}
	m.settle(state, started, err)
}

// GetRun loads a run's full state.
func (m *RunManager) GetRun(ctx context.Context, runID string) (*agent.State, error) {
	rec, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return agent.UnmarshalState(rec.State)
}

// ListRuns returns run summaries, newest first.
func (m *RunManager) ListRuns(ctx context.Context, status string, limit, offset int) ([]*db.RunRecord, error) {
	return m.store.ListRuns(ctx, status, limit, offset)
}

// Stop cancels in-flight runs and waits for their state to be persisted.
func (m *RunManager) Stop() {
	m.cancel()
	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	m.wg.Wait()
}

// saveState serializes the run into its durable record.
func (m *RunManager) saveState(ctx context.Context, state *agent.State) error {
	blob, err := state.Marshal()
	if err != nil {
		return err
	}
	return m.store.SaveRun(ctx, &db.RunRecord{
		ID:          state.RunID,
		WorkspaceID: state.WorkspaceID,
		Status:      string(state.Status),
		Query:       firstUserMessage(state),
		Result:      state.Result,
		Error:       state.Error,
		Iterations:  state.Iterations,
		State:       blob,
		CreatedAt:   state.CreatedAt,
		UpdatedAt:   state.UpdatedAt,
	})
}

func firstUserMessage(state *agent.State) string {
	for _, msg := range state.Messages {
		if msg.Role == types.RoleUser {
			return msg.Content
		}
	}
	return ""
}

// bridgeEvents mirrors loop events into the queryable audit trail and
// the file audit log. Credential-shaped values are redacted before any
// record is written.
func (m *RunManager) bridgeEvents(ch <-chan agent.Event) {
	defer m.wg.Done()
	for ev := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		m.recordEvent(ctx, ev)
		cancel()
	}
}

func (m *RunManager) recordEvent(ctx context.Context, ev agent.Event) {
	switch ev.Type {
	case agent.EventToolCall:
		tier := ""
		if t, ok := m.registry.Tier(ev.ToolName); ok {
			tier = string(t)
		}
		m.appendAudit(ctx, &db.AuditRecord{
			RunID:     ev.RunID,
			EventType: string(audit.EventToolCalled),
			Tool:      ev.ToolName,
			RiskTier:  tier,
			Metadata:  marshalRedacted(ev.ToolArgs),
			Timestamp: ev.Timestamp,
		})
		if m.auditLog != nil {
			_ = m.auditLog.LogToolCalled(ctx, ev.RunID, ev.ToolName, tier, ev.ToolArgs)
		}

	case agent.EventToolResult:
		result := string(audit.ResultSuccess)
		if ev.Result != nil && !ev.Result.Success {
			result = string(audit.ResultFailure)
		}
		m.appendAudit(ctx, &db.AuditRecord{
			RunID:     ev.RunID,
			EventType: string(audit.EventToolExecuted),
			Tool:      ev.ToolName,
			Result:    result,
			Timestamp: ev.Timestamp,
		})
		if m.auditLog != nil {
			_ = m.auditLog.LogToolExecuted(ctx, ev.RunID, ev.ToolName, result == string(audit.ResultSuccess), 0)
		}

	case agent.EventApprovalRequired:
		m.appendAudit(ctx, &db.AuditRecord{
			RunID:     ev.RunID,
			EventType: string(audit.EventApprovalRequested),
			Tool:      ev.ToolName,
			RiskTier:  string(tool.TierDestructive),
			Result:    string(audit.ResultPending),
			Metadata:  marshalRedacted(ev.ToolArgs),
			Timestamp: ev.Timestamp,
		})

	case agent.EventCompleted:
		m.appendAudit(ctx, &db.AuditRecord{
			RunID:     ev.RunID,
			EventType: string(audit.EventRunCompleted),
			Result:    string(audit.ResultSuccess),
			Timestamp: ev.Timestamp,
		})

	case agent.EventFailed:
		m.appendAudit(ctx, &db.AuditRecord{
			RunID:       ev.RunID,
			EventType:   string(audit.EventRunFailed),
			Result:      string(audit.ResultFailure),
			Description: guardrails.Redact(ev.Error),
			Timestamp:   ev.Timestamp,
		})
	}
}

func (m *RunManager) appendAudit(ctx context.Context, rec *db.AuditRecord) {
	if err := m.store.AppendAuditEvent(ctx, rec); err != nil {
		m.logger.Error("appending audit event",
			zap.String("run_id", rec.RunID),
			zap.String("event_type", rec.EventType),
			zap.Error(err))
	}
}

func marshalRedacted(args map[string]interface{}) string {
	if len(args) == 0 {
		return ""
	}
	raw, err := json.Marshal(guardrails.RedactArgs(args))
	if err != nil {
		return ""
	}
	return string(raw)
}
