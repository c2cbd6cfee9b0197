package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/sleuthhq/sleuth/internal/approval"
)

// Schema versions are tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runs (
    id            TEXT PRIMARY KEY,
    workspace_id  TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'running',
    query         TEXT NOT NULL DEFAULT '',
    result        TEXT NOT NULL DEFAULT '',
    error         TEXT NOT NULL DEFAULT '',
    iterations    INTEGER NOT NULL DEFAULT 0,
    state         BLOB NOT NULL,
    created_at    DATETIME NOT NULL,
    updated_at    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id       TEXT NOT NULL DEFAULT '',
    event_type   TEXT NOT NULL,
    tool         TEXT NOT NULL DEFAULT '',
    risk_tier    TEXT NOT NULL DEFAULT '',
    result       TEXT NOT NULL DEFAULT '',
    user_id      TEXT NOT NULL DEFAULT '',
    description  TEXT NOT NULL DEFAULT '',
    metadata     TEXT NOT NULL DEFAULT '{}',
    timestamp    DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_run ON audit_events(run_id);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_events(tool);
`,
	},
	// Migration 2: approval_requests + token_usage
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS approval_requests (
    id            TEXT PRIMARY KEY,
    run_id        TEXT NOT NULL,
    tool_call_id  TEXT NOT NULL DEFAULT '',
    tool_name     TEXT NOT NULL,
    tool_args     TEXT NOT NULL DEFAULT '{}',
    status        TEXT NOT NULL DEFAULT 'pending',
    requested_at  DATETIME NOT NULL,
    expires_at    DATETIME NOT NULL,
    decided_at    DATETIME,
    decided_by    TEXT NOT NULL DEFAULT '',
    reason        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approvals_run ON approval_requests(run_id, status);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approval_requests(status, requested_at DESC);

CREATE TABLE IF NOT EXISTS token_usage (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id        TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd      REAL NOT NULL DEFAULT 0.0,
    recorded_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_token_usage_run ON token_usage(run_id);
CREATE INDEX IF NOT EXISTS idx_token_usage_recorded ON token_usage(recorded_at);
`,
	},
	// Migration 3: approvals carry the run's workspace.
	{
		version: 3,
		sql: `
ALTER TABLE approval_requests ADD COLUMN workspace_id TEXT NOT NULL DEFAULT '';
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	// Enable foreign-key constraints.
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Runs ─────────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO runs(id, workspace_id, status, query, result, error, iterations, state, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            status     = excluded.status,
            result     = excluded.result,
            error      = excluded.error,
            iterations = excluded.iterations,
            state      = excluded.state,
            updated_at = excluded.updated_at
    `,
		rec.ID, rec.WorkspaceID, rec.Status, rec.Query, rec.Result, rec.Error,
		rec.Iterations, rec.State, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,workspace_id,status,query,result,error,iterations,state,created_at,updated_at FROM runs WHERE id=?`, id)
	return scanRun(row)
}

func (s *sqliteStore) ListRuns(ctx context.Context, status string, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,workspace_id,status,query,result,error,iterations,state,created_at,updated_at FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (s *sqliteStore) DeleteRun(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id=?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.WorkspaceID, &rec.Status, &rec.Query, &rec.Result,
		&rec.Error, &rec.Iterations, &rec.State, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return rec, nil
}

// ─── Approval requests ────────────────────────────────────────────────────────

func (s *sqliteStore) InsertApproval(ctx context.Context, r *approval.Request) error {
	var decidedAt any
	if r.DecidedAt != nil {
		decidedAt = r.DecidedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO approval_requests(id, run_id, workspace_id, tool_call_id, tool_name, tool_args, status, requested_at, expires_at, decided_at, decided_by, reason)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
    `,
		r.ID, r.RunID, r.WorkspaceID, r.ToolCallID, r.ToolName, r.ToolArgs, string(r.Status),
		r.RequestedAt.UTC(), r.ExpiresAt.UTC(), decidedAt, r.DecidedBy, r.Reason,
	)
	return err
}

func (s *sqliteStore) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,run_id,workspace_id,tool_call_id,tool_name,tool_args,status,requested_at,expires_at,decided_at,decided_by,reason FROM approval_requests WHERE id=?`, id)
	return scanApproval(row)
}

func (s *sqliteStore) PendingApprovalForRun(ctx context.Context, runID string) (*approval.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,run_id,workspace_id,tool_call_id,tool_name,tool_args,status,requested_at,expires_at,decided_at,decided_by,reason FROM approval_requests WHERE run_id=? AND status='pending' ORDER BY requested_at DESC LIMIT 1`, runID)
	return scanApproval(row)
}

func (s *sqliteStore) UpdateApproval(ctx context.Context, r *approval.Request) error {
	var decidedAt any
	if r.DecidedAt != nil {
		decidedAt = r.DecidedAt.UTC()
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE approval_requests SET status=?, decided_at=?, decided_by=?, reason=? WHERE id=?
    `, string(r.Status), decidedAt, r.DecidedBy, r.Reason, r.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return approval.ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListPendingApprovals(ctx context.Context) ([]*approval.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,run_id,workspace_id,tool_call_id,tool_name,tool_args,status,requested_at,expires_at,decided_at,decided_by,reason FROM approval_requests WHERE status='pending' ORDER BY requested_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*approval.Request
	for rows.Next() {
		r, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func scanApproval(row rowScanner) (*approval.Request, error) {
	r := &approval.Request{}
	var status, requestedAt, expiresAt string
	var decidedAt sql.NullString
	err := row.Scan(&r.ID, &r.RunID, &r.WorkspaceID, &r.ToolCallID, &r.ToolName, &r.ToolArgs,
		&status, &requestedAt, &expiresAt, &decidedAt, &r.DecidedBy, &r.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = approval.Status(status)
	r.RequestedAt, _ = parseTime(requestedAt)
	r.ExpiresAt, _ = parseTime(expiresAt)
	if decidedAt.Valid {
		if t, err := parseTime(decidedAt.String); err == nil {
			r.DecidedAt = &t
		}
	}
	return r, nil
}

// ─── Audit events ─────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendAuditEvent(ctx context.Context, rec *AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events(run_id, event_type, tool, risk_tier, result, user_id, description, metadata, timestamp)
        VALUES(?,?,?,?,?,?,?,?,?)
    `,
		rec.RunID, rec.EventType, rec.Tool, rec.RiskTier, rec.Result,
		rec.UserID, rec.Description, rec.Metadata, rec.Timestamp.UTC(),
	)
	return err
}

func (s *sqliteStore) QueryAuditEvents(ctx context.Context, q AuditQuery) ([]*AuditRecord, error) {
	query := `SELECT id,run_id,event_type,tool,risk_tier,result,user_id,description,metadata,timestamp FROM audit_events WHERE 1=1`
	args := []any{}

	if q.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, q.RunID)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, q.Tool)
	}
	if q.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, q.UserID)
	}
	if !q.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, q.From.UTC())
	}
	if !q.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, q.To.UTC())
	}
	query += ` ORDER BY timestamp DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*AuditRecord
	for rows.Next() {
		rec := &AuditRecord{}
		var ts string
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.EventType, &rec.Tool, &rec.RiskTier,
			&rec.Result, &rec.UserID, &rec.Description, &rec.Metadata, &ts); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = parseTime(ts)
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Token usage ──────────────────────────────────────────────────────────────

func (s *sqliteStore) RecordTokenUsage(ctx context.Context, rec *TokenUsageRecord) error {
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO token_usage(run_id, provider, input_tokens, output_tokens, cost_usd, recorded_at)
        VALUES(?,?,?,?,?,?)
    `,
		rec.RunID, rec.Provider, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return err
	}
	id, _ := result.LastInsertId()
	rec.ID = id
	return nil
}

func (s *sqliteStore) UsageSince(ctx context.Context, runID string, since time.Time) (*UsageSummary, error) {
	query := `SELECT COUNT(*), COALESCE(SUM(input_tokens),0), COALESCE(SUM(output_tokens),0), COALESCE(SUM(cost_usd),0.0) FROM token_usage WHERE recorded_at >= ?`
	args := []any{since.UTC()}
	if runID != "" {
		query += ` AND run_id = ?`
		args = append(args, runID)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	sum := &UsageSummary{}
	if err := row.Scan(&sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, err
	}
	return sum, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
