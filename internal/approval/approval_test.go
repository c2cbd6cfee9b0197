package approval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(NewMemStore(), nil)
}

func TestCreateSetsExpiryWindow(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(context.Background(), "run-1", "ws-1", "c1", "restart_service", `{"service":"api"}`)
	require.NoError(t, err)

	assert.Equal(t, StatusPending, r.Status)
	assert.Equal(t, "ws-1", r.WorkspaceID)
	assert.Equal(t, TTL, r.ExpiresAt.Sub(r.RequestedAt))
	assert.NotEmpty(t, r.ID)
}

func TestDecideApprove(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(context.Background(), "run-1", "ws-1", "c1", "restart_service", `{}`)
	require.NoError(t, err)

	decided, err := m.Decide(context.Background(), r.ID, "oncall@acme", true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, decided.Status)
	assert.Equal(t, "oncall@acme", decided.DecidedBy)
	require.NotNil(t, decided.DecidedAt)
}

func TestDecideIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(context.Background(), "run-1", "ws-1", "c1", "restart_service", `{}`)
	require.NoError(t, err)

	first, err := m.Decide(context.Background(), r.ID, "alice", false, "too risky")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, first.Status)

	// A later, contradictory decision does not overwrite the first.
	second, err := m.Decide(context.Background(), r.ID, "bob", true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, second.Status)
	assert.Equal(t, "alice", second.DecidedBy)
	assert.Equal(t, "too risky", second.Reason)
}

func TestDecideUnknownRequest(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Decide(context.Background(), "missing", "alice", true, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpiredRequestCannotBeApproved(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(context.Background(), "run-1", "ws-1", "c1", "restart_service", `{}`)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(TTL + time.Minute) }

	decided, err := m.Decide(context.Background(), r.ID, "alice", true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, decided.Status)
	require.NotNil(t, decided.DecidedAt)

	// Expiry is durable.
	got, err := m.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestPendingForRun(t *testing.T) {
	m := newTestManager(t)
	r, err := m.Create(context.Background(), "run-9", "ws-9", "c1", "drop_table", `{}`)
	require.NoError(t, err)

	got, err := m.PendingForRun(context.Background(), "run-9")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)

	_, err = m.PendingForRun(context.Background(), "run-other")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.Decide(context.Background(), r.ID, "alice", true, "")
	require.NoError(t, err)
	_, err = m.PendingForRun(context.Background(), "run-9")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListPending(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Create(context.Background(), "run-1", "ws-1", "c1", "a", `{}`)
	require.NoError(t, err)
	r2, err := m.Create(context.Background(), "run-2", "ws-2", "c2", "b", `{}`)
	require.NoError(t, err)
	_, err = m.Decide(context.Background(), r2.ID, "alice", false, "")
	require.NoError(t, err)

	pending, err := m.ListPending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
	assert.Equal(t, "run-1", pending[0].RunID)
}
