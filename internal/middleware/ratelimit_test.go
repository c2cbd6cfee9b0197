package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(perMin int) (*RateLimiter, *time.Time) {
	rl := NewRateLimiter(perMin)
	now := time.Now()
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestAllowWithinBudget(t *testing.T) {
	rl, _ := newTestLimiter(3)
	defer rl.Stop()

	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"), "fourth request in the window must be refused")

	// A different client has its own bucket.
	assert.True(t, rl.Allow("10.0.0.2"))
}

func TestTokensRefillOverTime(t *testing.T) {
	rl, now := newTestLimiter(60)
	defer rl.Stop()

	for i := 0; i < 60; i++ {
		require.True(t, rl.Allow("10.0.0.1"))
	}
	assert.False(t, rl.Allow("10.0.0.1"))

	*now = now.Add(2 * time.Second)
	assert.True(t, rl.Allow("10.0.0.1"), "two seconds at 60/min refills two tokens")
	assert.True(t, rl.Allow("10.0.0.1"))
	assert.False(t, rl.Allow("10.0.0.1"))
}

func TestWrapReturns429(t *testing.T) {
	rl, _ := newTestLimiter(1)
	defer rl.Stop()

	handler := rl.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.RemoteAddr = "10.0.0.1:54321"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestClientKeyStripsPort(t *testing.T) {
	rl, _ := newTestLimiter(1)
	defer rl.Stop()

	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.RemoteAddr = "10.0.0.1:1111"
	second := httptest.NewRequest(http.MethodGet, "/", nil)
	second.RemoteAddr = "10.0.0.1:2222"

	assert.True(t, rl.Allow(clientKey(first)))
	assert.False(t, rl.Allow(clientKey(second)), "same IP on a new port shares the bucket")
}
