// Package middleware provides HTTP middleware for the sleuth API.
package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// cleanupInterval is how often idle client buckets are reaped.
const cleanupInterval = 5 * time.Minute

// idleEviction removes a client that has been silent this long.
const idleEviction = 10 * time.Minute

// RateLimiter is a per-client token bucket. Run creation and approval
// decisions are cheap for the server but expensive downstream (LLM
// calls), so abusive clients are cut off at the door.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*bucket
	requestsPerMin int

	cleanupTicker *time.Ticker
	stopOnce      sync.Once

	now func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerMin sustained
// requests per client IP, with a burst of the same size.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		clients:        make(map[string]*bucket),
		requestsPerMin: requestsPerMin,
		cleanupTicker:  time.NewTicker(cleanupInterval),
		now:            time.Now,
	}
	go rl.cleanup()
	return rl
}

// Wrap enforces the limit in front of next. Clients over budget get
// 429 with a Retry-After hint.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether one more request from key fits the budget.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.clients[key]
	if !ok {
		rl.clients[key] = &bucket{tokens: rl.requestsPerMin - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(rl.requestsPerMin))
	if refill > 0 {
		b.tokens = min(rl.requestsPerMin, b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// clientKey buckets by IP, ignoring the ephemeral port.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	for range rl.cleanupTicker.C {
		rl.mu.Lock()
		now := rl.now()
		for key, b := range rl.clients {
			if now.Sub(b.lastRefill) > idleEviction {
				delete(rl.clients, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop stops the background cleanup.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { rl.cleanupTicker.Stop() })
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
