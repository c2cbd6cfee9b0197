package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MinIterationTime is the graceful-timeout gate: when less than this
// remains of the run budget, the loop stops before the next LLM call
// instead of starting an iteration it cannot finish.
const MinIterationTime = 30 * time.Second

// llmCallMargin is reserved headroom so a provider call's own timeout
// fires before the run budget does.
const llmCallMargin = 5 * time.Second

// llmCallMax caps any single provider call regardless of remaining budget.
const llmCallMax = 60 * time.Second

// TimeoutError reports a hard budget violation.
type TimeoutError struct {
	Elapsed time.Duration
	Limit   time.Duration
	Op      string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s (limit %s)", e.Op, e.Elapsed.Round(time.Second), e.Limit)
}

// Deadline is the run-wide budget shared by every iteration. It starts
// counting at construction and can be aborted early for cancellation.
type Deadline struct {
	start time.Time
	limit time.Duration

	mu      sync.Mutex
	aborted bool
	done    chan struct{}
}

// NewDeadline starts a budget of limit from now.
func NewDeadline(limit time.Duration) *Deadline {
	return &Deadline{
		start: time.Now(),
		limit: limit,
		done:  make(chan struct{}),
	}
}

// Elapsed returns time consumed so far.
func (d *Deadline) Elapsed() time.Duration { return time.Since(d.start) }

// Remaining returns time left in the budget, never negative.
func (d *Deadline) Remaining() time.Duration {
	r := d.limit - d.Elapsed()
	if r < 0 {
		return 0
	}
	return r
}

// Exceeded reports whether the budget is spent or the run was aborted.
func (d *Deadline) Exceeded() bool {
	d.mu.Lock()
	aborted := d.aborted
	d.mu.Unlock()
	return aborted || d.Elapsed() >= d.limit
}

// HasTimeFor reports whether at least need remains.
func (d *Deadline) HasTimeFor(need time.Duration) bool {
	return !d.Exceeded() && d.Remaining() >= need
}

// Abort cancels the budget early. Safe to call more than once.
func (d *Deadline) Abort() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.aborted {
		d.aborted = true
		close(d.done)
	}
}

// Done is closed when Abort is called.
func (d *Deadline) Done() <-chan struct{} { return d.done }

// LLMCallTimeout computes the per-call provider deadline:
// min(remaining − margin, llmCallMax), floored at one second so a call
// made just inside the gate still gets a usable window.
func (d *Deadline) LLMCallTimeout() time.Duration {
	t := d.Remaining() - llmCallMargin
	if t > llmCallMax {
		t = llmCallMax
	}
	if t < time.Second {
		t = time.Second
	}
	return t
}

// callContext derives a context bounded by both the caller's context and
// the run budget's abort signal, with the per-call timeout applied.
func (d *Deadline) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	go func() {
		select {
		case <-d.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
