package agent

import (
	"sync"
	"time"

	"github.com/sleuthhq/sleuth/internal/tool"
)

// EventType enumerates the loop's lifecycle events.
type EventType string

const (
	EventIterationStart   EventType = "iteration_start"
	EventToolCall         EventType = "tool_call"
	EventToolResult       EventType = "tool_result"
	EventApprovalRequired EventType = "approval_required"
	EventLLMResponse      EventType = "llm_response"
	EventCompleted        EventType = "completed"
	EventFailed           EventType = "failed"
	EventTimeout          EventType = "timeout"
)

// Event is one observable step of a run. Events are notifications, not
// state: the run's durable record lives in State, and a dropped event
// never changes an outcome.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	Timestamp time.Time `json:"timestamp"`

	ToolCallID string                 `json:"tool_call_id,omitempty"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolArgs   map[string]interface{} `json:"tool_args,omitempty"`
	Result     *tool.Result           `json:"result,omitempty"`

	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// subscriberBuffer is sized so a UI that falls briefly behind loses
// nothing; a stalled subscriber loses events rather than stalling the run.
const subscriberBuffer = 64

// Emitter fans events out to subscribers with best-effort delivery.
// Emit never blocks: a full subscriber channel drops the event.
type Emitter struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release the channel; after cancel the channel is closed.
func (e *Emitter) Subscribe() (<-chan Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	ch := make(chan Event, subscriberBuffer)
	e.subs[id] = ch

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if sub, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Emit delivers an event to every subscriber without blocking.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop.
		}
	}
}
