package server

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/agent"
	"github.com/sleuthhq/sleuth/internal/metrics"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second

	wsReadLimit = 4 * 1024
)

// wsFrame is one message on the event stream. Snapshot frames carry the
// run state at subscribe time; event frames mirror loop events.
type wsFrame struct {
	Kind  string       `json:"kind"` // snapshot | event
	Run   *agent.State `json:"run,omitempty"`
	Event *agent.Event `json:"event,omitempty"`
}

// handleRunEvents streams a run's lifecycle events over a WebSocket.
// The client first receives a snapshot of the current state, then live
// events as the run progresses. The socket stays open across pauses so
// a UI can follow an approval round-trip on one connection.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	state, err := s.runs.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	ws := &wsSession{conn: conn}
	defer conn.Close()

	events, unsubscribe := s.emitter.Subscribe()
	defer unsubscribe()

	if err := ws.send(wsFrame{Kind: "snapshot", Run: state}); err != nil {
		return
	}

	// The reader exists to observe close frames; clients do not send
	// application messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.RunID != runID {
				continue
			}
			if err := ws.send(wsFrame{Kind: "event", Event: &ev}); err != nil {
				return
			}
			metrics.WebSocketMessagesTotal.WithLabelValues("out").Inc()
		case <-ping.C:
			if err := ws.ping(); err != nil {
				return
			}
		case <-done:
			return
		case <-s.ctx.Done():
			return
		}
	}
}

// wsSession serializes writes; gorilla connections allow one concurrent
// writer.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsSession) send(frame wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(frame)
}

func (w *wsSession) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// checkOrigin admits same-origin requests and the configured allow
// list. "*" in the list admits everything; that is for development.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
