package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/approval"
	"github.com/sleuthhq/sleuth/internal/db"
)

// maxRequestBody caps request bodies; investigation queries are short.
const maxRequestBody = 1 << 20

func (s *Server) registerHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/runs", s.handleCreateRun)
	mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", s.handleRunEvents)

	mux.HandleFunc("GET /api/v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/approvals/{id}/reject", s.handleReject)

	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/usage", s.handleUsage)
	mux.HandleFunc("GET /api/v1/tools", s.handleListTools)
}

// withMiddleware wraps the mux with panic recovery, request logging,
// and per-client rate limiting on the API routes. Health and metrics
// probes are never rate limited.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	limited := next
	if s.limiter != nil {
		limited = s.limiter.Wrap(next)
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panicked",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()

		handler := next
		if strings.HasPrefix(r.URL.Path, "/api/") {
			handler = limited
		}

		start := time.Now()
		handler.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

type createRunRequest struct {
	WorkspaceID string `json:"workspace_id"`
	Query       string `json:"query"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = "default"
	}

	state, err := s.runs.StartRun(r.Context(), req.WorkspaceID, req.Query)
	if err != nil {
		s.logger.Error("starting run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id":       state.RunID,
		"workspace_id": state.WorkspaceID,
		"status":       state.Status,
		"created_at":   state.CreatedAt,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type runSummary struct {
	RunID       string    `json:"run_id"`
	WorkspaceID string    `json:"workspace_id"`
	Status      string    `json:"status"`
	Query       string    `json:"query"`
	Iterations  int       `json:"iterations"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	status := r.URL.Query().Get("status")

	records, err := s.runs.ListRuns(r.Context(), status, limit, offset)
	if err != nil {
		s.logger.Error("listing runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	summaries := make([]runSummary, 0, len(records))
	for _, rec := range records {
		summaries = append(summaries, runSummary{
			RunID:       rec.ID,
			WorkspaceID: rec.WorkspaceID,
			Status:      rec.Status,
			Query:       rec.Query,
			Iterations:  rec.Iterations,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": summaries})
}

// ─── Approvals ────────────────────────────────────────────────────────────────

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.approvals.ListPending(r.Context())
	if err != nil {
		s.logger.Error("listing approvals", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list approvals")
		return
	}
	if pending == nil {
		pending = []*approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": pending})
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, true)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.handleDecision(w, r, false)
}

// handleDecision applies an approval decision. Repeats are idempotent:
// a later decision gets the recorded request back with 200.
func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request, approve bool) {
	var req decisionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = "api"
	}

	decided, err := s.runs.Decide(r.Context(), r.PathValue("id"), req.DecidedBy, approve, req.Reason)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval request not found")
			return
		}
		s.logger.Error("deciding approval", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to apply decision")
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

// ─── Audit & tools ────────────────────────────────────────────────────────────

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := db.AuditQuery{
		RunID:     r.URL.Query().Get("run_id"),
		EventType: r.URL.Query().Get("event_type"),
		Tool:      r.URL.Query().Get("tool"),
		UserID:    r.URL.Query().Get("user_id"),
		Limit:     queryInt(r, "limit", 100),
		Offset:    queryInt(r, "offset", 0),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		q.From = t
	}
	if to := r.URL.Query().Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		q.To = t
	}

	events, err := s.store.QueryAuditEvents(r.Context(), q)
	if err != nil {
		s.logger.Error("querying audit events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query audit events")
		return
	}
	if events == nil {
		events = []*db.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// handleUsage reports aggregated token usage and cost, optionally
// scoped to one run, over a trailing window (default 24h).
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	summary, err := s.store.UsageSince(r.Context(), r.URL.Query().Get("run_id"), since)
	if err != nil {
		s.logger.Error("querying usage", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"since":         since,
		"calls":         summary.Calls,
		"input_tokens":  summary.InputTokens,
		"output_tokens": summary.OutputTokens,
		"cost_usd":      summary.CostUSD,
	})
}

type toolSummary struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	RiskTier         string `json:"risk_tier"`
	RequiresApproval bool   `json:"requires_approval"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	summaries := make([]toolSummary, 0, len(all))
	for _, t := range all {
		summaries = append(summaries, toolSummary{
			Name:             t.Name,
			Description:      t.Description,
			RiskTier:         string(t.Tier),
			RequiresApproval: s.registry.RequiresApproval(t.Name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": summaries})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

var errEmptyBody = errors.New("empty request body")

func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return errEmptyBody
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
