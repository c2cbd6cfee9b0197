package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/agent"
	"github.com/sleuthhq/sleuth/internal/config"
	"github.com/sleuthhq/sleuth/internal/llm"
	"github.com/sleuthhq/sleuth/internal/llm/types"
	"github.com/sleuthhq/sleuth/internal/tool"
)

func newTestServer(t *testing.T, provider llm.Provider, extraTools ...*tool.Tool) (*Server, *httptest.Server) {
	t.Helper()
	env := newTestEnv(t, provider, extraTools...)

	cfg := config.DefaultConfig()
	cfg.Server.AllowedOrigins = []string{"*"}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := &Server{
		cfg:       cfg,
		logger:    zap.NewNop(),
		store:     env.store,
		registry:  env.registry,
		approvals: env.approvals,
		emitter:   env.emitter,
		loop:      env.loop,
		runs:      env.runs,
		ctx:       ctx,
		cancel:    cancel,
	}

	mux := http.NewServeMux()
	s.registerHandlers(mux)
	ts := httptest.NewServer(s.withMiddleware(mux))
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// tryDecode is the non-fataling variant for Eventually conditions.
func tryDecode(resp *http.Response, v interface{}) bool {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v) == nil
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "sleuth_")
}

func TestCreateAndGetRun(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.ToolResponse{
		finalAnswer("Root cause identified."),
	}}
	_, ts := newTestServer(t, provider)

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{
		"workspace_id": "ws-1",
		"query":        "checkout errors spiking",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.RunID)
	assert.Equal(t, "running", created.Status)

	var state agent.State
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/runs/" + created.RunID)
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		return tryDecode(r, &state) && state.Status == agent.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Root cause identified.", state.Result)
}

func TestCreateRunValidation(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{})

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"workspace_id": "ws-1"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRunNotFound(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{})

	resp, err := http.Get(ts.URL + "/api/v1/runs/does-not-exist")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListRuns(t *testing.T) {
	provider := &scriptedProvider{}
	_, ts := newTestServer(t, provider)

	for i := 0; i < 3; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{
			"query": fmt.Sprintf("incident %d", i),
		})
		resp.Body.Close()
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	var listing struct {
		Runs []runSummary `json:"runs"`
	}
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/runs?status=completed")
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		return tryDecode(r, &listing) && len(listing.Runs) == 3
	}, 5*time.Second, 10*time.Millisecond)

	for _, run := range listing.Runs {
		assert.Equal(t, "completed", run.Status)
		assert.Equal(t, "default", run.WorkspaceID)
	}
}

func TestApprovalEndpoints(t *testing.T) {
	var executed atomic.Bool
	provider := &scriptedProvider{responses: []*types.ToolResponse{
		toolCallTurn("call-1", "restart_service", `{"service":"api"}`),
		finalAnswer("Recovered."),
	}}
	_, ts := newTestServer(t, provider, restartTool(&executed))

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"query": "api down"})
	var created struct {
		RunID string `json:"run_id"`
	}
	decodeBody(t, resp, &created)

	var listing struct {
		Approvals []struct {
			ID       string `json:"id"`
			RunID    string `json:"run_id"`
			ToolName string `json:"tool_name"`
		} `json:"approvals"`
	}
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/approvals")
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		return tryDecode(r, &listing) && len(listing.Approvals) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, created.RunID, listing.Approvals[0].RunID)
	assert.Equal(t, "restart_service", listing.Approvals[0].ToolName)

	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+listing.Approvals[0].ID+"/approve",
		map[string]string{"decided_by": "oncall"})
	var decided struct {
		Status    string `json:"status"`
		DecidedBy string `json:"decided_by"`
	}
	decodeBody(t, resp, &decided)
	assert.Equal(t, "approved", decided.Status)
	assert.Equal(t, "oncall", decided.DecidedBy)

	require.Eventually(t, func() bool {
		return executed.Load()
	}, 5*time.Second, 10*time.Millisecond)

	// Approving again is a no-op that reports the recorded decision.
	resp = postJSON(t, ts.URL+"/api/v1/approvals/"+listing.Approvals[0].ID+"/approve", nil)
	decodeBody(t, resp, &decided)
	assert.Equal(t, "approved", decided.Status)
	assert.Equal(t, "oncall", decided.DecidedBy)
}

func TestApproveUnknownRequest(t *testing.T) {
	_, ts := newTestServer(t, &scriptedProvider{})

	resp := postJSON(t, ts.URL+"/api/v1/approvals/nope/approve", map[string]string{})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuditQueryEndpoint(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.ToolResponse{
		toolCallTurn("call-1", "check_logs", `{}`),
		finalAnswer("Done."),
	}}
	_, ts := newTestServer(t, provider, checkLogsTool())

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"query": "db errors"})
	var created struct {
		RunID string `json:"run_id"`
	}
	decodeBody(t, resp, &created)

	var listing struct {
		Events []struct {
			EventType string `json:"EventType"`
			Tool      string `json:"Tool"`
		} `json:"events"`
	}
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/audit?run_id=" + created.RunID)
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		if !tryDecode(r, &listing) {
			return false
		}
		for _, ev := range listing.Events {
			if ev.EventType == "run.completed" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/audit?from=not-a-time")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUsageEndpoint(t *testing.T) {
	provider := &scriptedProvider{responses: []*types.ToolResponse{
		finalAnswer("Done."),
	}}
	_, ts := newTestServer(t, provider)

	resp := postJSON(t, ts.URL+"/api/v1/runs", map[string]string{"query": "disk alert"})
	var created struct {
		RunID string `json:"run_id"`
	}
	decodeBody(t, resp, &created)

	var usage struct {
		Calls int `json:"calls"`
	}
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/v1/usage?run_id=" + created.RunID)
		if err != nil || r.StatusCode != http.StatusOK {
			return false
		}
		return tryDecode(r, &usage) && usage.Calls >= 1
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get(ts.URL + "/api/v1/usage?since=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListToolsEndpoint(t *testing.T) {
	var executed atomic.Bool
	_, ts := newTestServer(t, &scriptedProvider{}, checkLogsTool(), restartTool(&executed))

	resp, err := http.Get(ts.URL + "/api/v1/tools")
	require.NoError(t, err)
	var listing struct {
		Tools []toolSummary `json:"tools"`
	}
	decodeBody(t, resp, &listing)
	require.Len(t, listing.Tools, 2)

	byName := map[string]toolSummary{}
	for _, tl := range listing.Tools {
		byName[tl.Name] = tl
	}
	assert.Equal(t, "read_only", byName["check_logs"].RiskTier)
	assert.False(t, byName["check_logs"].RequiresApproval)
	assert.Equal(t, "destructive", byName["restart_service"].RiskTier)
	assert.True(t, byName["restart_service"].RequiresApproval)
}
