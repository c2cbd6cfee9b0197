package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleuthhq/sleuth/internal/tool"
)

func TestRouterInitMissingConfigRegistersMetaTools(t *testing.T) {
	reg := tool.NewRegistry()
	r := NewRouter(filepath.Join(t.TempDir(), "absent.yaml"), reg, nil)
	require.NoError(t, r.Init(context.Background()))

	for _, name := range []string{"list_integrations", "list_operations", "test_connection"} {
		_, ok := reg.Get(name)
		assert.True(t, ok, name)
	}

	res := r.listIntegrations()
	require.True(t, res.Success)
	assert.Equal(t, "[]", res.Output)
}

func TestRouterInitIsIdempotentUnderConcurrency(t *testing.T) {
	reg := tool.NewRegistry()
	r := NewRouter(filepath.Join(t.TempDir(), "absent.yaml"), reg, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.Init(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	// Meta tools registered exactly once; duplicate registration would
	// have failed Init.
	_, ok := reg.Get("list_integrations")
	assert.True(t, ok)
}

func TestRouterInitInvalidConfigFails(t *testing.T) {
	path := writeConfig(t, "integrations:\n  x:\n    type: nope\n")
	r := NewRouter(path, tool.NewRegistry(), nil)

	err := r.Init(context.Background())
	require.Error(t, err)
	// Re-entry returns the recorded outcome.
	assert.Equal(t, err, r.Init(context.Background()))
}

func TestRouterBuildsRESTIntegration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, `
integrations:
  statuspage:
    type: rest
    base_url: `+srv.URL+`
    endpoints:
      - name: incidents
        method: GET
        path: /incidents
`)
	reg := tool.NewRegistry()
	r := NewRouter(path, reg, nil, WithHTTPClient(srv.Client()))
	require.NoError(t, r.Init(context.Background()))

	_, ok := reg.Get("statuspage_incidents")
	require.True(t, ok)
	_, ok = reg.Get("statuspage_request")
	require.True(t, ok)

	res := r.listOperations("statuspage")
	require.True(t, res.Success)
	assert.Contains(t, res.Output, "statuspage_incidents")
	assert.Contains(t, res.Output, "read_only")

	res = r.listIntegrations()
	require.True(t, res.Success)
	assert.Contains(t, res.Output, `"status": "ready"`)

	res = r.testConnection(context.Background(), "statuspage")
	assert.True(t, res.Success)

	res = r.testConnection(context.Background(), "nope")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `unknown integration "nope"`)
}

func TestRouterRecordsFailedIntegration(t *testing.T) {
	// Spec URL points nowhere: the integration fails but Init succeeds.
	path := writeConfig(t, `
integrations:
  broken:
    type: openapi
    spec_url: http://127.0.0.1:1/openapi.json
`)
	reg := tool.NewRegistry()
	r := NewRouter(path, reg, nil)
	require.NoError(t, r.Init(context.Background()))

	res := r.listIntegrations()
	require.True(t, res.Success)
	assert.Contains(t, res.Output, `"status": "error"`)

	res = r.testConnection(context.Background(), "broken")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "failed to initialize")
}

func TestTierForName(t *testing.T) {
	assert.Equal(t, tool.TierDestructive, tierForName("delete_issue", ""))
	assert.Equal(t, tool.TierDestructive, tierForName("cleanup", "remove stale entries"))
	assert.Equal(t, tool.TierSafeWrite, tierForName("create_comment", ""))
	assert.Equal(t, tool.TierSafeWrite, tierForName("annotate", "set a label on the resource"))
	assert.Equal(t, tool.TierReadOnly, tierForName("list_issues", "fetch open issues"))
}
