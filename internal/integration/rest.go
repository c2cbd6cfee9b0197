package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sleuthhq/sleuth/internal/tool"
)

const (
	httpCallTimeout = 30 * time.Second

	// maxResponseBytes caps tool output so one chatty endpoint cannot
	// blow up the transcript.
	maxResponseBytes = 256 * 1024
)

// restIntegration backs both declared endpoints and the generic request
// operation with one shared HTTP client.
type restIntegration struct {
	name    string
	baseURL string
	auth    *AuthConfig
	client  *http.Client
}

func newRESTIntegration(name string, ic IntegrationConfig, client *http.Client) *restIntegration {
	if client == nil {
		client = &http.Client{Timeout: httpCallTimeout}
	}
	return &restIntegration{
		name:    name,
		baseURL: strings.TrimRight(ic.BaseURL, "/"),
		auth:    ic.Auth,
		client:  client,
	}
}

// tools returns one tool per declared endpoint plus the generic request
// operation for discovery.
func (r *restIntegration) tools(ic IntegrationConfig) []*tool.Tool {
	out := make([]*tool.Tool, 0, len(ic.Endpoints)+1)

	for _, ep := range ic.Endpoints {
		ep := ep
		desc := ep.Description
		if desc == "" {
			desc = fmt.Sprintf("%s %s on %s", strings.ToUpper(ep.Method), ep.Path, r.name)
		}
		out = append(out, &tool.Tool{
			Name:        r.name + "_" + ep.Name,
			Description: desc,
			Tier:        tierForMethod(ep.Method),
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "object",
						"description": "Query string parameters",
					},
					"body": map[string]interface{}{
						"type":        "object",
						"description": "JSON request body",
					},
				},
			},
			Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
				return r.call(ctx, ep.Method, ep.Path, args["query"], args["body"])
			},
		})
	}

	out = append(out, &tool.Tool{
		Name:        r.name + "_request",
		Description: fmt.Sprintf("Send an arbitrary HTTP request to the %s API. Use for endpoints not covered by the named operations.", r.name),
		Tier:        tool.TierDestructive, // method is caller-chosen; gate it
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"method": map[string]interface{}{"type": "string", "description": "HTTP method"},
				"path":   map[string]interface{}{"type": "string", "description": "Path relative to the base URL"},
				"query":  map[string]interface{}{"type": "object", "description": "Query string parameters"},
				"body":   map[string]interface{}{"type": "object", "description": "JSON request body"},
			},
			"required": []interface{}{"method", "path"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
			method, _ := args["method"].(string)
			path, _ := args["path"].(string)
			if method == "" || path == "" {
				return tool.Errorf("request requires method and path"), nil
			}
			return r.call(ctx, method, path, args["query"], args["body"])
		},
	})

	return out
}

// call performs one HTTP exchange and maps the status to a ToolResult.
func (r *restIntegration) call(ctx context.Context, method, path string, query, body interface{}) (*tool.Result, error) {
	u := r.baseURL + "/" + strings.TrimLeft(path, "/")

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return tool.Errorf("encoding request body: %v", err), nil
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), u, reqBody)
	if err != nil {
		return tool.Errorf("building request: %v", err), nil
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if qm, ok := query.(map[string]interface{}); ok && len(qm) > 0 {
		q := url.Values{}
		for k, v := range qm {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		req.URL.RawQuery = q.Encode()
	}

	// Credentials attach after the query string so api_key-in-query
	// placement is not clobbered.
	r.auth.apply(req)

	resp, err := r.client.Do(req)
	if err != nil {
		return tool.Errorf("%s %s: %v", method, path, err), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return tool.Errorf("reading response: %v", err), nil
	}

	if resp.StatusCode >= 400 {
		return tool.Errorf("%s %s returned %d: %s", strings.ToUpper(method), path, resp.StatusCode, strings.TrimSpace(string(raw))), nil
	}

	return &tool.Result{
		Success: true,
		Output:  string(raw),
		Metadata: map[string]interface{}{
			"status":      resp.StatusCode,
			"integration": r.name,
		},
	}, nil
}

// testConnection issues a GET against the base URL. Any HTTP response,
// including 401/404, proves reachability.
func (r *restIntegration) testConnection(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL, nil)
	if err != nil {
		return err
	}
	r.auth.apply(req)
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}
