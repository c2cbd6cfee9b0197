package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sleuthhq/sleuth/internal/tool"
)

// openapiSpec is the subset of an OpenAPI document the router needs:
// servers for the base URL and per-path operations with their parameters.
type openapiSpec struct {
	Servers []struct {
		URL string `yaml:"url" json:"url"`
	} `yaml:"servers" json:"servers"`
	Paths map[string]map[string]openapiOperation `yaml:"paths" json:"paths"`
}

type openapiOperation struct {
	OperationID string             `yaml:"operationId" json:"operationId"`
	Summary     string             `yaml:"summary" json:"summary"`
	Description string             `yaml:"description" json:"description"`
	Parameters  []openapiParameter `yaml:"parameters" json:"parameters"`
	RequestBody *struct {
		Content map[string]struct {
			Schema map[string]interface{} `yaml:"schema" json:"schema"`
		} `yaml:"content" json:"content"`
	} `yaml:"requestBody" json:"requestBody"`
}

type openapiParameter struct {
	Name        string                 `yaml:"name" json:"name"`
	In          string                 `yaml:"in" json:"in"` // path | query | header
	Required    bool                   `yaml:"required" json:"required"`
	Description string                 `yaml:"description" json:"description"`
	Schema      map[string]interface{} `yaml:"schema" json:"schema"`
}

var httpMethods = []string{"get", "post", "put", "patch", "delete"}

// loadOpenAPIIntegration fetches the spec and synthesizes one tool per
// operation. The generated tools share the REST transport so auth and
// status mapping behave identically across variants.
func loadOpenAPIIntegration(ctx context.Context, name string, ic IntegrationConfig, client *http.Client) (*restIntegration, []*tool.Tool, error) {
	if client == nil {
		client = &http.Client{Timeout: httpCallTimeout}
	}

	spec, err := fetchOpenAPISpec(ctx, ic.SpecURL, client)
	if err != nil {
		return nil, nil, err
	}

	baseURL := ic.BaseURL
	if baseURL == "" && len(spec.Servers) > 0 {
		baseURL = spec.Servers[0].URL
	}
	if baseURL == "" {
		return nil, nil, fmt.Errorf("integration %q: spec declares no servers and no base_url configured", name)
	}

	r := newRESTIntegration(name, IntegrationConfig{BaseURL: baseURL, Auth: ic.Auth}, client)

	// Stable ordering keeps tool definitions deterministic across loads.
	paths := make([]string, 0, len(spec.Paths))
	for p := range spec.Paths {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var tools []*tool.Tool
	for _, path := range paths {
		ops := spec.Paths[path]
		for _, method := range httpMethods {
			op, ok := ops[method]
			if !ok {
				continue
			}
			tools = append(tools, r.operationTool(name, method, path, op))
		}
	}
	return r, tools, nil
}

func fetchOpenAPISpec(ctx context.Context, specURL string, client *http.Client) (*openapiSpec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching OpenAPI spec: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching OpenAPI spec: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return nil, err
	}

	// YAML is a superset of JSON here, so one decoder covers both spec
	// serializations.
	var spec openapiSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parsing OpenAPI spec: %w", err)
	}
	return &spec, nil
}

// operationTool maps one spec operation onto the tool contract. Path
// parameters become top-level arguments substituted into the URL; query
// parameters collect into the query object; a request body schema, when
// declared, is passed through as the body argument's schema.
func (r *restIntegration) operationTool(integration, method, path string, op openapiOperation) *tool.Tool {
	opName := op.OperationID
	if opName == "" {
		opName = method + strings.NewReplacer("/", "_", "{", "", "}", "").Replace(path)
	}

	desc := op.Summary
	if desc == "" {
		desc = op.Description
	}
	if desc == "" {
		desc = fmt.Sprintf("%s %s", strings.ToUpper(method), path)
	}

	properties := map[string]interface{}{}
	var required []interface{}
	var pathParams, queryParams []openapiParameter
	for _, p := range op.Parameters {
		schema := p.Schema
		if schema == nil {
			schema = map[string]interface{}{"type": "string"}
		}
		if p.Description != "" {
			schema = withDescription(schema, p.Description)
		}
		switch p.In {
		case "path":
			pathParams = append(pathParams, p)
			properties[p.Name] = schema
			required = append(required, p.Name)
		case "query":
			queryParams = append(queryParams, p)
			properties[p.Name] = schema
			if p.Required {
				required = append(required, p.Name)
			}
		}
	}
	if op.RequestBody != nil {
		bodySchema := map[string]interface{}{"type": "object"}
		if c, ok := op.RequestBody.Content["application/json"]; ok && c.Schema != nil {
			bodySchema = c.Schema
		}
		properties["body"] = bodySchema
	}

	params := map[string]interface{}{"type": "object", "properties": properties}
	if len(required) > 0 {
		params["required"] = required
	}

	return &tool.Tool{
		Name:        integration + "_" + opName,
		Description: desc,
		Tier:        tierForMethod(method),
		Parameters:  params,
		Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
			resolved := path
			for _, p := range pathParams {
				v, ok := args[p.Name]
				if !ok {
					return tool.Errorf("missing path parameter %q", p.Name), nil
				}
				resolved = strings.ReplaceAll(resolved, "{"+p.Name+"}", fmt.Sprintf("%v", v))
			}

			query := map[string]interface{}{}
			for _, p := range queryParams {
				if v, ok := args[p.Name]; ok {
					query[p.Name] = v
				}
			}

			return r.call(ctx, method, resolved, query, args["body"])
		},
	}
}

func withDescription(schema map[string]interface{}, desc string) map[string]interface{} {
	out := make(map[string]interface{}, len(schema)+1)
	for k, v := range schema {
		out[k] = v
	}
	out["description"] = desc
	return out
}
