package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/tool"
)

// protocolServer wraps an external stdio tool-server process. Tools are
// discovered once at init via list_tools; invocations forward through
// call_tool on the shared client.
type protocolServer struct {
	name   string
	client *client.Client
	logger *zap.Logger
}

// startProtocolServer spawns the process, performs the protocol
// handshake, and discovers its tools. Environment values have already
// gone through ${VAR} substitution during config load.
func startProtocolServer(ctx context.Context, name string, ic IntegrationConfig, logger *zap.Logger) (*protocolServer, []*tool.Tool, error) {
	env := make([]string, 0, len(ic.Env))
	for k, v := range ic.Env {
		env = append(env, k+"="+v)
	}

	c, err := client.NewStdioMCPClient(ic.Command, env, ic.Args...)
	if err != nil {
		return nil, nil, fmt.Errorf("spawning %q: %w", ic.Command, err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, nil, fmt.Errorf("starting %q: %w", ic.Command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "sleuth", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("initializing %q: %w", name, err)
	}

	listResp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("listing tools for %q: %w", name, err)
	}

	ps := &protocolServer{name: name, client: c, logger: logger}

	allow := filterSet(ic.Tools)
	var tools []*tool.Tool
	for _, remote := range listResp.Tools {
		if allow != nil && !matchesFilter(allow, remote.Name) {
			continue
		}
		tools = append(tools, ps.wrap(remote))
	}

	logger.Info("protocol server connected",
		zap.String("integration", name),
		zap.String("command", ic.Command),
		zap.Int("tools", len(tools)))

	return ps, tools, nil
}

func filterSet(names []string) map[string]bool {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[strings.ToLower(n)] = true
	}
	return set
}

// matchesFilter accepts a tool when any configured filter entry is a
// substring of its name, so "issues" exposes list_issues and get_issue.
func matchesFilter(allow map[string]bool, name string) bool {
	lname := strings.ToLower(name)
	if allow[lname] {
		return true
	}
	for entry := range allow {
		if strings.Contains(lname, entry) {
			return true
		}
	}
	return false
}

// wrap adapts one discovered remote tool to the registry contract.
func (ps *protocolServer) wrap(remote mcp.Tool) *tool.Tool {
	schema := schemaToMap(remote.InputSchema)
	return &tool.Tool{
		Name:        ps.name + "_" + remote.Name,
		Description: remote.Description,
		Tier:        tierForName(remote.Name, remote.Description),
		Parameters:  schema,
		Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
			req := mcp.CallToolRequest{}
			req.Params.Name = remote.Name
			req.Params.Arguments = args

			resp, err := ps.client.CallTool(ctx, req)
			if err != nil {
				return tool.Errorf("%s: %v", remote.Name, err), nil
			}

			text := collectText(resp)
			if resp.IsError {
				if text == "" {
					text = "unknown error"
				}
				return tool.Errorf("%s", text), nil
			}
			return &tool.Result{
				Success:  true,
				Output:   text,
				Metadata: map[string]interface{}{"integration": ps.name},
			}, nil
		},
	}
}

// collectText joins the text content blocks of a tool response.
func collectText(resp *mcp.CallToolResult) string {
	var parts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// testConnection pings the server process.
func (ps *protocolServer) testConnection(ctx context.Context) error {
	return ps.client.Ping(ctx)
}

func (ps *protocolServer) close() error {
	return ps.client.Close()
}
