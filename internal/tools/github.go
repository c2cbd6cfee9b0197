// Package tools registers the built-in native tools: read-only GitHub
// code access and the draft-PR composer.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/metrics"
	"github.com/sleuthhq/sleuth/internal/scm/github"
	"github.com/sleuthhq/sleuth/internal/tool"
)

// RegisterGitHubTools wires the GitHub-backed tools into the registry.
func RegisterGitHubTools(registry *tool.Registry, client *github.Client, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	composer := github.NewComposer(client, logger)

	toolset := []*tool.Tool{
		getFileTool(client),
		searchCodeTool(client),
		createDraftPRTool(composer),
	}
	for _, t := range toolset {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("registering %s: %w", t.Name, err)
		}
	}
	return nil
}

func getFileTool(client *github.Client) *tool.Tool {
	return &tool.Tool{
		Name:        "github_get_file",
		Description: "Read a file from a GitHub repository at a branch or commit. Returns the decoded file content.",
		Tier:        tool.TierReadOnly,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"repo": map[string]interface{}{"type": "string", "description": `Repository as "owner/name"`},
				"path": map[string]interface{}{"type": "string", "description": "File path within the repository"},
				"ref":  map[string]interface{}{"type": "string", "description": "Branch, tag, or commit SHA (default branch when omitted)"},
			},
			"required": []interface{}{"repo", "path"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
			repo, _ := args["repo"].(string)
			path, _ := args["path"].(string)
			ref, _ := args["ref"].(string)
			if repo == "" || path == "" {
				return tool.Errorf("repo and path are required"), nil
			}

			fc, err := client.GetFile(ctx, repo, path, ref)
			if err != nil {
				if github.IsNotFound(err) {
					return tool.Errorf("file %s not found in %s", path, repo), nil
				}
				return tool.Errorf("fetching %s from %s: %v", path, repo, err), nil
			}
			return &tool.Result{
				Success: true,
				Output:  fc.Content,
				Metadata: map[string]interface{}{
					"repo": repo,
					"path": fc.Path,
					"size": fc.Size,
					"sha":  fc.SHA,
				},
			}, nil
		},
	}
}

func searchCodeTool(client *github.Client) *tool.Tool {
	return &tool.Tool{
		Name:        "github_search_code",
		Description: "Search code on GitHub. Optionally scope the search to one repository.",
		Tier:        tool.TierReadOnly,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "Search query"},
				"repo":  map[string]interface{}{"type": "string", "description": `Limit to repository "owner/name"`},
			},
			"required": []interface{}{"query"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
			query, _ := args["query"].(string)
			repo, _ := args["repo"].(string)
			if strings.TrimSpace(query) == "" {
				return tool.Errorf("query is required"), nil
			}

			results, err := client.SearchCode(ctx, query, repo)
			if err != nil {
				return tool.Errorf("code search: %v", err), nil
			}
			if len(results) == 0 {
				return &tool.Result{Success: true, Output: "No matches."}, nil
			}
			raw, _ := json.MarshalIndent(results, "", "  ")
			return &tool.Result{
				Success:  true,
				Output:   string(raw),
				Metadata: map[string]interface{}{"matches": len(results)},
			}, nil
		},
	}
}

func createDraftPRTool(composer *github.Composer) *tool.Tool {
	return &tool.Tool{
		Name:        "github_create_draft_pr",
		Description: "Create or update a draft pull request applying a set of file edits. Each file must carry its complete new content, not a snippet.",
		Tier:        tool.TierSafeWrite,
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"repo":  map[string]interface{}{"type": "string", "description": `Repository as "owner/name"`},
				"title": map[string]interface{}{"type": "string", "description": "Pull request title"},
				"body":  map[string]interface{}{"type": "string", "description": "Pull request description"},
				"base":  map[string]interface{}{"type": "string", "description": "Base branch (default main)"},
				"head":  map[string]interface{}{"type": "string", "description": "Branch to create or reset for the edits"},
				// No "type" on files: models sometimes send the array as
				// a JSON string and the normalizer handles both shapes.
				"files": map[string]interface{}{
					"description": "Files to write, each with path and complete content",
					"items": map[string]interface{}{
						"type": "object",
						"properties": map[string]interface{}{
							"path":    map[string]interface{}{"type": "string"},
							"content": map[string]interface{}{"type": "string"},
						},
					},
				},
			},
			"required": []interface{}{"repo", "title", "head", "files"},
		},
		Execute: func(ctx context.Context, args map[string]interface{}, _ *tool.Context) (*tool.Result, error) {
			in, err := github.ParseComposeArgs(args)
			if err != nil {
				return tool.Errorf("%v", err), nil
			}

			res, err := composer.Compose(ctx, in)
			if err != nil {
				metrics.PullRequestsCreated.WithLabelValues("failed").Inc()
				return tool.Errorf("%v", err), nil
			}
			metrics.PullRequestsCreated.WithLabelValues(res.Action).Inc()

			raw, _ := json.MarshalIndent(res, "", "  ")
			return &tool.Result{
				Success: true,
				Output:  fmt.Sprintf("Pull request %s: #%d %s\n%s", res.Action, res.Number, res.URL, raw),
				Metadata: map[string]interface{}{
					"pr_number": res.Number,
					"action":    res.Action,
					"branch":    res.Branch,
				},
			}, nil
		},
	}
}
