// Package github talks to a GitHub-compatible content-addressed tree
// store over HTTP: refs, blobs, trees, commits, contents, code search,
// and pull requests.
//
// Responsibilities:
//   - Client: thin typed wrapper over the REST surface the agent needs
//   - Composer (compose.go): the draft-PR commit protocol
//
// The token attaches only to outbound requests; it never appears in
// returned results or errors.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public API endpoint; enterprise deployments
// override it in config.
const DefaultBaseURL = "https://api.github.com"

const requestTimeout = 30 * time.Second

// Client is a minimal GitHub REST client. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client. An empty baseURL means the public API.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// APIError is a non-2xx response, carrying the upstream message so
// callers can branch on "Reference already exists" style conditions.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: %d %s", e.StatusCode, e.Message)
}

// IsAlreadyExists reports whether err is the tree store refusing to
// create something that already exists (ref or PR).
func IsAlreadyExists(err error) bool {
	apiErr, ok := err.(*APIError)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "already exists")
}

// IsNotFound reports whether err is a 404.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return fmt.Errorf("github: reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var ge struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &ge)
		if ge.Message == "" {
			ge.Message = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: ge.Message}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("github: decoding response: %w", err)
		}
	}
	return nil
}

// ─── Refs ─────────────────────────────────────────────────────────────────────

// Ref is a branch pointer.
type Ref struct {
	Ref    string `json:"ref"`
	Object struct {
		SHA  string `json:"sha"`
		Type string `json:"type"`
	} `json:"object"`
}

// GetRef resolves refs/heads/<branch>.
func (c *Client) GetRef(ctx context.Context, repo, branch string) (*Ref, error) {
	var ref Ref
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/ref/heads/%s", repo, branch), nil, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// CreateRef creates refs/heads/<branch> at sha.
func (c *Client) CreateRef(ctx context.Context, repo, branch, sha string) error {
	body := map[string]string{"ref": "refs/heads/" + branch, "sha": sha}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/refs", repo), body, nil)
}

// UpdateRef moves refs/heads/<branch> to sha, optionally discarding
// commits the branch had (force).
func (c *Client) UpdateRef(ctx context.Context, repo, branch, sha string, force bool) error {
	body := map[string]interface{}{"sha": sha, "force": force}
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, branch), body, nil)
}

// ─── Objects ──────────────────────────────────────────────────────────────────

// Commit is a commit object.
type Commit struct {
	SHA  string `json:"sha"`
	Tree struct {
		SHA string `json:"sha"`
	} `json:"tree"`
}

// GetCommit fetches a commit object by SHA.
func (c *Client) GetCommit(ctx context.Context, repo, sha string) (*Commit, error) {
	var commit Commit
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/git/commits/%s", repo, sha), nil, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// CreateBlob stores content and returns its SHA. Content is base64
// encoded on the wire so binary-safe payloads survive.
func (c *Client) CreateBlob(ctx context.Context, repo, content string) (string, error) {
	body := map[string]string{
		"content":  base64.StdEncoding.EncodeToString([]byte(content)),
		"encoding": "base64",
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/blobs", repo), body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// TreeEntry is one path in a tree.
type TreeEntry struct {
	Path string `json:"path"`
	Mode string `json:"mode"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
}

// CreateTree builds a tree on top of baseTree.
func (c *Client) CreateTree(ctx context.Context, repo, baseTree string, entries []TreeEntry) (string, error) {
	body := map[string]interface{}{"base_tree": baseTree, "tree": entries}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/trees", repo), body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// CreateCommit writes a commit with a single parent.
func (c *Client) CreateCommit(ctx context.Context, repo, message, tree, parent string) (string, error) {
	body := map[string]interface{}{
		"message": message,
		"tree":    tree,
		"parents": []string{parent},
	}
	var out struct {
		SHA string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/git/commits", repo), body, &out); err != nil {
		return "", err
	}
	return out.SHA, nil
}

// ─── Contents & search ────────────────────────────────────────────────────────

// FileContent is the decoded contents of one file at a ref.
type FileContent struct {
	Path    string
	SHA     string
	Size    int
	Content string
}

// GetFile fetches a file's content at ref (branch or SHA). The caller
// gets decoded text; GitHub serves it base64 encoded.
func (c *Client) GetFile(ctx context.Context, repo, path, ref string) (*FileContent, error) {
	endpoint := fmt.Sprintf("/repos/%s/contents/%s", repo, strings.TrimLeft(path, "/"))
	if ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	var out struct {
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Size     int    `json:"size"`
		Encoding string `json:"encoding"`
		Content  string `json:"content"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}

	content := out.Content
	if out.Encoding == "base64" {
		// GitHub wraps base64 payloads at 60 columns.
		decoded, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content, "\n", ""))
		if err != nil {
			return nil, fmt.Errorf("github: decoding %s: %w", path, err)
		}
		content = string(decoded)
	}
	return &FileContent{Path: out.Path, SHA: out.SHA, Size: out.Size, Content: content}, nil
}

// SearchResult is one code-search hit.
type SearchResult struct {
	Path       string `json:"path"`
	Repository string `json:"repository"`
	HTMLURL    string `json:"html_url"`
}

// SearchCode runs a code search query, optionally scoped to one repo.
func (c *Client) SearchCode(ctx context.Context, query, repo string) ([]SearchResult, error) {
	q := query
	if repo != "" {
		q += " repo:" + repo
	}
	var out struct {
		TotalCount int `json:"total_count"`
		Items      []struct {
			Path       string `json:"path"`
			HTMLURL    string `json:"html_url"`
			Repository struct {
				FullName string `json:"full_name"`
			} `json:"repository"`
		} `json:"items"`
	}
	endpoint := "/search/code?q=" + url.QueryEscape(q)
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(out.Items))
	for _, item := range out.Items {
		results = append(results, SearchResult{
			Path:       item.Path,
			Repository: item.Repository.FullName,
			HTMLURL:    item.HTMLURL,
		})
	}
	return results, nil
}

// ─── Pull requests ────────────────────────────────────────────────────────────

// PullRequest is the subset of PR fields the composer reports.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	Draft   bool   `json:"draft"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

// CreatePull opens a draft pull request.
func (c *Client) CreatePull(ctx context.Context, repo, title, body, head, base string, draft bool) (*PullRequest, error) {
	payload := map[string]interface{}{
		"title": title,
		"body":  body,
		"head":  head,
		"base":  base,
		"draft": draft,
	}
	var pr PullRequest
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), payload, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// ListOpenPulls lists open PRs filtered by head and base branch. The
// head filter needs the owner prefix per the API contract.
func (c *Client) ListOpenPulls(ctx context.Context, repo, head, base string) ([]PullRequest, error) {
	owner := strings.SplitN(repo, "/", 2)[0]
	endpoint := fmt.Sprintf("/repos/%s/pulls?state=open&head=%s&base=%s",
		repo, url.QueryEscape(owner+":"+head), url.QueryEscape(base))
	var prs []PullRequest
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &prs); err != nil {
		return nil, err
	}
	return prs, nil
}

// UpdatePull patches an existing PR's title and body.
func (c *Client) UpdatePull(ctx context.Context, repo string, number int, title, body string) (*PullRequest, error) {
	payload := map[string]string{"title": title, "body": body}
	var pr PullRequest
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), payload, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}
