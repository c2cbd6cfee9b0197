package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// snippetMinSize is the existing-file size below which the shrink check
// does not apply; tiny files legitimately get rewritten wholesale.
const snippetMinSize = 50

// snippetShrinkRatio rejects a replacement smaller than this fraction of
// the original. LLMs sometimes emit only the changed function, which
// would delete the rest of the file.
const snippetShrinkRatio = 0.3

// previewLen is how much of the original file a validation error quotes
// back so the model can produce the full file on retry.
const previewLen = 300

// FileEdit is one file the pull request writes.
type FileEdit struct {
	Path    string
	Content string
}

// ComposeInput is the normalized input to the commit protocol.
type ComposeInput struct {
	Repo  string
	Title string
	Body  string
	Base  string
	Head  string
	Files []FileEdit
}

// ComposeResult reports what the protocol did.
type ComposeResult struct {
	Action    string `json:"action"` // created | updated
	Number    int    `json:"pr_number"`
	URL       string `json:"url"`
	Branch    string `json:"branch"`
	CommitSHA string `json:"commit_sha"`
}

// ParseComposeArgs normalizes raw tool arguments into a ComposeInput.
// It is deliberately forgiving about the malformations language models
// produce: files as a JSON string, filename instead of path, and
// escaped newlines in content.
func ParseComposeArgs(args map[string]interface{}) (*ComposeInput, error) {
	in := &ComposeInput{
		Repo:  stringArg(args, "repo"),
		Title: stringArg(args, "title"),
		Body:  stringArg(args, "body"),
		Base:  stringArg(args, "base"),
		Head:  stringArg(args, "head"),
	}
	if in.Repo == "" || !strings.Contains(in.Repo, "/") {
		return nil, fmt.Errorf(`repo must be "owner/name", got %q`, in.Repo)
	}
	if in.Title == "" {
		return nil, fmt.Errorf("title is required")
	}
	if in.Base == "" {
		in.Base = "main"
	}
	if in.Head == "" {
		return nil, fmt.Errorf("head branch is required")
	}

	rawFiles := args["files"]
	if s, ok := rawFiles.(string); ok {
		var parsed interface{}
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, fmt.Errorf("files arrived as a string but is not valid JSON: %v", err)
		}
		rawFiles = parsed
	}
	list, ok := rawFiles.([]interface{})
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("files must be a non-empty array of {path, content}")
	}

	for i, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("files[%d] must be an object with path and content", i)
		}
		path := stringArg(entry, "path")
		if path == "" {
			path = stringArg(entry, "filename")
		}
		if path == "" {
			return nil, fmt.Errorf("files[%d] is missing path", i)
		}
		content := stringArg(entry, "content")
		in.Files = append(in.Files, FileEdit{
			Path:    strings.TrimLeft(path, "/"),
			Content: unescapeContent(content),
		})
	}
	return in, nil
}

func stringArg(args map[string]interface{}, key string) string {
	s, _ := args[key].(string)
	return s
}

// unescapeContent repairs content where the model emitted literal \n
// escape sequences instead of newlines. Content with a healthy share of
// real newlines passes through bit-exact.
func unescapeContent(content string) string {
	literal := strings.Count(content, `\n`)
	if literal == 0 {
		return content
	}
	real := strings.Count(content, "\n")
	if real == 0 || literal > real {
		content = strings.ReplaceAll(content, `\n`, "\n")
		content = strings.ReplaceAll(content, `\t`, "\t")
	}
	return content
}

// Composer executes the draft-PR commit protocol against a tree store.
type Composer struct {
	client *Client
	logger *zap.Logger
}

// NewComposer creates a composer.
func NewComposer(client *Client, logger *zap.Logger) *Composer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{client: client, logger: logger}
}

// Compose validates the edits and runs the commit protocol:
// resolve base, create-or-reset head, blobs (parallel), tree, commit,
// ref update, draft PR (update the open PR instead when one exists).
func (c *Composer) Compose(ctx context.Context, in *ComposeInput) (*ComposeResult, error) {
	if err := c.validateEdits(ctx, in); err != nil {
		return nil, err
	}

	baseRef, err := c.client.GetRef(ctx, in.Repo, in.Base)
	if err != nil {
		return nil, fmt.Errorf("resolving base %q: %w", in.Base, err)
	}
	baseSHA := baseRef.Object.SHA

	// Reset an existing head back to base so re-runs are idempotent.
	if err := c.client.CreateRef(ctx, in.Repo, in.Head, baseSHA); err != nil {
		if !IsAlreadyExists(err) {
			return nil, fmt.Errorf("creating branch %q: %w", in.Head, err)
		}
		if err := c.client.UpdateRef(ctx, in.Repo, in.Head, baseSHA, true); err != nil {
			return nil, fmt.Errorf("resetting branch %q: %w", in.Head, err)
		}
	}

	baseCommit, err := c.client.GetCommit(ctx, in.Repo, baseSHA)
	if err != nil {
		return nil, fmt.Errorf("fetching base commit: %w", err)
	}

	entries, err := c.createBlobs(ctx, in)
	if err != nil {
		return nil, err
	}

	treeSHA, err := c.client.CreateTree(ctx, in.Repo, baseCommit.Tree.SHA, entries)
	if err != nil {
		return nil, fmt.Errorf("creating tree: %w", err)
	}

	commitSHA, err := c.client.CreateCommit(ctx, in.Repo, in.Title, treeSHA, baseSHA)
	if err != nil {
		return nil, fmt.Errorf("creating commit: %w", err)
	}

	if err := c.client.UpdateRef(ctx, in.Repo, in.Head, commitSHA, false); err != nil {
		return nil, fmt.Errorf("updating branch %q: %w", in.Head, err)
	}

	pr, err := c.client.CreatePull(ctx, in.Repo, in.Title, in.Body, in.Head, in.Base, true)
	if err == nil {
		c.logger.Info("draft pull request created",
			zap.String("repo", in.Repo),
			zap.Int("number", pr.Number),
			zap.String("head", in.Head))
		return &ComposeResult{
			Action:    "created",
			Number:    pr.Number,
			URL:       pr.HTMLURL,
			Branch:    in.Head,
			CommitSHA: commitSHA,
		}, nil
	}
	if !IsAlreadyExists(err) {
		return nil, fmt.Errorf("creating pull request: %w", err)
	}

	// A PR for this head+base is already open; refresh its title/body.
	open, listErr := c.client.ListOpenPulls(ctx, in.Repo, in.Head, in.Base)
	if listErr != nil {
		return nil, fmt.Errorf("locating existing pull request: %w", listErr)
	}
	if len(open) == 0 {
		return nil, fmt.Errorf("pull request reported as existing but not found open for %s -> %s", in.Head, in.Base)
	}
	updated, err := c.client.UpdatePull(ctx, in.Repo, open[0].Number, in.Title, in.Body)
	if err != nil {
		return nil, fmt.Errorf("updating pull request #%d: %w", open[0].Number, err)
	}
	c.logger.Info("existing pull request updated",
		zap.String("repo", in.Repo),
		zap.Int("number", updated.Number))
	return &ComposeResult{
		Action:    "updated",
		Number:    updated.Number,
		URL:       updated.HTMLURL,
		Branch:    in.Head,
		CommitSHA: commitSHA,
	}, nil
}

// createBlobs uploads every file's content concurrently. Blob creation
// is content addressed, so parallel and repeated uploads are safe.
func (c *Composer) createBlobs(ctx context.Context, in *ComposeInput) ([]TreeEntry, error) {
	entries := make([]TreeEntry, len(in.Files))

	g, gctx := errgroup.WithContext(ctx)
	for i, f := range in.Files {
		i, f := i, f
		g.Go(func() error {
			sha, err := c.client.CreateBlob(gctx, in.Repo, f.Content)
			if err != nil {
				return fmt.Errorf("creating blob for %s: %w", f.Path, err)
			}
			entries[i] = TreeEntry{Path: f.Path, Mode: "100644", Type: "blob", SHA: sha}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// validateEdits applies the pre-write sanity checks against what base
// currently holds. Files absent on base are new and skip validation.
func (c *Composer) validateEdits(ctx context.Context, in *ComposeInput) error {
	for _, f := range in.Files {
		existing, err := c.client.GetFile(ctx, in.Repo, f.Path, in.Base)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return fmt.Errorf("checking %s on %s: %w", f.Path, in.Base, err)
		}

		if err := checkShrink(f, existing); err != nil {
			return err
		}
		if err := checkMissingImports(f, existing); err != nil {
			return err
		}
	}
	return nil
}

// checkShrink rejects replacements that would erase most of an existing
// file, quoting the original so the model can resend the full content.
func checkShrink(f FileEdit, existing *FileContent) error {
	oldSize := existing.Size
	if oldSize == 0 {
		oldSize = len(existing.Content)
	}
	newSize := len(f.Content)
	if oldSize > snippetMinSize && float64(newSize) < snippetShrinkRatio*float64(oldSize) {
		preview := existing.Content
		if len(preview) > previewLen {
			preview = preview[:previewLen]
		}
		return fmt.Errorf(
			"VALIDATION FAILED for %s: new content (%d bytes) replaces only a fraction of the existing file (%d bytes). "+
				"Send the complete file content, not just the changed section. The existing file begins:\n%s",
			f.Path, newSize, oldSize, preview)
	}
	return nil
}

var functionTokens = []string{"def ", "func ", "function ", "fn ", "class "}

var importTokens = []string{"import ", "from ", "require(", "#include", "use "}

// checkMissingImports catches the smaller snippet shape: content that
// opens directly with a function definition while the original carried
// import statements the snippet dropped.
func checkMissingImports(f FileEdit, existing *FileContent) error {
	trimmed := strings.TrimSpace(f.Content)
	startsWithFunc := false
	for _, tok := range functionTokens {
		if strings.HasPrefix(trimmed, tok) {
			startsWithFunc = true
			break
		}
	}
	if !startsWithFunc {
		return nil
	}
	if !containsAny(existing.Content, importTokens) {
		return nil
	}
	if containsAny(f.Content, importTokens) {
		return nil
	}
	return fmt.Errorf(
		"VALIDATION FAILED for %s: new content starts at a function definition and drops the import statements the existing file has. "+
			"Send the complete file including imports.", f.Path)
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if strings.Contains(s, tok) {
			return true
		}
	}
	return false
}
