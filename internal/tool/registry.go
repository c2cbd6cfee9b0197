package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/sleuthhq/sleuth/internal/llm/types"
)

// ErrDuplicateTool is returned when registering a name twice.
var ErrDuplicateTool = errors.New("tool already registered")

func sprintf(format string, args ...interface{}) string {
	return fmt.Sprintf(format, args...)
}

// Registry is the name→tool map behind uniform dispatch. It is safe for
// concurrent use; registration after startup is serialized by the
// router's init lock, reads take the shared lock.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Duplicate names are a caller bug and fail
// immediately. The parameter schema is compiled for argument validation;
// a schema that does not compile disables validation for that tool only.
func (r *Registry) Register(t *Tool) error {
	if t == nil || t.Name == "" {
		return errors.New("tool requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t

	if t.Parameters != nil {
		if sch, err := compileSchema(t.Name, t.Parameters); err == nil {
			r.schemas[t.Name] = sch
		}
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool, sorted by name for stable output.
func (r *Registry) All() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Definitions returns provider-facing tool definitions.
func (r *Registry) Definitions() []types.ToolDefinition {
	tools := r.All()
	out := make([]types.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out
}

// Tier returns the risk tier for a name.
func (r *Registry) Tier(name string) (RiskTier, bool) {
	t, ok := r.Get(name)
	if !ok {
		return "", false
	}
	return t.Tier, true
}

// RequiresApproval reports whether a call to name must suspend for
// human approval. Unknown tools require approval: an unknown risk is
// treated as the highest risk.
func (r *Registry) RequiresApproval(name string) bool {
	tier, ok := r.Tier(name)
	if !ok {
		return true
	}
	return tier == TierDestructive
}

// CanAutoExecute reports whether the loop may run a call without approval.
func (r *Registry) CanAutoExecute(name string) bool {
	tier, ok := r.Tier(name)
	if !ok {
		return false
	}
	return tier == TierReadOnly || tier == TierSafeWrite
}

// Execute dispatches a call by name. It never returns a Go error or
// panics: unknown tools, invalid arguments, executor errors, and
// executor panics all surface as a failed Result the loop feeds back
// to the LLM.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, tc *Context) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res = Errorf("tool %q panicked: %v", name, rec)
		}
	}()

	t, ok := r.Get(name)
	if !ok {
		return Errorf("Unknown tool: %s", name)
	}

	if err := r.validateArgs(name, args); err != nil {
		return Errorf("invalid arguments for %q: %v", name, err)
	}

	result, err := t.Execute(ctx, args, tc)
	if err != nil {
		return Errorf("%v", err)
	}
	if result == nil {
		return Errorf("tool %q returned no result", name)
	}
	return result
}

// validateArgs checks args against the tool's compiled parameter schema.
func (r *Registry) validateArgs(name string, args map[string]interface{}) error {
	r.mu.RLock()
	sch := r.schemas[name]
	r.mu.RUnlock()
	if sch == nil {
		return nil
	}
	// Round-trip through JSON so numeric types match what the schema
	// validator expects from decoded documents.
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return sch.Validate(doc)
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
