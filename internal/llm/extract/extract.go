// Package extract recovers tool calls that a model emitted as JSON in
// plain text instead of a structured tool-use block. Smaller models,
// and larger ones under long contexts, routinely do this; absorbing it
// here keeps the agent loop oblivious to the malformation.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/sleuthhq/sleuth/internal/llm/types"
)

// candidate is the shape we look for inside free text. Models disagree on
// whether the argument key is "parameters" or "arguments".
type candidate struct {
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
	Arguments  map[string]interface{} `json:"arguments"`
}

// ToolCalls scans content for embedded {"name":..., "parameters"|"arguments":...}
// objects and returns them as synthetic tool calls with generated ids.
// Scanning uses balanced-brace matching that respects JSON strings and
// escape sequences, so braces inside string values do not confuse it.
//
// When at least one call is recovered the caller should suppress the
// text content and treat the turn as a tool-call turn.
func ToolCalls(content string) []types.ToolCall {
	var calls []types.ToolCall
	for _, obj := range balancedObjects(content) {
		var c candidate
		if err := json.Unmarshal([]byte(obj), &c); err != nil {
			continue
		}
		if c.Name == "" {
			continue
		}
		args := c.Parameters
		if args == nil {
			args = c.Arguments
		}
		if args == nil {
			// A bare {"name": ...} without arguments is not a tool call.
			continue
		}
		raw, err := json.Marshal(args)
		if err != nil {
			continue
		}
		calls = append(calls, types.ToolCall{
			ID:        "call_" + uuid.New().String()[:8],
			Name:      c.Name,
			Arguments: string(raw),
		})
	}
	return calls
}

// balancedObjects returns every top-level balanced {...} span in s.
// The scanner tracks string state and backslash escapes; a '{' or '}'
// inside a JSON string does not affect nesting depth.
func balancedObjects(s string) []string {
	var (
		spans    []string
		depth    int
		start    int
		inString bool
		escaped  bool
	)
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue // stray closing brace in prose
			}
			depth--
			if depth == 0 {
				spans = append(spans, s[start:i+1])
			}
		}
	}
	return spans
}

// LooksLikeToolJSON is a cheap pre-filter so providers can skip the full
// scan for ordinary prose responses.
func LooksLikeToolJSON(content string) bool {
	return strings.Contains(content, `"name"`) &&
		(strings.Contains(content, `"parameters"`) || strings.Contains(content, `"arguments"`))
}
