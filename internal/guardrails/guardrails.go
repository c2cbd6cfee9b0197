// Package guardrails enforces LLM-independent safety limits on agent
// runs: deny patterns over tool arguments, hourly call and cost caps,
// and secret redaction on tool output.
//
// Responsibilities:
//   - CheckToolCall: regex deny patterns, blocking or warning
//   - AllowLLMCall / RecordUsage: fixed-window rate and cost budget
//   - Sanitize: strip secret-shaped content from tool output
//
// Guardrails never consult the LLM; they run on the loop's hot path and
// must stay cheap and deterministic.
package guardrails

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sleuthhq/sleuth/internal/llm/types"
)

// Severity of a matched pattern. Block stops the call; Warn logs and
// lets it through.
type Severity string

const (
	SeverityBlock Severity = "block"
	SeverityWarn  Severity = "warn"
)

// Pattern is one deny rule matched against the serialized tool arguments.
type Pattern struct {
	Name     string
	Severity Severity
	re       *regexp.Regexp
}

// NewPattern compiles a rule. Used for config-supplied extra rules.
func NewPattern(name string, severity Severity, expr string) (Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Pattern{}, fmt.Errorf("guardrail pattern %q: %w", name, err)
	}
	return Pattern{Name: name, Severity: severity, re: re}, nil
}

func mustPattern(name string, severity Severity, expr string) Pattern {
	return Pattern{Name: name, Severity: severity, re: regexp.MustCompile(expr)}
}

// defaultPatterns cover destructive SQL, destructive shell, and
// credential material appearing in arguments.
var defaultPatterns = []Pattern{
	mustPattern("sql_drop", SeverityBlock, `(?i)\bdrop\s+(table|database|schema|index)\b`),
	mustPattern("sql_truncate", SeverityBlock, `(?i)\btruncate\s+(table\s+)?\w`),
	mustPattern("sql_delete_no_where", SeverityBlock, `(?i)\bdelete\s+from\s+[\w."]+\s*(;|$|")`),
	mustPattern("sql_update_all_rows", SeverityBlock, `(?i)\bupdate\s+[\w."]+\s+set\b.*\bwhere\s+1\s*=\s*1`),
	mustPattern("sql_grant_all", SeverityBlock, `(?i)\bgrant\s+all\b`),
	mustPattern("sql_revoke", SeverityBlock, `(?i)\brevoke\b.*\b(on|from)\b`),
	mustPattern("shell_rm_force", SeverityBlock, `\brm\s+-[a-zA-Z]*[rf][a-zA-Z]*\s`),
	mustPattern("shell_mkfs", SeverityBlock, `\bmkfs(\.\w+)?\b`),
	mustPattern("shell_dd_device", SeverityBlock, `\bdd\s+[^"]*of=/dev/`),
	mustPattern("shell_fork_bomb", SeverityBlock, `:\(\)\s*\{\s*:\|:`),
	mustPattern("shell_chmod_777", SeverityBlock, `\bchmod\s+(-[a-zA-Z]+\s+)*0?777\b`),
	mustPattern("shell_pipe_to_shell", SeverityBlock, `\b(curl|wget)\b[^|]*\|\s*(sudo\s+)?(ba|z|da)?sh\b`),
	mustPattern("shell_eval_subst", SeverityBlock, `\beval\s+[\\"']*\$\(`),
	mustPattern("shell_write_block_device", SeverityBlock, `>\s*/dev/(sd|nvme|xvd|hd)`),
	mustPattern("git_force_push", SeverityWarn, `\bgit\s+push\b[^"]*(--force|-f)\b`),
	mustPattern("kubectl_delete", SeverityWarn, `\bkubectl\s+delete\b`),
	mustPattern("secret_in_args", SeverityWarn, `(?i)\b(password|passwd|api[_-]?key|secret|token)["']?\s*[:=]`),
	mustPattern("private_key_material", SeverityWarn, `-----BEGIN [A-Z ]*PRIVATE KEY-----`),
	mustPattern("long_hex_secret", SeverityWarn, `\b[0-9a-fA-F]{48,}\b`),
}

// redactions strip secret-shaped content from tool output before it
// enters the transcript or any log. Each rule keeps the key or prefix
// and masks the value.
type redaction struct {
	re   *regexp.Regexp
	repl string
}

var redactions = []redaction{
	{regexp.MustCompile(`(?i)\b(password|passwd|api[_-]?key|secret|token|credential)(["']?\s*[:=]\s*["']?)[^\s"',}]+`), "${1}${2}***REDACTED***"},
	{regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)[A-Za-z0-9._~+/=-]+`), "${1}***REDACTED***"},
	{regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "***REDACTED***"},
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`), "***REDACTED***"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9-]{20,}\b`), "***REDACTED***"},
}

const redactedPlaceholder = "***REDACTED***"

// Limits configure the engine.
type Limits struct {
	MaxLLMCallsPerHour int     `json:"max_llm_calls_per_hour"`
	MaxCostPerHour     float64 `json:"max_cost_per_hour"`
}

// DefaultLimits allow a busy hour of investigations without letting a
// runaway loop spend unbounded money.
func DefaultLimits() Limits {
	return Limits{MaxLLMCallsPerHour: 300, MaxCostPerHour: 10.0}
}

// Engine implements the loop's guard surface.
type Engine struct {
	patterns []Pattern
	limits   Limits
	logger   *zap.Logger

	mu          sync.Mutex
	windowStart time.Time
	calls       int
	cost        float64
	now         func() time.Time
}

// New creates an engine with the default deny patterns plus any extras.
func New(limits Limits, logger *zap.Logger, extra ...Pattern) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	patterns := make([]Pattern, 0, len(defaultPatterns)+len(extra))
	patterns = append(patterns, defaultPatterns...)
	patterns = append(patterns, extra...)
	return &Engine{
		patterns: patterns,
		limits:   limits,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckToolCall matches the serialized arguments against the deny
// patterns. A block-severity match returns an error; warn-severity
// matches only log.
func (e *Engine) CheckToolCall(name string, args map[string]interface{}) error {
	// Plain encoding: json.Marshal HTML-escapes > and hides shell
	// redirections from the patterns.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		// Unserializable args cannot be vetted; refuse the call.
		return fmt.Errorf("arguments not inspectable: %v", err)
	}
	text := buf.String()

	for _, p := range e.patterns {
		if !p.re.MatchString(text) {
			continue
		}
		if p.Severity == SeverityBlock {
			e.logger.Warn("tool call blocked by deny pattern",
				zap.String("tool", name),
				zap.String("pattern", p.Name))
			return fmt.Errorf("arguments match deny pattern %q", p.Name)
		}
		e.logger.Warn("tool call matched warning pattern",
			zap.String("tool", name),
			zap.String("pattern", p.Name))
	}
	return nil
}

// AllowLLMCall checks the hourly call and cost caps. The window is a
// fixed hour starting at the first call after a reset.
func (e *Engine) AllowLLMCall() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollWindowLocked()

	if e.limits.MaxLLMCallsPerHour > 0 && e.calls >= e.limits.MaxLLMCallsPerHour {
		return fmt.Errorf("hourly LLM call cap reached (%d)", e.limits.MaxLLMCallsPerHour)
	}
	if e.limits.MaxCostPerHour > 0 && e.cost >= e.limits.MaxCostPerHour {
		return fmt.Errorf("hourly LLM cost cap reached ($%.2f)", e.limits.MaxCostPerHour)
	}
	e.calls++
	return nil
}

// RecordUsage adds a call's actual cost to the window.
func (e *Engine) RecordUsage(usage types.TokenUsage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rollWindowLocked()
	e.cost += usage.EstimatedCost
}

// Sanitize redacts secret-shaped content from tool output.
func (e *Engine) Sanitize(output string) string {
	return Redact(output)
}

// Redact applies the redaction patterns to any string.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

func (e *Engine) rollWindowLocked() {
	now := e.now()
	if e.windowStart.IsZero() || now.Sub(e.windowStart) >= time.Hour {
		e.windowStart = now
		e.calls = 0
		e.cost = 0
	}
}

// ContainsSecret reports whether a string matches any redaction
// pattern, used by the audit layer to decide whether to drop a field.
func ContainsSecret(s string) bool {
	for _, r := range redactions {
		if r.re.MatchString(s) {
			return true
		}
	}
	return false
}

// secretKeyNames are argument keys whose values are always redacted in
// audit records regardless of value shape.
var secretKeyNames = []string{"password", "passwd", "secret", "token", "api_key", "apikey", "key", "credential", "authorization"}

// RedactArgs returns a copy of args with secret-named keys masked.
func RedactArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isSecretKey(k) {
			out[k] = redactedPlaceholder
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = RedactArgs(nested)
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = Redact(s)
			continue
		}
		out[k] = v
	}
	return out
}

func isSecretKey(k string) bool {
	lk := strings.ToLower(k)
	for _, name := range secretKeyNames {
		if lk == name || strings.HasSuffix(lk, "_"+name) {
			return true
		}
	}
	return false
}
