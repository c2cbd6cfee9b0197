// Package audit writes the append-only record of everything an agent
// run does: LLM calls, tool calls, approvals, and outcomes.
//
// Responsibilities:
//   - Structured JSON audit trail with rotation
//   - Redaction of credential material before anything hits disk
//   - Buffered writes with periodic flush
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sleuthhq/sleuth/internal/guardrails"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Run lifecycle events
	LogRunStarted(ctx context.Context, runID string) error
	LogRunCompleted(ctx context.Context, runID string, duration time.Duration) error
	LogRunFailed(ctx context.Context, runID string, err error) error
	LogRunPaused(ctx context.Context, runID, toolName string) error
	LogRunResumed(ctx context.Context, runID string, approved bool, decidedBy string) error

	// Tool lifecycle events
	LogToolCalled(ctx context.Context, runID, toolName, tier string, args map[string]interface{}) error
	LogToolExecuted(ctx context.Context, runID, toolName string, success bool, duration time.Duration) error
	LogToolBlocked(ctx context.Context, runID, toolName, pattern string) error

	// Change events
	LogPRCreated(ctx context.Context, runID, repo, url string) error

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
	}
}

// flushInterval bounds how long a buffered event can wait before it is
// durable.
const flushInterval = 1 * time.Second

// bufferFlushSize forces a flush when this many events are pending.
const bufferFlushSize = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	out         *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger backed by a rotating file.
// Audit records are always written at info level; there is no way to
// filter them out.
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		MessageKey:     "message",
		LevelKey:       "level",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	rotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(rotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		out:         zap.New(core),
		config:      config,
		buffer:      make([]*Event, 0, bufferFlushSize),
		flushTicker: time.NewTicker(flushInterval),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log buffers an audit event for the next flush. Metadata and
// description are redacted here so credential material never reaches
// the buffer, let alone disk.
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	event.Metadata = guardrails.RedactArgs(event.Metadata)
	event.Description = guardrails.Redact(event.Description)
	event.Error = guardrails.Redact(event.Error)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)
	if len(l.buffer) >= bufferFlushSize {
		return l.flushLocked()
	}
	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			continue
		}
		l.out.Info(string(eventJSON),
			zap.String("run_id", event.RunID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]
	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogRunStarted logs when a run starts
func (l *auditLogger) LogRunStarted(ctx context.Context, runID string) error {
	event := NewEvent(EventRunStarted).
		WithRunID(runID).
		WithResult(ResultSuccess).
		WithDescription(fmt.Sprintf("Run %s started", runID))
	return l.Log(ctx, event)
}

// LogRunCompleted logs when a run completes
func (l *auditLogger) LogRunCompleted(ctx context.Context, runID string, duration time.Duration) error {
	event := NewEvent(EventRunCompleted).
		WithRunID(runID).
		WithResult(ResultSuccess).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Run %s completed", runID))
	return l.Log(ctx, event)
}

// LogRunFailed logs when a run fails
func (l *auditLogger) LogRunFailed(ctx context.Context, runID string, err error) error {
	event := NewEvent(EventRunFailed).
		WithRunID(runID).
		WithError(err).
		WithDescription(fmt.Sprintf("Run %s failed", runID))
	return l.Log(ctx, event)
}

// LogRunPaused logs suspension on a destructive tool call
func (l *auditLogger) LogRunPaused(ctx context.Context, runID, toolName string) error {
	event := NewEvent(EventRunPaused).
		WithRunID(runID).
		WithTool(toolName, "destructive").
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Run %s paused awaiting approval for %s", runID, toolName))
	return l.Log(ctx, event)
}

// LogRunResumed logs the approval decision applied to a paused run
func (l *auditLogger) LogRunResumed(ctx context.Context, runID string, approved bool, decidedBy string) error {
	result := ResultDenied
	eventType := EventApprovalRejected
	if approved {
		result = ResultSuccess
		eventType = EventApprovalApproved
	}
	event := NewEvent(eventType).
		WithRunID(runID).
		WithUser(decidedBy).
		WithResult(result).
		WithDescription(fmt.Sprintf("Run %s resumed (approved=%t)", runID, approved))
	return l.Log(ctx, event)
}

// LogToolCalled logs a tool invocation with redacted arguments
func (l *auditLogger) LogToolCalled(ctx context.Context, runID, toolName, tier string, args map[string]interface{}) error {
	event := NewEvent(EventToolCalled).
		WithRunID(runID).
		WithTool(toolName, tier).
		WithResult(ResultPending).
		WithDescription(fmt.Sprintf("Tool %s called", toolName))
	for k, v := range args {
		event.WithMetadata(k, v)
	}
	return l.Log(ctx, event)
}

// LogToolExecuted logs a tool outcome
func (l *auditLogger) LogToolExecuted(ctx context.Context, runID, toolName string, success bool, duration time.Duration) error {
	result := ResultSuccess
	if !success {
		result = ResultFailure
	}
	event := NewEvent(EventToolExecuted).
		WithRunID(runID).
		WithTool(toolName, "").
		WithResult(result).
		WithDuration(duration).
		WithDescription(fmt.Sprintf("Tool %s executed", toolName))
	return l.Log(ctx, event)
}

// LogToolBlocked logs a guardrail block
func (l *auditLogger) LogToolBlocked(ctx context.Context, runID, toolName, pattern string) error {
	event := NewEvent(EventToolBlocked).
		WithRunID(runID).
		WithTool(toolName, "").
		WithResult(ResultDenied).
		WithMetadata("pattern", pattern).
		WithDescription(fmt.Sprintf("Tool %s blocked by deny pattern", toolName))
	return l.Log(ctx, event)
}

// LogPRCreated logs a draft PR creation
func (l *auditLogger) LogPRCreated(ctx context.Context, runID, repo, url string) error {
	event := NewEvent(EventPRCreated).
		WithRunID(runID).
		WithResult(ResultSuccess).
		WithMetadata("repo", repo).
		WithMetadata("url", url).
		WithDescription(fmt.Sprintf("Draft PR created in %s", repo))
	return l.Log(ctx, event)
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.out.Sync()
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}
