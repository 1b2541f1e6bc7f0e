package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// contextKey is a type for context keys to avoid collisions
type contextKey string

// ExecutionIDKey is the context key for execution IDs
const ExecutionIDKey contextKey = "executionID"

// Environment variables controlling the log handler
const (
	EnvLogLevel  = "ROLLOUT_LOG_LEVEL"
	EnvLogFormat = "ROLLOUT_LOG_FORMAT"
)

// SlogLogger provides structured logging using slog
type SlogLogger struct {
	logger    *slog.Logger
	component string
}

// NewSlogLogger creates a new logger using slog backend
func NewSlogLogger(component string) *SlogLogger {
	return NewSlogLoggerWithWriter(component, os.Stdout)
}

// NewSlogLoggerWithWriter creates a slog-backed logger writing to w
func NewSlogLoggerWithWriter(component string, w io.Writer) *SlogLogger {
	return &SlogLogger{
		logger:    slog.New(createHandler(w)),
		component: component,
	}
}

// createHandler creates an appropriate slog handler based on environment variables
func createHandler(output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       getLogLevelSlog(),
		ReplaceAttr: replaceAttr,
	}

	if strings.EqualFold(os.Getenv(EnvLogFormat), "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

// getLogLevelSlog determines the slog level from environment
func getLogLevelSlog() slog.Level {
	switch strings.ToUpper(os.Getenv(EnvLogLevel)) {
	case "TRACE", "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// replaceAttr renders durations in a human readable form
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().String())
	}
	return a
}

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Debug logs a debug-level message
func (l *SlogLogger) Debug(msg string, args ...interface{}) {
	l.logger.Debug(format(msg, args), "component", l.component)
}

// Info logs an info-level message
func (l *SlogLogger) Info(msg string, args ...interface{}) {
	l.logger.Info(format(msg, args), "component", l.component)
}

// Warn logs a warning-level message
func (l *SlogLogger) Warn(msg string, args ...interface{}) {
	l.logger.Warn(format(msg, args), "component", l.component)
}

// Error logs an error-level message
func (l *SlogLogger) Error(msg string, args ...interface{}) {
	l.logger.Error(format(msg, args), "component", l.component)
}

// WithContext returns a logger carrying the execution ID stored in ctx, if any
func (l *SlogLogger) WithContext(ctx context.Context) *SlogLogger {
	if id, ok := ctx.Value(ExecutionIDKey).(string); ok && id != "" {
		return l.WithExecution(id)
	}
	return l
}

// WithExecution returns a logger tagged with an execution ID
func (l *SlogLogger) WithExecution(executionID string) *SlogLogger {
	return &SlogLogger{
		logger:    l.logger.With("execution_id", executionID),
		component: l.component,
	}
}

// WithFields returns a logger with additional fields
func (l *SlogLogger) WithFields(fields map[string]interface{}) *SlogLogger {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &SlogLogger{
		logger:    l.logger.With(args...),
		component: l.component,
	}
}

// IsDebugEnabled returns true if debug logging is enabled
func (l *SlogLogger) IsDebugEnabled() bool {
	return l.logger.Enabled(context.Background(), slog.LevelDebug)
}

// Operation logs an operation with structured data
func (l *SlogLogger) Operation(ctx context.Context, operation string, details map[string]interface{}) {
	if !l.IsDebugEnabled() {
		return
	}

	args := []interface{}{"component", l.component, "operation", operation}
	for k, v := range details {
		args = append(args, k, v)
	}

	l.logger.DebugContext(ctx, "Operation", args...)
}

// Success logs a successful operation
func (l *SlogLogger) Success(ctx context.Context, operation string, details ...interface{}) {
	args := []interface{}{"component", l.component, "operation", operation, "status", "success"}
	if len(details) > 0 {
		args = append(args, "details", details[0])
	}

	l.logger.InfoContext(ctx, "Operation completed successfully", args...)
}

// Failure logs a failed operation
func (l *SlogLogger) Failure(ctx context.Context, operation string, err error) {
	l.logger.ErrorContext(ctx, "Operation failed",
		"component", l.component,
		"operation", operation,
		"status", "failed",
		"error", err)
}

// Specialized logging methods for rollout progress

// PhaseStart logs the start of a strategy phase
func (l *SlogLogger) PhaseStart(phase string, current, total, components int) {
	l.logger.Info("Starting phase",
		"component", l.component,
		"phase", phase,
		"current", current,
		"total", total,
		"components", components)
}

// PhaseFinished logs the outcome of a strategy phase
func (l *SlogLogger) PhaseFinished(phase, status string, elapsed time.Duration) {
	level := slog.LevelInfo
	if status != "completed" {
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, "Phase finished",
		"component", l.component,
		"phase", phase,
		"status", status,
		"elapsed", elapsed)
}

// RollbackStep logs a single rollback step attempt
func (l *SlogLogger) RollbackStep(step, target string, attempt int, err error) {
	if err != nil {
		l.logger.Warn("Rollback step attempt failed",
			"component", l.component,
			"step", step,
			"target", target,
			"attempt", attempt,
			"error", err)
		return
	}
	l.logger.Info("Rollback step succeeded",
		"component", l.component,
		"step", step,
		"target", target,
		"attempt", attempt)
}

// ExecutionSummary logs the final state of an execution
func (l *SlogLogger) ExecutionSummary(executionID, status string, deployed, total int) {
	l.logger.Info("Execution finished",
		"component", l.component,
		"execution_id", executionID,
		"status", status,
		"deployed", deployed,
		"total", total)
}
