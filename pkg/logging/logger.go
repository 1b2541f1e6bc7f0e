package logging

import (
	"context"
	"io"
)

// Logger is the printf-style logger each component holds. Levels are
// filtered by the slog handler, configured through ROLLOUT_LOG_LEVEL.
type Logger struct {
	*SlogLogger
}

// NewLogger creates a logger for a component writing to stdout
func NewLogger(component string) *Logger {
	return &Logger{SlogLogger: NewSlogLogger(component)}
}

// NewLoggerWithWriter creates a component logger that writes to w
func NewLoggerWithWriter(component string, w io.Writer) *Logger {
	return &Logger{SlogLogger: NewSlogLoggerWithWriter(component, w)}
}

// Component returns the component name the logger was created for
func (l *Logger) Component() string {
	return l.component
}

// ForExecution returns a logger whose records carry the execution ID
func (l *Logger) ForExecution(executionID string) *Logger {
	return &Logger{SlogLogger: l.WithExecution(executionID)}
}

// WithContext returns a logger carrying the execution ID found in ctx, if any
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{SlogLogger: l.SlogLogger.WithContext(ctx)}
}

var defaultLogger = NewLogger("rollout")

// Debug logs through the process-wide logger
func Debug(format string, args ...interface{}) {
	defaultLogger.Debug(format, args...)
}

// Info logs through the process-wide logger
func Info(format string, args ...interface{}) {
	defaultLogger.Info(format, args...)
}

// Warn logs through the process-wide logger
func Warn(format string, args ...interface{}) {
	defaultLogger.Warn(format, args...)
}

// Error logs through the process-wide logger
func Error(format string, args ...interface{}) {
	defaultLogger.Error(format, args...)
}
