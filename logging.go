// logging.go: Pluggable logging system for the plugin host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

type loggerContextKey struct{}

// Logger is the structured logger shared by every host component. Arguments
// after the message are alternating key-value pairs.
//
// Example usage:
//
//	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
//	host, err := NewHost(DefaultConfig(), WithLogger(zl))
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a logger that prepends args to every entry.
	With(args ...any) Logger
}

// NewLogger normalises logger into a Logger. It accepts a Logger, a
// zerolog.Logger or *zerolog.Logger, or nil for silence, and panics on any
// other type.
func NewLogger(logger any) Logger {
	switch l := logger.(type) {
	case nil:
		return NewNoOpLogger()
	case Logger:
		return l
	case zerolog.Logger:
		return NewZerologAdapter(l)
	case *zerolog.Logger:
		if l == nil {
			return NewNoOpLogger()
		}
		return NewZerologAdapter(*l)
	default:
		panic(fmt.Sprintf("pluginhost: unsupported logger type %T", logger))
	}
}

// NoOpLogger drops every entry.
type NoOpLogger struct{}

// NewNoOpLogger returns a logger that drops every entry.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) Debug(string, ...any) {}
func (n *NoOpLogger) Info(string, ...any)  {}
func (n *NoOpLogger) Warn(string, ...any)  {}
func (n *NoOpLogger) Error(string, ...any) {}

// With returns n.
func (n *NoOpLogger) With(...any) Logger { return n }

// TestLogger captures log messages so tests can assert on them.
//
// Loggers derived through With share the same capture buffer and prepend
// their persistent fields to the captured arguments.
type TestLogger struct {
	sink   *testLogSink
	fields []any
}

type testLogSink struct {
	mu       sync.RWMutex
	messages []TestLogMessage
}

// TestLogMessage represents a captured log message for testing.
type TestLogMessage struct {
	Level   string
	Message string
	Args    []any
}

// NewTestLogger creates a new test logger.
func NewTestLogger() *TestLogger {
	return &TestLogger{sink: &testLogSink{}}
}

func (t *TestLogger) record(level, msg string, args []any) {
	all := make([]any, 0, len(t.fields)+len(args))
	all = append(all, t.fields...)
	all = append(all, args...)

	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.sink.messages = append(t.sink.messages, TestLogMessage{
		Level:   level,
		Message: msg,
		Args:    all,
	})
}

func (t *TestLogger) Debug(msg string, args ...any) { t.record("DEBUG", msg, args) }
func (t *TestLogger) Info(msg string, args ...any)  { t.record("INFO", msg, args) }
func (t *TestLogger) Warn(msg string, args ...any)  { t.record("WARN", msg, args) }
func (t *TestLogger) Error(msg string, args ...any) { t.record("ERROR", msg, args) }

// With returns a logger sharing the capture buffer.
func (t *TestLogger) With(args ...any) Logger {
	fields := make([]any, 0, len(t.fields)+len(args))
	fields = append(fields, t.fields...)
	fields = append(fields, args...)
	return &TestLogger{sink: t.sink, fields: fields}
}

// Messages returns a copy of every captured message.
func (t *TestLogger) Messages() []TestLogMessage {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	out := make([]TestLogMessage, len(t.sink.messages))
	copy(out, t.sink.messages)
	return out
}

// HasMessage reports whether an entry with exactly this level and message was
// captured. Levels are DEBUG, INFO, WARN and ERROR.
func (t *TestLogger) HasMessage(level, message string) bool {
	t.sink.mu.RLock()
	defer t.sink.mu.RUnlock()
	for _, msg := range t.sink.messages {
		if msg.Level == level && msg.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured messages.
func (t *TestLogger) Clear() {
	t.sink.mu.Lock()
	defer t.sink.mu.Unlock()
	t.sink.messages = t.sink.messages[:0]
}

// DefaultLogger returns the logger used when none is configured.
func DefaultLogger() Logger {
	return NewNoOpLogger()
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or the
// default logger.
func LoggerFromContext(ctx context.Context) Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(Logger); ok {
			return logger
		}
	}
	return DefaultLogger()
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}
