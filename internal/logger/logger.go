// Package logger provides the structured logging interface used across the
// monitoring subsystems. It wraps log/slog behind a small typed-field API so
// components depend on an interface rather than a concrete logging backend.
package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// LogLevel controls the minimum severity a logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

// Field is a typed key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float64 field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Duration returns a duration field.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value} }

// Time returns a time field.
func Time(key string, value time.Time) Field { return Field{Key: key, Value: value} }

// Any returns a field with an arbitrary value.
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Error returns a field carrying an error under the conventional "error" key.
// A nil error produces an empty string value.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger is the structured logging interface injected into components.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child logger that includes the given fields on every entry.
	With(fields ...Field) Logger
}

// Options tunes slog-backed logger construction.
type Options struct {
	// JSON selects JSON output instead of logfmt-style text.
	JSON bool
	// AddSource includes file:line of the call site.
	AddSource bool
}

// slogLogger adapts *slog.Logger to the Logger interface.
type slogLogger struct {
	sl *slog.Logger
}

// NewSlogLogger creates a Logger writing to w at the given minimum level.
// opts may be nil for text output without source locations.
func NewSlogLogger(w io.Writer, level LogLevel, opts *Options) Logger {
	if opts == nil {
		opts = &Options{}
	}
	hopts := &slog.HandlerOptions{
		Level:     toSlogLevel(level),
		AddSource: opts.AddSource,
	}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(w, hopts)
	} else {
		handler = slog.NewTextHandler(w, hopts)
	}
	return &slogLogger{sl: slog.New(handler)}
}

// NewNop returns a logger that discards all output. Useful in tests.
func NewNop() Logger {
	return NewSlogLogger(io.Discard, LogLevelError, nil)
}

func toSlogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func toAttrs(fields []Field) []any {
	attrs := make([]any, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}

func (l *slogLogger) Debug(msg string, fields ...Field) {
	l.sl.LogAttrs(context.Background(), slog.LevelDebug, msg, argsToAttrs(fields)...)
}

func (l *slogLogger) Info(msg string, fields ...Field) {
	l.sl.LogAttrs(context.Background(), slog.LevelInfo, msg, argsToAttrs(fields)...)
}

func (l *slogLogger) Warn(msg string, fields ...Field) {
	l.sl.LogAttrs(context.Background(), slog.LevelWarn, msg, argsToAttrs(fields)...)
}

func (l *slogLogger) Error(msg string, fields ...Field) {
	l.sl.LogAttrs(context.Background(), slog.LevelError, msg, argsToAttrs(fields)...)
}

func (l *slogLogger) With(fields ...Field) Logger {
	return &slogLogger{sl: l.sl.With(toAttrs(fields)...)}
}

func argsToAttrs(fields []Field) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(fields))
	for _, f := range fields {
		attrs = append(attrs, slog.Any(f.Key, f.Value))
	}
	return attrs
}
