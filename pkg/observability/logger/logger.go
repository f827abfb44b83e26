package logger

import (
	"context"
)

// Logger defines the structured logging interface used by the job components.
// All log methods accept a message string followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With creates a child logger that includes the given key-value pairs in
	// every subsequent entry.
	With(args ...any) Logger

	// WithContext creates a child logger carrying the run id stored in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type runIDKey struct{}

// ContextWithRunID stores the identifier of the active job run in ctx.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	runID, _ := ctx.Value(runIDKey{}).(string)
	return runID
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any)                 {}
func (nopLogger) Info(string, ...any)                  {}
func (nopLogger) Warn(string, ...any)                  {}
func (nopLogger) Error(string, ...any)                 {}
func (l nopLogger) With(...any) Logger                 { return l }
func (l nopLogger) WithContext(context.Context) Logger { return l }
