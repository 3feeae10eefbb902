// Package logger wires log/slog for the services: one JSON handler on
// stdout tagged with the owning service, plus trace-ID helpers that ride
// context.Context so one alert or request can be followed across records.
package logger

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type ctxKey struct{}

var traceIDKey ctxKey

// Init builds the service logger and installs it as the slog default, so
// package-level slog.Info etc. emit the same JSON stream.
func Init(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	l := slog.New(h).With(slog.String("service", service))
	slog.SetDefault(l)
	return l
}

// ParseLevel maps a LOG_LEVEL-style string to a slog.Level. Empty or
// unknown input means Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithTraceID stashes a trace ID in the context for downstream records.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID reads the trace ID back out, or "" when none was set.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// GenerateTraceID derives a trace ID from a subject and a timestamp,
// e.g. "NSX:RELIANCE-1718000000000000000". Cheap and collision-free enough
// for log correlation; not a UUID on purpose.
func GenerateTraceID(subject string, ts time.Time) string {
	return subject + "-" + strconv.FormatInt(ts.UnixNano(), 10)
}

// LogWithTrace returns the trace-ID attr for the context, or nothing when
// no trace is active. Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	id := TraceID(ctx)
	if id == "" {
		return nil
	}
	return []any{slog.String("trace_id", id)}
}
