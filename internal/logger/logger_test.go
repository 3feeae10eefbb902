package logger

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestInit_ReturnsUsableLogger(t *testing.T) {
	l := Init("test-service", slog.LevelInfo)
	if l == nil {
		t.Fatal("Init returned nil")
	}
	if !l.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info level should be enabled on an info logger")
	}
	if l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level should be disabled on an info logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":    slog.LevelDebug,
		"DEBUG":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"warn":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"":         slog.LevelInfo,
		"bogus":    slog.LevelInfo,
		"  Error ": slog.LevelError,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "" {
		t.Errorf("TraceID on bare context = %q, want empty", got)
	}
	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Errorf("TraceID after WithTraceID = %q, want trace-123", got)
	}
}

func TestGenerateTraceID_Format(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 123456789, time.UTC)
	id := GenerateTraceID("NSX:RELIANCE", ts)

	if !strings.HasPrefix(id, "NSX:RELIANCE-") {
		t.Fatalf("trace id %q should carry the subject prefix", id)
	}
	suffix := strings.TrimPrefix(id, "NSX:RELIANCE-")
	if suffix != strconv.FormatInt(ts.UnixNano(), 10) {
		t.Errorf("trace id suffix = %q, want the unix-nano timestamp", suffix)
	}
}

func TestLogWithTrace(t *testing.T) {
	if attrs := LogWithTrace(context.Background()); attrs != nil {
		t.Errorf("LogWithTrace without a trace = %v, want nil", attrs)
	}
	ctx := WithTraceID(context.Background(), "abc-123")
	if attrs := LogWithTrace(ctx); len(attrs) != 1 {
		t.Fatalf("LogWithTrace with a trace returned %d attrs, want 1", len(attrs))
	}
}
