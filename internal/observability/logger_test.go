package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerTo_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.Debug("hidden")
	logger.Info("admitted", "priority", "high")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered at info level: %s", out)
	}
	if !strings.Contains(out, `"priority":"high"`) {
		t.Errorf("expected JSON attribute in output, got %s", out)
	}
}

func TestNewLoggerTo_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "text"})

	logger.Debug("queued", "id", "abc")

	if !strings.Contains(buf.String(), "id=abc") {
		t.Errorf("expected text attribute in output, got %s", buf.String())
	}
}

func TestNewLeveledLogger_RuntimeLevel(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	logger := NewLeveledLogger(&buf, LoggingConfig{Level: "warn"}, level)

	logger.Info("before")
	level.Set(slog.LevelDebug)
	logger.Debug("after")

	out := buf.String()
	if strings.Contains(out, "before") {
		t.Errorf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "after") {
		t.Errorf("debug line should pass after level change: %s", out)
	}
}

func TestLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerTo(&buf, LoggingConfig{Format: "json"})

	ctx := ContextWithRequestID(context.Background(), "req-42")
	LoggerWithRequestID(ctx, base).Info("routed")
	if !strings.Contains(buf.String(), `"request_id":"req-42"`) {
		t.Errorf("expected request ID in output, got %s", buf.String())
	}

	if got := LoggerWithRequestID(context.Background(), base); got != base {
		t.Error("logger without request ID should be returned unchanged")
	}
	if LoggerWithRequestID(context.Background(), nil) == nil {
		t.Error("nil logger should fall back to slog.Default()")
	}
}
