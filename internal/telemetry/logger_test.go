package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger, filter := NewLogger(&buf, LogOptions{})
	filter.AddSecret("sk-very-secret")

	logger.Info("starting sandbox", "env", "KEY=sk-very-secret")

	if strings.Contains(buf.String(), "sk-very-secret") {
		t.Fatalf("secret leaked into log output: %s", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected JSON log line: %v", err)
	}
}

func TestLoggerLevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(slog.LevelWarn)
	logger, _ := NewLogger(&buf, LogOptions{Format: "text", Level: level})

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	level.Set(slog.LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug line missing after level change: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestCorrelationID(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "")
	id := CorrelationID(ctx)
	if len(id) != 32 {
		t.Errorf("generated correlation id %q, want 32 hex chars", id)
	}

	ctx = WithCorrelationID(context.Background(), "fixed")
	if got := CorrelationID(ctx); got != "fixed" {
		t.Errorf("CorrelationID = %q, want fixed", got)
	}
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID on empty ctx = %q", got)
	}
}
