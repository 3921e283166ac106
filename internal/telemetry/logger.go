package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/szaher/stagehand/internal/secrets"
)

type contextKey string

const correlationIDKey contextKey = "correlation_id"

// LogOptions controls how NewLogger builds its handler.
type LogOptions struct {
	// Format is "json" (default) or "text".
	Format string
	// Level is shared with the caller so the level can be changed at runtime.
	Level *slog.LevelVar
	// Redact, when set, wraps the handler so known secret values are scrubbed.
	Redact *secrets.RedactFilter
}

// NewLogger creates a structured logger with default fields.
// It returns the redact filter in use so callers can register secrets later.
func NewLogger(w io.Writer, opts LogOptions) (*slog.Logger, *secrets.RedactFilter) {
	if w == nil {
		w = os.Stdout
	}
	level := opts.Level
	if level == nil {
		level = new(slog.LevelVar)
	}
	hopts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(opts.Format, "text") {
		handler = slog.NewTextHandler(w, hopts)
	} else {
		handler = slog.NewJSONHandler(w, hopts)
	}

	filter := opts.Redact
	if filter == nil {
		filter = secrets.NewRedactFilter(handler)
	}
	return slog.New(filter), filter
}

// ParseLevel maps a config level string to a slog.Level. Unknown values map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithCorrelationID adds a correlation ID to the context.
// If id is empty, a new random ID is generated.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		b := make([]byte, 16)
		_, _ = rand.Read(b)
		id = hex.EncodeToString(b)
	}
	return context.WithValue(ctx, correlationIDKey, id)
}

// CorrelationID retrieves the correlation ID from context.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey).(string); ok {
		return id
	}
	return ""
}

// RequestLogger returns a logger with request-scoped fields.
func RequestLogger(logger *slog.Logger, ctx context.Context, component string) *slog.Logger {
	attrs := []any{
		slog.String("component", component),
	}
	if id := CorrelationID(ctx); id != "" {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	return logger.With(attrs...)
}
