package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

// Placeholder replaces secret values in redacted output.
const Placeholder = "***REDACTED***"

// redactSet is shared by a filter and every handler derived from it.
type redactSet struct {
	mu     sync.RWMutex
	values map[string]struct{}
}

func (s *redactSet) snapshot() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.values))
	for v := range s.values {
		out = append(out, v)
	}
	return out
}

// RedactFilter wraps a slog handler to scrub resolved secret values from log output.
type RedactFilter struct {
	inner slog.Handler
	set   *redactSet
}

// NewRedactFilter creates a log handler that redacts known secret values.
func NewRedactFilter(inner slog.Handler) *RedactFilter {
	return &RedactFilter{
		inner: inner,
		set:   &redactSet{values: make(map[string]struct{})},
	}
}

// AddSecret registers a value to be redacted from log output.
func (f *RedactFilter) AddSecret(value string) {
	if value == "" {
		return
	}
	f.set.mu.Lock()
	defer f.set.mu.Unlock()
	f.set.values[value] = struct{}{}
}

// Enabled delegates to the inner handler.
func (f *RedactFilter) Enabled(ctx context.Context, level slog.Level) bool {
	return f.inner.Enabled(ctx, level)
}

// Handle redacts secret values from the message and string attributes, including
// attributes nested in groups.
func (f *RedactFilter) Handle(ctx context.Context, record slog.Record) error {
	values := f.set.snapshot()
	if len(values) == 0 {
		return f.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, scrub(record.Message, values), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, values))
		return true
	})
	return f.inner.Handle(ctx, out)
}

// WithAttrs returns a derived filter sharing this filter's secret set.
func (f *RedactFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactFilter{inner: f.inner.WithAttrs(attrs), set: f.set}
}

// WithGroup returns a derived filter sharing this filter's secret set.
func (f *RedactFilter) WithGroup(name string) slog.Handler {
	return &RedactFilter{inner: f.inner.WithGroup(name), set: f.set}
}

// redactString replaces any known secret values in a string with the placeholder.
func (f *RedactFilter) redactString(s string) string {
	return scrub(s, f.set.snapshot())
}

func redactAttr(a slog.Attr, values []string) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, scrub(a.Value.String(), values))
	case slog.KindGroup:
		group := a.Value.Group()
		attrs := make([]any, 0, len(group))
		for _, g := range group {
			attrs = append(attrs, redactAttr(g, values))
		}
		return slog.Group(a.Key, attrs...)
	}
	return a
}

func scrub(s string, values []string) string {
	for _, v := range values {
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}
