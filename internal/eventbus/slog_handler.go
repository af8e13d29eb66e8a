package eventbus

import (
	"context"
	"log/slog"
)

// SlogHandler tees log records onto the event bus so bus consumers (the
// recorder, status surfaces) see significant log lines as LogEntry events.
// Debug records stay off the bus: they are high-volume and no consumer wants
// them. A "session_id" attribute, when present, becomes the event's session
// key rather than payload data.
type SlogHandler struct {
	inner slog.Handler
	bus   *Bus
	attrs []slog.Attr
}

// NewSlogHandler returns a handler that writes to inner and also publishes to bus.
func NewSlogHandler(inner slog.Handler, bus *Bus) *SlogHandler {
	return &SlogHandler{inner: inner, bus: bus}
}

// Enabled delegates to the inner handler.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle writes the record to the inner handler and, for Info and above,
// publishes it to the bus.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelInfo {
		sessionID := ""
		entry := map[string]any{
			"level": r.Level.String(),
			"msg":   r.Message,
		}
		collect := func(a slog.Attr) {
			if a.Key == "session_id" {
				if s, ok := a.Value.Any().(string); ok {
					sessionID = s
					return
				}
			}
			entry[a.Key] = a.Value.Any()
		}
		for _, a := range h.attrs {
			collect(a)
		}
		r.Attrs(func(a slog.Attr) bool {
			collect(a)
			return true
		})
		h.bus.Publish(LogEntry, sessionID, entry)
	}

	return h.inner.Handle(ctx, r)
}

// WithAttrs returns a new handler with the given attributes.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &SlogHandler{inner: h.inner.WithAttrs(attrs), bus: h.bus, attrs: merged}
}

// WithGroup returns a new handler with the given group applied to the inner
// handler only; bus events stay flat, consumers filter by type and session.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	return &SlogHandler{inner: h.inner.WithGroup(name), bus: h.bus, attrs: h.attrs}
}
