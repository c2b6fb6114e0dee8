package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// ContextHandler annotates records with the correlation ids a context carries: trace_id and
// span_id of a valid span, and the request_id of the admin request that started the work.
// A key already bound to the logger through With is not added again.
type ContextHandler struct {
	inner slog.Handler
	bound map[string]bool
}

// NewContextHandler wraps h. It panics on a nil handler.
func NewContextHandler(h slog.Handler) *ContextHandler {
	if h == nil {
		panic("logctx: NewContextHandler called with nil handler")
	}

	return &ContextHandler{inner: h}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.IsValid() {
		h.add(&r, slog.String(traceIDKey, spanCtx.TraceID().String()))
		h.add(&r, slog.String(spanIDKey, spanCtx.SpanID().String()))
	}

	if id := RequestID(ctx); id != "" {
		h.add(&r, slog.String(requestIDKey, id))
	}

	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) add(r *slog.Record, attr slog.Attr) {
	if !h.bound[attr.Key] {
		r.AddAttrs(attr)
	}
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	bound := make(map[string]bool, len(h.bound)+len(attrs))
	for k := range h.bound {
		bound[k] = true
	}

	for _, a := range attrs {
		switch a.Key {
		case traceIDKey, spanIDKey, requestIDKey:
			bound[a.Key] = true
		}
	}

	return &ContextHandler{inner: h.inner.WithAttrs(attrs), bound: bound}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name), bound: h.bound}
}
