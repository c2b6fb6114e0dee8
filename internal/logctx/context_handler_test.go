package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	return entry
}

func TestContextHandlerWithoutSpan(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&buf, slog.LevelInfo)
	logger.InfoContext(context.Background(), "catalog fetched", "items", 3)

	entry := decode(t, &buf)
	assert.NotContains(t, entry, "trace_id")
	assert.NotContains(t, entry, "span_id")
	assert.NotContains(t, entry, "request_id")
	assert.Equal(t, "catalog fetched", entry["msg"])
	assert.InDelta(t, 3, entry["items"], 0)
}

func TestContextHandlerWithSpan(t *testing.T) {
	var buf bytes.Buffer

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "cycle")
	defer span.End()

	logger := New(&buf, slog.LevelInfo).With("cycle_id", "c1")
	logger.InfoContext(ctx, "cycle started")

	entry := decode(t, &buf)
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entry["span_id"])
	assert.Equal(t, "c1", entry["cycle_id"])
}

func TestContextHandlerAddsRequestID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithRequestID(context.Background(), "req-7")

	New(&buf, slog.LevelInfo).InfoContext(context.WithoutCancel(ctx), "refresh requested")

	assert.Equal(t, "req-7", decode(t, &buf)["request_id"])
}

func TestContextHandlerDoesNotRepeatBoundRequestID(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithRequestID(context.Background(), "req-7")

	New(&buf, slog.LevelInfo).With("request_id", "req-7").InfoContext(ctx, "queued")

	assert.Equal(t, 1, strings.Count(buf.String(), `"request_id"`))
}

func TestContextHandlerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer

	logger := New(&buf, slog.LevelWarn)
	logger.Info("dropped")

	assert.Zero(t, buf.Len())
}

func TestNewContextHandlerPanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewContextHandler(nil) })
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer

	ctx := WithLogger(context.Background(), New(&buf, slog.LevelInfo))
	ctx, logger := With(ctx, "item_id", "wiki")

	assert.Same(t, logger, LoggerFromContext(ctx))

	LoggerFromContext(ctx).Info("queued")
	assert.Equal(t, "wiki", decode(t, &buf)["item_id"])

	assert.Same(t, slog.Default(), LoggerFromContext(context.Background()))
	assert.Empty(t, RequestID(context.Background()))
}
