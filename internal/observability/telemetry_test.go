package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorded(t *testing.T) (*Instruments, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ins, err := New(tp, noop.NewMeterProvider())
	require.NoError(t, err)
	return ins, rec
}

func TestStartToolRecordsSuccess(t *testing.T) {
	ins, rec := newRecorded(t)

	_, end := ins.StartTool(context.Background(), "search_memories", "alice")
	end(nil)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "mcp.tool/search_memories", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("mcp.user_id", "alice"))
}

func TestStartToolRecordsFailure(t *testing.T) {
	ins, rec := newRecorded(t)

	_, end := ins.StartTool(context.Background(), "add_memories", "bob")
	end(errors.New("backend down"))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "backend down", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)
}

func TestNewFallsBackToGlobals(t *testing.T) {
	ins, err := New(nil, nil)
	require.NoError(t, err)

	_, end := ins.StartTool(context.Background(), "get_memory_stats", "u")
	end(nil)
}
