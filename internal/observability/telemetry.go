// Package observability records a span and metrics for every tool call.
// Instruments come from the global OpenTelemetry providers unless others are
// passed in, so nothing is exported until the host installs an SDK.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/lorenzorasmussen/mcp-ecosystem"

// Instruments bundles the tracer and metric instruments for tool calls.
type Instruments struct {
	tracer   trace.Tracer
	calls    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates the instruments. Nil providers mean the otel globals.
func New(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	ins := &Instruments{tracer: tp.Tracer(instrumentationName)}
	var err error

	ins.calls, err = meter.Int64Counter(
		"mcp.tool.calls",
		metric.WithDescription("Number of tool calls handled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create calls counter: %w", err)
	}

	ins.failures, err = meter.Int64Counter(
		"mcp.tool.failures",
		metric.WithDescription("Number of tool calls that returned an error"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failures counter: %w", err)
	}

	ins.duration, err = meter.Float64Histogram(
		"mcp.tool.duration",
		metric.WithDescription("Tool call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}

	return ins, nil
}

// StartTool opens the span for one tool call. The returned function must be
// called exactly once with the call's outcome.
func (i *Instruments) StartTool(ctx context.Context, tool, userID string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := i.tracer.Start(ctx, "mcp.tool/"+tool, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("mcp.tool.name", tool),
		attribute.String("mcp.user_id", userID),
	)

	return ctx, func(err error) {
		defer span.End()

		attrs := metric.WithAttributes(attribute.String("mcp.tool.name", tool))
		i.calls.Add(ctx, 1, attrs)
		i.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)

		if err != nil {
			i.failures.Add(ctx, 1, attrs)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetStatus(codes.Ok, "")
	}
}
