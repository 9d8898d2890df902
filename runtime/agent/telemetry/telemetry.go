// Package telemetry defines the logging, metrics and tracing hooks used by the
// streaming pipeline. Production code wires the Clue/OpenTelemetry
// implementations; tests and embedders that do not care use the noop ones.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger captures structured logging. Key-value pairs are passed as
	// alternating keys and values.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics exposes counter, timer and gauge helpers. Tags are alternating
	// keys and values.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer abstracts span creation so pipeline code stays agnostic of the
	// OpenTelemetry provider.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight tracing span.
	//
	// Example usage:
	//
	//	ctx, span := tracer.Start(ctx, "generation")
	//	defer span.End()
	//	span.SetStatus(codes.Ok, "finalized")
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the pipeline.
const (
	MetricRenderFlush    = "genstream.render.flush"
	MetricImmediateFlush = "genstream.render.immediate_flush"
	MetricStoreWrite     = "genstream.store.write"
	MetricStoreFailure   = "genstream.store.failure"
	MetricStoreLatency   = "genstream.store.latency"
	MetricActive         = "genstream.generations.active"
	MetricSinkFailure    = "genstream.sink.failure"
)
