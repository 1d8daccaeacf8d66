// Package telemetry defines the logging, metrics and tracing seams used across
// the operator. Packages depend on these small interfaces instead of importing
// clue or OTel directly, which keeps tests free of global telemetry state.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records scoped to a context.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts and retrieves spans.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	}

	// Span is the minimal span surface the operator uses.
	Span interface {
		SetAttribute(key string, value any)
		RecordError(err error)
		End()
	}
)

// NopLogger discards all records. Useful in tests.
type NopLogger struct{}

// Debug implements Logger.
func (NopLogger) Debug(context.Context, string, ...any) {}

// Info implements Logger.
func (NopLogger) Info(context.Context, string, ...any) {}

// Warn implements Logger.
func (NopLogger) Warn(context.Context, string, ...any) {}

// Error implements Logger.
func (NopLogger) Error(context.Context, string, ...any) {}

// NopMetrics discards all measurements.
type NopMetrics struct{}

// IncCounter implements Metrics.
func (NopMetrics) IncCounter(string, float64, ...string) {}

// RecordTimer implements Metrics.
func (NopMetrics) RecordTimer(string, time.Duration, ...string) {}

// RecordGauge implements Metrics.
func (NopMetrics) RecordGauge(string, float64, ...string) {}
