// Package telemetry provides tracing and metric helpers shared across
// the cache's coordinators. It never configures exporters or global
// providers itself: it calls otel.Tracer/otel.Meter by name, so a host
// application that never registers a provider gets otel's own no-op
// implementations for free, and one that does gets real spans/metrics
// with no code change here.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/meigma/mediacache"

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSpan starts a new span named name under the cache's tracer.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, opts...)
}

// RecordError records err on span and sets the span status to error. A
// nil err is a no-op, so call sites can record unconditionally.
func RecordError(span trace.Span, err error, message string) {
	if err == nil {
		return
	}
	span.RecordError(err, trace.WithAttributes(attribute.String("error.message", message)))
	span.SetStatus(codes.Error, message)
}

// MeasureExecutionTime runs fn, attaches its wall-clock duration to
// span, and records fn's error (if any) on span before returning it.
func MeasureExecutionTime(span trace.Span, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	span.SetAttributes(
		attribute.String("execution.step", name),
		attribute.Int64("execution.time_ms", time.Since(start).Milliseconds()),
	)
	RecordError(span, err, "operation failed")
	return err
}

// TraceOperation opens a span named name, runs fn, measures its
// duration, records any error, and closes the span.
func TraceOperation(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := StartSpan(ctx, name)
	defer span.End()
	return MeasureExecutionTime(span, name, func() error { return fn(ctx) })
}

// Metrics holds the cache's hit/miss/eviction/byte counters. The zero
// value is not usable; construct with NewMetrics.
type Metrics struct {
	hits       metric.Int64Counter
	misses     metric.Int64Counter
	evictions  metric.Int64Counter
	bytesWrote metric.Int64Counter
}

// NewMetrics creates the cache's metric instruments against the global
// MeterProvider. Errors are only possible if a registered provider
// rejects instrument creation; callers may safely ignore err and use
// the returned (partially no-op) Metrics.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(instrumentationName)

	hits, err := meter.Int64Counter("mediacache.cache.hits", metric.WithDescription("cache reads satisfied entirely from local storage"))
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("mediacache.cache.misses", metric.WithDescription("cache reads requiring an origin fetch"))
	if err != nil {
		return nil, err
	}
	evictions, err := meter.Int64Counter("mediacache.eviction.removed", metric.WithDescription("resources removed by the eviction engine"))
	if err != nil {
		return nil, err
	}
	bytesWrote, err := meter.Int64Counter("mediacache.cache.bytes_written", metric.WithDescription("bytes written into the cache from origin fetches"))
	if err != nil {
		return nil, err
	}
	return &Metrics{hits: hits, misses: misses, evictions: evictions, bytesWrote: bytesWrote}, nil
}

// RecordHit increments the cache-hit counter.
func (m *Metrics) RecordHit(ctx context.Context) { m.hits.Add(ctx, 1) }

// RecordMiss increments the cache-miss counter.
func (m *Metrics) RecordMiss(ctx context.Context) { m.misses.Add(ctx, 1) }

// RecordEviction increments the eviction counter, tagged with reason
// (e.g. "lru", "expired", "pressure-critical").
func (m *Metrics) RecordEviction(ctx context.Context, reason string) {
	m.evictions.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBytesWritten adds n to the bytes-written counter.
func (m *Metrics) RecordBytesWritten(ctx context.Context, n int64) {
	if n <= 0 {
		return
	}
	m.bytesWrote.Add(ctx, n)
}
