package vectorstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/docqd/internal/vectorstore"

// indexMetrics instruments index operations. Instrument creation failures
// leave nil instruments, which record as no-ops.
type indexMetrics struct {
	backend  string
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

func newIndexMetrics(backend string) *indexMetrics {
	meter := otel.Meter(instrumentationName)
	m := &indexMetrics{backend: backend}

	m.duration, _ = meter.Float64Histogram(
		"docqd.index.operation_duration_seconds",
		metric.WithDescription("Duration of vector index operations, labeled by backend and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	m.errors, _ = meter.Int64Counter(
		"docqd.index.errors_total",
		metric.WithDescription("Total vector index operation errors by backend and operation"),
		metric.WithUnit("{error}"),
	)

	return m
}

func (m *indexMetrics) recordOp(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("backend", m.backend),
		attribute.String("operation", operation),
	}
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}
