// Package metrics exposes otel instruments for the execution pipeline.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"podamp/internal/domain"
)

// Execution records per-attempt counters and latency for the worker pool.
type Execution struct {
	attempts metric.Int64Counter
	retries  metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewExecution registers the worker-pool instruments on the global meter
// provider. Instrument creation failures leave nil instruments; recording on
// them is a no-op through the guards below.
func NewExecution() *Execution {
	meter := otel.Meter("podamp.worker")

	m := &Execution{}
	m.attempts, _ = meter.Int64Counter("podamp_executions_total",
		metric.WithDescription("Engagement execution attempts by kind and outcome classification"),
		metric.WithUnit("{attempt}"))
	m.retries, _ = meter.Int64Counter("podamp_retries_total",
		metric.WithDescription("Execution retries scheduled after transient failures"),
		metric.WithUnit("{retry}"))
	m.latency, _ = meter.Float64Histogram("podamp_execution_duration",
		metric.WithDescription("Engagement execution call duration"),
		metric.WithUnit("ms"))
	return m
}

func (m *Execution) RecordAttempt(ctx context.Context, kind domain.ActionKind, out domain.Outcome) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", string(kind)),
		attribute.Bool("success", out.Success),
	}
	if out.Class != domain.ClassNone {
		attrs = append(attrs, attribute.String("classification", string(out.Class)))
	}
	if m.attempts != nil {
		m.attempts.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.latency != nil {
		m.latency.Record(ctx, float64(out.Duration)/float64(time.Millisecond),
			metric.WithAttributes(attribute.String("kind", string(kind))))
	}
}

func (m *Execution) RecordRetry(ctx context.Context, kind domain.ActionKind, class domain.ErrorClass) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("classification", string(class)),
	))
}
