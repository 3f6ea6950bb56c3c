// Package adapter wraps the OpenTelemetry tracer and meter providers
// pkg/instance's execution loop and restart path report through, so
// pkg/instance depends on the small Instrumentation type here rather
// than reaching into go.opentelemetry.io/otel directly.
package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

func attributeInstanceName(name string) attribute.KeyValue {
	return attribute.String("instance.name", name)
}

// Instrumentation bundles the tracer, the batch-latency histogram, and
// the restart counter the runtime reports through for one
// instrumentation scope.
type Instrumentation struct {
	tracer       trace.Tracer
	batchLatency metric.Float64Histogram
	restartCount metric.Int64Counter
}

// NewInstrumentation acquires a tracer and the runtime's metric
// instruments from the globally configured OTel providers, under the
// given instrumentation scope name (typically the module path).
func NewInstrumentation(scope string) (*Instrumentation, error) {
	meter := otel.Meter(scope)
	batchLatency, err := meter.Float64Histogram(
		"instance_shm.batch.duration_seconds",
		metric.WithDescription("wall time of one execute-batch round trip, host notify to stub response signaled"),
	)
	if err != nil {
		return nil, err
	}
	restartCount, err := meter.Int64Counter(
		"instance_shm.stub.restarts_total",
		metric.WithDescription("count of stub subprocess restarts performed by the supervisor"),
	)
	if err != nil {
		return nil, err
	}
	return &Instrumentation{
		tracer:       otel.Tracer(scope),
		batchLatency: batchLatency,
		restartCount: restartCount,
	}, nil
}

// StartBatchSpan starts a span covering one execute-batch call.
func (i *Instrumentation) StartBatchSpan(ctx context.Context, instanceName string) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, "instance.execute_batch", trace.WithAttributes(
		attributeInstanceName(instanceName),
	))
}

// RecordBatchLatency records how long one batch round trip took.
func (i *Instrumentation) RecordBatchLatency(ctx context.Context, instanceName string, d time.Duration) {
	i.batchLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attributeInstanceName(instanceName)))
}

// RecordRestart increments the restart counter for instanceName.
func (i *Instrumentation) RecordRestart(ctx context.Context, instanceName string) {
	i.restartCount.Add(ctx, 1, metric.WithAttributes(attributeInstanceName(instanceName)))
}
