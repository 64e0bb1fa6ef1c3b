package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric instrument names.
const (
	MetricRuns         = "pipeline.runs"
	MetricRecords      = "pipeline.records"
	MetricRetries      = "pipeline.retries"
	MetricDeadLetters  = "pipeline.dead_letters"
	MetricRateLimited  = "pipeline.rate_limited"
	MetricRunDuration  = "pipeline.run.duration"
	MetricStepDuration = "pipeline.step.duration"
)

// PipelineMetrics holds the engine's OpenTelemetry instruments. A nil
// *PipelineMetrics records nothing.
type PipelineMetrics struct {
	runs         metric.Int64Counter
	records      metric.Int64Counter
	retries      metric.Int64Counter
	deadLetters  metric.Int64Counter
	rateLimited  metric.Int64Counter
	runDuration  metric.Float64Histogram
	stepDuration metric.Float64Histogram
}

// NewPipelineMetrics creates the instruments on meter.
func NewPipelineMetrics(meter metric.Meter) (*PipelineMetrics, error) {
	m := &PipelineMetrics{}
	var err error
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.runs, MetricRuns, "Finished pipeline runs by status"},
		{&m.records, MetricRecords, "Records handled by step and outcome"},
		{&m.retries, MetricRetries, "Adapter call and record retries"},
		{&m.deadLetters, MetricDeadLetters, "Records sent to the dead-letter sink"},
		{&m.rateLimited, MetricRateLimited, "Calls delayed or rejected by the rate limiter"},
	}
	for _, c := range counters {
		if *c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, fmt.Errorf("creating %s counter: %w", c.name, err)
		}
	}

	if m.runDuration, err = meter.Float64Histogram(MetricRunDuration,
		metric.WithDescription("Duration of pipeline runs in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating %s histogram: %w", MetricRunDuration, err)
	}
	if m.stepDuration, err = meter.Float64Histogram(MetricStepDuration,
		metric.WithDescription("Duration of step executions in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("creating %s histogram: %w", MetricStepDuration, err)
	}
	return m, nil
}

// RecordRun records a finished run.
func (m *PipelineMetrics) RecordRun(ctx context.Context, pipeline, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("status", status),
	)
	m.runs.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordStep records one step execution.
func (m *PipelineMetrics) RecordStep(ctx context.Context, pipeline, step, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

// RecordRecords counts n records of one outcome at a step.
func (m *PipelineMetrics) RecordRecords(ctx context.Context, pipeline, step, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.records.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

// RecordRetry counts one retry at a step.
func (m *PipelineMetrics) RecordRetry(ctx context.Context, pipeline, step string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("step", step),
	))
}

// RecordDeadLetter counts n dead-lettered records at a step.
func (m *PipelineMetrics) RecordDeadLetter(ctx context.Context, pipeline, step string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deadLetters.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("pipeline", pipeline),
		attribute.String("step", step),
	))
}

// RecordRateLimited counts one limited call for key.
func (m *PipelineMetrics) RecordRateLimited(ctx context.Context, key string) {
	if m == nil {
		return
	}
	m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}
