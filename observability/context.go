package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartRunSpan starts the root span of a pipeline run.
func StartRunSpan(ctx context.Context, pipelineID, runID string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanRun, trace.WithAttributes(
		attribute.String(AttrPipelineID, pipelineID),
		attribute.String(AttrRunID, runID),
	))
}

// StartStepSpan starts a child span named pipeline.step.<key>.
func StartStepSpan(ctx context.Context, stepKey, stepType string) (context.Context, trace.Span) {
	return StartSpan(ctx, SpanStepPrefix+stepKey, trace.WithAttributes(
		attribute.String(AttrStepKey, stepKey),
		attribute.String(AttrStepType, stepType),
	))
}

// EndSpan sets the final status on span, records err when non-nil and
// ends it.
func EndSpan(span trace.Span, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String(AttrErrorMessage, err.Error()))
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String(AttrStatus, status))
	span.End()
}
