// Package observability wires OpenTelemetry tracing and metrics into
// pipeline runs.
//
// Tracing:
//
//	tp, err := observability.InitTracer(ctx, cfg.TracerConfig())
//	defer tp.Shutdown(ctx)
//
//	ctx, span := observability.StartRunSpan(ctx, "catalog-sync", runID)
//	defer observability.EndSpan(span, "COMPLETED", nil)
//
// Metrics:
//
//	mp, err := observability.InitMeter(ctx, cfg.MeterConfig())
//	defer mp.Shutdown(ctx)
//
//	metrics, err := observability.NewPipelineMetrics(observability.Meter("etlkit"))
//	metrics.RecordRecords(ctx, "catalog-sync", "load", "created", 3)
//
// Every PipelineMetrics method is safe on a nil receiver, so callers can
// leave metrics unset.
package observability
