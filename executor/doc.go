// Package executor runs a single pipeline step against its input batch.
//
// TRIGGER and ROUTE steps are executed in-process. Every other step type
// resolves an adapter from the registry by role and code, validates the
// step settings against the adapter schema and then invokes it. Adapter
// calls are throttled by the step rate limit, guarded by a circuit breaker
// and an optional bulkhead, raced against the step timeout and retried
// with backoff when the failure is retryable.
//
// Per-record failures are data: they become outcomes and step metrics and
// are handled by the step's error strategy. Only step-fatal errors (an
// unknown adapter, invalid settings, a failed extraction, an ABORT) end up
// in StepResult.Err.
//
//	exec := executor.New(reg, executor.WithLimiter(limiter))
//	res := exec.Execute(ctx, step, input, &executor.RunContext{
//	    PipelineID: def.ID,
//	    RunID:      runID,
//	    Definition: def,
//	})
package executor
