// Package resilience provides the fault-tolerance primitives the executor
// wraps around adapter calls.
//
// This package includes:
//   - ComputeDelay: Capped exponential backoff in milliseconds
//   - Retry: Retries transient failures with backoff and jitter
//   - CircuitBreaker: Fails fast while an adapter keeps failing
//   - Bulkhead: Limits concurrent adapter calls
//   - KeyedLimiter: Sliding-window request counter per composite key
//
// The executor layers them in this order:
//
//	d := limiter.IsRateLimited(resilience.KeyParts{PipelineCode: "catalog"}, 10, time.Second)
//	if d.Limited {
//	    _ = resilience.Wait(ctx, d.RetryAfter)
//	}
//	err := cb.Execute(func() error {
//	    return bh.Execute(ctx, func() error {
//	        return resilience.RetryFunc(ctx, cfg, call)
//	    })
//	})
//
// KeyedLimiter state lives in process memory, so limits are enforced per
// engine instance only.
package resilience
