package executor

import (
	"context"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/resilience"
)

type callResult[T any] struct {
	val T
	err error
}

// call invokes fn through the step's guards: rate limit, circuit breaker,
// bulkhead and timeout. Retryable failures are retried up to step.Retries
// extra times, except under RETRY where the record-level loop in
// retryFailures owns every re-attempt.
func call[T any](ctx context.Context, e *Executor, s *stepRun, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	attempts := s.step.Retries + 1
	if s.retriesRecords() {
		attempts = 1
	}
	cfg := resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialDelayMs: s.initialDelayMs(),
		MaxDelayMs:     s.eh.MaxDelayMs,
		Multiplier:     s.eh.BackoffMultiplier,
		RetryIf:        apperrors.IsRetryable,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			s.retried(ctx, e, attempt, err, backoff, 1)
		},
	}
	return resilience.Retry(ctx, cfg, func(attempt int) (T, error) {
		return guarded(ctx, e, s, attempt, fn)
	})
}

func guarded[T any](ctx context.Context, e *Executor, s *stepRun, attempt int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if err := e.throttle(ctx, s); err != nil {
		return zero, err
	}

	var val T
	run := func() error {
		v, err := withTimeout(ctx, s, attempt, fn)
		val = v
		return err
	}
	if e.bulkhead != nil {
		inner := run
		run = func() error { return e.bulkhead.Execute(ctx, inner) }
	}
	if e.breakers != nil && s.name != "" {
		inner := run
		breaker := e.breakers.Get(s.name)
		run = func() error { return breaker.Execute(inner) }
	}
	if err := run(); err != nil {
		return zero, err
	}
	return val, nil
}

// withTimeout races fn against the step timeout. The losing call keeps
// running until it observes its cancelled context; its result is dropped.
func withTimeout[T any](ctx context.Context, s *stepRun, attempt int, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if s.step.TimeoutMs <= 0 {
		return fn(ctx, attempt)
	}
	timeout := time.Duration(s.step.TimeoutMs) * time.Millisecond
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult[T], 1)
	go func() {
		v, err := fn(tctx, attempt)
		done <- callResult[T]{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && tctx.Err() != nil {
			return zero, apperrors.Timeout(s.name, timeout).WithCause(r.err)
		}
		return r.val, r.err
	case <-tctx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, apperrors.Timeout(s.name, timeout)
	}
}

// throttle blocks until the step's rate limit admits a call.
func (e *Executor) throttle(ctx context.Context, s *stepRun) error {
	rl := s.step.RateLimit
	if e.limiter == nil || rl == nil || rl.MaxRequests <= 0 || rl.WindowMs <= 0 {
		return nil
	}
	key := resilience.KeyParts{PipelineCode: s.rc.PipelineCode, Identifier: s.step.Key}
	window := time.Duration(rl.WindowMs) * time.Millisecond
	for {
		d := e.limiter.IsRateLimited(key, rl.MaxRequests, window)
		if !d.Limited {
			return nil
		}
		e.metrics.RecordRateLimited(ctx, key.String())
		s.log.Debug("rate limited", logger.Fields("retry_after_ms", d.RetryAfter.Milliseconds()))
		if err := resilience.Wait(ctx, d.RetryAfter); err != nil {
			return err
		}
	}
}

// retriesRecords reports whether failed records are re-run by the RETRY
// strategy. Extractor pages are not records and keep call-level retries.
func (s *stepRun) retriesRecords() bool {
	return s.strategy == definition.StrategyRetry && s.role != adapter.RoleExtractor
}

// recordAttempts bounds the RETRY strategy: step.Retries extra attempts
// when set, else the pipeline's maxAttempts.
func (s *stepRun) recordAttempts() int {
	if s.step.Retries > 0 {
		return s.step.Retries + 1
	}
	return s.eh.MaxAttempts
}

func (s *stepRun) initialDelayMs() int {
	if s.step.RetryDelayMs > 0 {
		return s.step.RetryDelayMs
	}
	return s.eh.InitialDelayMs
}

// retried counts n retries and announces them.
func (s *stepRun) retried(ctx context.Context, e *Executor, attempt int, err error, backoff time.Duration, n int) {
	s.retries.Add(int64(n))
	for range n {
		e.metrics.RecordRetry(ctx, s.rc.PipelineCode, s.step.Key)
	}
	s.log.Warn("retrying", logger.MergeWithError(logger.Fields(
		logger.FieldAttempt, attempt,
		"backoff_ms", backoff.Milliseconds(),
		logger.FieldRecords, n,
	), err))
	s.publish(ctx, hooks.Event{Type: hooks.OnRetry, Attempt: attempt, Error: err.Error()})
}
