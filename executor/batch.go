package executor

import (
	"context"
	"errors"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/record"
	"github.com/kbukum/etlkit/resilience"
)

type failure struct {
	rec *record.Record
	err error
}

// unitResult is the result of processing one sub-batch.
type unitResult struct {
	output      []*record.Record
	outcomes    []Outcome
	failures    []failure
	quarantined []*record.Record
	write       *adapter.WriteResult
	// stopped is set when the context ended before every record was
	// handled; unprocessed lists the records never attempted.
	stopped     bool
	unprocessed []*record.Record
}

// unitFunc processes recs; attempt is one-based.
type unitFunc func(ctx context.Context, recs []*record.Record, attempt int) unitResult

func (e *Executor) operate(ctx context.Context, s *stepRun, op adapter.Operator, input []*record.Record, res *StepResult) {
	caps := s.adapter.Definition.Capabilities
	retryable := caps.Pure || caps.Idempotent
	e.batches(ctx, s, input, res, s.step.BatchSizeOrDefault(), s.step.ConcurrencyOrDefault(), retryable,
		func(ctx context.Context, recs []*record.Record, attempt int) unitResult {
			var u unitResult
			for i, rec := range recs {
				if ctx.Err() != nil {
					u.stop(recs[i:])
					return u
				}
				out, err := call(ctx, e, s, func(ctx context.Context, a int) (*record.Record, error) {
					return op.Apply(ctx, rec.Clone(), s.cfg, s.exec(attempt+a-1))
				})
				switch {
				case err != nil && ctx.Err() != nil:
					u.stop(recs[i:])
					return u
				case err != nil:
					u.failures = append(u.failures, failure{rec: rec, err: err})
				case out == nil:
					u.outcomes = append(u.outcomes, Outcome{Kind: OutcomeFiltered, RecordID: rec.Identity(), Attempts: attempt})
				default:
					u.output = append(u.output, out)
					u.outcomes = append(u.outcomes, Outcome{Kind: OutcomeTransformed, RecordID: out.Identity(), Attempts: attempt})
				}
			}
			return u
		})
}

func (e *Executor) load(ctx context.Context, s *stepRun, l adapter.Loader, input []*record.Record, res *StepResult) {
	code := s.adapter.Definition.Code
	e.batches(ctx, s, input, res, s.step.BatchSizeOrDefault(), s.step.ConcurrencyOrDefault(), true,
		func(ctx context.Context, recs []*record.Record, attempt int) unitResult {
			var u unitResult
			for i, rec := range recs {
				if ctx.Err() != nil {
					u.stop(recs[i:])
					return u
				}
				lr, err := call(ctx, e, s, func(ctx context.Context, a int) (adapter.LoadResult, error) {
					return l.Load(ctx, rec, s.cfg, s.exec(attempt+a-1))
				})
				if err != nil && ctx.Err() != nil {
					u.stop(recs[i:])
					return u
				}
				if err == nil && lr.Op != adapter.LoadCreate && lr.Op != adapter.LoadUpdate && lr.Op != adapter.LoadSkip {
					reason := lr.Reason
					if reason == "" {
						reason = "load rejected"
					}
					err = adapter.Fatal(code, errors.New(reason))
				}
				if err != nil {
					u.failures = append(u.failures, failure{rec: rec, err: err})
					continue
				}
				o := Outcome{RecordID: rec.Identity(), EntityID: lr.EntityID, Reason: lr.Reason, Attempts: attempt}
				switch lr.Op {
				case adapter.LoadCreate:
					o.Kind = OutcomeCreated
				case adapter.LoadUpdate:
					o.Kind = OutcomeUpdated
				default:
					o.Kind = OutcomeSkipped
				}
				u.output = append(u.output, rec)
				u.outcomes = append(u.outcomes, o)
			}
			return u
		})
}

// write hands the whole input to the writer in one call, or one sub-batch
// per call in order when the writer streams.
func (e *Executor) write(ctx context.Context, s *stepRun, w adapter.Writer, input []*record.Record, res *StepResult) {
	size := len(input)
	if s.adapter.Definition.Capabilities.Streaming {
		size = s.step.BatchSizeOrDefault()
	}
	e.batches(ctx, s, input, res, size, 1, true,
		func(ctx context.Context, recs []*record.Record, attempt int) unitResult {
			var u unitResult
			wr, err := call(ctx, e, s, func(ctx context.Context, a int) (adapter.WriteResult, error) {
				return w.Write(ctx, recs, s.cfg, s.exec(attempt+a-1))
			})
			switch {
			case err != nil && ctx.Err() != nil:
				u.stop(recs)
			case err != nil:
				for _, rec := range recs {
					u.failures = append(u.failures, failure{rec: rec, err: err})
				}
			default:
				u.write = &wr
				u.output = recs
				for _, rec := range recs {
					u.outcomes = append(u.outcomes, Outcome{Kind: OutcomeWritten, RecordID: rec.Identity(), Attempts: attempt})
				}
			}
			return u
		})
}

func (u *unitResult) stop(rest []*record.Record) {
	u.stopped = true
	u.unprocessed = append(u.unprocessed, rest...)
}

// batches splits input into sub-batches and runs up to concurrency of them
// at once. Cancellation and ABORT are checked as each sub-batch acquires a
// slot. Results are merged in sub-batch order.
func (e *Executor) batches(ctx context.Context, s *stepRun, input []*record.Record, res *StepResult,
	size, concurrency int, retryable bool, fn unitFunc) {
	if len(input) == 0 {
		return
	}
	chunks := slices.Collect(slices.Chunk(input, max(size, 1)))
	results := make([]unitResult, len(chunks))
	ran := make([]bool, len(chunks))

	var g errgroup.Group
	g.SetLimit(max(concurrency, 1))
	for i, recs := range chunks {
		if s.stopped() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if s.stopped() || ctx.Err() != nil {
				return nil
			}
			ran[i] = true
			results[i] = e.runUnit(ctx, s, recs, retryable, fn)
			return nil
		})
	}
	_ = g.Wait()

	incomplete := false
	for i, u := range results {
		if !ran[i] || u.stopped {
			incomplete = true
		}
		res.Output = append(res.Output, u.output...)
		for _, o := range u.outcomes {
			res.add(o)
		}
		res.Quarantined = append(res.Quarantined, u.quarantined...)
		if u.write != nil {
			if res.Write == nil {
				res.Write = &adapter.WriteResult{}
			}
			res.Write.BytesWritten += u.write.BytesWritten
			res.Write.ItemCount += u.write.ItemCount
			if u.write.ContentType != "" {
				res.Write.ContentType = u.write.ContentType
			}
		}
	}
	if incomplete && !s.aborted.Load() {
		res.Err = cancellation(ctx, s.step.Key)
	}
}

// runUnit processes one sub-batch and applies the error strategy to the
// records that failed.
func (e *Executor) runUnit(ctx context.Context, s *stepRun, recs []*record.Record, retryable bool, fn unitFunc) unitResult {
	u := fn(ctx, recs, 1)
	if len(u.failures) == 0 {
		return u
	}
	failures := u.failures
	u.failures = nil
	s.log.Warn("records failed", logger.MergeWithError(logger.Fields(
		logger.FieldRecords, len(failures),
		"strategy", string(s.strategy),
	), failures[0].err))

	switch s.strategy {
	case definition.StrategyQuarantine:
		for _, f := range failures {
			e.quarantine(ctx, s, &u, f.rec, f.err, 1)
		}
	case definition.StrategyRetry:
		e.retryFailures(ctx, s, &u, failures, retryable, fn)
	case definition.StrategyAbort:
		for _, f := range failures {
			u.outcomes = append(u.outcomes, errored(f, 1))
		}
		s.abort(failures[0].err)
	default:
		for _, f := range failures {
			u.outcomes = append(u.outcomes, errored(f, 1))
		}
	}
	return u
}

// retryFailures re-runs retryable failures with backoff until they succeed
// or recordAttempts is reached, then dead-letters what is left.
// Failures that cannot be retried are dead-lettered at once.
func (e *Executor) retryFailures(ctx context.Context, s *stepRun, u *unitResult, failures []failure, retryable bool, fn unitFunc) {
	var pending []failure
	for _, f := range failures {
		if retryable && !u.stopped && apperrors.IsRetryable(f.err) {
			pending = append(pending, f)
			continue
		}
		e.quarantine(ctx, s, u, f.rec, f.err, 1)
	}

	initial := s.initialDelayMs()
	maxAttempts := s.recordAttempts()
	attempts := 1
	for len(pending) > 0 && attempts < maxAttempts {
		backoff := resilience.Delay(attempts-1, initial, s.eh.MaxDelayMs, s.eh.BackoffMultiplier)
		s.retried(ctx, e, attempts, pending[0].err, backoff, len(pending))
		if err := resilience.Wait(ctx, backoff); err != nil {
			u.stopped = true
			break
		}
		attempts++

		lastErr := make(map[*record.Record]error, len(pending))
		recs := make([]*record.Record, 0, len(pending))
		for _, f := range pending {
			lastErr[f.rec] = f.err
			recs = append(recs, f.rec)
		}
		again := fn(ctx, recs, attempts)
		u.output = append(u.output, again.output...)
		u.outcomes = append(u.outcomes, again.outcomes...)

		pending = nil
		for _, f := range again.failures {
			if apperrors.IsRetryable(f.err) {
				pending = append(pending, f)
				continue
			}
			e.quarantine(ctx, s, u, f.rec, f.err, attempts)
		}
		if again.stopped {
			u.stopped = true
			for _, rec := range again.unprocessed {
				pending = append(pending, failure{rec: rec, err: lastErr[rec]})
			}
			break
		}
	}
	for _, f := range pending {
		e.quarantine(ctx, s, u, f.rec, apperrors.DeadLetter(attempts, f.err), attempts)
	}
}

// quarantine writes rec to the dead-letter sink and records the outcome. A
// sink failure is logged; the record still counts as quarantined.
func (e *Executor) quarantine(ctx context.Context, s *stepRun, u *unitResult, rec *record.Record, err error, attempts int) {
	src := deadletter.Source{PipelineID: s.rc.PipelineID, RunID: s.rc.RunID, StepKey: s.step.Key}
	entry := deadletter.NewEntry(src, rec, err, attempts)
	if s.rc.DeadLetters != nil {
		if werr := s.rc.DeadLetters.Write(context.WithoutCancel(ctx), entry); werr != nil {
			s.log.Error("dead-letter write failed", logger.MergeWithError(logger.Fields(logger.FieldRecordID, entry.RecordID), werr))
		}
	}
	u.quarantined = append(u.quarantined, rec)
	u.outcomes = append(u.outcomes, Outcome{
		Kind:     OutcomeQuarantined,
		RecordID: entry.RecordID,
		Reason:   entry.Error,
		Error:    err,
		Attempts: attempts,
	})
	e.metrics.RecordDeadLetter(ctx, s.rc.PipelineCode, s.step.Key, 1)
	s.publish(ctx, hooks.Event{
		Type:    hooks.OnDeadLetter,
		Records: []*record.Record{entry.Record},
		Error:   entry.Error,
		Attempt: attempts,
	})
}

func errored(f failure, attempts int) Outcome {
	return Outcome{
		Kind:     OutcomeErrored,
		RecordID: f.rec.Identity(),
		Reason:   f.err.Error(),
		Error:    f.err,
		Attempts: attempts,
	}
}
