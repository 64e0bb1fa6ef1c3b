package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/kbukum/etlkit/checkpoint"
	"github.com/kbukum/etlkit/dag"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/executor"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/observability"
	"github.com/kbukum/etlkit/record"
)

// runState is owned by the goroutine executing one run. Step goroutines
// only touch the run handle and the checkpoint buffer.
type runState struct {
	e      *Engine
	r      *Run
	def    *definition.Definition
	plan   *dag.ExecutionPlan
	rc     *executor.RunContext
	buffer *checkpoint.Buffer
	seed   []*record.Record
	policy definition.ErrorPolicy
	res    *RunResult
	log    *logger.Logger

	results map[string]*executor.StepResult
	failed  map[string]bool
	skipped map[string]bool
	// halted is set once FAIL_FAST or an ABORT step stops the run;
	// haltSteps cancels the steps still in flight.
	halted    bool
	aborted   bool
	haltSteps context.CancelFunc
}

func (e *Engine) execute(ctx context.Context, r *Run, def *definition.Definition, seed []*record.Record, ro runOptions) {
	defer close(r.done)
	start := time.Now()
	log := e.log.ForRun(def.ID, r.id)
	ctx, span := observability.StartRunSpan(ctx, def.ID, r.id)

	st := &runState{
		e:       e,
		r:       r,
		def:     def,
		seed:    seed,
		policy:  def.Context.ParallelExecution.ErrorPolicy,
		log:     log,
		results: make(map[string]*executor.StepResult, len(def.Steps)),
		failed:  make(map[string]bool),
		skipped: make(map[string]bool),
		res: &RunResult{
			RunID:        r.id,
			PipelineID:   def.ID,
			PipelineCode: def.Code,
			Steps:        make(map[string]*executor.StepResult, len(def.Steps)),
			StartedAt:    start,
		},
	}
	defer func() {
		st.end(ctx, start)
		observability.EndSpan(span, string(st.res.Status), st.res.Err())
	}()

	if !st.prepare() {
		return
	}
	if !r.begin() {
		return
	}
	log.Info("run started", logger.Fields(
		"steps", len(def.Steps),
		"mode", string(def.Context.RunMode),
		"parallel", def.Context.ParallelExecution.Enabled,
	))
	e.publish(ctx, hooks.Event{Type: hooks.PipelineStarted, PipelineID: def.ID, RunID: r.id}, log)

	store, ignore := st.setupCheckpoints(ctx, ro)
	st.rc = &executor.RunContext{
		PipelineID:        def.ID,
		PipelineCode:      def.Code,
		RunID:             r.id,
		Definition:        def,
		Checkpoints:       store,
		IgnoreCheckpoints: ignore,
		DeadLetters:       e.deadLetters,
		Hooks:             e.hooks,
		Logger:            log,
		Cancelled:         r.cancelled,
	}

	stepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.haltSteps = cancel
	if def.Context.ParallelExecution.Enabled {
		st.parallel(ctx, stepCtx, def.Context.ParallelExecution.MaxConcurrentSteps)
	} else {
		st.sequential(ctx, stepCtx)
	}
}

// prepare validates the definition and builds its plan. An invalid
// definition ends the run FAILED before any step runs.
func (st *runState) prepare() bool {
	vr := dag.Validate(st.def, dag.WithRegistry(st.e.registry))
	if !vr.Valid {
		st.res.Issues = vr.Errors
		for _, issue := range vr.Errors {
			st.res.Errors = append(st.res.Errors, Problem{StepKey: issue.StepKey, Code: string(issue.Code), Message: issue.String()})
		}
		st.res.Status = StatusFailed
		return false
	}
	plan, err := dag.Plan(st.def)
	if err != nil {
		st.res.Errors = append(st.res.Errors, problemOf("", err))
		st.res.Status = StatusFailed
		return false
	}
	st.plan = plan
	return true
}

// setupCheckpoints picks the store the run reads and writes and whether
// extractors ignore what it holds. INCREMENTAL runs load stored
// checkpoints; FULL runs start every extractor fresh.
func (st *runState) setupCheckpoints(ctx context.Context, ro runOptions) (checkpoint.Store, bool) {
	full := st.def.Context.RunMode == definition.RunModeFull
	if ro.checkpoints != nil {
		if b, ok := ro.checkpoints.(*checkpoint.Buffer); ok {
			st.buffer = b
		}
		return ro.checkpoints, full
	}
	if !st.def.Context.Checkpointing.IsEnabled() {
		return nil, false
	}
	scope := st.def.ID
	if scope == "" {
		scope = st.def.Code
	}
	st.buffer = checkpoint.NewBuffer(scope, st.e.persister)
	if !full {
		if err := st.buffer.Load(ctx); err != nil {
			st.warn("", err, "checkpoint load failed, extracting from the start")
		}
	}
	return st.buffer, false
}

func (st *runState) sequential(ctx, stepCtx context.Context) {
	for _, key := range st.plan.Order {
		st.r.gate(ctx)
		if st.stopping(ctx) {
			return
		}
		if st.blocked(key) {
			st.skip(key)
			continue
		}
		st.complete(key, st.runStep(stepCtx, key, st.inputs(key)))
	}
}

type finished struct {
	key string
	res *executor.StepResult
}

// parallel admits ready steps up to limit at a time, admitting the next as
// soon as any finishes. Ready steps are taken in declaration order.
func (st *runState) parallel(ctx, stepCtx context.Context, limit int) {
	limit = max(limit, 1)
	pending := make(map[string]int, len(st.plan.Order))
	for _, key := range st.plan.Order {
		pending[key] = len(st.plan.Preds[key])
	}
	ready := slices.Clone(st.plan.Roots())
	done := make(chan finished, limit)
	inFlight := 0

	release := func(key string) {
		for _, succ := range st.plan.Succs[key] {
			pending[succ]--
			if pending[succ] == 0 {
				ready = append(ready, succ)
			}
		}
		slices.SortFunc(ready, func(a, b string) int { return st.plan.Index(a) - st.plan.Index(b) })
	}

	for {
		if inFlight == 0 && len(ready) > 0 && st.r.pauseRequested() {
			st.r.gate(ctx)
		}
		for len(ready) > 0 && inFlight < limit && !st.r.pauseRequested() && !st.stopping(ctx) {
			key := ready[0]
			ready = ready[1:]
			if st.blocked(key) {
				st.skip(key)
				release(key)
				continue
			}
			input := st.inputs(key)
			inFlight++
			go func() {
				done <- finished{key: key, res: st.runStep(stepCtx, key, input)}
			}()
		}
		if inFlight == 0 {
			if len(ready) == 0 || st.stopping(ctx) {
				return
			}
			continue
		}
		f := <-done
		inFlight--
		st.complete(f.key, f.res)
		release(f.key)
	}
}

// stopping reports whether no further step may start.
func (st *runState) stopping(ctx context.Context) bool {
	return st.halted || st.r.cancelled() || ctx.Err() != nil
}

// blocked reports whether key must be skipped because a step it depends
// on failed or was skipped. Only CONTINUE skips dependents; BEST_EFFORT
// runs them on whatever input arrived.
func (st *runState) blocked(key string) bool {
	if st.policy != definition.PolicyContinue {
		return false
	}
	return slices.ContainsFunc(st.plan.Preds[key], func(p string) bool {
		return st.failed[p] || st.skipped[p]
	})
}

func (st *runState) skip(key string) {
	st.skipped[key] = true
	st.res.Skipped = append(st.res.Skipped, key)
	st.log.Warn("step skipped", logger.Fields(logger.FieldStepKey, key, "reason", "upstream step failed"))
}

// inputs gathers the outputs of key's predecessors along its incoming
// edges. A branch-labelled edge carries only the records routed to that
// branch. Steps without predecessors receive the seed.
func (st *runState) inputs(key string) []*record.Record {
	edges := st.plan.Incoming[key]
	if len(edges) == 0 {
		return st.seed
	}
	type via struct{ source, branch string }
	seen := make(map[via]bool, len(edges))
	var in []*record.Record
	for _, edge := range edges {
		v := via{edge.Source, edge.Branch}
		if seen[v] {
			continue
		}
		seen[v] = true
		src := st.results[edge.Source]
		if src == nil {
			continue
		}
		if edge.Branch != "" {
			in = append(in, src.Branches[edge.Branch]...)
			continue
		}
		in = append(in, src.Output...)
	}
	return in
}

// runStep executes one step, bracketing it with BEFORE_/AFTER_ hooks and a
// span. It runs on its own goroutine in parallel mode.
func (st *runState) runStep(ctx context.Context, key string, input []*record.Record) *executor.StepResult {
	step, _ := st.plan.Step(key)
	stage := string(step.Type)
	st.stepEvent(ctx, step, hooks.Event{Type: hooks.Before(stage), Records: record.CloneAll(input)})

	spanCtx, span := observability.StartStepSpan(ctx, key, stage)
	res := st.e.exec.Execute(spanCtx, step, input, st.rc)
	observability.EndSpan(span, string(res.Status), res.Err)

	if step.Type == definition.StepExtract {
		st.flush(ctx, key)
	}
	if res.Err != nil {
		st.stepEvent(ctx, step, hooks.Event{Type: hooks.OnError, Error: res.Err.Error()})
	}
	st.stepEvent(ctx, step, hooks.Event{Type: hooks.After(stage), Records: record.CloneAll(res.Output)})
	return res
}

// complete folds a finished step into the run and applies the error
// policy.
func (st *runState) complete(key string, res *executor.StepResult) {
	step, _ := st.plan.Step(key)
	st.results[key] = res
	st.res.Steps[key] = res
	st.r.record(key, res.Metrics,
		step.Type == definition.StepTrigger || step.Type == definition.StepExtract,
		step.Type.IsTerminal())

	switch res.Status {
	case executor.StatusError:
		err := res.Err
		if err == nil {
			err = apperrors.Newf(apperrors.ErrCodeInternal, "step %s failed %d records", key, res.Metrics.Failed)
		}
		if st.stoppedBy(err) {
			st.res.Warnings = append(st.res.Warnings, problemOf(key, err))
			return
		}
		st.failed[key] = true
		st.res.Errors = append(st.res.Errors, problemOf(key, err))
		abort := st.def.EffectiveStrategy(step) == definition.StrategyAbort
		if abort {
			st.aborted = true
		}
		if (abort || st.policy == definition.PolicyFailFast) && !st.halted {
			st.halted = true
			st.haltSteps()
			st.log.Warn("run halted", logger.Fields(logger.FieldStepKey, key, "policy", string(st.policy), "abort", abort))
		}
	case executor.StatusWarning:
		st.res.Warnings = append(st.res.Warnings, Problem{
			StepKey: key,
			Code:    string(apperrors.CodeOf(firstError(res))),
			Message: fmt.Sprintf("%d of %d records failed", res.Metrics.Failed, res.Metrics.Processed),
		})
	}
}

// stoppedBy reports whether err only reflects the run being stopped, by
// FAIL_FAST, Cancel or the parent context, rather than a failure of the
// step itself.
func (st *runState) stoppedBy(err error) bool {
	if !st.halted && !st.r.cancelled() {
		return false
	}
	return errors.Is(err, context.Canceled) || apperrors.CodeOf(err) == apperrors.ErrCodeCancelled
}

func firstError(res *executor.StepResult) error {
	for _, o := range res.Outcomes {
		if o.Error != nil {
			return o.Error
		}
	}
	return nil
}

// flush persists dirty checkpoint fragments. Without a persister the
// buffer only lives as long as the run.
func (st *runState) flush(ctx context.Context, key string) {
	if st.buffer == nil || !st.buffer.HasPersister() || !st.buffer.IsDirty() {
		return
	}
	if err := st.buffer.Flush(context.WithoutCancel(ctx)); err != nil {
		st.log.Error("checkpoint flush failed", logger.MergeWithError(logger.Fields(logger.FieldStepKey, key), err))
	}
}

func (st *runState) warn(key string, err error, msg string) {
	st.res.Warnings = append(st.res.Warnings, Problem{StepKey: key, Code: string(apperrors.CodeOf(err)), Message: msg + ": " + err.Error()})
	st.log.Warn(msg, logger.MergeWithError(logger.Fields(logger.FieldStepKey, key), err))
}

// end decides the terminal status, settles checkpoints and publishes the
// terminal hook.
func (st *runState) end(ctx context.Context, start time.Time) {
	res := st.res
	if res.Status == "" {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.Status = StatusTimeout
		case ctx.Err() != nil || st.r.cancelled():
			res.Status = StatusCancelled
		case st.aborted, len(st.failed) > 0 && st.policy != definition.PolicyBestEffort:
			res.Status = StatusFailed
		default:
			res.Status = StatusCompleted
		}
	}
	switch res.Status {
	case StatusTimeout:
		res.Errors = append(res.Errors, Problem{Code: string(apperrors.ErrCodeTimeout), Message: "run deadline exceeded"})
	case StatusCancelled:
		res.Errors = append(res.Errors, Problem{Code: string(apperrors.ErrCodeCancelled), Message: "run cancelled"})
	}
	st.settleCheckpoints(ctx)

	res.FinishedAt = time.Now()
	elapsed := res.FinishedAt.Sub(start)
	st.r.finish(res, elapsed)
	st.e.metrics.RecordRun(ctx, st.def.Code, string(res.Status), elapsed)

	ev := hooks.Event{PipelineID: st.def.ID, RunID: st.r.id}
	switch res.Status {
	case StatusCompleted:
		ev.Type = hooks.PipelineCompleted
	case StatusCancelled:
		ev.Type = hooks.PipelineCancelled
	default:
		ev.Type = hooks.PipelineFailed
	}
	if err := res.Err(); err != nil {
		ev.Error = err.Error()
	}
	st.e.publish(ctx, ev, st.log)

	fields := logger.Fields(
		logger.FieldStatus, string(res.Status),
		logger.FieldDuration, elapsed.Milliseconds(),
		"records_in", res.Metrics.RecordsIn,
		"records_out", res.Metrics.RecordsOut,
		"errors", len(res.Errors),
		"warnings", len(res.Warnings),
	)
	if res.Status == StatusCompleted {
		st.log.Info("run finished", fields)
		return
	}
	st.log.Warn("run finished", fields)
}

// settleCheckpoints flushes what is left, snapshots the final state and
// clears it when the run completed under clearOnComplete.
func (st *runState) settleCheckpoints(ctx context.Context) {
	if st.buffer == nil {
		return
	}
	st.flush(ctx, "")
	st.res.Checkpoints = st.buffer.Snapshot()
	if st.res.Status != StatusCompleted || !st.def.Context.Checkpointing.ClearOnComplete {
		return
	}
	if err := st.buffer.Clear(context.WithoutCancel(ctx)); err != nil {
		st.warn("", err, "checkpoint clear failed")
	}
}

// stepEvent publishes a step hook under the step timeout.
func (st *runState) stepEvent(ctx context.Context, step definition.Step, ev hooks.Event) {
	if st.e.hooks == nil {
		return
	}
	ev.PipelineID = st.def.ID
	ev.RunID = st.r.id
	ev.StepKey = step.Key
	ev.Stage = string(step.Type)
	ctx = context.WithoutCancel(ctx)
	if step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	st.e.publish(ctx, ev, st.log)
}

func (e *Engine) publish(ctx context.Context, ev hooks.Event, log *logger.Logger) {
	if e.hooks == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := e.hooks.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn("hook delivery failed", logger.MergeWithError(logger.Fields(logger.FieldEvent, string(ev.Type)), err))
	}
}
