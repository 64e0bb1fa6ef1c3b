package executor

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/checkpoint"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/observability"
	"github.com/kbukum/etlkit/record"
	"github.com/kbukum/etlkit/resilience"
	"github.com/kbukum/etlkit/route"
)

// RunContext carries the run-scoped collaborators of a step.
type RunContext struct {
	PipelineID   string
	PipelineCode string
	RunID        string
	// Definition supplies the pipeline error handling defaults.
	Definition *definition.Definition
	// Checkpoints receives extractor checkpoint fragments. Nil disables
	// checkpointing.
	Checkpoints checkpoint.Store
	// IgnoreCheckpoints starts extractors fresh while still storing the
	// fragments they return.
	IgnoreCheckpoints bool
	DeadLetters       deadletter.Sink
	Hooks             hooks.Publisher
	Logger            *logger.Logger
	// Cancelled reports a cooperative cancellation request. It is checked
	// between extractor pages and before each sub-batch.
	Cancelled func() bool
}

func (rc *RunContext) cancelled() bool {
	return rc.Cancelled != nil && rc.Cancelled()
}

func (rc *RunContext) errorHandling() definition.ErrorHandling {
	var eh definition.ErrorHandling
	if rc.Definition != nil {
		eh = rc.Definition.Context.ErrorHandling
	}
	if eh.Strategy == "" {
		eh.Strategy = definition.StrategySkip
	}
	if eh.MaxAttempts <= 0 {
		eh.MaxAttempts = definition.DefaultMaxAttempts
	}
	if eh.InitialDelayMs <= 0 {
		eh.InitialDelayMs = definition.DefaultInitialDelayMs
	}
	if eh.MaxDelayMs <= 0 {
		eh.MaxDelayMs = definition.DefaultMaxDelayMs
	}
	if eh.BackoffMultiplier <= 0 {
		eh.BackoffMultiplier = definition.DefaultBackoffMultiplier
	}
	return eh
}

func (rc *RunContext) strategy(s definition.Step) definition.ErrorStrategy {
	if rc.Definition != nil {
		return rc.Definition.EffectiveStrategy(s)
	}
	strategy := s.ErrorStrategy
	if strategy == "" {
		strategy = definition.StrategySkip
	}
	if strategy == definition.StrategyAbort && s.ContinueOnError {
		return definition.StrategySkip
	}
	return strategy
}

// Executor runs steps. It is safe for concurrent use.
type Executor struct {
	registry *adapter.Registry
	limiter  *resilience.KeyedLimiter
	breakers *resilience.BreakerSet
	bulkhead *resilience.Bulkhead
	metrics  *observability.PipelineMetrics
	log      *logger.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLimiter throttles steps that declare a rate limit.
func WithLimiter(l *resilience.KeyedLimiter) Option {
	return func(e *Executor) { e.limiter = l }
}

// WithBreakers guards each adapter with its own circuit breaker.
func WithBreakers(b *resilience.BreakerSet) Option {
	return func(e *Executor) { e.breakers = b }
}

// WithBulkhead caps concurrent adapter calls across all steps.
func WithBulkhead(b *resilience.Bulkhead) Option {
	return func(e *Executor) { e.bulkhead = b }
}

// WithMetrics records step metrics.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithLogger sets the fallback logger used when a RunContext has none.
func WithLogger(l *logger.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// New creates an Executor resolving adapters from reg.
func New(reg *adapter.Registry, opts ...Option) *Executor {
	e := &Executor{registry: reg}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Get("executor")
	}
	return e
}

// stepRun is the state of one Execute call.
type stepRun struct {
	step     definition.Step
	rc       *RunContext
	role     adapter.Role
	adapter  adapter.Registered
	cfg      adapter.Config
	name     string
	strategy definition.ErrorStrategy
	eh       definition.ErrorHandling
	log      *logger.Logger

	retries  atomic.Int64
	aborted  atomic.Bool
	abortErr atomic.Pointer[error]
}

func (s *stepRun) exec(attempt int) adapter.ExecContext {
	return adapter.ExecContext{
		PipelineID: s.rc.PipelineID,
		RunID:      s.rc.RunID,
		StepKey:    s.step.Key,
		Attempt:    attempt,
		Logger:     s.log,
	}
}

func (s *stepRun) abort(err error) {
	if s.aborted.CompareAndSwap(false, true) {
		s.abortErr.Store(&err)
	}
}

func (s *stepRun) stopped() bool {
	return s.aborted.Load() || s.rc.cancelled()
}

// Execute runs step on input. It never panics on adapter failures; the
// result always carries a status.
func (e *Executor) Execute(ctx context.Context, step definition.Step, input []*record.Record, rc *RunContext) *StepResult {
	if rc == nil {
		rc = &RunContext{}
	}
	start := time.Now()
	res := &StepResult{StepKey: step.Key, Type: step.Type}
	res.Metrics.RecordsIn = len(input)

	log := rc.Logger
	if log == nil {
		log = e.log
	}
	s := &stepRun{
		step:     step,
		rc:       rc,
		strategy: rc.strategy(step),
		eh:       rc.errorHandling(),
		log:      log.ForStep(step.Key),
	}

	switch step.Type {
	case definition.StepTrigger:
		e.trigger(res, input)
	case definition.StepRoute:
		e.route(res, step, input)
	default:
		e.runAdapter(ctx, s, input, res)
	}

	res.Metrics.RecordsOut = len(res.Output)
	res.Metrics.Retries = int(s.retries.Load())
	res.Metrics.Duration = time.Since(start)
	e.finish(ctx, s, res)
	return res
}

func (e *Executor) trigger(res *StepResult, input []*record.Record) {
	res.Output = input
	res.Metrics.Processed = len(input)
	res.Metrics.Succeeded = len(input)
}

func (e *Executor) route(res *StepResult, step definition.Step, input []*record.Record) {
	res.Branches = make(map[string][]*record.Record, len(step.Config.Branches))
	for _, rec := range input {
		name, ok := route.Select(rec, step.Config.Branches, step.Config.DefaultBranch)
		if !ok {
			res.add(Outcome{Kind: OutcomeDropped, RecordID: rec.Identity(), Reason: "no branch matched"})
			continue
		}
		res.Branches[name] = append(res.Branches[name], rec)
		res.Output = append(res.Output, rec)
		res.add(Outcome{Kind: OutcomeRouted, RecordID: rec.Identity(), Branch: name})
	}
}

func (e *Executor) runAdapter(ctx context.Context, s *stepRun, input []*record.Record, res *StepResult) {
	role, ok := adapter.RoleForStep(s.step.Type)
	if !ok {
		res.Err = apperrors.Validation(fmt.Sprintf("step %q has unknown type %q", s.step.Key, s.step.Type))
		return
	}
	if e.registry == nil {
		res.Err = apperrors.AdapterNotFound(string(role), s.step.Config.AdapterCode)
		return
	}
	reg, err := e.registry.Resolve(role, s.step.Config.AdapterCode)
	if err != nil {
		res.Err = err
		return
	}
	cfg, err := e.registry.ResolveConfig(role, s.step.Config.AdapterCode, s.step.Config.Settings)
	if err != nil {
		res.Err = err
		return
	}
	s.role, s.adapter, s.cfg = role, reg, cfg
	s.name = string(role) + ":" + reg.Definition.Code
	s.log = s.log.WithFields(logger.Fields(logger.FieldAdapter, reg.Definition.Code))

	switch role {
	case adapter.RoleExtractor:
		e.extract(ctx, s, reg.Impl.(adapter.Extractor), res)
	case adapter.RoleOperator:
		e.operate(ctx, s, reg.Impl.(adapter.Operator), input, res)
	case adapter.RoleLoader:
		e.load(ctx, s, reg.Impl.(adapter.Loader), input, res)
	case adapter.RoleExporter, adapter.RoleFeed, adapter.RoleSink:
		e.write(ctx, s, reg.Impl.(adapter.Writer), input, res)
	}
}

func (e *Executor) finish(ctx context.Context, s *stepRun, res *StepResult) {
	if res.Err == nil && s.aborted.Load() {
		if p := s.abortErr.Load(); p != nil {
			res.Err = fmt.Errorf("step %s aborted after %d failed records: %w", s.step.Key, res.Metrics.Failed, *p)
		}
	}

	switch {
	case res.Err != nil:
		res.Status = StatusError
	case res.Metrics.Failed == 0:
		res.Status = StatusSuccess
	case s.step.ContinueOnError || s.strategy != definition.StrategyAbort:
		res.Status = StatusWarning
	default:
		res.Status = StatusError
	}

	pipeline := s.rc.PipelineCode
	for kind, n := range res.Counts() {
		e.metrics.RecordRecords(ctx, pipeline, s.step.Key, string(kind), n)
	}
	e.metrics.RecordStep(ctx, pipeline, s.step.Key, string(res.Status), res.Metrics.Duration)

	fields := logger.Fields(
		logger.FieldStepType, string(s.step.Type),
		logger.FieldStatus, string(res.Status),
		"records_in", res.Metrics.RecordsIn,
		"records_out", res.Metrics.RecordsOut,
		logger.FieldDuration, res.Metrics.Duration.Milliseconds(),
	)
	if res.Err != nil {
		s.log.Error("step failed", logger.MergeWithError(fields, res.Err))
		return
	}
	s.log.Debug("step finished", fields)
}

// cancellation reports why a step stopped early.
func cancellation(ctx context.Context, stepKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return apperrors.Cancelled("step " + stepKey)
}

// publish delivers a hook event. The step timeout bounds the wait when set.
// Hook failures are logged, never returned.
func (s *stepRun) publish(ctx context.Context, ev hooks.Event) {
	if s.rc.Hooks == nil {
		return
	}
	ev.PipelineID = s.rc.PipelineID
	ev.RunID = s.rc.RunID
	ev.StepKey = s.step.Key
	ev.Stage = strings.ToUpper(string(s.step.Type))
	ctx = context.WithoutCancel(ctx)
	if s.step.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.step.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	if err := s.rc.Hooks.Publish(ctx, ev); err != nil {
		s.log.Warn("hook delivery failed", logger.MergeWithError(logger.Fields(logger.FieldEvent, string(ev.Type)), err))
	}
}
