package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/checkpoint"
	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/executor"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/observability"
	"github.com/kbukum/etlkit/record"
	"github.com/kbukum/etlkit/resilience"
)

// Engine starts and tracks pipeline runs. It is safe for concurrent use.
type Engine struct {
	registry    *adapter.Registry
	cfg         Config
	exec        *executor.Executor
	limiter     *resilience.KeyedLimiter
	breakers    *resilience.BreakerSet
	bulkhead    *resilience.Bulkhead
	persister   checkpoint.Persister
	deadLetters deadletter.Sink
	hooks       hooks.Publisher
	metrics     *observability.PipelineMetrics
	log         *logger.Logger

	mu   sync.Mutex
	runs map[string]*Run
}

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter rate limits Start per pipeline code and throttles steps that
// declare a rate limit.
func WithLimiter(l *resilience.KeyedLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithBreakers guards each adapter with a circuit breaker.
func WithBreakers(b *resilience.BreakerSet) Option {
	return func(e *Engine) { e.breakers = b }
}

// WithPersister makes checkpoints survive across runs.
func WithPersister(p checkpoint.Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithDeadLetters sets where quarantined records go.
func WithDeadLetters(s deadletter.Sink) Option {
	return func(e *Engine) { e.deadLetters = s }
}

// WithHooks publishes lifecycle events.
func WithHooks(p hooks.Publisher) Option {
	return func(e *Engine) { e.hooks = p }
}

// WithMetrics records run and step metrics.
func WithMetrics(m *observability.PipelineMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithExecutor replaces the step executor the engine would build.
func WithExecutor(x *executor.Executor) Option {
	return func(e *Engine) { e.exec = x }
}

// New creates an Engine resolving adapters from reg.
func New(reg *adapter.Registry, cfg Config, opts ...Option) *Engine {
	cfg.ApplyDefaults()
	e := &Engine{registry: reg, cfg: cfg, runs: make(map[string]*Run)}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Get("engine")
	}
	if e.exec == nil {
		xopts := []executor.Option{
			executor.WithLimiter(e.limiter),
			executor.WithMetrics(e.metrics),
			executor.WithLogger(e.log.WithComponent("executor")),
		}
		if e.breakers != nil {
			xopts = append(xopts, executor.WithBreakers(e.breakers))
		}
		if cfg.MaxConcurrentCalls > 0 {
			e.bulkhead = resilience.NewBulkhead(resilience.BulkheadConfig{
				Name:          "adapter_calls",
				MaxConcurrent: cfg.MaxConcurrentCalls,
				MaxWait:       cfg.BulkheadWait,
			})
			xopts = append(xopts, executor.WithBulkhead(e.bulkhead))
		}
		e.exec = executor.New(reg, xopts...)
	}
	return e
}

// RunOption configures a single run.
type RunOption func(*runOptions)

type runOptions struct {
	runID       string
	clientIP    string
	checkpoints checkpoint.Store
}

// WithRunID sets the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.runID = id }
}

// WithClientIP adds the caller address to the Start rate-limit key.
func WithClientIP(ip string) RunOption {
	return func(o *runOptions) { o.clientIP = ip }
}

// WithCheckpoints makes the run read and write checkpoints through store
// instead of a buffer owned by the engine.
func WithCheckpoints(store checkpoint.Store) RunOption {
	return func(o *runOptions) { o.checkpoints = store }
}

// Start admits a run of def and executes it in the background. Validation
// happens inside the run, so an invalid definition yields a FAILED run
// rather than an error here. Start fails with RATE_LIMITED, creating no
// run, when the pipeline was started too often within the window.
//
// The run observes ctx: its deadline ends the run with TIMEOUT and its
// cancellation with CANCELLED.
func (e *Engine) Start(ctx context.Context, def *definition.Definition, seed []*record.Record, opts ...RunOption) (*Run, error) {
	if def == nil {
		return nil, apperrors.InvalidInput("definition", "pipeline definition is required")
	}
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}
	if e.limiter != nil && e.cfg.MaxRunsPerWindow > 0 {
		key := resilience.KeyParts{IP: ro.clientIP, PipelineCode: def.Code}
		d := e.limiter.IsRateLimited(key, e.cfg.MaxRunsPerWindow, e.cfg.RunWindow)
		if d.Limited {
			e.metrics.RecordRateLimited(ctx, key.String())
			e.log.Warn("run rejected", logger.Fields(
				"pipeline_code", def.Code,
				"retry_after_ms", d.RetryAfter.Milliseconds(),
			))
			return nil, apperrors.RateLimited(key.String(), d.RetryAfter)
		}
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}

	frozen := def.Clone()
	frozen.ApplyDefaults()
	r := newRun(ro.runID, frozen.ID, frozen.Code)

	e.mu.Lock()
	if _, dup := e.runs[r.id]; dup {
		e.mu.Unlock()
		return nil, apperrors.AlreadyExists("run " + r.id)
	}
	e.runs[r.id] = r
	e.mu.Unlock()

	go func() {
		defer e.forget(r.id)
		e.execute(ctx, r, frozen, seed, ro)
	}()
	return r, nil
}

// Run starts def and waits for it to finish. The error is non-nil only when
// the run could not be started; a failed run is reported by the result.
func (e *Engine) Run(ctx context.Context, def *definition.Definition, seed []*record.Record, opts ...RunOption) (*RunResult, error) {
	r, err := e.Start(ctx, def, seed, opts...)
	if err != nil {
		return nil, err
	}
	<-r.done
	return r.Result(), nil
}

// Lookup returns an in-progress run.
func (e *Engine) Lookup(runID string) (*Run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

// Active returns the number of runs in progress.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

func (e *Engine) forget(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

// Shutdown cancels every run in progress and waits for them to end or for
// ctx to be done.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.Cancel()
	}
	for _, r := range runs {
		if _, err := r.Wait(ctx); err != nil {
			return fmt.Errorf("engine shutdown: %w", err)
		}
	}
	return nil
}

// Component exposes the engine lifecycle to a component.Registry. Stopping
// it shuts the engine down.
func (e *Engine) Component() component.Component { return lifecycle{e} }

type lifecycle struct{ e *Engine }

func (l lifecycle) Name() string                   { return "engine" }
func (l lifecycle) Start(_ context.Context) error  { return nil }
func (l lifecycle) Stop(ctx context.Context) error { return l.e.Shutdown(ctx) }

// Health is degraded while every adapter call slot is taken.
func (l lifecycle) Health(_ context.Context) component.Health {
	active := l.e.Active()
	if b := l.e.bulkhead; b != nil {
		if st := b.Stats(); st.Saturated() {
			return component.Degraded("engine", "%d active runs, %d/%d adapter calls in flight", active, st.InUse, st.Capacity)
		}
	}
	return component.Healthy("engine", "%d active runs", active)
}
