package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/kbukum/etlkit/checkpoint"
	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/database"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/definition"
	"github.com/kbukum/etlkit/engine"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/kafka"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/observability"
	"github.com/kbukum/etlkit/record"
	"github.com/kbukum/etlkit/redis"
	"github.com/kbukum/etlkit/resilience"
	"github.com/kbukum/etlkit/scheduler"
)

type infrastructure struct {
	telemetry *telemetry
	redis     *redis.Component
	database  *database.Component
	kafka     *kafka.Component
}

// wire registers the components of every enabled backend in start order.
func (a *App) wire(o *appOptions) error {
	cfg, log := a.Cfg, a.Logger

	a.infra.telemetry = &telemetry{cfg: cfg.Observability, log: log.WithComponent("observability")}
	comps := []component.Component{a.infra.telemetry}

	if cfg.Redis.Enabled {
		a.infra.redis = redis.NewComponent(cfg.Redis, log)
		comps = append(comps, a.infra.redis)
	}
	if cfg.Database.Enabled {
		a.infra.database = database.NewComponent(cfg.Database, log)
		if slices.Contains(cfg.DeadLetter.Sinks, SinkDatabase) {
			a.infra.database.WithAutoMigrate(&deadletter.Model{})
		}
		comps = append(comps, a.infra.database)
	}
	if cfg.Kafka.Enabled {
		a.infra.kafka = kafka.NewComponent(cfg.Kafka, log)
		if o.producer != nil {
			a.infra.kafka.SetProducer(o.producer)
		}
		comps = append(comps, a.infra.kafka)
	}
	if cfg.RateLimit.Enabled {
		a.limiter = resilience.NewKeyedLimiter(cfg.RateLimit.LimiterConfig,
			resilience.WithLimiterLogger(log.WithComponent("rate_limiter")))
		comps = append(comps, a.limiter)
	}

	a.bus = hooks.NewBus(cfg.Hooks, log.WithComponent("hooks"))
	comps = append(comps, a.bus)

	if slices.Contains(cfg.DeadLetter.Sinks, SinkMemory) {
		a.memory = deadletter.NewMemorySink()
	}
	a.engine = &engineComponent{app: a, extra: o.sinks}
	comps = append(comps, a.engine)

	if cfg.Scheduler.Enabled {
		loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return fmt.Errorf("scheduler timezone: %w", err)
		}
		a.scheduler = scheduler.New(engineStarter{a.engine},
			scheduler.WithLogger(log.WithComponent("scheduler")),
			scheduler.WithLocation(loc),
			scheduler.WithOverlap(cfg.Scheduler.AllowOverlap),
		)
		for _, path := range cfg.Scheduler.Pipelines {
			def, err := a.LoadDefinition(path)
			if err != nil {
				return err
			}
			if err := a.scheduler.Add(def); err != nil {
				return fmt.Errorf("schedule %s: %w", path, err)
			}
		}
		comps = append(comps, a.scheduler)
	}

	for _, c := range comps {
		if err := a.Components.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// LoadDefinition reads a YAML or JSON definition. Error-handling fields
// the definition leaves unset take the values of the retry section.
func (a *App) LoadDefinition(path string) (*definition.Definition, error) {
	def, err := definition.DecodeFile(path)
	if err != nil {
		return nil, fmt.Errorf("load definition %s: %w", path, err)
	}
	applyRetryDefaults(def, a.Cfg.Retry)
	def.ApplyDefaults()
	return def, nil
}

func applyRetryDefaults(def *definition.Definition, rc resilience.RetryConfig) {
	eh := &def.Context.ErrorHandling
	if eh.MaxAttempts <= 0 {
		eh.MaxAttempts = rc.MaxAttempts
	}
	if eh.InitialDelayMs <= 0 {
		eh.InitialDelayMs = rc.InitialDelayMs
	}
	if eh.MaxDelayMs <= 0 {
		eh.MaxDelayMs = rc.MaxDelayMs
	}
	if eh.BackoffMultiplier <= 0 {
		eh.BackoffMultiplier = rc.Multiplier
	}
}

// engineComponent builds the engine from the backends started before it.
type engineComponent struct {
	app   *App
	extra []deadletter.Sink

	mu     sync.RWMutex
	eng    *engine.Engine
	detail string
}

var (
	_ component.Component   = (*engineComponent)(nil)
	_ component.Describable = (*engineComponent)(nil)
)

func (c *engineComponent) get() *engine.Engine {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.eng
}

func (c *engineComponent) Name() string { return "engine" }

func (c *engineComponent) Start(_ context.Context) error {
	a := c.app
	cfg := a.Cfg

	persister, err := c.persister()
	if err != nil {
		return err
	}
	sink, err := c.deadLetters()
	if err != nil {
		return err
	}

	opts := []engine.Option{
		engine.WithHooks(a.bus),
		engine.WithMetrics(a.infra.telemetry.pipelineMetrics()),
		engine.WithLogger(a.Logger.WithComponent("engine")),
	}
	if persister != nil {
		opts = append(opts, engine.WithPersister(persister))
	}
	if sink != nil {
		opts = append(opts, engine.WithDeadLetters(sink))
	}
	if a.limiter != nil {
		opts = append(opts, engine.WithLimiter(a.limiter))
	}
	if cfg.CircuitBreaker.Enabled {
		bc := cfg.CircuitBreaker.CircuitBreakerConfig
		log := a.Logger.WithComponent("circuit_breaker")
		bc.OnStateChange = func(name string, from, to resilience.State) {
			log.Warn("circuit state changed", logger.Fields(logger.FieldAdapter, name, "from", from.String(), "to", to.String()))
		}
		opts = append(opts, engine.WithBreakers(resilience.NewBreakerSet(bc)))
	}

	eng := engine.New(a.Adapters, cfg.Engine, opts...)
	c.mu.Lock()
	c.eng = eng
	c.detail = fmt.Sprintf("checkpoints=%s dead_letters=%s", cfg.Checkpoint.Backend, strings.Join(cfg.DeadLetter.Sinks, ","))
	c.mu.Unlock()
	return nil
}

func (c *engineComponent) persister() (checkpoint.Persister, error) {
	cfg := c.app.Cfg.Checkpoint
	switch cfg.Backend {
	case CheckpointNone:
		return nil, nil
	case CheckpointRedis:
		infra := c.app.infra.redis
		if infra == nil || infra.Client() == nil {
			return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "redis checkpoint backend is not started")
		}
		return checkpoint.NewRedisPersister(redis.NewHashStore(infra.Client(), cfg.KeyPrefix), cfg.TTL), nil
	default:
		return checkpoint.NewMemoryPersister(), nil
	}
}

func (c *engineComponent) deadLetters() (deadletter.Sink, error) {
	a := c.app
	var sinks deadletter.Fanout
	for _, name := range a.Cfg.DeadLetter.Sinks {
		switch name {
		case SinkMemory:
			sinks = append(sinks, a.memory)
		case SinkDatabase:
			db := a.infra.database
			if db == nil || db.DB() == nil {
				return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "database dead-letter sink is not started")
			}
			gs := deadletter.NewGormSink(db.DB())
			if !db.AutoMigrates() {
				if err := gs.Migrate(); err != nil {
					return nil, fmt.Errorf("dead-letter migrate: %w", err)
				}
			}
			sinks = append(sinks, gs)
		case SinkKafka:
			k := a.infra.kafka
			if k == nil || k.Producer() == nil {
				return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "kafka dead-letter sink is not started")
			}
			sinks = append(sinks, deadletter.NewKafkaSink(k.Producer(), a.Cfg.DeadLetter.Topic))
		}
	}
	sinks = append(sinks, c.extra...)
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

func (c *engineComponent) Stop(ctx context.Context) error {
	eng := c.get()
	if eng == nil {
		return nil
	}
	return eng.Shutdown(ctx)
}

func (c *engineComponent) Health(ctx context.Context) component.Health {
	eng := c.get()
	if eng == nil {
		return component.Health{Name: c.Name(), Status: component.StatusUnhealthy, Message: "engine not started"}
	}
	return eng.Component().Health(ctx)
}

func (c *engineComponent) Describe() component.Description {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return component.Description{Name: "Engine", Type: "engine", Details: c.detail}
}

// engineStarter hands scheduled runs to the engine once it is started.
type engineStarter struct{ c *engineComponent }

func (s engineStarter) Start(ctx context.Context, def *definition.Definition, seed []*record.Record, opts ...engine.RunOption) (*engine.Run, error) {
	eng := s.c.get()
	if eng == nil {
		return nil, apperrors.New(apperrors.ErrCodeServiceUnavailable, "engine is not started")
	}
	return eng.Start(ctx, def, seed, opts...)
}

// telemetry owns the OpenTelemetry providers.
type telemetry struct {
	cfg observability.Config
	log *logger.Logger

	tp      *sdktrace.TracerProvider
	mp      *sdkmetric.MeterProvider
	metrics *observability.PipelineMetrics
}

func (t *telemetry) Name() string { return "observability" }

// Start installs the OTLP exporters when enabled. Pipeline instruments are
// created either way; without exporters they record into the global no-op
// provider.
func (t *telemetry) Start(ctx context.Context) error {
	if t.cfg.Enabled {
		tp, err := observability.InitTracer(ctx, t.cfg.TracerConfig())
		if err != nil {
			return fmt.Errorf("observability tracer: %w", err)
		}
		t.tp = tp
		mp, err := observability.InitMeter(ctx, t.cfg.MeterConfig())
		if err != nil {
			_ = tp.Shutdown(ctx)
			return fmt.Errorf("observability meter: %w", err)
		}
		t.mp = mp
	}
	m, err := observability.NewPipelineMetrics(observability.Meter("github.com/kbukum/etlkit"))
	if err != nil {
		return fmt.Errorf("observability instruments: %w", err)
	}
	t.metrics = m
	return nil
}

func (t *telemetry) pipelineMetrics() *observability.PipelineMetrics { return t.metrics }

func (t *telemetry) Stop(ctx context.Context) error {
	var errs []error
	if t.mp != nil {
		errs = append(errs, t.mp.Shutdown(ctx))
	}
	if t.tp != nil {
		errs = append(errs, t.tp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (t *telemetry) Health(_ context.Context) component.Health {
	h := component.Health{Name: t.Name(), Status: component.StatusHealthy, Message: "exporters disabled"}
	if t.cfg.Enabled {
		h.Message = "exporting to " + t.cfg.Endpoint
	}
	return h
}

func (t *telemetry) Describe() component.Description {
	details := "disabled"
	if t.cfg.Enabled {
		details = fmt.Sprintf("%s sample=%.2f", t.cfg.Endpoint, t.cfg.SampleRate)
	}
	return component.Description{Name: "OpenTelemetry", Type: "observability", Details: details}
}
