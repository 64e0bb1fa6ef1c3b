package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/engine"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/observability"
	"github.com/kbukum/etlkit/resilience"
	"github.com/kbukum/etlkit/scheduler"
)

// App runs the pipeline engine with its infrastructure under one lifecycle.
//
// Components start in this order: observability, redis, database, kafka,
// rate limiter, hook bus, engine, scheduler. Only enabled backends are
// registered. The engine is built when its component starts, so adapters
// registered on Adapters before Run are visible to every run.
//
// Example:
//
//	app, err := bootstrap.NewApp(&cfg)
//	app.Adapters.MustRegister(csvDef, csvExtractor)
//	app.OnConfigure(func(ctx context.Context, a *bootstrap.App) error {
//	    _, err := a.Engine().Start(ctx, def, nil)
//	    return err
//	})
//	app.Run(context.Background())
type App struct {
	Name       string
	Version    string
	Cfg        *Config
	Adapters   *adapter.Registry
	Components *component.Registry
	Logger     *logger.Logger
	Summary    *Summary

	gracefulTimeout time.Duration
	onConfigure     []func(ctx context.Context, app *App) error

	onStart []Hook
	onReady []Hook
	onStop  []Hook

	infra     infrastructure
	bus       *hooks.Bus
	limiter   *resilience.KeyedLimiter
	memory    *deadletter.MemorySink
	engine    *engineComponent
	scheduler *scheduler.Scheduler
}

// NewApp creates an application from cfg. It applies defaults, validates
// the config, initializes the logger, loads the scheduled definitions, and
// registers the components of every enabled backend.
func NewApp(cfg *Config, opts ...Option) (*App, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	base := cfg.GetServiceConfig()
	app := &App{
		Name:            base.Name,
		Version:         base.Version,
		Cfg:             cfg,
		Adapters:        adapter.NewRegistry(),
		gracefulTimeout: 15 * time.Second,
	}

	o := resolveOptions(opts)
	if o.adapters != nil {
		app.Adapters = o.adapters
	}
	if o.gracefulTimeout != nil {
		app.gracefulTimeout = *o.gracefulTimeout
	}
	if o.logger != nil {
		app.Logger = o.logger
	} else {
		logger.Init(&base.Logging)
		app.Logger = logger.GetGlobalLogger()
	}

	app.Components = component.NewRegistry(app.Logger.WithComponent("components"))
	app.Summary = NewSummary(base.Name, base.Version)
	if err := app.wire(o); err != nil {
		return nil, err
	}
	return app, nil
}

// RegisterComponent adds a component after the built-in ones.
func (a *App) RegisterComponent(c component.Component) error {
	return a.Components.Register(c)
}

// OnConfigure registers a callback to run once every component has started.
// The engine is available from this phase on.
func (a *App) OnConfigure(fn func(ctx context.Context, app *App) error) {
	a.onConfigure = append(a.onConfigure, fn)
}

// Engine returns the pipeline engine, or nil before the components start.
func (a *App) Engine() *engine.Engine { return a.engine.get() }

// Scheduler returns the cron scheduler, or nil when scheduling is disabled.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Hooks returns the lifecycle event bus. Subscribe before Run.
func (a *App) Hooks() *hooks.Bus { return a.bus }

// DeadLetters returns the in-memory dead-letter sink, or nil when the
// memory sink is not configured.
func (a *App) DeadLetters() *deadletter.MemorySink { return a.memory }

// ReadyCheck verifies that all registered components are healthy.
func (a *App) ReadyCheck(ctx context.Context) error {
	sh := observability.CheckRegistry(ctx, a.Name, a.Version, a.Components)
	if sh.Status == component.StatusHealthy {
		return nil
	}
	var unhealthy []string
	for _, h := range sh.Components {
		if h.Status != component.StatusHealthy {
			detail := h.Name + "=" + string(h.Status)
			if h.Message != "" {
				detail += "(" + h.Message + ")"
			}
			unhealthy = append(unhealthy, detail)
		}
	}
	return fmt.Errorf("service %s: unhealthy components: %v", sh.Status, unhealthy)
}

// Run executes the full lifecycle of a long-running worker:
// start components, OnStart hooks, configure, ready check, OnReady hooks,
// block on signal, OnStop hooks, graceful shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.startup(ctx); err != nil {
		return err
	}

	a.Logger.Info("Application ready, waiting for shutdown signal")
	a.WaitForSignal(ctx)

	return a.stop()
}

// RunTask runs task with the full bootstrap lifecycle and shuts down when
// it returns or SIGINT/SIGTERM cancels it. Use it for one-shot pipeline
// runs and backfills.
//
//	app.RunTask(ctx, func(ctx context.Context) error {
//	    res, err := app.Engine().Run(ctx, def, nil)
//	    if err != nil {
//	        return err
//	    }
//	    return res.Err()
//	})
func (a *App) RunTask(ctx context.Context, task func(ctx context.Context) error) error {
	if err := a.startup(ctx); err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			a.Logger.Info("Received signal, canceling task", logger.Fields("signal", sig.String()))
			cancel()
		case <-taskCtx.Done():
		}
	}()

	taskErr := task(taskCtx)

	if stopErr := a.stop(); stopErr != nil {
		if taskErr != nil {
			return taskErr
		}
		return stopErr
	}
	return taskErr
}

func (a *App) startup(ctx context.Context) error {
	start := time.Now()

	a.Logger.Info("Starting application", logger.Fields(
		"name", a.Name,
		"version", a.Version,
	))

	if err := a.initialize(ctx); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}
	if err := runHooks(ctx, "start", a.onStart); err != nil {
		_ = a.stop()
		return fmt.Errorf("onStart hook failed: %w", err)
	}
	if err := a.configure(ctx); err != nil {
		_ = a.stop()
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := a.ReadyCheck(ctx); err != nil {
		a.Logger.Warn("Ready check reported issues", logger.Fields(logger.FieldError, err.Error()))
	}
	if err := runHooks(ctx, "ready", a.onReady); err != nil {
		_ = a.stop()
		return fmt.Errorf("onReady hook failed: %w", err)
	}

	a.Summary.SetStartupDuration(time.Since(start))
	a.DisplaySummary()
	return nil
}

func (a *App) initialize(ctx context.Context) error {
	a.Logger.Info("Phase 1: Starting components")
	if err := a.Components.StartAll(ctx); err != nil {
		return fmt.Errorf("failed to start components: %w", err)
	}
	a.Logger.Info("Phase 1: All components started")
	return nil
}

// DisplaySummary writes the startup summary to stdout.
func (a *App) DisplaySummary() {
	a.Summary.Write(os.Stdout, a.Components, a.Adapters, a.scheduler)
}

func (a *App) configure(ctx context.Context) error {
	if len(a.onConfigure) == 0 {
		return nil
	}

	a.Logger.Info("Phase 2: Running configuration callbacks", logger.Fields("count", len(a.onConfigure)))
	for _, fn := range a.onConfigure {
		if err := fn(ctx, a); err != nil {
			return err
		}
	}
	a.Logger.Info("Phase 2: Configuration complete")
	return nil
}

// WaitForSignal blocks until SIGINT/SIGTERM or ctx is done.
func (a *App) WaitForSignal(ctx context.Context) os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		a.Logger.Info("Received shutdown signal, graceful shutdown starting", logger.Fields("signal", sig.String()))
		return sig
	case <-ctx.Done():
		a.Logger.Info("Context canceled, shutting down")
		return nil
	}
}

// Shutdown stops the application. Use it when managing the lifecycle
// yourself.
func (a *App) Shutdown(_ context.Context) error {
	return a.stop()
}

// stop runs OnStop hooks and stops the components in reverse order within
// the graceful timeout. Stopping the engine cancels runs still in progress.
func (a *App) stop() error {
	a.Logger.Info("Shutting down application", logger.Fields("timeout", a.gracefulTimeout.String()))

	ctx, cancel := context.WithTimeout(context.Background(), a.gracefulTimeout)
	defer cancel()

	var shutdownErr error
	if err := runHooks(ctx, "stop", a.onStop); err != nil {
		a.Logger.Error("OnStop hook error", logger.Fields(logger.FieldError, err.Error()))
		shutdownErr = err
	}
	if err := a.Components.StopAll(ctx); err != nil {
		a.Logger.Error("Shutdown completed with errors", logger.Fields(logger.FieldError, err.Error()))
		shutdownErr = err
	}

	a.Logger.Info("Application shutdown complete")
	return shutdownErr
}
