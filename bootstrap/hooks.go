package bootstrap

import (
	"context"
	"fmt"

	"github.com/kbukum/etlkit/hooks"
)

// Hook is a lifecycle callback run during startup or shutdown.
type Hook func(ctx context.Context) error

// OnStart registers hooks that run once every component is started, before
// the configure phase.
func (a *App) OnStart(hs ...Hook) {
	a.onStart = append(a.onStart, hs...)
}

// OnReady registers hooks that run after the ready check.
func (a *App) OnReady(hs ...Hook) {
	a.onReady = append(a.onReady, hs...)
}

// OnStop registers hooks that run during shutdown before components are
// stopped, while the engine still accepts runs.
func (a *App) OnStop(hs ...Hook) {
	a.onStop = append(a.onStop, hs...)
}

// finishedEvents are the events a run publishes exactly one of.
var finishedEvents = []hooks.EventType{hooks.PipelineCompleted, hooks.PipelineFailed, hooks.PipelineCancelled}

// OnRunFinished calls fn once per run, scheduled or not, with the event the
// run ended on. The run's result is not returned until fn acknowledges.
func (a *App) OnRunFinished(name string, fn hooks.Handler) {
	a.bus.Subscribe(name, fn, finishedEvents...)
}

func runHooks(ctx context.Context, phase string, hs []Hook) error {
	for i, h := range hs {
		if err := h(ctx); err != nil {
			return fmt.Errorf("%s hook %d: %w", phase, i, err)
		}
	}
	return nil
}
