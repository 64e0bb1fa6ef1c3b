// Package hooks delivers pipeline lifecycle events to subscribed handlers.
//
// The engine publishes typed events onto a bounded queue. A single
// dispatcher goroutine drains the queue and hands each event to every
// matching handler with a deadline. A handler acknowledges by returning;
// one that errors, panics or overruns its deadline is logged and counted
// but never fails the run.
//
//	bus := hooks.NewBus(hooks.Config{}, log)
//	bus.Subscribe("audit", func(ctx context.Context, e hooks.Event) error {
//	    return audit.Write(ctx, e)
//	}, hooks.PipelineCompleted, hooks.PipelineFailed)
//	_ = bus.Start(ctx)
//	defer bus.Stop(ctx)
package hooks
