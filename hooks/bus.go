package hooks

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kbukum/etlkit/component"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/logger"
)

// Handler receives one event. Returning acknowledges it; a non-nil error
// is logged and counted.
type Handler func(ctx context.Context, e Event) error

// Publisher delivers lifecycle events. *Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Stats counts what the bus has done since it was created.
type Stats struct {
	Published int64
	Delivered int64
	Failed    int64
	TimedOut  int64
	Rejected  int64
}

type subscription struct {
	name    string
	handler Handler
	types   []EventType
}

func (s subscription) matches(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

type envelope struct {
	event Event
	ack   chan struct{}
}

// Bus fans events out to subscribers through a bounded queue and a single
// dispatcher goroutine, so handlers observe events in publish order.
type Bus struct {
	config Config
	log    *logger.Logger

	mu   sync.RWMutex
	subs []subscription

	queue chan envelope

	lifecycle sync.Mutex
	running   bool
	stop      chan struct{}
	exited    chan struct{}

	published atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	rejected  atomic.Int64
}

var (
	_ component.Component = (*Bus)(nil)
	_ Publisher           = (*Bus)(nil)
)

// NewBus creates a Bus. Call Start before publishing.
func NewBus(cfg Config, log *logger.Logger) *Bus {
	cfg.ApplyDefaults()
	if log == nil {
		log = logger.Get("hooks")
	}
	return &Bus{
		config: cfg,
		log:    log,
		queue:  make(chan envelope, cfg.QueueSize),
	}
}

// Subscribe registers h for the given event types, or for every event when
// no type is given. The name identifies the handler in logs.
func (b *Bus) Subscribe(name string, h Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{name: name, handler: h, types: types})
}

// Publish enqueues e and waits until every matching handler has
// acknowledged it or the wait times out. The wait is bounded by the
// configured publish timeout and by ctx.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b.lifecycle.Lock()
	running, stop, exited := b.running, b.stop, b.exited
	b.lifecycle.Unlock()
	if !running {
		b.rejected.Add(1)
		return apperrors.New(apperrors.ErrCodeServiceUnavailable, "hook bus is not running")
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()

	env := envelope{event: e, ack: make(chan struct{})}
	select {
	case b.queue <- env:
		b.published.Add(1)
	case <-stop:
		b.rejected.Add(1)
		return apperrors.New(apperrors.ErrCodeServiceUnavailable, "hook bus is stopping")
	case <-ctx.Done():
		b.rejected.Add(1)
		return apperrors.Timeout(fmt.Sprintf("enqueue %s", e.Type), b.config.PublishTimeout)
	}

	select {
	case <-env.ack:
		return nil
	case <-exited:
		return apperrors.New(apperrors.ErrCodeServiceUnavailable, "hook bus stopped before acknowledging")
	case <-ctx.Done():
		return apperrors.Timeout(fmt.Sprintf("acknowledge %s", e.Type), b.config.PublishTimeout)
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		TimedOut:  b.timedOut.Load(),
		Rejected:  b.rejected.Load(),
	}
}

// Name implements component.Component.
func (b *Bus) Name() string { return "hooks" }

// Start launches the dispatcher. Calling Start on a running bus is a no-op.
func (b *Bus) Start(_ context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	b.stop = make(chan struct{})
	b.exited = make(chan struct{})
	go b.dispatch(b.stop, b.exited)
	b.log.Debug("Hook dispatcher started", logger.Fields("queue_size", b.config.QueueSize))
	return nil
}

// Stop drains queued events and waits for the dispatcher to exit or for
// ctx to be done.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycle.Lock()
	if !b.running {
		b.lifecycle.Unlock()
		return nil
	}
	b.running = false
	close(b.stop)
	exited := b.exited
	b.lifecycle.Unlock()

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health implements component.Component. A bus with handler failures is
// reported degraded.
func (b *Bus) Health(_ context.Context) component.Health {
	b.lifecycle.Lock()
	running := b.running
	b.lifecycle.Unlock()
	h := component.Health{Name: b.Name(), Status: component.StatusHealthy}
	switch {
	case !running:
		h.Status = component.StatusUnhealthy
		h.Message = "dispatcher not running"
	case b.failed.Load()+b.timedOut.Load() > 0:
		h.Status = component.StatusDegraded
		h.Message = fmt.Sprintf("%d handler failures, %d timeouts", b.failed.Load(), b.timedOut.Load())
	}
	return h
}

func (b *Bus) dispatch(stop <-chan struct{}, exited chan<- struct{}) {
	defer close(exited)
	for {
		select {
		case env := <-b.queue:
			b.deliver(env)
		case <-stop:
			for {
				select {
				case env := <-b.queue:
					b.deliver(env)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(env envelope) {
	defer close(env.ack)
	b.mu.RLock()
	subs := slices.Clone(b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.matches(env.event.Type) {
			b.invoke(s, env.event)
		}
	}
}

func (b *Bus) invoke(s subscription, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- s.handler(ctx, e)
	}()

	fields := logger.Fields("handler", s.name, "event", string(e.Type),
		logger.FieldPipelineID, e.PipelineID, logger.FieldRunID, e.RunID)
	select {
	case err := <-done:
		if err != nil {
			b.failed.Add(1)
			b.log.Warn("Hook handler failed", logger.MergeWithError(fields, err))
			return
		}
		b.delivered.Add(1)
	case <-ctx.Done():
		b.timedOut.Add(1)
		b.log.Warn("Hook handler timed out", logger.MergeWithError(fields,
			fmt.Errorf("no acknowledgement within %s", b.config.HandlerTimeout)))
	}
}
