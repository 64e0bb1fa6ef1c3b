package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kbukum/etlkit/component"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/logger"
)

func startBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	b := NewBus(cfg, logger.Nop())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return b
}

func TestEventTypeHelpers(t *testing.T) {
	if Before("extract") != "BEFORE_EXTRACT" || After("LOAD") != "AFTER_LOAD" {
		t.Errorf("unexpected stage event names %s %s", Before("extract"), After("LOAD"))
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := startBus(t, Config{})
	var mu sync.Mutex
	var got []EventType
	b.Subscribe("recorder", func(_ context.Context, e Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
		return nil
	})

	ctx := context.Background()
	for _, typ := range []EventType{PipelineStarted, Before("EXTRACT"), After("EXTRACT"), PipelineCompleted} {
		if err := b.Publish(ctx, Event{Type: typ, RunID: "r1"}); err != nil {
			t.Fatalf("Publish %s: %v", typ, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{PipelineStarted, "BEFORE_EXTRACT", "AFTER_EXTRACT", PipelineCompleted}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if s := b.Stats(); s.Published != 4 || s.Delivered != 4 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestSubscribeFiltersByType(t *testing.T) {
	b := startBus(t, Config{})
	var calls int
	b.Subscribe("failures", func(context.Context, Event) error {
		calls++
		return nil
	}, PipelineFailed, OnError)

	ctx := context.Background()
	_ = b.Publish(ctx, Event{Type: PipelineStarted})
	_ = b.Publish(ctx, Event{Type: OnError})
	_ = b.Publish(ctx, Event{Type: PipelineFailed})

	if calls != 2 {
		t.Errorf("expected 2 matching deliveries, got %d", calls)
	}
}

func TestHandlerFailuresAreNotFatal(t *testing.T) {
	b := startBus(t, Config{HandlerTimeout: 20 * time.Millisecond})
	var after bool
	b.Subscribe("broken", func(context.Context, Event) error { return errors.New("boom") })
	b.Subscribe("panics", func(context.Context, Event) error { panic("bad handler") })
	b.Subscribe("slow", func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return nil
	})
	b.Subscribe("after", func(context.Context, Event) error {
		after = true
		return nil
	})

	if err := b.Publish(context.Background(), Event{Type: OnRetry}); err != nil {
		t.Fatalf("Publish should succeed despite handler failures: %v", err)
	}
	if !after {
		t.Error("handlers after a failing one must still run")
	}
	s := b.Stats()
	if s.Failed != 2 || s.TimedOut != 1 || s.Delivered != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if h := b.Health(context.Background()); h.Status != component.StatusDegraded {
		t.Errorf("expected degraded health, got %s", h.Status)
	}
}

func TestPublishTimesOutWaitingForAck(t *testing.T) {
	b := startBus(t, Config{HandlerTimeout: time.Second, PublishTimeout: 20 * time.Millisecond})
	release := make(chan struct{})
	b.Subscribe("blocked", func(context.Context, Event) error {
		<-release
		return nil
	})
	defer close(release)

	err := b.Publish(context.Background(), Event{Type: PipelineStarted})
	if apperrors.CodeOf(err) != apperrors.ErrCodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestPublishRequiresRunningBus(t *testing.T) {
	b := NewBus(Config{}, logger.Nop())
	err := b.Publish(context.Background(), Event{Type: PipelineStarted})
	if apperrors.CodeOf(err) != apperrors.ErrCodeServiceUnavailable {
		t.Fatalf("expected SERVICE_UNAVAILABLE, got %v", err)
	}
	if h := b.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy before Start, got %s", h.Status)
	}
	if b.Stats().Rejected != 1 {
		t.Errorf("expected rejected count 1")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	b := NewBus(Config{}, logger.Nop())
	ctx := context.Background()
	for range 2 {
		if err := b.Start(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Publish(ctx, Event{Type: PipelineStarted}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	for range 2 {
		if err := b.Stop(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := b.Publish(ctx, Event{Type: PipelineCompleted}); err != nil {
		t.Fatalf("Publish after restart: %v", err)
	}
	_ = b.Stop(ctx)
}

func TestConcurrentPublishers(t *testing.T) {
	b := startBus(t, Config{QueueSize: 4})
	var mu sync.Mutex
	seen := map[string]bool{}
	b.Subscribe("collect", func(_ context.Context, e Event) error {
		mu.Lock()
		seen[e.RunID] = true
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Publish(context.Background(), Event{Type: OnError, RunID: string(rune('a' + i))})
		}()
	}
	wg.Wait()
	if len(seen) != 32 {
		t.Errorf("expected 32 distinct events, got %d", len(seen))
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.QueueSize != 256 || cfg.HandlerTimeout != 5*time.Second || cfg.PublishTimeout != 10*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}
