package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/adapter/testutil"
	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/definition"
	"github.com/kbukum/etlkit/engine"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/record"
)

// countingStarter forwards to an engine and counts calls.
type countingStarter struct {
	eng   *engine.Engine
	err   error
	calls atomic.Int32
}

func (c *countingStarter) Start(ctx context.Context, def *definition.Definition, seed []*record.Record, opts ...engine.RunOption) (*engine.Run, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.eng.Start(ctx, def, seed, opts...)
}

func scheduled(code, expr string, extra ...definition.Step) *definition.Definition {
	trigger := definition.Step{Key: "start", Type: definition.StepTrigger}
	if expr != "" {
		trigger.Config.Settings = map[string]any{SettingSchedule: expr}
	}
	def := &definition.Definition{ID: code, Code: code, Steps: append([]definition.Step{trigger}, extra...)}
	for _, st := range extra {
		def.Edges = append(def.Edges, definition.Edge{Source: "start", Target: st.Key})
	}
	return def
}

func newScheduler(t *testing.T, starter Starter) *Scheduler {
	t.Helper()
	s := New(starter, WithLogger(logger.Nop()))
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func TestScheduleOf(t *testing.T) {
	tests := []struct {
		name string
		def  *definition.Definition
		want string
		ok   bool
	}{
		{"nil", nil, "", false},
		{"missing", scheduled("a", ""), "", false},
		{"blank", scheduled("a", "   "), "", false},
		{"set", scheduled("a", " @hourly "), "@hourly", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ScheduleOf(tt.def)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ScheduleOf = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestAddValidates(t *testing.T) {
	s := newScheduler(t, &countingStarter{})
	if err := s.Add(scheduled("a", "")); apperrors.CodeOf(err) != apperrors.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT for a missing schedule, got %v", err)
	}
	if err := s.Add(scheduled("a", "not a cron")); apperrors.CodeOf(err) != apperrors.ErrCodeInvalidConfig {
		t.Errorf("expected INVALID_CONFIG for a bad expression, got %v", err)
	}
	noCode := scheduled("", "@hourly")
	if err := s.Add(noCode); err == nil {
		t.Error("expected an error for a pipeline without code")
	}
	for _, expr := range []string{"*/5 * * * *", "30 */5 * * * *", "@daily", "@every 1h30m"} {
		if err := s.Add(scheduled("ok", expr)); err != nil {
			t.Errorf("Add(%q): %v", expr, err)
		}
	}
	if n := len(s.Entries()); n != 1 {
		t.Errorf("re-adding a code should replace its schedule, got %d entries", n)
	}
}

func TestEntriesAndRemove(t *testing.T) {
	s := newScheduler(t, &countingStarter{})
	for _, code := range []string{"orders", "catalog"} {
		if err := s.Add(scheduled(code, "@hourly")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 2 || entries[0].Code != "catalog" || entries[1].Code != "orders" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].Next.IsZero() || entries[0].Next.Before(time.Now()) {
		t.Errorf("expected a future next run, got %v", entries[0].Next)
	}
	if !s.Remove("orders") || s.Remove("orders") {
		t.Error("Remove should report whether the code was scheduled")
	}
	if len(s.Entries()) != 1 {
		t.Error("expected one entry after Remove")
	}
}

func TestFireStartsRun(t *testing.T) {
	eng := engine.New(adapter.NewRegistry(), engine.Config{}, engine.WithLogger(logger.Nop()))
	starter := &countingStarter{eng: eng}
	s := newScheduler(t, starter)
	if err := s.Add(scheduled("orders", "@hourly")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.fire("orders")
	s.fire("unknown")
	if starter.calls.Load() != 1 {
		t.Fatalf("expected one start, got %d", starter.calls.Load())
	}
	entries := s.Entries()
	if entries[0].LastRun == "" {
		t.Fatal("expected the run id to be recorded")
	}
	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestFireSkipsOverlappingRuns(t *testing.T) {
	release := make(chan struct{})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("slow"), testutil.NewOperator(func(ctx context.Context, rec *record.Record) (*record.Record, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return rec, nil
	}))
	eng := engine.New(reg, engine.Config{}, engine.WithLogger(logger.Nop()))
	starter := &countingStarter{eng: eng}

	def := scheduled("orders", "@hourly", definition.Step{
		Key: "transform", Type: definition.StepTransform,
		Config: definition.StepConfig{AdapterCode: "slow"},
	})
	tests := []struct {
		name    string
		overlap bool
		want    int32
	}{
		{"skip", false, 1},
		{"overlap", true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			starter.calls.Store(0)
			s := New(starter, WithLogger(logger.Nop()), WithOverlap(tt.overlap))
			if err := s.Add(def); err != nil {
				t.Fatalf("Add: %v", err)
			}
			s.fire("orders")
			s.fire("orders")
			if got := starter.calls.Load(); got != tt.want {
				t.Errorf("expected %d starts, got %d", tt.want, got)
			}
		})
	}
	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestFireToleratesStartErrors(t *testing.T) {
	starter := &countingStarter{err: apperrors.RateLimited("orders", time.Second)}
	s := newScheduler(t, starter)
	if err := s.Add(scheduled("orders", "@hourly")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	s.fire("orders")
	s.fire("orders")
	if starter.calls.Load() != 2 {
		t.Errorf("a failed start should not block the next tick, got %d calls", starter.calls.Load())
	}
	if s.Entries()[0].LastRun != "" {
		t.Error("no run should be recorded")
	}
}

func TestLifecycle(t *testing.T) {
	s := newScheduler(t, &countingStarter{})
	var _ component.Component = s
	if h := s.Health(context.Background()); h.Status != component.StatusUnhealthy {
		t.Errorf("expected unhealthy before Start, got %s", h.Status)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if h := s.Health(context.Background()); h.Status != component.StatusHealthy {
		t.Errorf("expected healthy, got %s: %s", h.Status, h.Message)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopHonoursContext(t *testing.T) {
	s := newScheduler(t, &countingStarter{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Stop(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected stop error %v", err)
	}
}
