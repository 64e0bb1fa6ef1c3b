// Package scheduler starts pipeline runs on cron schedules.
//
// A definition is scheduled by its TRIGGER step:
//
//	steps:
//	  - key: start
//	    type: TRIGGER
//	    config:
//	      settings:
//	        schedule: "*/15 * * * *"
//
// Schedules accept five fields, an optional leading seconds field, and
// descriptors such as @hourly or @every 30s.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/definition"
	"github.com/kbukum/etlkit/engine"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/record"
)

// SettingSchedule is the TRIGGER setting holding the cron expression.
const SettingSchedule = "schedule"

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Starter starts runs. *engine.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, def *definition.Definition, seed []*record.Record, opts ...engine.RunOption) (*engine.Run, error)
}

// Entry describes one scheduled pipeline.
type Entry struct {
	Code     string    `json:"code"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitempty"`
	LastRun  string    `json:"lastRun,omitempty"`
}

type job struct {
	def      *definition.Definition
	schedule string
	id       cron.EntryID
	last     *engine.Run
}

// Scheduler fires runs for registered definitions.
type Scheduler struct {
	starter      Starter
	log          *logger.Logger
	location     *time.Location
	allowOverlap bool

	cron *cron.Cron

	mu      sync.Mutex
	jobs    map[string]*job
	ctx     context.Context
	running bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithLocation evaluates schedules in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// WithOverlap lets a tick start a run while the previous run of the same
// pipeline is still in progress. By default such ticks are skipped.
func WithOverlap(allow bool) Option {
	return func(s *Scheduler) { s.allowOverlap = allow }
}

// New creates a Scheduler starting runs through starter.
func New(starter Starter, opts ...Option) *Scheduler {
	s := &Scheduler{starter: starter, location: time.UTC, jobs: make(map[string]*job)}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get("scheduler")
	}
	s.cron = cron.New(cron.WithParser(parser), cron.WithLocation(s.location))
	return s
}

// ScheduleOf returns the cron expression of def's TRIGGER step.
func ScheduleOf(def *definition.Definition) (string, bool) {
	if def == nil {
		return "", false
	}
	for _, st := range def.Steps {
		if st.Type != definition.StepTrigger {
			continue
		}
		v, ok := st.Config.Settings[SettingSchedule].(string)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	return "", false
}

// Add schedules def, replacing any schedule registered for the same code.
func (s *Scheduler) Add(def *definition.Definition) error {
	expr, ok := ScheduleOf(def)
	if !ok {
		return apperrors.InvalidInput("schedule", "TRIGGER step has no schedule setting")
	}
	if def.Code == "" {
		return apperrors.InvalidInput("code", "scheduled pipelines need a code")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return apperrors.InvalidConfig("schedule", err.Error()).WithCause(err)
	}

	frozen := def.Clone()
	code := frozen.Code
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.jobs[code]; ok {
		s.cron.Remove(old.id)
	}
	j := &job{def: frozen, schedule: expr}
	j.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(code) }))
	s.jobs[code] = j
	s.log.Info("pipeline scheduled", logger.Fields("pipeline_code", code, "schedule", expr))
	return nil
}

// Remove unschedules the pipeline with code. It reports whether one was
// registered.
func (s *Scheduler) Remove(code string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[code]
	if !ok {
		return false
	}
	s.cron.Remove(j.id)
	delete(s.jobs, code)
	return true
}

// Entries lists the scheduled pipelines ordered by code.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for code, j := range s.jobs {
		ce := s.cron.Entry(j.id)
		e := Entry{Code: code, Schedule: j.schedule, Next: ce.Next, Prev: ce.Prev}
		if j.last != nil {
			e.LastRun = j.last.ID()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Code < out[k].Code })
	return out
}

// fire starts a run of the pipeline with code. Failures to start, such as
// rate limiting, are logged; the next tick tries again.
func (s *Scheduler) fire(code string) {
	s.mu.Lock()
	j, ok := s.jobs[code]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	fields := logger.Fields("pipeline_code", code)
	if !s.allowOverlap {
		s.mu.Lock()
		busy := j.last != nil && !j.last.Status().Terminal()
		s.mu.Unlock()
		if busy {
			s.log.Warn("previous run still active, tick skipped", fields)
			return
		}
	}

	r, err := s.starter.Start(ctx, j.def, nil)
	if err != nil {
		s.log.Warn("scheduled run not started", logger.MergeWithError(fields, err))
		return
	}
	s.mu.Lock()
	j.last = r
	s.mu.Unlock()
	fields[logger.FieldRunID] = r.ID()
	s.log.Info("scheduled run started", fields)
}

// Name implements component.Component.
func (s *Scheduler) Name() string { return "scheduler" }

// Start begins firing schedules. Runs started by the scheduler carry the
// values of ctx but not its cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.ctx = context.WithoutCancel(ctx)
	s.running = true
	s.cron.Start()
	s.log.Info("scheduler started", logger.Fields("pipelines", len(s.jobs)))
	return nil
}

// Stop stops firing and waits for ticks in progress to hand their runs to
// the engine. Runs already started are left to the engine to shut down.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
	s.log.Info("scheduler stopped")
	return nil
}

// Health implements component.Component.
func (s *Scheduler) Health(_ context.Context) component.Health {
	s.mu.Lock()
	running, n := s.running, len(s.jobs)
	s.mu.Unlock()
	h := component.Health{Name: s.Name(), Status: component.StatusHealthy, Message: fmt.Sprintf("%d pipelines scheduled", n)}
	if !running {
		h.Status = component.StatusUnhealthy
		h.Message = "scheduler is not running"
	}
	return h
}
