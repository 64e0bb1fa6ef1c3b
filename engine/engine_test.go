package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/adapter/testutil"
	"github.com/kbukum/etlkit/checkpoint"
	"github.com/kbukum/etlkit/dag"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/definition"
	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/record"
	"github.com/kbukum/etlkit/resilience"
	"github.com/kbukum/etlkit/route"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []hooks.Event
}

func (p *capturePublisher) Publish(_ context.Context, e hooks.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) count(t hooks.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func step(key string, typ definition.StepType, code string) definition.Step {
	return definition.Step{Key: key, Type: typ, Config: definition.StepConfig{AdapterCode: code}}
}

func edge(source, target string) definition.Edge {
	return definition.Edge{Source: source, Target: target}
}

func pipeline(steps []definition.Step, edges ...definition.Edge) *definition.Definition {
	return &definition.Definition{
		ID:      "p-1",
		Code:    "catalog-sync",
		Version: 1,
		Steps:   steps,
		Edges:   edges,
		Context: definition.Context{
			ErrorHandling: definition.ErrorHandling{MaxAttempts: 3, InitialDelayMs: 1, MaxDelayMs: 5},
		},
	}
}

// chain links the steps one after the other.
func chain(steps ...definition.Step) *definition.Definition {
	var edges []definition.Edge
	for i := 1; i < len(steps); i++ {
		edges = append(edges, edge(steps[i-1].Key, steps[i].Key))
	}
	return pipeline(steps, edges...)
}

func newEngine(reg *adapter.Registry, opts ...Option) *Engine {
	return New(reg, Config{}, append([]Option{WithLogger(logger.Nop())}, opts...)...)
}

func products(prices ...int) []*record.Record {
	out := make([]*record.Record, 0, len(prices))
	for i, p := range prices {
		out = append(out, record.Of("id", i+1, "price", p))
	}
	return out
}

func dropNonPositive() *testutil.Operator {
	return testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		v, _ := rec.Get("price")
		if p, _ := v.(int); p <= 0 {
			return nil, nil
		}
		return rec, nil
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func run(t *testing.T, eng *Engine, def *definition.Definition, seed []*record.Record, opts ...RunOption) *RunResult {
	t.Helper()
	res, err := eng.Run(context.Background(), def, seed, opts...)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestExtractTransformLoad(t *testing.T) {
	loader := testutil.NewLoader(nil)
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.ExtractorDef("fixture", false), testutil.NewExtractor(testutil.Page(products(10, 0, 20, -5, 30)...)))
	reg.MustRegister(testutil.OperatorDef("positive"), dropNonPositive())
	reg.MustRegister(testutil.LoaderDef("catalog"), loader)

	def := chain(
		step("start", definition.StepTrigger, ""),
		step("extract", definition.StepExtract, "fixture"),
		step("transform", definition.StepTransform, "positive"),
		step("load", definition.StepLoad, "catalog"),
	)
	res := run(t, newEngine(reg), def, nil)

	if res.Status != StatusCompleted || res.Err() != nil {
		t.Fatalf("expected COMPLETED, got %s: %v", res.Status, res.Err())
	}
	load := res.Metrics.Steps["load"]
	if load.RecordsIn != 3 || load.RecordsOut != 3 {
		t.Errorf("load: expected 3 in and 3 out, got %d and %d", load.RecordsIn, load.RecordsOut)
	}
	if res.Metrics.TotalRecordsFiltered != 2 {
		t.Errorf("expected 2 filtered records, got %d", res.Metrics.TotalRecordsFiltered)
	}
	if res.Metrics.RecordsIn != 5 || res.Metrics.RecordsOut != 3 {
		t.Errorf("expected run in/out 5/3, got %d/%d", res.Metrics.RecordsIn, res.Metrics.RecordsOut)
	}
	if len(loader.Loaded()) != 3 {
		t.Errorf("expected 3 loaded records, got %d", len(loader.Loaded()))
	}
	if res.RunID == "" || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("unexpected run bookkeeping %+v", res)
	}
}

func TestInvalidDefinitionRunsNothing(t *testing.T) {
	pub := &capturePublisher{}
	def := chain(
		step("start", definition.StepTrigger, ""),
		step("extract", definition.StepExtract, "missing"),
	)
	res := run(t, newEngine(adapter.NewRegistry(), WithHooks(pub)), def, nil)

	if res.Status != StatusFailed {
		t.Fatalf("expected FAILED, got %s", res.Status)
	}
	if len(res.Steps) != 0 {
		t.Errorf("no step should run, got %d results", len(res.Steps))
	}
	found := false
	for _, issue := range res.Issues {
		if issue.Code == dag.CodeUnknownAdapter && issue.StepKey == "extract" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected UNKNOWN_ADAPTER issue, got %v", res.Issues)
	}
	if apperrors.CodeOf(res.Err()) != apperrors.ErrCodeValidationFailed {
		t.Errorf("expected VALIDATION_FAILED, got %v", res.Err())
	}
	if pub.count(hooks.PipelineStarted) != 0 || pub.count(hooks.PipelineFailed) != 1 {
		t.Errorf("unexpected hook events %+v", pub.events)
	}
}

func TestStartRejectsNilDefinition(t *testing.T) {
	if _, err := newEngine(adapter.NewRegistry()).Start(context.Background(), nil, nil); apperrors.CodeOf(err) != apperrors.ErrCodeInvalidInput {
		t.Errorf("expected INVALID_INPUT, got %v", err)
	}
}

func TestRouteBranchesFollowEdges(t *testing.T) {
	high, rest := testutil.NewLoader(nil), testutil.NewLoader(nil)
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.LoaderDef("sink-a"), high)
	reg.MustRegister(testutil.LoaderDef("sink-b"), rest)

	split := definition.Step{
		Key:  "split",
		Type: definition.StepRoute,
		Config: definition.StepConfig{
			Branches: []route.Branch{
				{Name: "A", When: []route.Condition{{Field: "price", Operator: route.OpGt, Value: 100}}},
				{Name: "B"},
			},
			DefaultBranch: "B",
		},
	}
	def := pipeline(
		[]definition.Step{
			step("start", definition.StepTrigger, ""),
			split,
			step("load-a", definition.StepLoad, "sink-a"),
			step("load-b", definition.StepLoad, "sink-b"),
		},
		edge("start", "split"),
		definition.Edge{Source: "split", Target: "load-a", Branch: "A"},
		definition.Edge{Source: "split", Target: "load-b", Branch: "B"},
	)
	res := run(t, newEngine(reg), def, products(50, 150))

	if res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s: %v", res.Status, res.Err())
	}
	a, b := high.Loaded(), rest.Loaded()
	if len(a) != 1 || a[0].Identity() != "2" {
		t.Errorf("branch A should carry only record 2, got %v", a)
	}
	if len(b) != 1 || b[0].Identity() != "1" {
		t.Errorf("branch B should carry only record 1, got %v", b)
	}
}

func TestErrorPolicies(t *testing.T) {
	tests := []struct {
		name       string
		policy     definition.ErrorPolicy
		parallel   bool
		wantStatus Status
		goodLoaded int
		skipped    []string
		badRan     bool
	}{
		{"fail fast parallel", definition.PolicyFailFast, true, StatusFailed, 0, nil, false},
		{"fail fast sequential", definition.PolicyFailFast, false, StatusFailed, 0, nil, false},
		{"continue parallel", definition.PolicyContinue, true, StatusFailed, 2, []string{"load-bad"}, false},
		{"continue sequential", definition.PolicyContinue, false, StatusFailed, 2, []string{"load-bad"}, false},
		{"best effort", definition.PolicyBestEffort, true, StatusCompleted, 2, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			good := testutil.NewLoader(nil)
			reg := adapter.NewRegistry()
			reg.MustRegister(testutil.ExtractorDef("bad", false), testutil.NewExtractor(testutil.PageResult{Err: adapter.Fatal("bad", errors.New("401 unauthorized"))}))
			reg.MustRegister(testutil.ExtractorDef("good", false), testutil.NewExtractor(testutil.Page(products(1, 2)...)))
			reg.MustRegister(testutil.LoaderDef("sink-a"), testutil.NewLoader(nil))
			reg.MustRegister(testutil.LoaderDef("sink-b"), good)

			def := pipeline(
				[]definition.Step{
					step("start", definition.StepTrigger, ""),
					step("extract-bad", definition.StepExtract, "bad"),
					step("load-bad", definition.StepLoad, "sink-a"),
					step("extract-good", definition.StepExtract, "good"),
					step("load-good", definition.StepLoad, "sink-b"),
				},
				edge("start", "extract-bad"),
				edge("extract-bad", "load-bad"),
				edge("start", "extract-good"),
				edge("extract-good", "load-good"),
			)
			def.Context.ParallelExecution = definition.ParallelExecution{
				Enabled:            tt.parallel,
				MaxConcurrentSteps: 1,
				ErrorPolicy:        tt.policy,
			}
			res := run(t, newEngine(reg), def, nil)

			if res.Status != tt.wantStatus {
				t.Fatalf("expected %s, got %s", tt.wantStatus, res.Status)
			}
			if len(res.Errors) != 1 || res.Errors[0].StepKey != "extract-bad" {
				t.Errorf("expected one error from extract-bad, got %v", res.Errors)
			}
			if n := len(good.Loaded()); n != tt.goodLoaded {
				t.Errorf("expected %d records on the independent branch, got %d", tt.goodLoaded, n)
			}
			if fmt.Sprint(res.Skipped) != fmt.Sprint(tt.skipped) {
				t.Errorf("expected skipped %v, got %v", tt.skipped, res.Skipped)
			}
			if _, ran := res.Steps["load-bad"]; ran != tt.badRan {
				t.Errorf("load-bad ran = %v, want %v", ran, tt.badRan)
			}
		})
	}
}

func TestAbortStopsRun(t *testing.T) {
	tests := []struct {
		name     string
		policy   definition.ErrorPolicy
		parallel bool
	}{
		{"continue parallel", definition.PolicyContinue, true},
		{"continue sequential", definition.PolicyContinue, false},
		{"best effort parallel", definition.PolicyBestEffort, true},
		{"best effort sequential", definition.PolicyBestEffort, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
				if rec.Identity() == "2" {
					return nil, adapter.Fatal("check", errors.New("price missing"))
				}
				return rec, nil
			})
			downstream := testutil.NewLoader(nil)
			reg := adapter.NewRegistry()
			reg.MustRegister(testutil.OperatorDef("check"), check)
			reg.MustRegister(testutil.LoaderDef("sink-a"), downstream)
			reg.MustRegister(testutil.LoaderDef("sink-b"), testutil.NewLoader(nil))

			checkStep := step("check", definition.StepTransform, "check")
			checkStep.ErrorStrategy = definition.StrategyAbort
			def := pipeline(
				[]definition.Step{
					step("start", definition.StepTrigger, ""),
					checkStep,
					step("load-a", definition.StepLoad, "sink-a"),
					step("load-b", definition.StepLoad, "sink-b"),
				},
				edge("start", "check"),
				edge("check", "load-a"),
				edge("start", "load-b"),
			)
			def.Context.ParallelExecution = definition.ParallelExecution{
				Enabled:            tt.parallel,
				MaxConcurrentSteps: 1,
				ErrorPolicy:        tt.policy,
			}
			res := run(t, newEngine(reg), def, products(1, 2, 3))

			if res.Status != StatusFailed {
				t.Fatalf("expected FAILED, got %s", res.Status)
			}
			found := false
			for _, p := range res.Errors {
				found = found || p.StepKey == "check"
			}
			if !found {
				t.Errorf("expected an error from check, got %v", res.Errors)
			}
			if n := len(downstream.Loaded()); n != 0 {
				t.Errorf("nothing should reach load-a, got %d records", n)
			}
			if _, ran := res.Steps["load-a"]; ran {
				t.Error("load-a should not run after an abort")
			}
		})
	}
}

func TestRetryExhaustionQuarantines(t *testing.T) {
	op := testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if rec.Identity() == "2" {
			return nil, adapter.Transient("enrich", errors.New("upstream 503"))
		}
		return rec, nil
	})
	loader := testutil.NewLoader(nil)
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("enrich"), op)
	reg.MustRegister(testutil.LoaderDef("catalog"), loader)

	sink := deadletter.NewMemorySink()
	pub := &capturePublisher{}
	def := chain(
		step("start", definition.StepTrigger, ""),
		step("enrich", definition.StepEnrich, "enrich"),
		step("load", definition.StepLoad, "catalog"),
	)
	def.Context.ErrorHandling.Strategy = definition.StrategyRetry
	res := run(t, newEngine(reg, WithDeadLetters(sink), WithHooks(pub)), def, products(1, 2, 3))

	if res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s: %v", res.Status, res.Err())
	}
	if len(res.Warnings) != 1 || res.Warnings[0].StepKey != "enrich" || res.Warnings[0].Code != string(apperrors.ErrCodeDeadLetter) {
		t.Errorf("expected a dead-letter warning on enrich, got %v", res.Warnings)
	}
	entries := sink.Entries()
	if len(entries) != 1 || entries[0].RecordID != "2" || entries[0].RunID != res.RunID {
		t.Fatalf("unexpected dead letters %+v", entries)
	}
	if res.Metrics.TotalRecordsQuarantined != 1 || res.Metrics.TotalRetries != 2 {
		t.Errorf("unexpected metrics %+v", res.Metrics)
	}
	if len(loader.Loaded()) != 2 {
		t.Errorf("expected 2 loaded records, got %d", len(loader.Loaded()))
	}
	if pub.count(hooks.OnRetry) != 2 || pub.count(hooks.OnDeadLetter) != 1 {
		t.Errorf("unexpected hook events %+v", pub.events)
	}
}

// blocker is an operator whose first call waits for release.
type blocker struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlocker() *blocker {
	return &blocker{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blocker) operator() *testutil.Operator {
	return testutil.NewOperator(func(ctx context.Context, rec *record.Record) (*record.Record, error) {
		b.once.Do(func() { close(b.entered) })
		select {
		case <-b.release:
			return rec, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func TestCancelIsCooperative(t *testing.T) {
	b := newBlocker()
	op := b.operator()
	loader := testutil.NewLoader(nil)
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("slow"), op)
	reg.MustRegister(testutil.LoaderDef("catalog"), loader)

	pub := &capturePublisher{}
	transform := step("transform", definition.StepTransform, "slow")
	transform.BatchSize = 1
	def := chain(step("start", definition.StepTrigger, ""), transform, step("load", definition.StepLoad, "catalog"))

	r, err := newEngine(reg, WithHooks(pub)).Start(context.Background(), def, products(1, 2, 3))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-b.entered
	r.Cancel()
	if r.Status() != StatusCancelRequested {
		t.Errorf("expected CANCEL_REQUESTED, got %s", r.Status())
	}
	close(b.release)

	res, err := r.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.Status != StatusCancelled || r.Status() != StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", res.Status)
	}
	if op.Calls() != 1 {
		t.Errorf("the in-flight sub-batch should finish and no other start, got %d calls", op.Calls())
	}
	if len(loader.Loaded()) != 0 {
		t.Error("no step should start after cancellation")
	}
	if apperrors.CodeOf(res.Err()) != apperrors.ErrCodeCancelled || pub.count(hooks.PipelineCancelled) != 1 {
		t.Errorf("unexpected terminal report %v, events %+v", res.Err(), pub.events)
	}
}

func TestPauseAndResume(t *testing.T) {
	b := newBlocker()
	loader := testutil.NewLoader(nil)
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("slow"), b.operator())
	reg.MustRegister(testutil.LoaderDef("catalog"), loader)

	def := chain(
		step("start", definition.StepTrigger, ""),
		step("transform", definition.StepTransform, "slow"),
		step("load", definition.StepLoad, "catalog"),
	)
	r, err := newEngine(reg).Start(context.Background(), def, products(1, 2))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-b.entered
	if err := r.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	close(b.release)

	waitFor(t, "PAUSED", func() bool { return r.Status() == StatusPaused })
	if len(loader.Loaded()) != 0 {
		t.Fatal("a paused run must not start the next step")
	}
	if m := r.Metrics(); m.Steps["transform"].RecordsOut != 2 {
		t.Errorf("metrics should cover finished steps, got %+v", m.Steps)
	}
	if err := r.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	res, _ := r.Wait(context.Background())
	if res.Status != StatusCompleted || len(loader.Loaded()) != 2 {
		t.Fatalf("expected COMPLETED with 2 loaded, got %s and %d", res.Status, len(loader.Loaded()))
	}
	if err := r.Pause(); err == nil {
		t.Error("pausing a finished run should fail")
	}
}

func offsetExtractor() *testutil.Extractor {
	return testutil.NewExtractorFunc(func(_ context.Context, req adapter.PullRequest) (adapter.PullResult, error) {
		var cp struct {
			Offset int `json:"offset"`
		}
		if len(req.Checkpoint) > 0 {
			if err := json.Unmarshal(req.Checkpoint, &cp); err != nil {
				return adapter.PullResult{}, err
			}
		}
		return adapter.PullResult{
			Records:    products(10, 20),
			Checkpoint: json.RawMessage(fmt.Sprintf(`{"offset":%d}`, cp.Offset+2)),
		}, nil
	})
}

func TestCheckpointsResumeAcrossRuns(t *testing.T) {
	ext := offsetExtractor()
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.ExtractorDef("api", false), ext)
	reg.MustRegister(testutil.LoaderDef("catalog"), testutil.NewLoader(nil))

	persister := checkpoint.NewMemoryPersister()
	eng := newEngine(reg, WithPersister(persister))
	def := chain(
		step("start", definition.StepTrigger, ""),
		step("extract", definition.StepExtract, "api"),
		step("load", definition.StepLoad, "catalog"),
	)

	first := run(t, eng, def, nil)
	if got := string(first.Checkpoints["extract"]); got != `{"offset":2}` {
		t.Fatalf("expected checkpoint offset 2, got %s", got)
	}
	run(t, eng, def, nil)

	full := def.Clone()
	full.Context.RunMode = definition.RunModeFull
	run(t, eng, full, nil)

	seen := ext.Checkpoints()
	if len(seen) != 3 {
		t.Fatalf("expected 3 pulls, got %d", len(seen))
	}
	if len(seen[0]) != 0 || string(seen[1]) != `{"offset":2}` || len(seen[2]) != 0 {
		t.Errorf("unexpected checkpoints handed to the extractor: %s | %s | %s", seen[0], seen[1], seen[2])
	}
	stored, _ := persister.Load(context.Background(), def.ID)
	if string(stored["extract"]) != `{"offset":2}` {
		t.Errorf("the FULL run should overwrite the stored checkpoint, got %s", stored["extract"])
	}
}

func TestClearOnComplete(t *testing.T) {
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.ExtractorDef("api", false), offsetExtractor())
	reg.MustRegister(testutil.LoaderDef("catalog"), testutil.NewLoader(nil))

	persister := checkpoint.NewMemoryPersister()
	def := chain(
		step("start", definition.StepTrigger, ""),
		step("extract", definition.StepExtract, "api"),
		step("load", definition.StepLoad, "catalog"),
	)
	def.Context.Checkpointing.ClearOnComplete = true
	res := run(t, newEngine(reg, WithPersister(persister)), def, nil)

	if res.Status != StatusCompleted || string(res.Checkpoints["extract"]) != `{"offset":2}` {
		t.Fatalf("unexpected result %s %v", res.Status, res.Checkpoints)
	}
	if stored, _ := persister.Load(context.Background(), def.ID); len(stored) != 0 {
		t.Errorf("checkpoints should be cleared, got %v", stored)
	}
}

func TestHookOrdering(t *testing.T) {
	bus := hooks.NewBus(hooks.Config{}, logger.Nop())
	if err := bus.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	var mu sync.Mutex
	var got []hooks.EventType
	bus.Subscribe("recorder", func(_ context.Context, e hooks.Event) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
		return nil
	})

	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.ExtractorDef("fixture", false), testutil.NewExtractor(testutil.Page(products(1)...)))
	reg.MustRegister(testutil.LoaderDef("catalog"), testutil.NewLoader(nil))
	def := chain(
		step("start", definition.StepTrigger, ""),
		step("extract", definition.StepExtract, "fixture"),
		step("load", definition.StepLoad, "catalog"),
	)
	run(t, newEngine(reg, WithHooks(bus)), def, nil)

	mu.Lock()
	defer mu.Unlock()
	want := []hooks.EventType{
		hooks.PipelineStarted,
		"BEFORE_TRIGGER", "AFTER_TRIGGER",
		"BEFORE_EXTRACT", "AFTER_EXTRACT",
		"BEFORE_LOAD", "AFTER_LOAD",
		hooks.PipelineCompleted,
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestStartIsRateLimitedPerPipeline(t *testing.T) {
	reg := adapter.NewRegistry()
	limiter := resilience.NewKeyedLimiter(resilience.LimiterConfig{}, resilience.WithLimiterLogger(logger.Nop()))
	eng := New(reg, Config{MaxRunsPerWindow: 1, RunWindow: time.Minute}, WithLimiter(limiter), WithLogger(logger.Nop()))
	def := chain(step("start", definition.StepTrigger, ""))

	run(t, eng, def, nil)
	r, err := eng.Start(context.Background(), def, nil)
	if apperrors.CodeOf(err) != apperrors.ErrCodeRateLimited || r != nil {
		t.Fatalf("expected RATE_LIMITED and no run, got %v %v", r, err)
	}
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Details["retry_after_ms"].(int64) <= 0 {
		t.Errorf("expected a positive retry_after_ms, got %+v", appErr)
	}

	other := def.Clone()
	other.Code = "other-sync"
	if res := run(t, eng, other, nil); res.Status != StatusCompleted {
		t.Errorf("other pipelines should be admitted, got %s", res.Status)
	}
}

func TestParentDeadlineTimesOut(t *testing.T) {
	ext := testutil.NewExtractorFunc(func(ctx context.Context, _ adapter.PullRequest) (adapter.PullResult, error) {
		<-ctx.Done()
		return adapter.PullResult{}, ctx.Err()
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.ExtractorDef("stuck", false), ext)
	reg.MustRegister(testutil.LoaderDef("catalog"), testutil.NewLoader(nil))

	pub := &capturePublisher{}
	def := chain(
		step("start", definition.StepTrigger, ""),
		step("extract", definition.StepExtract, "stuck"),
		step("load", definition.StepLoad, "catalog"),
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := newEngine(reg, WithHooks(pub)).Run(ctx, def, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusTimeout {
		t.Fatalf("expected TIMEOUT, got %s", res.Status)
	}
	if apperrors.CodeOf(res.Err()) != apperrors.ErrCodeTimeout || pub.count(hooks.PipelineFailed) != 1 {
		t.Errorf("unexpected terminal report %v", res.Err())
	}
	if _, ran := res.Steps["load"]; ran {
		t.Error("load should not run after the deadline")
	}
}

func TestParallelStepsAreBounded(t *testing.T) {
	var active, peak atomic.Int32
	loader := testutil.NewLoader(func(_ context.Context, rec *record.Record) (adapter.LoadResult, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return adapter.LoadResult{Op: adapter.LoadCreate, EntityID: rec.Identity()}, nil
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.LoaderDef("catalog"), loader)

	steps := []definition.Step{step("start", definition.StepTrigger, "")}
	var edges []definition.Edge
	for i := range 4 {
		key := fmt.Sprintf("load-%d", i)
		steps = append(steps, step(key, definition.StepLoad, "catalog"))
		edges = append(edges, edge("start", key))
	}
	def := pipeline(steps, edges...)
	def.Context.ParallelExecution = definition.ParallelExecution{Enabled: true, MaxConcurrentSteps: 2}

	res := run(t, newEngine(reg), def, products(1))
	if res.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s: %v", res.Status, res.Err())
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("at most 2 steps should run at once, saw %d", got)
	}
	if len(loader.Loaded()) != 4 || res.Metrics.RecordsOut != 4 {
		t.Errorf("every load step should run, got %d loaded", len(loader.Loaded()))
	}
}

func TestShutdownCancelsActiveRuns(t *testing.T) {
	b := newBlocker()
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("slow"), b.operator())
	eng := newEngine(reg)
	def := chain(step("start", definition.StepTrigger, ""), step("transform", definition.StepTransform, "slow"))

	r, err := eng.Start(context.Background(), def, products(1))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-b.entered
	if got, ok := eng.Lookup(r.ID()); !ok || got != r || eng.Active() != 1 {
		t.Fatalf("expected the run to be tracked")
	}
	go func() {
		for r.Status() != StatusCancelRequested {
			time.Sleep(time.Millisecond)
		}
		close(b.release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if r.Result().Status != StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", r.Result().Status)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.RunWindow != time.Minute || cfg.BulkheadWait != 5*time.Second {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	bad := Config{MaxRunsPerWindow: -1}
	if err := bad.Validate(); err == nil {
		t.Error("negative MaxRunsPerWindow should fail validation")
	}
}
