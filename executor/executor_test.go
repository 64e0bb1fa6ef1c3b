package executor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/adapter/testutil"
	"github.com/kbukum/etlkit/checkpoint"
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

func fastDefinition(strategy definition.ErrorStrategy) *definition.Definition {
	def := &definition.Definition{
		ID:   "p-1",
		Code: "catalog-sync",
		Context: definition.Context{
			ErrorHandling: definition.ErrorHandling{
				Strategy:       strategy,
				MaxAttempts:    3,
				InitialDelayMs: 1,
				MaxDelayMs:     5,
			},
		},
	}
	def.ApplyDefaults()
	return def
}

func runContext(def *definition.Definition) *RunContext {
	return &RunContext{
		PipelineID:   def.ID,
		PipelineCode: def.Code,
		RunID:        "run-1",
		Definition:   def,
		Logger:       logger.Nop(),
	}
}

func products(prices ...int) []*record.Record {
	out := make([]*record.Record, 0, len(prices))
	for i, p := range prices {
		out = append(out, record.Of("id", i+1, "price", p))
	}
	return out
}

func idOf(t *testing.T, rec *record.Record) int {
	t.Helper()
	v, _ := rec.Get("id")
	id, ok := v.(int)
	if !ok {
		t.Fatalf("unexpected id %v", v)
	}
	return id
}

func TestTriggerPassesSeed(t *testing.T) {
	e := New(adapter.NewRegistry())
	seed := products(1, 2)
	res := e.Execute(context.Background(), definition.Step{Key: "start", Type: definition.StepTrigger}, seed, nil)
	if res.Status != StatusSuccess || len(res.Output) != 2 || res.Metrics.Succeeded != 2 {
		t.Fatalf("unexpected trigger result %+v", res)
	}
}

func TestRouteFirstMatchingBranch(t *testing.T) {
	step := definition.Step{
		Key:  "route",
		Type: definition.StepRoute,
		Config: definition.StepConfig{
			Branches: []route.Branch{
				{Name: "A", When: []route.Condition{{Field: "price", Operator: route.OpGt, Value: 100}}},
				{Name: "B", When: []route.Condition{{Field: "price", Operator: route.OpGt, Value: 10}}},
			},
		},
	}
	input := products(50, 150, 5)

	res := New(nil).Execute(context.Background(), step, input, nil)
	if len(res.Branches["A"]) != 1 || idOf(t, res.Branches["A"][0]) != 2 {
		t.Errorf("expected record 2 on A, got %v", res.Branches["A"])
	}
	if len(res.Branches["B"]) != 1 || idOf(t, res.Branches["B"][0]) != 1 {
		t.Errorf("expected record 1 on B, got %v", res.Branches["B"])
	}
	counts := res.Counts()
	if counts[OutcomeRouted] != 2 || counts[OutcomeDropped] != 1 || res.Metrics.Filtered != 1 {
		t.Errorf("unexpected outcomes %v", counts)
	}

	step.Config.DefaultBranch = "B"
	res = New(nil).Execute(context.Background(), step, input, nil)
	if len(res.Branches["B"]) != 2 || res.Counts()[OutcomeDropped] != 0 {
		t.Errorf("default branch should catch unmatched records, got %v", res.Branches)
	}
}

func TestExtractPagination(t *testing.T) {
	tests := []struct {
		name      string
		paginated bool
		wantCalls int
		wantOut   int
		wantCP    string
	}{
		{"paginated pulls every page", true, 3, 3, `{"offset":2}`},
		{"single page when not paginated", false, 1, 1, `{"offset":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ext := testutil.NewExtractor(
				testutil.MorePage(`{"offset":1}`, record.Of("id", 1)),
				testutil.MorePage(`{"offset":2}`, record.Of("id", 2)),
				testutil.Page(record.Of("id", 3)),
			)
			reg := adapter.NewRegistry()
			reg.MustRegister(testutil.ExtractorDef("csv", tt.paginated), ext)

			def := fastDefinition(definition.StrategySkip)
			rc := runContext(def)
			store := checkpoint.NewBuffer(def.ID, nil)
			rc.Checkpoints = store

			step := definition.Step{Key: "extract", Type: definition.StepExtract, Config: definition.StepConfig{AdapterCode: "csv"}}
			res := New(reg).Execute(context.Background(), step, nil, rc)
			if res.Err != nil || res.Status != StatusSuccess {
				t.Fatalf("unexpected failure %v", res.Err)
			}
			if ext.Calls() != tt.wantCalls || len(res.Output) != tt.wantOut {
				t.Errorf("expected %d calls and %d records, got %d and %d", tt.wantCalls, tt.wantOut, ext.Calls(), len(res.Output))
			}
			if res.Metrics.RecordsIn != tt.wantOut || res.Counts()[OutcomeExtracted] != tt.wantOut {
				t.Errorf("unexpected metrics %+v", res.Metrics)
			}
			got, _ := store.Get(context.Background(), "extract")
			if string(got) != tt.wantCP || !store.IsDirty() {
				t.Errorf("expected dirty checkpoint %s, got %s", tt.wantCP, got)
			}
			if tt.paginated && string(ext.Checkpoints()[1]) != `{"offset":1}` {
				t.Errorf("second page should receive the first checkpoint, got %s", ext.Checkpoints()[1])
			}
		})
	}
}

func TestExtractResumesFromCheckpoint(t *testing.T) {
	for _, ignore := range []bool{false, true} {
		ext := testutil.NewExtractor(testutil.Page(record.Of("id", 8)))
		reg := adapter.NewRegistry()
		reg.MustRegister(testutil.ExtractorDef("api", true), ext)

		def := fastDefinition(definition.StrategySkip)
		rc := runContext(def)
		store := checkpoint.NewBuffer(def.ID, nil)
		_ = store.Set(context.Background(), "extract", json.RawMessage(`{"offset":7}`))
		rc.Checkpoints = store
		rc.IgnoreCheckpoints = ignore

		step := definition.Step{Key: "extract", Type: definition.StepExtract, Config: definition.StepConfig{AdapterCode: "api"}}
		New(reg).Execute(context.Background(), step, nil, rc)

		first := ext.Checkpoints()[0]
		if ignore && first != nil {
			t.Errorf("ignored checkpoints should start fresh, got %s", first)
		}
		if !ignore && string(first) != `{"offset":7}` {
			t.Errorf("expected stored checkpoint, got %s", first)
		}
	}
}

func TestExtractFailureIsFatal(t *testing.T) {
	ext := testutil.NewExtractor(
		testutil.MorePage(`{"offset":1}`, record.Of("id", 1)),
		testutil.PageResult{Err: adapter.Fatal("api", errors.New("401 unauthorized"))},
	)
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.ExtractorDef("api", true), ext)

	step := definition.Step{Key: "extract", Type: definition.StepExtract, Config: definition.StepConfig{AdapterCode: "api"}}
	res := New(reg).Execute(context.Background(), step, nil, runContext(fastDefinition(definition.StrategySkip)))
	if res.Status != StatusError || apperrors.CodeOf(res.Err) != apperrors.ErrCodeAdapter {
		t.Fatalf("expected adapter failure, got %s %v", res.Status, res.Err)
	}
	if len(res.Output) != 1 {
		t.Errorf("records of earlier pages should be kept, got %d", len(res.Output))
	}
}

func dropNonPositive() *testutil.Operator {
	return testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		v, _ := rec.Get("price")
		if p, _ := v.(int); p <= 0 {
			return nil, nil
		}
		rec.Set("checked", true)
		return rec, nil
	})
}

func TestOperatorTransformsAndFilters(t *testing.T) {
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("positive"), dropNonPositive())

	input := products(10, 0, 20, -5, 30)
	step := definition.Step{Key: "filter", Type: definition.StepTransform, Config: definition.StepConfig{AdapterCode: "positive"}, BatchSize: 2, Concurrency: 2}
	res := New(reg).Execute(context.Background(), step, input, runContext(fastDefinition(definition.StrategySkip)))

	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s %v", res.Status, res.Err)
	}
	m := res.Metrics
	if m.RecordsIn != 5 || m.RecordsOut != 3 || m.Filtered != 2 || m.Succeeded != 3 || m.Processed != 5 {
		t.Errorf("unexpected metrics %+v", m)
	}
	for i, want := range []int{1, 3, 5} {
		if got := idOf(t, res.Output[i]); got != want {
			t.Errorf("output %d: expected id %d, got %d", i, want, got)
		}
	}
	if _, ok := input[0].Get("checked"); ok {
		t.Error("operators must not mutate the input batch")
	}
}

func TestSubBatchConcurrencyIsBounded(t *testing.T) {
	var inFlight, peak atomic.Int64
	op := testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return rec, nil
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("slow"), op)

	step := definition.Step{Key: "slow", Type: definition.StepEnrich, Config: definition.StepConfig{AdapterCode: "slow"}, BatchSize: 1, Concurrency: 2}
	res := New(reg).Execute(context.Background(), step, products(1, 2, 3, 4, 5, 6), runContext(fastDefinition(definition.StrategySkip)))
	if len(res.Output) != 6 {
		t.Fatalf("expected 6 records, got %d", len(res.Output))
	}
	if peak.Load() > 2 {
		t.Errorf("at most 2 sub-batches may run at once, saw %d", peak.Load())
	}
}

func failOn(id int, err error) *testutil.Operator {
	return testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		if v, _ := rec.Get("id"); v == id {
			return nil, err
		}
		return rec, nil
	})
}

func TestErrorStrategies(t *testing.T) {
	tests := []struct {
		name            string
		strategy        definition.ErrorStrategy
		continueOnError bool
		wantStatus      Status
		wantErr         bool
		wantOut         int
		wantQuarantined int
	}{
		{"skip drops failed records", definition.StrategySkip, false, StatusWarning, false, 2, 0},
		{"abort fails the step", definition.StrategyAbort, false, StatusError, true, 2, 0},
		{"continueOnError turns abort into skip", definition.StrategyAbort, true, StatusWarning, false, 2, 0},
		{"quarantine dead-letters failed records", definition.StrategyQuarantine, false, StatusWarning, false, 2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := adapter.NewRegistry()
			reg.MustRegister(testutil.OperatorDef("check"), failOn(2, adapter.Fatal("check", errors.New("bad price"))))

			sink := deadletter.NewMemorySink()
			rc := runContext(fastDefinition(tt.strategy))
			rc.DeadLetters = sink

			step := definition.Step{Key: "check", Type: definition.StepValidate, Config: definition.StepConfig{AdapterCode: "check"}, ContinueOnError: tt.continueOnError}
			res := New(reg).Execute(context.Background(), step, products(1, 2, 3), rc)

			if res.Status != tt.wantStatus || (res.Err != nil) != tt.wantErr {
				t.Fatalf("expected %s (err=%v), got %s %v", tt.wantStatus, tt.wantErr, res.Status, res.Err)
			}
			if tt.wantErr && apperrors.CodeOf(res.Err) != apperrors.ErrCodeAdapter {
				t.Errorf("abort error should wrap the record error, got %v", res.Err)
			}
			if len(res.Output) != tt.wantOut || res.Metrics.Failed != 1 {
				t.Errorf("unexpected output %d, metrics %+v", len(res.Output), res.Metrics)
			}
			if len(sink.Entries()) != tt.wantQuarantined || res.Metrics.Quarantined != tt.wantQuarantined {
				t.Errorf("expected %d quarantined, got %d in sink", tt.wantQuarantined, len(sink.Entries()))
			}
		})
	}
}

func TestAbortStopsAdmittingSubBatches(t *testing.T) {
	op := failOn(1, adapter.Fatal("check", errors.New("bad")))
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("check"), op)

	step := definition.Step{Key: "check", Type: definition.StepValidate, Config: definition.StepConfig{AdapterCode: "check"}, BatchSize: 1}
	res := New(reg).Execute(context.Background(), step, products(1, 2, 3, 4), runContext(fastDefinition(definition.StrategyAbort)))
	if res.Status != StatusError || op.Calls() != 1 {
		t.Errorf("abort should stop after the failing sub-batch, got %s after %d calls", res.Status, op.Calls())
	}
}

func TestRetryThenQuarantine(t *testing.T) {
	var calls sync.Map
	op := testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		v, _ := rec.Get("id")
		n, _ := calls.LoadOrStore(v, new(atomic.Int64))
		attempt := n.(*atomic.Int64).Add(1)
		switch v {
		case 2:
			return nil, adapter.Transient("enrich", errors.New("upstream 503"))
		case 3:
			if attempt == 1 {
				return nil, adapter.Transient("enrich", errors.New("upstream 503"))
			}
		}
		return rec, nil
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("enrich"), op)

	sink := deadletter.NewMemorySink()
	pub := &capturePublisher{}
	rc := runContext(fastDefinition(definition.StrategyRetry))
	rc.DeadLetters = sink
	rc.Hooks = pub

	step := definition.Step{Key: "enrich", Type: definition.StepEnrich, Config: definition.StepConfig{AdapterCode: "enrich"}}
	res := New(reg).Execute(context.Background(), step, products(1, 2, 3), rc)

	if res.Status != StatusWarning {
		t.Fatalf("expected warning, got %s %v", res.Status, res.Err)
	}
	if len(res.Output) != 2 || res.Metrics.Quarantined != 1 {
		t.Errorf("records 1 and 3 should pass, got %d out, metrics %+v", len(res.Output), res.Metrics)
	}
	entries := sink.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(entries))
	}
	if entries[0].Code != string(apperrors.ErrCodeDeadLetter) || entries[0].Attempts != 3 || entries[0].RecordID != "2" {
		t.Errorf("unexpected dead letter %+v", entries[0])
	}
	// First retry covers records 2 and 3, the second only record 2.
	if res.Metrics.Retries != 3 {
		t.Errorf("expected 3 retries, got %d", res.Metrics.Retries)
	}
	if pub.count(hooks.OnRetry) != 2 || pub.count(hooks.OnDeadLetter) != 1 {
		t.Errorf("unexpected hook events %+v", pub.events)
	}
}

func TestRetryAttemptBounds(t *testing.T) {
	tests := []struct {
		name    string
		retries int
		want    int
	}{
		{"step retries", 2, 3},
		{"pipeline max attempts", 0, 3},
		{"single retry", 1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op := testutil.NewOperator(func(context.Context, *record.Record) (*record.Record, error) {
				return nil, adapter.Transient("enrich", errors.New("upstream 503"))
			})
			reg := adapter.NewRegistry()
			reg.MustRegister(testutil.OperatorDef("enrich"), op)

			sink := deadletter.NewMemorySink()
			rc := runContext(fastDefinition(definition.StrategyRetry))
			rc.DeadLetters = sink

			step := definition.Step{
				Key: "enrich", Type: definition.StepEnrich, Config: definition.StepConfig{AdapterCode: "enrich"},
				Retries: tt.retries, RetryDelayMs: 1,
			}
			res := New(reg).Execute(context.Background(), step, products(1), rc)

			if op.Calls() != tt.want {
				t.Errorf("expected %d calls, got %d", tt.want, op.Calls())
			}
			if res.Metrics.Retries != tt.want-1 {
				t.Errorf("expected %d retries, got %d", tt.want-1, res.Metrics.Retries)
			}
			if entries := sink.Entries(); len(entries) != 1 || entries[0].Attempts != tt.want {
				t.Errorf("unexpected dead letters %+v", entries)
			}
		})
	}
}

func TestRetryRequiresPureOperator(t *testing.T) {
	op := failOn(1, adapter.Transient("stamp", errors.New("503")))
	reg := adapter.NewRegistry()
	reg.MustRegister(adapter.Definition{Role: adapter.RoleOperator, Code: "stamp"}, op)

	sink := deadletter.NewMemorySink()
	rc := runContext(fastDefinition(definition.StrategyRetry))
	rc.DeadLetters = sink

	step := definition.Step{Key: "stamp", Type: definition.StepTransform, Config: definition.StepConfig{AdapterCode: "stamp"}}
	New(reg).Execute(context.Background(), step, products(1), rc)
	if op.Calls() != 1 {
		t.Errorf("impure operators must not be re-run, got %d calls", op.Calls())
	}
	if entries := sink.Entries(); len(entries) != 1 || entries[0].Attempts != 1 || entries[0].Code != string(apperrors.ErrCodeAdapter) {
		t.Errorf("unexpected dead letters %+v", entries)
	}
}

func TestCallTimeoutIsRetried(t *testing.T) {
	op := testutil.NewOperator(func(ctx context.Context, rec *record.Record) (*record.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("hang"), op)

	step := definition.Step{
		Key: "hang", Type: definition.StepEnrich, Config: definition.StepConfig{AdapterCode: "hang"},
		TimeoutMs: 10, Retries: 1, RetryDelayMs: 1,
	}
	res := New(reg).Execute(context.Background(), step, products(1), runContext(fastDefinition(definition.StrategySkip)))
	if op.Calls() != 2 || res.Metrics.Retries != 1 {
		t.Errorf("expected one call retry, got %d calls, %d retries", op.Calls(), res.Metrics.Retries)
	}
	if len(res.Outcomes) != 1 || apperrors.CodeOf(res.Outcomes[0].Error) != apperrors.ErrCodeTimeout {
		t.Errorf("expected a timeout outcome, got %+v", res.Outcomes)
	}
}

func TestAdapterResolutionFailures(t *testing.T) {
	reg := adapter.NewRegistry()
	reg.MustRegister(adapter.Definition{
		Role:   adapter.RoleLoader,
		Code:   "catalog",
		Schema: adapter.Schema{Fields: []adapter.Field{{Name: "endpoint", Type: adapter.TypeString, Required: true}}},
	}, testutil.NewLoader(nil))

	tests := []struct {
		name string
		step definition.Step
		want apperrors.ErrorCode
	}{
		{"unknown adapter", definition.Step{Key: "load", Type: definition.StepLoad, Config: definition.StepConfig{AdapterCode: "ghost"}}, apperrors.ErrCodeAdapterNotFound},
		{"missing setting", definition.Step{Key: "load", Type: definition.StepLoad, Config: definition.StepConfig{AdapterCode: "catalog"}}, apperrors.ErrCodeMissingConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := New(reg).Execute(context.Background(), tt.step, products(1), nil)
			if res.Status != StatusError || apperrors.CodeOf(res.Err) != tt.want {
				t.Errorf("expected %s, got %s %v", tt.want, res.Status, res.Err)
			}
		})
	}
}

func TestLoaderOutcomes(t *testing.T) {
	l := testutil.NewLoader(func(_ context.Context, rec *record.Record) (adapter.LoadResult, error) {
		switch v, _ := rec.Get("id"); v {
		case 1:
			return adapter.LoadResult{Op: adapter.LoadCreate, EntityID: "e-1"}, nil
		case 2:
			return adapter.LoadResult{Op: adapter.LoadUpdate, EntityID: "e-2"}, nil
		case 3:
			return adapter.LoadResult{Op: adapter.LoadSkip, Reason: "unchanged"}, nil
		default:
			return adapter.LoadResult{Op: adapter.LoadError, Reason: "sku conflict"}, nil
		}
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.LoaderDef("catalog"), l)

	step := definition.Step{Key: "load", Type: definition.StepLoad, Config: definition.StepConfig{AdapterCode: "catalog"}}
	res := New(reg).Execute(context.Background(), step, products(1, 2, 3, 4), runContext(fastDefinition(definition.StrategySkip)))

	counts := res.Counts()
	if counts[OutcomeCreated] != 1 || counts[OutcomeUpdated] != 1 || counts[OutcomeSkipped] != 1 || counts[OutcomeErrored] != 1 {
		t.Errorf("unexpected outcomes %v", counts)
	}
	if res.Metrics.RecordsOut != 3 || res.Metrics.Skipped != 1 || res.Metrics.Succeeded != 2 {
		t.Errorf("unexpected metrics %+v", res.Metrics)
	}
	if res.Outcomes[0].EntityID != "e-1" {
		t.Errorf("expected entity id, got %+v", res.Outcomes[0])
	}
	if res.Outcomes[3].Reason == "" || res.Status != StatusWarning {
		t.Errorf("rejected loads should carry their reason, got %+v", res.Outcomes[3])
	}
}

func TestWriterBatching(t *testing.T) {
	tests := []struct {
		name        string
		streaming   bool
		wantBatches int
	}{
		{"whole batch", false, 1},
		{"streamed sub-batches", true, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.NewWriter(nil)
			reg := adapter.NewRegistry()
			reg.MustRegister(testutil.WriterDef(adapter.RoleFeed, "feed", tt.streaming), w)

			step := definition.Step{Key: "feed", Type: definition.StepFeed, Config: definition.StepConfig{AdapterCode: "feed"}, BatchSize: 2}
			res := New(reg).Execute(context.Background(), step, products(1, 2, 3, 4, 5), runContext(fastDefinition(definition.StrategySkip)))
			if len(w.Batches()) != tt.wantBatches {
				t.Errorf("expected %d batches, got %d", tt.wantBatches, len(w.Batches()))
			}
			if res.Write == nil || res.Write.ItemCount != 5 || res.Counts()[OutcomeWritten] != 5 {
				t.Errorf("unexpected write result %+v", res.Write)
			}
		})
	}
}

func TestWriterFailureQuarantinesBatch(t *testing.T) {
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.WriterDef(adapter.RoleSink, "s3", false), testutil.NewWriter(adapter.Fatal("s3", errors.New("access denied"))))

	sink := deadletter.NewMemorySink()
	rc := runContext(fastDefinition(definition.StrategyQuarantine))
	rc.DeadLetters = sink

	step := definition.Step{Key: "sink", Type: definition.StepSink, Config: definition.StepConfig{AdapterCode: "s3"}}
	res := New(reg).Execute(context.Background(), step, products(1, 2), rc)
	if len(sink.Entries()) != 2 || res.Metrics.Quarantined != 2 || res.Status != StatusWarning {
		t.Errorf("expected both records quarantined, got %+v", res.Metrics)
	}
}

func TestCancellationBetweenSubBatches(t *testing.T) {
	var cancelled atomic.Bool
	op := testutil.NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) {
		cancelled.Store(true)
		return rec, nil
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("map"), op)

	rc := runContext(fastDefinition(definition.StrategySkip))
	rc.Cancelled = cancelled.Load

	step := definition.Step{Key: "map", Type: definition.StepTransform, Config: definition.StepConfig{AdapterCode: "map"}, BatchSize: 2}
	res := New(reg).Execute(context.Background(), step, products(1, 2, 3, 4, 5), rc)
	if apperrors.CodeOf(res.Err) != apperrors.ErrCodeCancelled {
		t.Fatalf("expected CANCELLED, got %v", res.Err)
	}
	if res.Metrics.Processed != 2 || op.Calls() != 2 {
		t.Errorf("only the first sub-batch should run, processed %d", res.Metrics.Processed)
	}
}

func TestRateLimitedStepWaits(t *testing.T) {
	limiter := resilience.NewKeyedLimiter(resilience.LimiterConfig{})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("map"), testutil.Passthrough())

	step := definition.Step{
		Key: "map", Type: definition.StepTransform, Config: definition.StepConfig{AdapterCode: "map"},
		RateLimit: &definition.RateLimit{MaxRequests: 2, WindowMs: 40},
	}
	start := time.Now()
	res := New(reg, WithLimiter(limiter)).Execute(context.Background(), step, products(1, 2, 3), runContext(fastDefinition(definition.StrategySkip)))
	if res.Status != StatusSuccess || len(res.Output) != 3 {
		t.Fatalf("expected every record through, got %s %d", res.Status, len(res.Output))
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("third call should wait for the window to reset, took %v", elapsed)
	}
}

func TestCircuitBreakerOpens(t *testing.T) {
	op := testutil.NewOperator(func(_ context.Context, _ *record.Record) (*record.Record, error) {
		return nil, adapter.Transient("pricing", errors.New("503"))
	})
	reg := adapter.NewRegistry()
	reg.MustRegister(testutil.OperatorDef("pricing"), op)

	cfg := resilience.DefaultCircuitBreakerConfig("")
	cfg.MaxFailures = 2
	e := New(reg, WithBreakers(resilience.NewBreakerSet(cfg)))

	step := definition.Step{Key: "price", Type: definition.StepEnrich, Config: definition.StepConfig{AdapterCode: "pricing"}}
	res := e.Execute(context.Background(), step, products(1, 2, 3, 4), runContext(fastDefinition(definition.StrategySkip)))
	if op.Calls() != 2 {
		t.Errorf("breaker should stop calls after 2 failures, got %d", op.Calls())
	}
	if apperrors.CodeOf(res.Outcomes[3].Error) != apperrors.ErrCodeCircuitOpen {
		t.Errorf("expected CIRCUIT_OPEN, got %v", res.Outcomes[3].Error)
	}
}
