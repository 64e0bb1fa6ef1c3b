package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/record"
)

// PageResult is one scripted extractor response.
type PageResult struct {
	Result adapter.PullResult
	Err    error
}

// Page builds a final page holding recs.
func Page(recs ...*record.Record) PageResult {
	return PageResult{Result: adapter.PullResult{Records: recs}}
}

// MorePage builds a page that reports more data and stores checkpoint.
func MorePage(checkpoint string, recs ...*record.Record) PageResult {
	return PageResult{Result: adapter.PullResult{Records: recs, Checkpoint: json.RawMessage(checkpoint), HasMore: true}}
}

// Extractor replays scripted pages and records the checkpoints it was given.
type Extractor struct {
	mu          sync.Mutex
	pages       []PageResult
	calls       int
	checkpoints []json.RawMessage
	fn          func(ctx context.Context, req adapter.PullRequest) (adapter.PullResult, error)
}

var _ adapter.Extractor = (*Extractor)(nil)

// NewExtractor creates an extractor returning pages in order. Calls beyond
// the script return an empty final page.
func NewExtractor(pages ...PageResult) *Extractor {
	return &Extractor{pages: pages}
}

// NewExtractorFunc creates an extractor backed by fn.
func NewExtractorFunc(fn func(ctx context.Context, req adapter.PullRequest) (adapter.PullResult, error)) *Extractor {
	return &Extractor{fn: fn}
}

func (e *Extractor) Pull(ctx context.Context, _ adapter.Config, req adapter.PullRequest, _ adapter.ExecContext) (adapter.PullResult, error) {
	e.mu.Lock()
	idx := e.calls
	e.calls++
	e.checkpoints = append(e.checkpoints, req.Checkpoint)
	e.mu.Unlock()

	if e.fn != nil {
		return e.fn(ctx, req)
	}
	if idx >= len(e.pages) {
		return adapter.PullResult{}, nil
	}
	p := e.pages[idx]
	return adapter.PullResult{
		Records:    record.CloneAll(p.Result.Records),
		Checkpoint: p.Result.Checkpoint,
		HasMore:    p.Result.HasMore,
	}, p.Err
}

// Calls returns how many times Pull was invoked.
func (e *Extractor) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

// Checkpoints returns the checkpoint passed to each Pull call.
func (e *Extractor) Checkpoints() []json.RawMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]json.RawMessage(nil), e.checkpoints...)
}

// Operator wraps a function and counts calls.
type Operator struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, rec *record.Record) (*record.Record, error)
	calls int
}

var _ adapter.Operator = (*Operator)(nil)

// NewOperator creates an operator backed by fn.
func NewOperator(fn func(ctx context.Context, rec *record.Record) (*record.Record, error)) *Operator {
	return &Operator{fn: fn}
}

// Passthrough returns an operator that leaves records unchanged.
func Passthrough() *Operator {
	return NewOperator(func(_ context.Context, rec *record.Record) (*record.Record, error) { return rec, nil })
}

func (o *Operator) Apply(ctx context.Context, rec *record.Record, _ adapter.Config, _ adapter.ExecContext) (*record.Record, error) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	return o.fn(ctx, rec)
}

// Calls returns how many records were applied.
func (o *Operator) Calls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

// Loader records every loaded record.
type Loader struct {
	mu     sync.Mutex
	fn     func(ctx context.Context, rec *record.Record) (adapter.LoadResult, error)
	loaded []*record.Record
}

var _ adapter.Loader = (*Loader)(nil)

// NewLoader creates a loader; a nil fn creates every record.
func NewLoader(fn func(ctx context.Context, rec *record.Record) (adapter.LoadResult, error)) *Loader {
	return &Loader{fn: fn}
}

func (l *Loader) Load(ctx context.Context, rec *record.Record, _ adapter.Config, _ adapter.ExecContext) (adapter.LoadResult, error) {
	var (
		res adapter.LoadResult
		err error
	)
	if l.fn != nil {
		res, err = l.fn(ctx, rec)
	} else {
		res = adapter.LoadResult{Op: adapter.LoadCreate, EntityID: rec.Identity()}
	}
	if err == nil && res.Op != adapter.LoadError {
		l.mu.Lock()
		l.loaded = append(l.loaded, rec)
		l.mu.Unlock()
	}
	return res, err
}

// Loaded returns the records accepted so far.
func (l *Loader) Loaded() []*record.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*record.Record(nil), l.loaded...)
}

// Writer records every batch it receives.
type Writer struct {
	mu      sync.Mutex
	err     error
	batches [][]*record.Record
}

var _ adapter.Writer = (*Writer)(nil)

// NewWriter creates a writer that fails every call with err when non-nil.
func NewWriter(err error) *Writer {
	return &Writer{err: err}
}

func (w *Writer) Write(_ context.Context, recs []*record.Record, _ adapter.Config, _ adapter.ExecContext) (adapter.WriteResult, error) {
	if w.err != nil {
		return adapter.WriteResult{}, w.err
	}
	w.mu.Lock()
	w.batches = append(w.batches, recs)
	w.mu.Unlock()
	var size int64
	for _, r := range recs {
		b, _ := json.Marshal(r)
		size += int64(len(b))
	}
	return adapter.WriteResult{BytesWritten: size, ItemCount: len(recs), ContentType: "application/json"}, nil
}

// Batches returns the batches written so far.
func (w *Writer) Batches() [][]*record.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([][]*record.Record(nil), w.batches...)
}

// ExtractorDef returns a definition for a test extractor.
func ExtractorDef(code string, paginated bool) adapter.Definition {
	return adapter.Definition{Role: adapter.RoleExtractor, Code: code, Capabilities: adapter.Capabilities{Paginated: paginated, Cancellable: true}}
}

// OperatorDef returns a definition for a pure test operator.
func OperatorDef(code string) adapter.Definition {
	return adapter.Definition{Role: adapter.RoleOperator, Code: code, Capabilities: adapter.Capabilities{Pure: true}}
}

// LoaderDef returns a definition for an idempotent test loader.
func LoaderDef(code string) adapter.Definition {
	return adapter.Definition{Role: adapter.RoleLoader, Code: code, Capabilities: adapter.Capabilities{Idempotent: true}}
}

// WriterDef returns a definition for a test writer of the given role.
func WriterDef(role adapter.Role, code string, streaming bool) adapter.Definition {
	return adapter.Definition{Role: role, Code: code, Capabilities: adapter.Capabilities{Streaming: streaming}}
}
