package adapter

import (
	"context"
	"encoding/json"

	"github.com/kbukum/etlkit/definition"
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/record"
)

// Role is the closed set of adapter kinds.
type Role string

const (
	RoleExtractor Role = "extractor"
	RoleOperator  Role = "operator"
	RoleLoader    Role = "loader"
	RoleExporter  Role = "exporter"
	RoleFeed      Role = "feed"
	RoleSink      Role = "sink"
)

// Roles lists every role.
var Roles = []Role{RoleExtractor, RoleOperator, RoleLoader, RoleExporter, RoleFeed, RoleSink}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

// RoleForStep maps a step type to the adapter role it resolves. Built-in
// step types have no role.
func RoleForStep(t definition.StepType) (Role, bool) {
	switch t {
	case definition.StepExtract:
		return RoleExtractor, true
	case definition.StepTransform, definition.StepValidate, definition.StepEnrich:
		return RoleOperator, true
	case definition.StepLoad:
		return RoleLoader, true
	case definition.StepExport:
		return RoleExporter, true
	case definition.StepFeed:
		return RoleFeed, true
	case definition.StepSink:
		return RoleSink, true
	}
	return "", false
}

// Capabilities are the behavioural promises an adapter makes.
type Capabilities struct {
	// Pure operators have no side effects and may be retried on the same input.
	Pure bool `json:"pure"`
	// Paginated extractors are pulled repeatedly while HasMore is set.
	Paginated bool `json:"paginated"`
	// Cancellable adapters honour context cancellation mid-call.
	Cancellable bool `json:"cancellable"`
	// Streaming writers accept chunks instead of the whole batch.
	Streaming bool `json:"streaming"`
	// Idempotent loaders and writers may be re-invoked with the same records.
	Idempotent bool `json:"idempotent"`
}

// Definition describes a registered adapter.
type Definition struct {
	Role         Role         `json:"role"`
	Code         string       `json:"code"`
	Version      string       `json:"version,omitempty"`
	Description  string       `json:"description,omitempty"`
	Schema       Schema       `json:"schema"`
	Capabilities Capabilities `json:"capabilities"`
	// WriteDomains names the catalog domains a loader writes to.
	WriteDomains []string `json:"writeDomains,omitempty"`
	// NewConfig returns a pointer to the adapter's typed config struct.
	// Settings are decoded into it and its `validate` tags are enforced.
	NewConfig func() any `json:"-"`
}

// Config is a step's resolved adapter configuration.
type Config struct {
	Code     string
	Settings map[string]any
	// Value is the decoded typed config, nil when the adapter has none.
	Value any
}

// ExecContext identifies the call site of an adapter invocation.
type ExecContext struct {
	PipelineID string
	RunID      string
	StepKey    string
	Attempt    int
	Logger     *logger.Logger
}

// PullRequest is passed to an extractor for each page.
type PullRequest struct {
	// Checkpoint is the fragment stored for this step, nil on a fresh start.
	Checkpoint json.RawMessage
	Page       int
}

// PullResult is one page of extracted records.
type PullResult struct {
	Records []*record.Record
	// Checkpoint is persisted after the page; nil keeps the stored value.
	Checkpoint json.RawMessage
	HasMore    bool
}

// LoadOp is a loader's per-record outcome.
type LoadOp string

const (
	LoadCreate LoadOp = "create"
	LoadUpdate LoadOp = "update"
	LoadSkip   LoadOp = "skip"
	LoadError  LoadOp = "error"
)

// LoadResult is returned by a loader for each record.
type LoadResult struct {
	Op       LoadOp
	EntityID string
	Reason   string
}

// WriteResult is returned by exporters, feeds and sinks.
type WriteResult struct {
	BytesWritten int64
	ItemCount    int
	ContentType  string
}

// Extractor pulls successive pages of records from a source.
type Extractor interface {
	Pull(ctx context.Context, cfg Config, req PullRequest, ec ExecContext) (PullResult, error)
}

// Operator transforms, validates or enriches one record. A nil record with
// a nil error means the record was filtered out.
type Operator interface {
	Apply(ctx context.Context, rec *record.Record, cfg Config, ec ExecContext) (*record.Record, error)
}

// Loader writes one record to a target system.
type Loader interface {
	Load(ctx context.Context, rec *record.Record, cfg Config, ec ExecContext) (LoadResult, error)
}

// Writer writes a batch of records; exporters, feeds and sinks implement it.
type Writer interface {
	Write(ctx context.Context, recs []*record.Record, cfg Config, ec ExecContext) (WriteResult, error)
}

// OperatorFunc adapts a function to the Operator interface.
type OperatorFunc func(ctx context.Context, rec *record.Record, cfg Config, ec ExecContext) (*record.Record, error)

// Apply calls f.
func (f OperatorFunc) Apply(ctx context.Context, rec *record.Record, cfg Config, ec ExecContext) (*record.Record, error) {
	return f(ctx, rec, cfg, ec)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, rec *record.Record, cfg Config, ec ExecContext) (LoadResult, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context, rec *record.Record, cfg Config, ec ExecContext) (LoadResult, error) {
	return f(ctx, rec, cfg, ec)
}
