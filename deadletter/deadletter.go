package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/record"
)

// Entry is one dead-lettered record.
type Entry struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipelineId"`
	RunID      string         `json:"runId"`
	StepKey    string         `json:"stepKey"`
	RecordID   string         `json:"recordId,omitempty"`
	Record     *record.Record `json:"record"`
	Error      string         `json:"error"`
	Code       string         `json:"code"`
	Attempts   int            `json:"attempts"`
	At         time.Time      `json:"at"`
}

// Source identifies where an entry came from.
type Source struct {
	PipelineID string
	RunID      string
	StepKey    string
}

// NewEntry builds an entry for rec failing with err after attempts tries.
// The record is cloned so later mutation does not leak into the sink.
func NewEntry(src Source, rec *record.Record, err error, attempts int) Entry {
	e := Entry{
		ID:         uuid.NewString(),
		PipelineID: src.PipelineID,
		RunID:      src.RunID,
		StepKey:    src.StepKey,
		Attempts:   attempts,
		At:         time.Now().UTC(),
		Code:       string(apperrors.CodeOf(err)),
	}
	if rec != nil {
		e.Record = rec.Clone()
		e.RecordID = rec.Identity()
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink receives dead-lettered entries.
type Sink interface {
	Write(ctx context.Context, e Entry) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Entry) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, e Entry) error { return f(ctx, e) }

// Discard drops every entry.
var Discard Sink = SinkFunc(func(context.Context, Entry) error { return nil })

// MemorySink keeps entries in memory.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of every entry written so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// List returns the entries of one run.
func (s *MemorySink) List(_ context.Context, runID string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, e := range s.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

// Fanout writes each entry to every sink and joins their errors.
type Fanout []Sink

// Write implements Sink.
func (f Fanout) Write(ctx context.Context, e Entry) error {
	var errs []error
	for _, s := range f {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return apperrors.Join(errs...)
}
