package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	apperrors "github.com/kbukum/etlkit/errors"
)

// Store is the view of checkpoint state handed to the step executor.
type Store interface {
	// Get returns a copy of the fragment for stepKey, or nil if none.
	Get(ctx context.Context, stepKey string) (json.RawMessage, error)
	// Set replaces the fragment for stepKey and marks it dirty.
	Set(ctx context.Context, stepKey string, data json.RawMessage) error
	// IsDirty reports whether any fragment changed since the last flush.
	IsDirty() bool
}

// Persister loads and saves every fragment of a scope.
type Persister interface {
	Load(ctx context.Context, scope string) (map[string]json.RawMessage, error)
	Save(ctx context.Context, scope string, data map[string]json.RawMessage) error
	Clear(ctx context.Context, scope string) error
}

type slot struct {
	mu    sync.Mutex
	data  json.RawMessage
	dirty bool
}

// Buffer is the in-memory Store for one scope. Each step key has its own
// lock; the map lock is held only to find or insert a slot.
type Buffer struct {
	scope     string
	persister Persister

	mu    sync.RWMutex
	slots map[string]*slot
}

var _ Store = (*Buffer)(nil)

// NewBuffer creates an empty buffer. persister may be nil, in which case
// Load, Flush and Clear only touch memory.
func NewBuffer(scope string, persister Persister) *Buffer {
	return &Buffer{scope: scope, persister: persister, slots: make(map[string]*slot)}
}

// Scope returns the buffer's scope.
func (b *Buffer) Scope() string { return b.scope }

// HasPersister reports whether Flush writes anywhere.
func (b *Buffer) HasPersister() bool { return b.persister != nil }

// Get implements Store.
func (b *Buffer) Get(_ context.Context, stepKey string) (json.RawMessage, error) {
	b.mu.RLock()
	s, ok := b.slots[stepKey]
	b.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.data), nil
}

// Set implements Store. data must be valid JSON; nil removes the
// fragment's value but still marks it dirty.
func (b *Buffer) Set(_ context.Context, stepKey string, data json.RawMessage) error {
	if stepKey == "" {
		return apperrors.InvalidInput("stepKey", "must not be empty")
	}
	if data != nil && !json.Valid(data) {
		return apperrors.InvalidInput("checkpoint", "fragment for "+stepKey+" is not valid JSON")
	}
	s := b.slot(stepKey)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = compact(data)
	s.dirty = true
	return nil
}

// IsDirty implements Store.
func (b *Buffer) IsDirty() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.slots {
		s.mu.Lock()
		dirty := s.dirty
		s.mu.Unlock()
		if dirty {
			return true
		}
	}
	return false
}

// DirtyKeys returns the sorted keys changed since the last flush.
func (b *Buffer) DirtyKeys() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var keys []string
	for k, s := range b.slots {
		s.mu.Lock()
		if s.dirty {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	sort.Strings(keys)
	return keys
}

// Load replaces the buffer contents with the persisted fragments. Loaded
// fragments are clean.
func (b *Buffer) Load(ctx context.Context) error {
	if b.persister == nil {
		return nil
	}
	data, err := b.persister.Load(ctx, b.scope)
	if err != nil {
		return err
	}
	slots := make(map[string]*slot, len(data))
	for k, v := range data {
		slots[k] = &slot{data: clone(v)}
	}
	b.mu.Lock()
	b.slots = slots
	b.mu.Unlock()
	return nil
}

// Flush saves the dirty fragments and marks them clean. Fragments set
// while the save is in flight stay dirty.
func (b *Buffer) Flush(ctx context.Context) error {
	type pending struct {
		s    *slot
		data json.RawMessage
	}
	b.mu.RLock()
	batch := make(map[string]json.RawMessage)
	taken := make([]pending, 0)
	for k, s := range b.slots {
		s.mu.Lock()
		if s.dirty {
			batch[k] = clone(s.data)
			taken = append(taken, pending{s: s, data: s.data})
		}
		s.mu.Unlock()
	}
	b.mu.RUnlock()

	if len(batch) == 0 {
		return nil
	}
	if b.persister != nil {
		if err := b.persister.Save(ctx, b.scope, batch); err != nil {
			return err
		}
	}
	for _, p := range taken {
		p.s.mu.Lock()
		if bytes.Equal(p.s.data, p.data) {
			p.s.dirty = false
		}
		p.s.mu.Unlock()
	}
	return nil
}

// Clear drops every fragment from memory and from the persister.
func (b *Buffer) Clear(ctx context.Context) error {
	b.mu.Lock()
	b.slots = make(map[string]*slot)
	b.mu.Unlock()
	if b.persister == nil {
		return nil
	}
	return b.persister.Clear(ctx, b.scope)
}

// Snapshot returns a deep copy of every fragment.
func (b *Buffer) Snapshot() map[string]json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(b.slots))
	for k, s := range b.slots {
		s.mu.Lock()
		out[k] = clone(s.data)
		s.mu.Unlock()
	}
	return out
}

func (b *Buffer) slot(key string) *slot {
	b.mu.RLock()
	s, ok := b.slots[key]
	b.mu.RUnlock()
	if ok {
		return s
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.slots[key]; ok {
		return s
	}
	s = &slot{}
	b.slots[key] = s
	return s
}

func clone(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}

func compact(data json.RawMessage) json.RawMessage {
	if data == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return clone(data)
	}
	return json.RawMessage(buf.Bytes())
}
