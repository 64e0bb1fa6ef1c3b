package checkpoint

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "github.com/kbukum/etlkit/errors"
	"github.com/kbukum/etlkit/redis"
)

// MemoryPersister keeps fragments in process memory. It survives across
// runs of the same engine, which is enough for tests and single-process
// resumes.
type MemoryPersister struct {
	mu     sync.Mutex
	scopes map[string]map[string]json.RawMessage
}

// NewMemoryPersister creates an empty MemoryPersister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{scopes: make(map[string]map[string]json.RawMessage)}
}

// Load implements Persister.
func (p *MemoryPersister) Load(_ context.Context, scope string) (map[string]json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]json.RawMessage, len(p.scopes[scope]))
	for k, v := range p.scopes[scope] {
		out[k] = clone(v)
	}
	return out, nil
}

// Save implements Persister. A nil fragment deletes the entry.
func (p *MemoryPersister) Save(_ context.Context, scope string, data map[string]json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.scopes[scope]
	if !ok {
		s = make(map[string]json.RawMessage)
		p.scopes[scope] = s
	}
	for k, v := range data {
		if v == nil {
			delete(s, k)
			continue
		}
		s[k] = clone(v)
	}
	return nil
}

// Clear implements Persister.
func (p *MemoryPersister) Clear(_ context.Context, scope string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scopes, scope)
	return nil
}

// RedisPersister stores each scope as one Redis hash of JSON strings.
type RedisPersister struct {
	store *redis.HashStore
	ttl   time.Duration
}

// NewRedisPersister creates a persister on top of store. A ttl of 0 keeps
// checkpoints forever.
func NewRedisPersister(store *redis.HashStore, ttl time.Duration) *RedisPersister {
	return &RedisPersister{store: store, ttl: ttl}
}

// Load implements Persister.
func (p *RedisPersister) Load(ctx context.Context, scope string) (map[string]json.RawMessage, error) {
	fields, err := p.store.Load(ctx, scope)
	if err != nil {
		return nil, apperrors.ConnectionFailed("redis").WithCause(err)
	}
	out := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		if !json.Valid([]byte(v)) {
			return nil, apperrors.Internal(nil).WithDetail("checkpoint", k).
				WithDetail("reason", "stored fragment is not valid JSON")
		}
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

// Save implements Persister. A nil fragment deletes the field.
func (p *RedisPersister) Save(ctx context.Context, scope string, data map[string]json.RawMessage) error {
	fields := make(map[string]string, len(data))
	var removed []string
	for k, v := range data {
		if v == nil {
			removed = append(removed, k)
			continue
		}
		fields[k] = string(v)
	}
	if err := p.store.Save(ctx, scope, fields, p.ttl); err != nil {
		return apperrors.ConnectionFailed("redis").WithCause(err)
	}
	if len(removed) > 0 {
		if err := p.store.Delete(ctx, scope, removed...); err != nil {
			return apperrors.ConnectionFailed("redis").WithCause(err)
		}
	}
	return nil
}

// Clear implements Persister.
func (p *RedisPersister) Clear(ctx context.Context, scope string) error {
	if err := p.store.Delete(ctx, scope); err != nil {
		return apperrors.ConnectionFailed("redis").WithCause(err)
	}
	return nil
}
