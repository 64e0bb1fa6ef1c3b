package redis

import (
	"context"
	"fmt"
	"time"
)

// HashStore keeps one Redis hash per scope under a shared key prefix.
type HashStore struct {
	client    *Client
	keyPrefix string
}

// NewHashStore creates a HashStore backed by the given client. Keys are
// keyPrefix, a colon and the scope.
func NewHashStore(client *Client, keyPrefix string) *HashStore {
	return &HashStore{client: client, keyPrefix: keyPrefix}
}

// Key returns the Redis key for scope.
func (s *HashStore) Key(scope string) string {
	if s.keyPrefix == "" {
		return scope
	}
	return s.keyPrefix + ":" + scope
}

// Load returns every field of the scope's hash. A missing hash yields an
// empty map.
func (s *HashStore) Load(ctx context.Context, scope string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, s.Key(scope))
	if err != nil {
		return nil, fmt.Errorf("hash store load %q: %w", scope, err)
	}
	return fields, nil
}

// Save writes fields into the scope's hash and refreshes its TTL. A TTL of
// 0 means no expiration.
func (s *HashStore) Save(ctx context.Context, scope string, fields map[string]string, ttl time.Duration) error {
	if err := s.client.HSetWithTTL(ctx, s.Key(scope), fields, ttl); err != nil {
		return fmt.Errorf("hash store save %q: %w", scope, err)
	}
	return nil
}

// Delete removes the scope's hash, or only the named fields when given.
func (s *HashStore) Delete(ctx context.Context, scope string, fields ...string) error {
	var err error
	if len(fields) > 0 {
		err = s.client.HDel(ctx, s.Key(scope), fields...)
	} else {
		err = s.client.Del(ctx, s.Key(scope))
	}
	if err != nil {
		return fmt.Errorf("hash store delete %q: %w", scope, err)
	}
	return nil
}
