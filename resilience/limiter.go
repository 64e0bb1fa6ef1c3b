package resilience

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kbukum/etlkit/component"
	"github.com/kbukum/etlkit/logger"
)

// GlobalKey is the bucket used when every key part is empty.
const GlobalKey = "global"

// KeyParts are the optional components of a rate-limit key.
type KeyParts struct {
	IP           string
	PipelineCode string
	Identifier   string
}

// String joins the non-empty parts in a fixed order, e.g.
// "ip:10.0.0.1|pipeline:catalog-sync". An empty key yields GlobalKey.
func (k KeyParts) String() string {
	parts := make([]string, 0, 3)
	if k.IP != "" {
		parts = append(parts, "ip:"+k.IP)
	}
	if k.PipelineCode != "" {
		parts = append(parts, "pipeline:"+k.PipelineCode)
	}
	if k.Identifier != "" {
		parts = append(parts, "id:"+k.Identifier)
	}
	if len(parts) == 0 {
		return GlobalKey
	}
	return strings.Join(parts, "|")
}

// Decision is the outcome of one IsRateLimited call.
type Decision struct {
	Limited bool
	// Count is the number of calls seen in the current window, this one included.
	Count int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is how long a limited caller should wait. Zero when not limited.
	RetryAfter time.Duration
}

// LimiterConfig configures a KeyedLimiter.
type LimiterConfig struct {
	// Capacity is the maximum number of tracked keys.
	Capacity int `mapstructure:"capacity" validate:"gte=0"`
	// SweepInterval is how often expired entries are removed.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// EvictFraction is the share of entries, oldest resetAt first, dropped
	// when a new key arrives at capacity.
	EvictFraction float64 `mapstructure:"evict_fraction" validate:"gte=0,lte=1"`
}

// ApplyDefaults sets capacity 1000, a one-minute sweep and 10% eviction.
func (c *LimiterConfig) ApplyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 1000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.EvictFraction <= 0 {
		c.EvictFraction = 0.1
	}
}

type limitEntry struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	// removed is set under mu once the entry leaves the map.
	removed bool
}

// LimiterOption configures a KeyedLimiter.
type LimiterOption func(*KeyedLimiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *KeyedLimiter) { l.now = now }
}

// WithLimiterLogger sets the logger used by the sweep.
func WithLimiterLogger(log *logger.Logger) LimiterOption {
	return func(l *KeyedLimiter) { l.log = log }
}

// KeyedLimiter is a fixed-window request counter per composite key.
// Unrelated keys never contend: the map lock is held only to find or
// insert an entry and each entry carries its own mutex.
type KeyedLimiter struct {
	config LimiterConfig
	now    func() time.Time
	log    *logger.Logger

	mu      sync.RWMutex
	entries map[string]*limitEntry

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ component.Component = (*KeyedLimiter)(nil)

// NewKeyedLimiter creates a limiter. Call Start to run the periodic sweep.
func NewKeyedLimiter(cfg LimiterConfig, opts ...LimiterOption) *KeyedLimiter {
	cfg.ApplyDefaults()
	l := &KeyedLimiter{
		config:  cfg,
		now:     time.Now,
		entries: make(map[string]*limitEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logger.Get("rate_limiter")
	}
	return l
}

// IsRateLimited counts one call against key and reports whether it exceeds
// maxRequests within window. The counter is incremented before the
// comparison, so the call that crosses the limit is the one reported as
// limited. A non-positive maxRequests disables limiting.
func (l *KeyedLimiter) IsRateLimited(key KeyParts, maxRequests int, window time.Duration) Decision {
	now := l.now()
	k := key.String()
	e := l.entry(k, now, window)
	e.mu.Lock()
	// A sweep or eviction may drop the entry between lookup and lock.
	for e.removed {
		e.mu.Unlock()
		e = l.entry(k, now, window)
		e.mu.Lock()
	}
	defer e.mu.Unlock()

	if !now.Before(e.resetAt) {
		e.count = 0
		e.resetAt = now.Add(window)
	}
	e.count++

	d := Decision{Count: e.count, ResetAt: e.resetAt}
	if maxRequests > 0 && e.count > maxRequests {
		d.Limited = true
		d.RetryAfter = e.resetAt.Sub(now)
	}
	return d
}

// Len returns the number of tracked keys.
func (l *KeyedLimiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Reset forgets every key.
func (l *KeyedLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		e.markRemoved()
	}
	l.entries = make(map[string]*limitEntry)
}

func (e *limitEntry) markRemoved() {
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
}

func (l *KeyedLimiter) entry(key string, now time.Time, window time.Duration) *limitEntry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[key]; ok {
		return e
	}
	if len(l.entries) >= l.config.Capacity {
		l.evictLocked()
	}
	e = &limitEntry{resetAt: now.Add(window)}
	l.entries[key] = e
	return e
}

// evictLocked drops the oldest-resetAt share of entries. Caller holds l.mu.
func (l *KeyedLimiter) evictLocked() {
	type aged struct {
		key     string
		resetAt time.Time
	}
	all := make([]aged, 0, len(l.entries))
	for k, e := range l.entries {
		e.mu.Lock()
		all = append(all, aged{key: k, resetAt: e.resetAt})
		e.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].resetAt.Before(all[j].resetAt) })

	n := int(float64(len(all)) * l.config.EvictFraction)
	if n < 1 {
		n = 1
	}
	for _, a := range all[:n] {
		l.entries[a.key].markRemoved()
		delete(l.entries, a.key)
	}
}

// Sweep removes every entry whose window has elapsed and returns how many
// were removed.
func (l *KeyedLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, e := range l.entries {
		e.mu.Lock()
		expired := !now.Before(e.resetAt)
		if expired {
			e.removed = true
		}
		e.mu.Unlock()
		if expired {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// Name implements component.Component.
func (l *KeyedLimiter) Name() string { return "rate_limiter" }

// Start launches the sweep goroutine. Calling Start twice is a no-op.
func (l *KeyedLimiter) Start(ctx context.Context) error {
	l.lifecycle.Lock()
	defer l.lifecycle.Unlock()
	if l.cancel != nil {
		return nil
	}

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.sweepLoop(sweepCtx, l.done)
	return nil
}

// Stop cancels the sweep goroutine and waits for it to exit.
func (l *KeyedLimiter) Stop(ctx context.Context) error {
	l.lifecycle.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.lifecycle.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health implements component.Component.
func (l *KeyedLimiter) Health(_ context.Context) component.Health {
	return component.Health{
		Name:    l.Name(),
		Status:  component.StatusHealthy,
		Message: fmt.Sprintf("%d/%d keys", l.Len(), l.config.Capacity),
	}
}

func (l *KeyedLimiter) sweepLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.log.Debug("Swept expired rate limit entries", logger.Fields("removed", n))
			}
		}
	}
}
