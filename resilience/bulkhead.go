package resilience

import (
	"context"
	"sync/atomic"
	"time"

	apperrors "github.com/kbukum/etlkit/errors"
)

// BulkheadConfig configures a bulkhead.
type BulkheadConfig struct {
	// Name identifies this bulkhead in errors and logs.
	Name          string `mapstructure:"name"`
	MaxConcurrent int    `mapstructure:"max_concurrent" validate:"gte=0"`

	// MaxWait is how long a call waits for a slot. 0 fails immediately.
	MaxWait  time.Duration     `mapstructure:"max_wait"`
	OnReject func(name string) `mapstructure:"-"`
}

// BulkheadStats is a point-in-time view of a bulkhead.
type BulkheadStats struct {
	InUse    int
	Capacity int
	Rejected int64
}

// Saturated reports whether every slot is taken.
func (s BulkheadStats) Saturated() bool { return s.Capacity > 0 && s.InUse >= s.Capacity }

// Bulkhead caps the number of adapter calls in flight across all steps and
// runs of one engine.
type Bulkhead struct {
	config   BulkheadConfig
	sem      chan struct{}
	rejected atomic.Int64
}

// NewBulkhead creates a bulkhead with MaxConcurrent slots, 10 when unset.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	return &Bulkhead{config: config, sem: make(chan struct{}, config.MaxConcurrent)}
}

// Execute runs fn in a slot. When none frees up within MaxWait it returns a
// retryable RESOURCE_EXHAUSTED error without calling fn.
func (b *Bulkhead) Execute(ctx context.Context, fn func() error) error {
	if err := b.acquire(ctx); err != nil {
		if apperrors.CodeOf(err) == apperrors.ErrCodeResourceExhausted {
			b.rejected.Add(1)
			if b.config.OnReject != nil {
				b.config.OnReject(b.config.Name)
			}
		}
		return err
	}
	defer func() { <-b.sem }()
	return fn()
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	default:
	}
	if b.config.MaxWait <= 0 {
		return b.exhausted("bulkhead %s is full")
	}

	timer := time.NewTimer(b.config.MaxWait)
	defer timer.Stop()
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return b.exhausted("bulkhead %s: no slot within wait")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bulkhead) exhausted(format string) error {
	return apperrors.Newf(apperrors.ErrCodeResourceExhausted, format, b.config.Name).
		WithDetail("max_concurrent", b.config.MaxConcurrent)
}

// Available returns the number of free slots.
func (b *Bulkhead) Available() int { return b.config.MaxConcurrent - len(b.sem) }

// InUse returns the number of calls holding a slot.
func (b *Bulkhead) InUse() int { return len(b.sem) }

// Stats returns slot usage and the number of calls rejected so far.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{InUse: len(b.sem), Capacity: b.config.MaxConcurrent, Rejected: b.rejected.Load()}
}
