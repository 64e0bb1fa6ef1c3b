package engine

import (
	"time"

	"github.com/kbukum/etlkit/validation"
)

// Config holds engine-wide limits.
type Config struct {
	// MaxRunsPerWindow caps Start calls per pipeline code within RunWindow.
	// Zero disables the limit.
	MaxRunsPerWindow int           `mapstructure:"max_runs_per_window" validate:"gte=0"`
	RunWindow        time.Duration `mapstructure:"run_window"`
	// MaxConcurrentCalls caps adapter calls in flight across every run.
	// Zero disables the bulkhead.
	MaxConcurrentCalls int           `mapstructure:"max_concurrent_calls" validate:"gte=0"`
	BulkheadWait       time.Duration `mapstructure:"bulkhead_wait"`
}

// ApplyDefaults sets a one-minute run window and a five-second bulkhead wait.
func (c *Config) ApplyDefaults() {
	if c.RunWindow <= 0 {
		c.RunWindow = time.Minute
	}
	if c.BulkheadWait <= 0 {
		c.BulkheadWait = 5 * time.Second
	}
}

// Validate checks the struct tags.
func (c *Config) Validate() error {
	return validation.Validate(c)
}
