package hooks

import (
	"time"

	"github.com/kbukum/etlkit/validation"
)

// Config configures a Bus.
type Config struct {
	// QueueSize bounds the number of events waiting for the dispatcher.
	QueueSize int `mapstructure:"queue_size" validate:"gte=0"`
	// HandlerTimeout is the deadline each handler gets per event.
	HandlerTimeout time.Duration `mapstructure:"handler_timeout"`
	// PublishTimeout caps how long Publish waits for the event to be
	// acknowledged, queueing time included.
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// ApplyDefaults sets a queue of 256 events, 5s handler and 10s publish timeouts.
func (c *Config) ApplyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.Validate(c)
}
