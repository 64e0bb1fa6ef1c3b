package bootstrap

import (
	"time"

	"github.com/kbukum/etlkit/adapter"
	"github.com/kbukum/etlkit/deadletter"
	"github.com/kbukum/etlkit/kafka"
	"github.com/kbukum/etlkit/logger"
)

// Option configures the App during creation.
type Option func(*appOptions)

type appOptions struct {
	logger          *logger.Logger
	adapters        *adapter.Registry
	gracefulTimeout *time.Duration
	producer        *kafka.Producer
	sinks           []deadletter.Sink
}

func resolveOptions(opts []Option) *appOptions {
	o := &appOptions{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets a custom logger for the application.
// If not set, the logger is initialized from the config's Logging field.
func WithLogger(l *logger.Logger) Option {
	return func(o *appOptions) {
		o.logger = l
	}
}

// WithGracefulTimeout sets the maximum duration for graceful shutdown.
func WithGracefulTimeout(d time.Duration) Option {
	return func(o *appOptions) {
		o.gracefulTimeout = &d
	}
}

// WithAdapters uses reg instead of an empty registry.
func WithAdapters(reg *adapter.Registry) Option {
	return func(o *appOptions) {
		o.adapters = reg
	}
}

// WithKafkaProducer injects the producer the kafka component would create.
func WithKafkaProducer(p *kafka.Producer) Option {
	return func(o *appOptions) {
		o.producer = p
	}
}

// WithDeadLetterSink adds s to the configured dead-letter sinks.
func WithDeadLetterSink(s deadletter.Sink) Option {
	return func(o *appOptions) {
		o.sinks = append(o.sinks, s)
	}
}
