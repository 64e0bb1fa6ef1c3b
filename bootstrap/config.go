package bootstrap

import (
	"fmt"
	"slices"
	"time"

	"github.com/kbukum/etlkit/config"
	"github.com/kbukum/etlkit/database"
	"github.com/kbukum/etlkit/engine"
	"github.com/kbukum/etlkit/hooks"
	"github.com/kbukum/etlkit/kafka"
	"github.com/kbukum/etlkit/observability"
	"github.com/kbukum/etlkit/redis"
	"github.com/kbukum/etlkit/resilience"
	"github.com/kbukum/etlkit/validation"
)

// Checkpoint backends.
const (
	CheckpointMemory = "memory"
	CheckpointRedis  = "redis"
	CheckpointNone   = "none"
)

// Dead-letter sinks.
const (
	SinkMemory   = "memory"
	SinkDatabase = "database"
	SinkKafka    = "kafka"
)

// Config is the configuration of an engine process. It is loaded with
// config.Load:
//
//	var cfg bootstrap.Config
//	if err := config.Load("etl-worker", &cfg); err != nil { ... }
//	app, err := bootstrap.NewApp(&cfg)
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Engine         engine.Config          `yaml:"engine" mapstructure:"engine"`
	Retry          resilience.RetryConfig `yaml:"retry" mapstructure:"retry"`
	RateLimit      RateLimitConfig        `yaml:"rate_limit" mapstructure:"rate_limit"`
	Checkpoint     CheckpointConfig       `yaml:"checkpoint" mapstructure:"checkpoint"`
	DeadLetter     DeadLetterConfig       `yaml:"dead_letter" mapstructure:"dead_letter"`
	Hooks          hooks.Config           `yaml:"hooks" mapstructure:"hooks"`
	CircuitBreaker BreakerConfig          `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	Scheduler      SchedulerConfig        `yaml:"scheduler" mapstructure:"scheduler"`
	Redis          redis.Config           `yaml:"redis" mapstructure:"redis"`
	Database       database.Config        `yaml:"database" mapstructure:"database"`
	Kafka          kafka.Config           `yaml:"kafka" mapstructure:"kafka"`
	Observability  observability.Config   `yaml:"observability" mapstructure:"observability"`
}

// RateLimitConfig enables the keyed limiter used for run admission and
// step rate limits.
type RateLimitConfig struct {
	Enabled                  bool `yaml:"enabled" mapstructure:"enabled"`
	resilience.LimiterConfig `yaml:",inline" mapstructure:",squash"`
}

// CheckpointConfig selects where checkpoints survive between runs.
type CheckpointConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory redis none"`
	KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl" validate:"gte=0"`
}

// DeadLetterConfig lists the sinks quarantined records are written to.
type DeadLetterConfig struct {
	Sinks []string `yaml:"sinks" mapstructure:"sinks" validate:"dive,oneof=memory database kafka"`
	Topic string   `yaml:"topic" mapstructure:"topic"`
}

// BreakerConfig guards adapters with circuit breakers when enabled.
type BreakerConfig struct {
	Enabled                         bool `yaml:"enabled" mapstructure:"enabled"`
	resilience.CircuitBreakerConfig `yaml:",inline" mapstructure:",squash"`
}

// SchedulerConfig starts runs of the listed definition files on the cron
// schedule of their TRIGGER step.
type SchedulerConfig struct {
	Enabled      bool     `yaml:"enabled" mapstructure:"enabled"`
	Timezone     string   `yaml:"timezone" mapstructure:"timezone"`
	AllowOverlap bool     `yaml:"allow_overlap" mapstructure:"allow_overlap"`
	Pipelines    []string `yaml:"pipelines" mapstructure:"pipelines"`
}

// GetServiceConfig returns the embedded service settings.
func (c *Config) GetServiceConfig() *config.ServiceConfig {
	return &c.ServiceConfig
}

// ApplyDefaults fills every section.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	c.Engine.ApplyDefaults()
	c.Retry.ApplyDefaults()
	c.RateLimit.ApplyDefaults()
	c.Hooks.ApplyDefaults()
	c.Redis.ApplyDefaults()
	c.Database.ApplyDefaults()
	c.Kafka.ApplyDefaults()
	c.Observability.ApplyDefaults()

	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = CheckpointMemory
	}
	if c.Checkpoint.KeyPrefix == "" {
		c.Checkpoint.KeyPrefix = "etl:checkpoint"
	}
	if len(c.DeadLetter.Sinks) == 0 {
		c.DeadLetter.Sinks = []string{SinkMemory}
	}
	if c.DeadLetter.Topic == "" {
		c.DeadLetter.Topic = "etl.dead-letters"
	}
	d := resilience.DefaultCircuitBreakerConfig("")
	if c.CircuitBreaker.MaxFailures <= 0 {
		c.CircuitBreaker.MaxFailures = d.MaxFailures
	}
	if c.CircuitBreaker.Timeout <= 0 {
		c.CircuitBreaker.Timeout = d.Timeout
	}
	if c.CircuitBreaker.HalfOpenMaxCalls <= 0 {
		c.CircuitBreaker.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
}

// Validate checks every section and the backends they depend on.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	sections := []struct {
		name string
		fn   func() error
	}{
		{"engine", c.Engine.Validate},
		{"retry", func() error { return validation.Validate(&c.Retry) }},
		{"rate_limit", func() error { return validation.Validate(&c.RateLimit) }},
		{"checkpoint", func() error { return validation.Validate(&c.Checkpoint) }},
		{"dead_letter", func() error { return validation.Validate(&c.DeadLetter) }},
		{"hooks", c.Hooks.Validate},
		{"circuit_breaker", func() error { return validation.Validate(&c.CircuitBreaker) }},
		{"redis", c.Redis.Validate},
		{"database", c.Database.Validate},
		{"kafka", c.Kafka.Validate},
		{"observability", c.Observability.Validate},
	}
	for _, s := range sections {
		if err := s.fn(); err != nil {
			return fmt.Errorf("config.%s: %w", s.name, err)
		}
	}

	if c.Checkpoint.Backend == CheckpointRedis && !c.Redis.Enabled {
		return fmt.Errorf("config.checkpoint: backend redis requires redis.enabled")
	}
	if slices.Contains(c.DeadLetter.Sinks, SinkDatabase) && !c.Database.Enabled {
		return fmt.Errorf("config.dead_letter: sink database requires database.enabled")
	}
	if slices.Contains(c.DeadLetter.Sinks, SinkKafka) && !c.Kafka.Enabled {
		return fmt.Errorf("config.dead_letter: sink kafka requires kafka.enabled")
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("config.scheduler.timezone: %w", err)
	}
	return nil
}
