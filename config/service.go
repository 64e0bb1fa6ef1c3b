package config

import (
	"github.com/kbukum/etlkit/logger"
	"github.com/kbukum/etlkit/validation"
)

// Deployment environments accepted in ServiceConfig.Environment.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

// Environments lists the accepted environment names.
var Environments = []string{EnvDevelopment, EnvStaging, EnvProduction}

// ServiceConfig identifies the worker process. Larger configs embed it:
//
//	type Config struct {
//	    config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
//	    Engine engine.Config `yaml:"engine" mapstructure:"engine"`
//	}
type ServiceConfig struct {
	Name        string `yaml:"name" mapstructure:"name"`
	Environment string `yaml:"environment" mapstructure:"environment"`
	Version     string `yaml:"version" mapstructure:"version"`
	// Debug lowers the default log level to debug. Development turns it on.
	Debug   bool          `yaml:"debug" mapstructure:"debug"`
	Logging logger.Config `yaml:"logging" mapstructure:"logging"`
}

// ApplyDefaults fills the environment and the logging section.
func (c *ServiceConfig) ApplyDefaults() {
	if c.Environment == "" {
		c.Environment = EnvDevelopment
	}
	if c.Environment == EnvDevelopment {
		c.Debug = true
	}
	if c.Logging.ServiceName == "" {
		c.Logging.ServiceName = c.Name
	}
	if c.Logging.Level == "" && c.Debug {
		c.Logging.Level = "debug"
	}
	if c.Logging.Format == "" && c.IsProduction() {
		c.Logging.Format = "json"
	}
	c.Logging.ApplyDefaults()
}

// IsProduction reports whether the worker runs in production.
func (c *ServiceConfig) IsProduction() bool { return c.Environment == EnvProduction }

// Validate reports every invalid field as one INVALID_CONFIG error.
func (c *ServiceConfig) Validate() error {
	v := validation.New().
		Required("config.name", c.Name).
		OneOf("config.environment", c.Environment, Environments)
	if c.Environment == "" {
		v.AddError("config.environment", "is required")
	}
	if err := c.Logging.Validate(); err != nil {
		v.AddError("config.logging", err.Error())
	}
	return v.Err()
}
