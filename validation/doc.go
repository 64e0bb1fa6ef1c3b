// Package validation checks configuration values before the engine uses them.
//
// Struct tag validation (go-playground/validator) covers typed adapter
// configs and engine config sections. The fluent Validator covers
// programmatic checks that tags cannot express.
//
// # Struct Tag Validation
//
//	type CSVConfig struct {
//	    Path      string `mapstructure:"path" validate:"required"`
//	    Delimiter string `mapstructure:"delimiter" validate:"omitempty,len=1"`
//	}
//	err := validation.Validate(cfg)
//
// # Programmatic Validation
//
//	err := validation.New().
//	    Required("code", def.Code).
//	    OneOf("environment", env, config.Environments).
//	    Err()
package validation
