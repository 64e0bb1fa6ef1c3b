// Package config loads engine configuration from YAML files, .env files and
// environment variables.
//
// Viper reads the YAML file first, then godotenv loads the .env file into
// the process environment, then every variable carrying the ETLKIT_ prefix
// is bound under all of its nested key spellings so that
// ETLKIT_RATE_LIMIT_CAPACITY reaches rate_limit.capacity.
//
// # Usage
//
//	var cfg bootstrap.Config
//	err := config.Load("etl-worker", &cfg, config.WithConfigFile("config.yml"))
package config
