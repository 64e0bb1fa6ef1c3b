// Package component defines the lifecycle interface shared by the engine's
// long-lived parts: the rate limiter sweep, the hook dispatcher, the cron
// scheduler and the Redis, database and Kafka clients.
//
// A Registry starts components in registration order and stops them in
// reverse, so register dependencies first.
package component
