// Package errors provides the error taxonomy shared by the pipeline engine.
// Every error carries a machine-readable code and a retryable flag so the
// step executor can decide between retrying, skipping and dead-lettering
// without inspecting adapter-specific error types.
package errors
