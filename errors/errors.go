package errors

import (
	"fmt"
	"time"
)

// AppError is the unified error type of the engine.
type AppError struct {
	// Code is a machine-readable error code.
	Code ErrorCode `json:"code"`
	// Message is a human-readable error message.
	Message string `json:"message"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional context for the error.
	Details map[string]any `json:"details,omitempty"`
	// Cause is the underlying error that caused this error.
	Cause error `json:"-"`
}

// Error returns the string representation of the error.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error.
func (e *AppError) Unwrap() error { return e.Cause }

// WithCause sets the underlying cause of the error and returns the receiver.
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithDetails merges the provided details into the error and returns the receiver.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	for k, v := range details {
		e.Details[k] = v
	}
	return e
}

// WithDetail sets a single detail key-value pair and returns the receiver.
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new AppError with automatic retryable detection.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Retryable: IsRetryableCode(code),
	}
}

// Newf is New with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// --- Common Error Constructors ---

// ConnectionFailed creates a new AppError for a failed connection to a service.
func ConnectionFailed(service string) *AppError {
	return &AppError{
		Code: ErrCodeConnectionFailed, Message: fmt.Sprintf("unable to connect to %s", service),
		Retryable: true, Details: map[string]any{"service": service},
	}
}

// Timeout creates a new AppError for an operation that exceeded its deadline.
func Timeout(operation string, after time.Duration) *AppError {
	return &AppError{
		Code: ErrCodeTimeout, Message: fmt.Sprintf("%s timed out after %s", operation, after),
		Retryable: true, Details: map[string]any{"operation": operation, "timeout_ms": after.Milliseconds()},
	}
}

// RateLimited creates a new AppError telling the caller to back off until retryAfter elapses.
func RateLimited(key string, retryAfter time.Duration) *AppError {
	return &AppError{
		Code: ErrCodeRateLimited, Message: fmt.Sprintf("rate limit exceeded for %s", key),
		Retryable: true, Details: map[string]any{"key": key, "retry_after_ms": retryAfter.Milliseconds()},
	}
}

// NotFound creates a new AppError for a resource that was not found.
func NotFound(resource, id string) *AppError {
	details := map[string]any{"resource": resource}
	if id != "" {
		details["id"] = id
	}
	return &AppError{
		Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found", resource),
		Details: details,
	}
}

// AlreadyExists creates a new AppError for a resource that already exists.
func AlreadyExists(resource string) *AppError {
	return &AppError{
		Code: ErrCodeAlreadyExists, Message: fmt.Sprintf("%s already exists", resource),
		Details: map[string]any{"resource": resource},
	}
}

// AdapterNotFound creates a new AppError for an unregistered (role, code) pair.
func AdapterNotFound(role, code string) *AppError {
	return &AppError{
		Code: ErrCodeAdapterNotFound, Message: fmt.Sprintf("no %s adapter registered with code %q", role, code),
		Details: map[string]any{"role": role, "code": code},
	}
}

// InvalidInput creates a new AppError for invalid input.
func InvalidInput(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidInput, Message: fmt.Sprintf("invalid input: %s", reason),
		Details: details,
	}
}

// Validation creates a new AppError for a definition that failed validation.
func Validation(message string) *AppError {
	return &AppError{Code: ErrCodeValidationFailed, Message: message}
}

// MissingConfig creates a new AppError for a required configuration field.
func MissingConfig(field string) *AppError {
	return &AppError{
		Code: ErrCodeMissingConfig, Message: fmt.Sprintf("missing required config: %s", field),
		Details: map[string]any{"field": field},
	}
}

// InvalidConfig creates a new AppError for configuration that fails its schema.
func InvalidConfig(field, reason string) *AppError {
	details := make(map[string]any)
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Code: ErrCodeInvalidConfig, Message: fmt.Sprintf("invalid config: %s", reason),
		Details: details,
	}
}

// Adapter wraps an error raised by an adapter call. The adapter decides
// whether the failure is transient.
func Adapter(code string, cause error, retryable bool) *AppError {
	return &AppError{
		Code: ErrCodeAdapter, Message: fmt.Sprintf("adapter %s failed", code),
		Retryable: retryable, Details: map[string]any{"adapter": code}, Cause: cause,
	}
}

// DeadLetter creates the terminal error attached to a record after its
// retries are exhausted.
func DeadLetter(attempts int, cause error) *AppError {
	return &AppError{
		Code: ErrCodeDeadLetter, Message: fmt.Sprintf("dead-lettered after %d attempts", attempts),
		Details: map[string]any{"attempts": attempts}, Cause: cause,
	}
}

// CircuitOpen creates a new AppError for a call rejected by an open breaker.
func CircuitOpen(name string) *AppError {
	return &AppError{
		Code: ErrCodeCircuitOpen, Message: fmt.Sprintf("circuit %s is open", name),
		Retryable: true, Details: map[string]any{"circuit": name},
	}
}

// Cancelled creates a new AppError for cancelled work.
func Cancelled(what string) *AppError {
	return &AppError{Code: ErrCodeCancelled, Message: fmt.Sprintf("%s cancelled", what)}
}

// Internal creates a new AppError for an internal error.
func Internal(cause error) *AppError {
	return &AppError{
		Code: ErrCodeInternal, Message: "an unexpected error occurred", Cause: cause,
	}
}

// DatabaseError creates a new AppError for a database error.
func DatabaseError(cause error) *AppError {
	return &AppError{
		Code: ErrCodeDatabaseError, Message: "a database error occurred",
		Retryable: true, Cause: cause,
	}
}

// BrokerError creates a new AppError for a message broker error.
func BrokerError(cause error) *AppError {
	return &AppError{
		Code: ErrCodeBrokerError, Message: "a message broker error occurred",
		Retryable: true, Cause: cause,
	}
}
