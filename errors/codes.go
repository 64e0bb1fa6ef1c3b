package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Connection/Availability errors (retryable)
const (
	// ErrCodeServiceUnavailable indicates a collaborator is temporarily unavailable.
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	// ErrCodeConnectionFailed indicates a failed connection to a backing service.
	ErrCodeConnectionFailed ErrorCode = "CONNECTION_FAILED"
	// ErrCodeTimeout indicates an adapter call or hook exceeded its deadline.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
	// ErrCodeRateLimited indicates the caller must back off.
	ErrCodeRateLimited ErrorCode = "RATE_LIMITED"
	// ErrCodeResourceExhausted indicates a bulkhead or queue is full.
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"
)

// Resource errors
const (
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	ErrCodeAdapterNotFound ErrorCode = "ADAPTER_NOT_FOUND"
)

// Validation errors (never retried)
const (
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeValidationFailed indicates a pipeline definition failed validation.
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	// ErrCodeMissingConfig indicates a required configuration value is absent.
	ErrCodeMissingConfig ErrorCode = "MISSING_CONFIG"
	// ErrCodeInvalidConfig indicates configuration does not match its schema.
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	// ErrCodeCycleDetected indicates the pipeline graph contains a cycle.
	ErrCodeCycleDetected ErrorCode = "CYCLE_DETECTED"
	// ErrCodeUnreachableStep indicates a step can never run.
	ErrCodeUnreachableStep ErrorCode = "UNREACHABLE_STEP"
)

// Execution errors
const (
	// ErrCodeAdapter indicates an adapter call failed. Retryability is
	// decided by the adapter.
	ErrCodeAdapter ErrorCode = "ADAPTER_ERROR"
	// ErrCodeDeadLetter is attached to a record after retries are exhausted.
	ErrCodeDeadLetter ErrorCode = "DEAD_LETTER"
	// ErrCodeCircuitOpen indicates an adapter's circuit breaker rejected the call.
	ErrCodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	// ErrCodeCancelled indicates the run was cancelled.
	ErrCodeCancelled ErrorCode = "CANCELLED"
)

// Internal errors
const (
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabaseError ErrorCode = "DATABASE_ERROR"
	ErrCodeBrokerError   ErrorCode = "BROKER_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeServiceUnavailable: true,
	ErrCodeConnectionFailed:   true,
	ErrCodeTimeout:            true,
	ErrCodeRateLimited:        true,
	ErrCodeResourceExhausted:  true,
	ErrCodeCircuitOpen:        true,
	ErrCodeDatabaseError:      true,
	ErrCodeBrokerError:        true,
	ErrCodeInternal:           false,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
