package errors

import (
	"context"
	stderrors "errors"
)

// IsAppError checks if an error is an AppError.
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// CodeOf returns the code of the first AppError in err's chain, ErrCodeTimeout
// for deadline errors and ErrCodeInternal otherwise.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout
	}
	if stderrors.Is(err, context.Canceled) {
		return ErrCodeCancelled
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is transient. AppErrors carry their own
// flag; a bare deadline error is treated as a retryable timeout; anything
// else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return stderrors.Is(err, context.DeadlineExceeded)
}

// Is, As and Join re-export the standard helpers so callers importing this
// package under its own name do not also need the standard one.
var (
	Is   = stderrors.Is
	As   = stderrors.As
	Join = stderrors.Join
)
