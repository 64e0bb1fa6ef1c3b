package adapter

import (
	apperrors "github.com/kbukum/etlkit/errors"
)

// Transient marks err as a retryable adapter failure.
func Transient(code string, err error) error {
	return apperrors.Adapter(code, err, true)
}

// Fatal marks err as a non-retryable adapter failure.
func Fatal(code string, err error) error {
	return apperrors.Adapter(code, err, false)
}
