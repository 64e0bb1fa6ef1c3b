package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"strings"

	"gorm.io/gorm"

	apperrors "github.com/kbukum/etlkit/errors"
)

var (
	connectionHints = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no route to host",
		"network is unreachable",
		"connection closed",
		"invalid connection",
	}
	// contention clears on its own: lock waits, deadlocks, a full pool,
	// SQLite's single writer.
	contentionHints = []string{
		"deadlock",
		"lock timeout",
		"too many connections",
		"database is locked",
		"database table is locked",
	}
)

// IsConnectionError reports whether err means the server could not be
// reached or dropped the connection.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, driver.ErrBadConn) || hasHint(err, connectionHints)
}

// IsRetryableError reports whether repeating the statement may succeed.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return IsConnectionError(err) ||
		errors.Is(err, context.DeadlineExceeded) ||
		hasHint(err, contentionHints)
}

// FromDatabase converts a GORM error on resource to an AppError.
func FromDatabase(err error, resource string) *apperrors.AppError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.NotFound(resource, "").WithCause(err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperrors.AlreadyExists(resource).WithCause(err)
	case IsConnectionError(err):
		return apperrors.ConnectionFailed("database").WithCause(err)
	}
	appErr := apperrors.DatabaseError(err)
	appErr.Retryable = IsRetryableError(err)
	return appErr
}

func hasHint(err error, hints []string) bool {
	msg := strings.ToLower(err.Error())
	for _, h := range hints {
		if strings.Contains(msg, h) {
			return true
		}
	}
	return false
}
