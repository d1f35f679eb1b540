package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/platinummonkey/procurement/pkg/apperr"
)

// PostgreSQL SQLSTATE codes that mean "another writer won, retry the operation"
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// IsUniqueViolation reports whether err is a unique constraint violation
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	// go-sqlite3 is only linked into tests, so match its message instead of its type
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// IsRetryable reports whether err is a uniqueness race, serialization failure or deadlock
func IsRetryable(err error) bool {
	if IsUniqueViolation(err) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
	}
	return false
}

// Classify wraps a driver error for the operation op. Retryable failures become
// apperr.ErrConflict; everything else is wrapped as an opaque store failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return apperr.Conflict(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
