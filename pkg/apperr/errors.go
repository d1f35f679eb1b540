// Package apperr defines the error kinds surfaced by the engine.
//
// Every error returned from a workflow or approval operation wraps exactly one
// of the sentinel kinds below so that callers (HTTP handlers, request lifecycle
// code) can branch with errors.Is without inspecting message text.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the referenced entity does not exist or belongs to another organization
	ErrNotFound = errors.New("not found")

	// ErrInvariant means the operation would break a rule of the data model
	ErrInvariant = errors.New("invariant violation")

	// ErrConflict means a concurrent writer won a uniqueness race; the whole operation may be retried
	ErrConflict = errors.New("conflict")

	// ErrValidation means the caller supplied malformed input
	ErrValidation = errors.New("validation failed")

	// ErrForbidden means the actor may not perform the operation
	ErrForbidden = errors.New("forbidden")
)

// NotFound builds a not-found error for a kind of entity and its id
func NotFound(kind string, id interface{}) error {
	return fmt.Errorf("%s %v: %w", kind, id, ErrNotFound)
}

// Invariant builds an invariant-violation error with a descriptive reason
func Invariant(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvariant)
}

// Conflict wraps a store error that lost a uniqueness race
func Conflict(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
}

// Validation builds a validation error
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

// Forbidden builds a forbidden error
func Forbidden(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrForbidden)
}

// Code returns a stable machine-readable code for an error
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrInvariant):
		return "INVARIANT_VIOLATION"
	case errors.Is(err, ErrConflict):
		return "CONFLICT"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_ERROR"
	case errors.Is(err, ErrForbidden):
		return "FORBIDDEN"
	default:
		return "INTERNAL_ERROR"
	}
}

// IsClientError reports whether the error describes a caller mistake rather than a store failure
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvariant) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden)
}
