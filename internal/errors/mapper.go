package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category returns the taxonomy name for an error, for structured logging.
func Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrParse):
		return "ErrParse"
	case errors.Is(err, ErrValidation):
		return "ErrValidation"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrIO):
		return "ErrIO"
	case errors.Is(err, ErrPolicyViolation):
		return "ErrPolicyViolation"
	case errors.Is(err, ErrResourceExceeded):
		return "ErrResourceExceeded"
	case errors.Is(err, ErrStaleVersion):
		return "ErrStaleVersion"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if an error belongs to a specific category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// Parse wraps a message as a parse error.
func Parse(message string) error {
	return fmt.Errorf("%s: %w", message, ErrParse)
}

// Validation wraps a message as a validation error.
func Validation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrValidation)
}

// Conflict wraps a message as a conflict.
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// IO wraps a message as an I/O error.
func IO(message string) error {
	return fmt.Errorf("%s: %w", message, ErrIO)
}

// PolicyViolation wraps a message as a policy violation.
func PolicyViolation(message string) error {
	return fmt.Errorf("%s: %w", message, ErrPolicyViolation)
}

// ResourceExceeded wraps a message as a resource ceiling hit.
func ResourceExceeded(message string) error {
	return fmt.Errorf("%s: %w", message, ErrResourceExceeded)
}

// StaleVersion wraps a message as a stale-version abort.
func StaleVersion(message string) error {
	return fmt.Errorf("%s: %w", message, ErrStaleVersion)
}

// NotFound wraps a message as not found.
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps a message as invalid input.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Internal wraps a message as an internal error.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether a cycle hitting this error should be retried
// with backoff. Parse errors are retryable because external writers may
// write the view file in multiple steps; I/O errors because the previous
// view remains intact; stale versions because the cycle simply restarts.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrParse) || errors.Is(err, ErrIO) || errors.Is(err, ErrStaleVersion)
}
