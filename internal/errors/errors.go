package errors

import (
	"errors"
)

// Sentinel errors for the daemon's failure taxonomy
var (
	// ErrParse - view file is not well-formed JSON (retried after debounce, escalated only when persistent)
	ErrParse = errors.New("parse error")

	// ErrValidation - view file is valid JSON but violates the view schema (offending fields dropped, rest processed)
	ErrValidation = errors.New("validation error")

	// ErrConflict - store-level uniqueness violation on append (caller retries with a strictly greater timestamp)
	ErrConflict = errors.New("conflict")

	// ErrIO - disk or publish failure (previous view left intact, retried with backoff)
	ErrIO = errors.New("io error")

	// ErrPolicyViolation - external edit targets a path outside the allow-list (logged and ignored, never fatal)
	ErrPolicyViolation = errors.New("policy violation")

	// ErrResourceExceeded - compaction pass hit its row or wall-clock ceiling (ends cleanly, resumes next trigger)
	ErrResourceExceeded = errors.New("resource exceeded")

	// ErrStaleVersion - export raced a later-versioned publish (rename aborted, cycle restarts)
	ErrStaleVersion = errors.New("stale version")

	// ErrNotFound - referenced entity does not exist in the store
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput - caller supplied an invalid argument
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal - unclassified internal error
	ErrInternal = errors.New("internal error")
)
