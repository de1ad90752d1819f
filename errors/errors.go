// Package errors provides error handling for Mosaic.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Typed sentinels for the job subsystem
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrUnknownJob) {
//	    // handle stale job id
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is     = crdb.Is
	IsAny  = crdb.IsAny
	As     = crdb.As
	Unwrap = crdb.Unwrap
)

// Common sentinel errors for the job subsystem.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the type.
var (
	// ErrUnknownJob indicates a job id that is not (or no longer) in the store.
	// Progress/complete/fail calls with a stale id surface this; it is logged,
	// never fatal.
	ErrUnknownJob = New("unknown job")

	// ErrDuplicateJob indicates an enqueue with an id that already exists
	ErrDuplicateJob = New("duplicate job id")

	// ErrInvalidTransition indicates a lifecycle transition the state machine rejects
	ErrInvalidTransition = New("invalid job transition")

	// ErrValidation indicates a malformed submission or payload; never retried
	ErrValidation = New("validation failed")

	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")
)

// IsValidationError checks if an error is or wraps ErrValidation
func IsValidationError(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// IsUnknownJobError checks if an error is or wraps ErrUnknownJob
func IsUnknownJobError(err error) bool {
	return err != nil && Is(err, ErrUnknownJob)
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}
