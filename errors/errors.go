// Package errors provides error handling for sluice.
//
// This package re-exports github.com/cockroachdb/errors so that every package
// gets stack traces, wrapping, details and hints from one import, and adds the
// sentinels shared by the document store, the job store and the scheduler.
//
// Usage:
//
//	if err := store.UpsertRecord(ctx, rec); err != nil {
//	    if errors.Is(err, errors.ErrConflict) {
//	        // another writer committed first; re-read the record
//	    }
//	    return errors.Wrapf(err, "failed to commit %s", rec.DocID)
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New         = crdb.New
	Newf        = crdb.Newf
	Wrap        = crdb.Wrap
	Wrapf       = crdb.Wrapf
	WithStack   = crdb.WithStack
	WithMessage = crdb.WithMessage
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
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Marks attach an identity to an error without changing its message, so
// errors.Is matches the mark through any amount of wrapping.
var (
	Mark             = crdb.Mark
	AssertionFailedf = crdb.AssertionFailedf
)

// Common sentinel errors. Wrap them to add context; check with errors.Is.
var (
	// ErrNotFound indicates the requested record, job or connection does not exist
	ErrNotFound = New("not found")

	// ErrConflict indicates an optimistic-concurrency violation or a
	// delete that would orphan dependent rows
	ErrConflict = New("resource conflict")

	// ErrInvalidRequest indicates a malformed request from the operator surface
	ErrInvalidRequest = New("invalid request")

	// ErrConfiguration marks job, connection and daemon configuration problems
	ErrConfiguration = New("invalid configuration")

	// ErrTimeout indicates an operation ran past its deadline
	ErrTimeout = New("operation timed out")

	// ErrUnavailable indicates a required collaborator is not running
	ErrUnavailable = New("service unavailable")
)

// ConfigurationError describes one invalid field of a job, connection or
// daemon configuration. It is marked with ErrConfiguration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Reason
	}
	return "invalid configuration: " + e.Field + ": " + e.Reason
}

// NewConfigurationError returns a ConfigurationError for field, marked so that
// IsConfigurationError recognises it after wrapping.
func NewConfigurationError(field, format string, args ...interface{}) error {
	reason := Newf(format, args...).Error()
	return Mark(WithStack(&ConfigurationError{Field: field, Reason: reason}), ErrConfiguration)
}

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflictError checks if an error is or wraps ErrConflict.
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsConfigurationError checks if an error is or wraps ErrConfiguration.
func IsConfigurationError(err error) bool {
	return err != nil && Is(err, ErrConfiguration)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewConflictError creates a conflict error with a formatted message
func NewConflictError(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}
