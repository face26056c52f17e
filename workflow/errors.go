package workflow

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by repository lookups that match no row.
var ErrNotFound = errors.New("not found")

// ConflictError reports a unique-constraint violation. RunKey is set when
// the conflict is the active run-key uniqueness contract, which callers
// (scheduler, recovery manager) handle by adopting the existing run.
type ConflictError struct {
	Constraint string
	RunKey     bool
	Message    string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("conflict on %s", e.Constraint)
}

// TransientError wraps a connection-level repository failure that may
// succeed on retry.
type TransientError struct {
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient repository failure: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// FatalError wraps a schema-level repository failure that will not succeed
// on retry. Loops report it and move to the next iteration.
type FatalError struct {
	Err error
}

// Error implements the error interface.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal repository failure: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error { return e.Err }

// IsRunKeyConflict reports whether err is a run-key uniqueness conflict.
func IsRunKeyConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c) && c.RunKey
}

// IsConflict reports whether err is any unique-constraint conflict.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// IsNotFound reports whether err indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
