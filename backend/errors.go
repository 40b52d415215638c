package backend

import (
	"errors"
	"fmt"
)

// ErrNotSignedIn is returned when an operation needs a current user and
// the identity provider has none.
var ErrNotSignedIn = errors.New("not signed in")

// RemoteError reports a network or backend fault. It is considered transient.
type RemoteError struct {
	Op     string // Gateway operation, e.g. "createList"
	Status int    // HTTP status when known, 0 otherwise
	Err    error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: remote error (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: remote error: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// NotFoundError reports that a referenced id does not exist on the backend.
type NotFoundError struct {
	Entity string // "list" or "task"
	ID     string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// ValidationError reports input rejected before any gateway call.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Remote wraps err as a RemoteError unless it already carries a taxonomy type.
func Remote(op string, status int, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) || IsRemote(err) || IsValidation(err) {
		return err
	}
	return &RemoteError{Op: op, Status: status, Err: err}
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsRemote reports whether err is or wraps a RemoteError.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
