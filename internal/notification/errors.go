package notification

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a notification or fan-out record does not exist
	ErrNotFound = errors.New("notification not found")
	// ErrNotCancellable is returned when cancelling a notification that is not SCHEDULED
	ErrNotCancellable = errors.New("notification is not cancellable")
	// ErrUnknownClass is returned by a Directory for a class id that does not exist
	ErrUnknownClass = errors.New("unknown class")
)

// ValidationError is returned before any record is created when a request is malformed
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
