package thread

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown thread or flow identifiers.
	ErrNotFound = errors.New("thread not found")

	// ErrThreadClosed is returned when a terminal thread receives input or a
	// second completion.
	ErrThreadClosed = errors.New("thread is closed")

	// ErrConflict is returned when a concurrent writer won a race that could
	// not be recovered by re-reading.
	ErrConflict = errors.New("concurrent modification detected")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
