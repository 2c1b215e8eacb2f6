package xerrors

import (
	"errors"
	"fmt"
)

// Common reusable application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict: resource already exists")
	ErrInternal     = errors.New("internal server error")
	ErrBadRequest   = errors.New("bad request")

	// ErrInvalidPlan is returned when a requested plan key is not in the
	// allowed plan set.
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrStaleRecord is returned when a conditional transition loses a race:
	// the record it targeted is no longer in the expected status set.
	ErrStaleRecord = errors.New("stale record: already transitioned")
)

// Wrap adds context to an error (similar to fmt.Errorf("%w")).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is allows checking whether an error is a specific sentinel error.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// MessageOrDefault returns err.Error() or a fallback message if err is nil.
func MessageOrDefault(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}
