package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")
	// ErrConflict means the request was built against state that changed.
	ErrConflict = errors.New("conflict")
	// ErrBusy means a container lock could not be acquired in time.
	ErrBusy      = errors.New("container busy")
	ErrTransport = errors.New("transport error")
)

// ValidationError describes a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return "validation failed: " + e.Field + " " + e.Reason
}

func (e ValidationError) Is(target error) bool { return target == ErrValidation }

// Retryable reports whether the caller may retry after a backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrConflict)
}
