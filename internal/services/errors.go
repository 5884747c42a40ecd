package services

import (
	"errors"
	"fmt"
)

// ErrPermission marks an access outside the caller's role visibility. Delta
// pulls reject the whole request on it; batch uploads reject only the item.
var ErrPermission = errors.New("permission denied")

// ValidationError marks a structurally invalid request or change item. It
// never aborts sibling items in a batch.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// SessionError marks a sync session that failed as a whole, typically a lost
// store connection. The client may retry the identical request: per-item
// idempotency prevents double application.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("sync session failed: %v", e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}
