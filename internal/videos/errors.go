package videos

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is; the HTTP layer maps each kind to a
// status code.
var (
	ErrValidation         = errors.New("validation failed")
	ErrDurationOutOfRange = errors.New("duration out of range")
	ErrNotFound           = errors.New("not found")
	ErrProbe              = errors.New("probe failed")
	ErrTransform          = errors.New("transform failed")
	ErrMerge              = errors.New("merge failed")
	ErrStore              = errors.New("store failed")
)

// Error pairs a kind with the message shown to clients and the underlying
// cause, if any.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// Message returns the client-facing message carried by err, or fallback when
// err is not an *Error.
func Message(err error, fallback string) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return fallback
}
