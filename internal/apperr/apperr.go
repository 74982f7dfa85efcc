package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping. VALIDATION and
// CONFLICT carry their message to the caller verbatim; UNAUTHORIZED and
// INTERNAL are surfaced generically.
type Kind string

const (
	Validation   Kind = "VALIDATION"
	Unauthorized Kind = "UNAUTHORIZED"
	NotFound     Kind = "NOT_FOUND"
	Conflict     Kind = "CONFLICT"
	Internal     Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the error's kind, defaulting to Internal for errors that
// did not originate in this application.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return Internal
}

// Message returns the caller-safe message for err. Unauthorized and
// internal errors never leak their underlying cause.
func Message(err error) string {
	switch KindOf(err) {
	case Unauthorized:
		return "unauthorized"
	case Internal:
		return "internal error"
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return "internal error"
}
