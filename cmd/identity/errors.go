package identity

import (
	"errors"
	"strings"
)

// Error kinds. Callers branch on them with errors.Is or the Is* helpers; the
// messaging layer maps them onto its own kinds.
var (
	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
	ErrUnavailable  = errors.New("unavailable")
)

// OpError is a directory failure tagged with the operation and one of the error kinds.
// Err optionally keeps the underlying transport or driver error.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFoundError names the user id a directory could not resolve.
type NotFoundError struct {
	Op     string
	UserID string
}

func (e NotFoundError) Error() string {
	msg := e.Op + ": " + ErrNotFound.Error()
	if e.UserID != "" {
		msg += ": user " + e.UserID
	}
	return msg
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
func IsUnavailable(err error) bool  { return errors.Is(err, ErrUnavailable) }
