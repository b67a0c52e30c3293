package messaging

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Transports map them to status codes and error events.
var (
	ErrNotFound   = errors.New("not_found")
	ErrForbidden  = errors.New("forbidden")
	ErrValidation = errors.New("validation")

	// ErrUnavailable reports that a collaborator (user directory) could not answer.
	ErrUnavailable = errors.New("unavailable")

	// ErrConflict reports a lost race on the one-active-conversation-per-pair rule.
	ErrConflict = errors.New("conflict")

	// ErrSummaryStale reports that a message write succeeded but the conversation
	// summary could not be updated. The message is durable; the summary lags until
	// the counters are rebuilt.
	ErrSummaryStale = errors.New("summary_stale")
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// PublicMessage is the text safe to show to end users.
func (e OpError) PublicMessage() string {
	if e.Msg != "" {
		return e.Msg
	}
	return e.Kind.Error()
}

func notFound(op, what string) error {
	return OpError{Op: op, Kind: ErrNotFound, Msg: what + " not found"}
}

func forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrValidation, Msg: msg}
}

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsForbidden(err error) bool    { return errors.Is(err, ErrForbidden) }
func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsSummaryStale(err error) bool { return errors.Is(err, ErrSummaryStale) }
func IsUnavailable(err error) bool  { return errors.Is(err, ErrUnavailable) }
