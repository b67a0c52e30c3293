package messaging

import (
	"context"
	"log/slog"
	"time"

	"inbox/cmd/identity"
	"inbox/cmd/internal/events"
)

// Option configures ConversationService and MessageService.
type Option func(*serviceOptions)

type serviceOptions struct {
	now    func() time.Time
	events events.Publisher
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *serviceOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// WithEvents sets the domain event publisher (default: discard).
func WithEvents(p events.Publisher) Option {
	return func(o *serviceOptions) {
		if p != nil {
			o.events = p
		}
	}
}

func buildOptions(opts []Option) serviceOptions {
	o := serviceOptions{
		now:    func() time.Time { return time.Now().UTC() },
		events: events.Nop{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

func orDefaultLogger(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.Default()
	}
	return log
}

// lookupUser resolves id through the directory and maps its errors onto
// messaging kinds so transports only deal with one taxonomy.
func lookupUser(ctx context.Context, users identity.Directory, op, id string) (identity.User, error) {
	u, err := users.LookupUser(ctx, id)
	switch {
	case err == nil:
		return u, nil
	case identity.IsNotFound(err):
		return identity.User{}, OpError{Op: op, Kind: ErrNotFound, Msg: "user not found", Err: err}
	case identity.IsInvalidInput(err):
		return identity.User{}, OpError{Op: op, Kind: ErrValidation, Msg: "invalid user id", Err: err}
	case identity.IsUnavailable(err):
		return identity.User{}, OpError{Op: op, Kind: ErrUnavailable, Msg: "user directory unavailable", Err: err}
	default:
		return identity.User{}, err
	}
}

// placeholderUser stands in for a counterpart the directory cannot resolve,
// so one missing profile never hides a whole inbox.
func placeholderUser(id string) identity.User {
	return identity.User{ID: id, DisplayName: "Unknown user"}
}
