package auth

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"inbox/cmd/identity"
)

// Principal is the authenticated caller with its display identity.
type Principal struct {
	ID          string
	SessionID   string
	DisplayName string
	Avatar      string
	Role        identity.Role
}

// Authenticator resolves a bearer token to a Principal.
type Authenticator struct {
	log      *slog.Logger
	verifier TokenVerifier
	users    identity.Directory
	now      func() time.Time
}

// NewAuthenticator wires a token verifier to the user directory.
func NewAuthenticator(log *slog.Logger, verifier TokenVerifier, users identity.Directory) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		log:      log,
		verifier: verifier,
		users:    users,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Authenticate verifies token and loads the user behind it.
//
// A missing, invalid or expired token, or one naming an unknown user, yields ErrUnauthenticated.
// A directory outage is returned as-is so callers can answer 503 instead of 401.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrUnauthenticated
	}

	claims, err := a.verifier.Verify(token, a.now())
	if err != nil {
		a.log.Debug("auth.verify.fail", "err", err)
		return Principal{}, ErrUnauthenticated
	}

	u, err := a.users.LookupUser(ctx, claims.UserID)
	if err != nil {
		if identity.IsUnavailable(err) {
			a.log.Warn("auth.directory.unavailable", "user_id", claims.UserID, "err", err)
			return Principal{}, err
		}
		a.log.Info("auth.user.unknown", "user_id", claims.UserID, "err", err)
		return Principal{}, ErrUnauthenticated
	}

	return Principal{
		ID:          u.ID,
		SessionID:   claims.SessionID,
		DisplayName: u.DisplayName,
		Avatar:      u.Avatar,
		Role:        u.Role,
	}, nil
}
