package auth

import "time"

// Claims is the minimal identity envelope carried by an access token.
type Claims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// TokenVerifier checks an access token and returns its claims.
type TokenVerifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// TokenIssuer mints access tokens. Production tokens come from the account service;
// issuers exist here for development tooling and tests.
type TokenIssuer interface {
	Issue(userID, sessionID string, now time.Time) (token string, exp time.Time, err error)
}

// NewVerifier builds the verifier selected by cfg.Mode.
func NewVerifier(cfg Config) (TokenVerifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeJWT:
		return NewJWTVerifier(cfg)
	default:
		return NewPasetoV4Verifier(cfg)
	}
}
