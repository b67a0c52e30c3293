package auth

import (
	"os"
	"strings"
	"time"
)

// Mode selects the token format accepted by the server.
type Mode string

const (
	ModePaseto Mode = "paseto"
	ModeJWT    Mode = "jwt"
)

// Config controls credential verification.
type Config struct {
	Mode Mode

	// Issuer is required in the "iss" claim of every accepted token.
	Issuer string

	// ClockSkew is the tolerated difference between our clock and the issuer's.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex is the hex-encoded Ed25519 public key of the issuer.
	PasetoV4PublicKeyHex string

	// PasetoV4SecretKeyHex is optional. When set, the public key is derived from it
	// and the server can mint tokens for local development.
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 shared secret (ModeJWT only).
	JWTSecret string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Mode:      ModePaseto,
		Issuer:    "inbox",
		ClockSkew: 30 * time.Second,
	}
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// Optional:
//   - INBOX_AUTH_MODE (paseto|jwt, default paseto)
//   - INBOX_AUTH_ISSUER
//   - INBOX_AUTH_CLOCK_SKEW (Go duration)
//
// Required for paseto: INBOX_PASETO_V4_PUBLIC_KEY_HEX or INBOX_PASETO_V4_SECRET_KEY_HEX.
// Required for jwt: INBOX_JWT_SECRET (at least 32 bytes).
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("INBOX_AUTH_MODE")); v != "" {
		cfg.Mode = Mode(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("INBOX_AUTH_ISSUER")); v != "" {
		cfg.Issuer = v
	}
	if v := strings.TrimSpace(os.Getenv("INBOX_AUTH_CLOCK_SKEW")); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("INBOX_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("INBOX_PASETO_V4_SECRET_KEY_HEX"))
	cfg.JWTSecret = os.Getenv("INBOX_JWT_SECRET")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the key material required by Mode is present.
func (c Config) Validate() error {
	if c.Issuer == "" || c.ClockSkew < 0 {
		return ErrConfig
	}
	switch c.Mode {
	case ModePaseto:
		if c.PasetoV4PublicKeyHex == "" && c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
	case ModeJWT:
		if len(c.JWTSecret) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}
