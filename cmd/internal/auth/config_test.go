package auth

import (
	"errors"
	"testing"
	"time"
)

func clearAuthEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"INBOX_AUTH_MODE", "INBOX_AUTH_ISSUER", "INBOX_AUTH_CLOCK_SKEW",
		"INBOX_PASETO_V4_PUBLIC_KEY_HEX", "INBOX_PASETO_V4_SECRET_KEY_HEX", "INBOX_JWT_SECRET",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigFromEnv_MissingKey(t *testing.T) {
	clearAuthEnv(t)
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig on missing key, got %v", err)
	}
}

func TestLoadConfigFromEnv_InvalidSkew(t *testing.T) {
	clearAuthEnv(t)
	_, pub := NewPasetoV4KeyHex()
	t.Setenv("INBOX_PASETO_V4_PUBLIC_KEY_HEX", pub)
	t.Setenv("INBOX_AUTH_CLOCK_SKEW", "-1s")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for negative skew, got %v", err)
	}
}

func TestLoadConfigFromEnv_UnknownMode(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("INBOX_AUTH_MODE", "saml")
	t.Setenv("INBOX_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for unknown mode, got %v", err)
	}
}

func TestLoadConfigFromEnv_ShortJWTSecret(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("INBOX_AUTH_MODE", "jwt")
	t.Setenv("INBOX_JWT_SECRET", "short")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for short secret, got %v", err)
	}
}

func TestLoadConfigFromEnv_ValidPaseto(t *testing.T) {
	clearAuthEnv(t)
	_, pub := NewPasetoV4KeyHex()
	t.Setenv("INBOX_PASETO_V4_PUBLIC_KEY_HEX", pub)
	t.Setenv("INBOX_AUTH_ISSUER", "accounts")
	t.Setenv("INBOX_AUTH_CLOCK_SKEW", "10s")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != ModePaseto || cfg.Issuer != "accounts" || cfg.ClockSkew != 10*time.Second {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.PasetoV4PublicKeyHex != pub {
		t.Fatalf("public key not loaded")
	}
}

func TestLoadConfigFromEnv_ValidJWT(t *testing.T) {
	clearAuthEnv(t)
	t.Setenv("INBOX_AUTH_MODE", "JWT")
	t.Setenv("INBOX_JWT_SECRET", "0123456789abcdef0123456789abcdef")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Mode != ModeJWT {
		t.Fatalf("mode = %q, want jwt", cfg.Mode)
	}
}
