package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtClaims is the HS256 token body: sub carries the user id, sid the session id.
type jwtClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

type jwtHS256 struct {
	issuer    string
	clockSkew time.Duration
	ttl       time.Duration
	secret    []byte
}

// NewJWTVerifier verifies HS256 tokens signed with cfg.JWTSecret.
func NewJWTVerifier(cfg Config) (TokenVerifier, error) {
	if len(cfg.JWTSecret) < 32 || cfg.Issuer == "" {
		return nil, ErrConfig
	}
	return &jwtHS256{issuer: cfg.Issuer, clockSkew: cfg.ClockSkew, secret: []byte(cfg.JWTSecret)}, nil
}

// NewJWTIssuer mints HS256 tokens with cfg.JWTSecret.
func NewJWTIssuer(cfg Config, ttl time.Duration) (TokenIssuer, error) {
	if len(cfg.JWTSecret) < 32 || cfg.Issuer == "" || ttl <= 0 {
		return nil, ErrConfig
	}
	return &jwtHS256{issuer: cfg.Issuer, ttl: ttl, secret: []byte(cfg.JWTSecret)}, nil
}

func (j *jwtHS256) Verify(token string, now time.Time) (Claims, error) {
	claims := &jwtClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return j.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(j.issuer),
		jwt.WithLeeway(j.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.SessionID == "" {
		return Claims{}, ErrInvalidToken
	}

	out := Claims{
		UserID:    claims.Subject,
		SessionID: claims.SessionID,
		Issuer:    claims.Issuer,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

func (j *jwtHS256) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if userID == "" || sessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	exp := now.Add(j.ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		SessionID: sessionID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}
