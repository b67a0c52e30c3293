package auth

import "errors"

var (
	// ErrInvalidToken is returned when a token fails signature, issuer or expiry checks.
	ErrInvalidToken = errors.New("invalid token")

	// ErrUnauthenticated is returned when a request carries no usable credential.
	// Its text is what realtime and HTTP clients see.
	ErrUnauthenticated = errors.New("Authentication error")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
