package auth

import "errors"

var (
	// ErrUnauthenticated means no valid identity is attached to the request.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	errMissingSecret = errors.New("auth: secret is not configured")
)
