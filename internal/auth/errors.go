package auth

import "errors"

var (
	// ErrUnauthenticated: missing, malformed, expired or revoked access token.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrForbidden: the identity is not a member of the target group.
	ErrForbidden = errors.New("auth: forbidden")
	// ErrInvalidToken indicates an executor token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")
)
