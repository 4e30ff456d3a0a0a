package auth

import (
	"errors"

	"sacristy.org/internal/booking"
)

var (
	// ErrInvalidToken indicates the token failed validation.
	ErrInvalidToken  = errors.New("invalid token")
	errMissingSecret = errors.New("auth secret is not configured")
)

// ErrUnauthorized is the lifecycle error kind, re-exported so callers of
// Authorize can match it with errors.Is against either package.
var ErrUnauthorized = booking.ErrUnauthorized
