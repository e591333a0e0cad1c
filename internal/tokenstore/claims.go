package tokenstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoExpiry is returned when the access token is not a JWT or carries
// no exp claim. Many deployments issue opaque tokens, so callers treat
// it as "unknown", not as a failure.
var ErrNoExpiry = errors.New("access token has no readable expiry")

// AccessExpiry returns the exp claim of the current access token. The
// signature is not verified: the result is for display only and never
// decides admission.
func (s *Store) AccessExpiry() (time.Time, error) {
	token := s.Current()
	if token == "" {
		return time.Time{}, ErrNoExpiry
	}

	return TokenExpiry(token)
}

// TokenExpiry reads the exp claim of a JWT without verifying it.
func TokenExpiry(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrNoExpiry, err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoExpiry
	}

	return claims.ExpiresAt.Time, nil
}
