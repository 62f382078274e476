// Package auth defines the token validation capability used by the
// WebSocket room manager.
//
// Identity is owned by an external collaborator; Parley only checks
// that a presented token is acceptable before completing the upgrade.
// The [Validator] interface keeps that collaborator behind a narrow
// seam so tests and deployments can substitute their own check.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a token fails validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// Validator checks a session token. Implementations must be safe for
// concurrent use.
type Validator interface {
	// Validate returns nil when the token is acceptable and
	// [ErrInvalidToken] (possibly wrapped) otherwise.
	Validate(ctx context.Context, token string) error
}

// AllowNonEmpty accepts any non-empty token. This is the reference
// behavior when no external identity provider is wired in.
type AllowNonEmpty struct{}

// Validate implements [Validator].
func (AllowNonEmpty) Validate(_ context.Context, token string) error {
	if token == "" {
		return ErrInvalidToken
	}
	return nil
}

// ValidatorFunc adapts a function to the [Validator] interface.
type ValidatorFunc func(ctx context.Context, token string) error

// Validate implements [Validator].
func (f ValidatorFunc) Validate(ctx context.Context, token string) error {
	return f(ctx, token)
}
