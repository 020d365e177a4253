package auth

import (
	"context"
	"errors"
	"fmt"
)

// UserResolver looks up an active user by id. Implementations return
// ErrUserNotFound (or an error wrapping it) for missing or deactivated
// accounts.
type UserResolver interface {
	ResolveUser(ctx context.Context, id int64) (*Identity, error)
}

// Authenticator turns the Cookie header of a realtime handshake into a
// trusted Identity, calling the Verifier once and the UserResolver once per
// attempt.
type Authenticator struct {
	verifier Verifier
	users    UserResolver
}

// NewAuthenticator wires a verifier and a user resolver together.
func NewAuthenticator(verifier Verifier, users UserResolver) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

// Authenticate resolves the identity behind cookieHeader. All failures wrap
// ErrRejected.
func (a *Authenticator) Authenticate(ctx context.Context, cookieHeader string) (*Identity, error) {
	token := TokenFromCookieHeader(cookieHeader)
	if token == "" {
		return nil, ErrNoCredential
	}

	claims, err := a.verifier.VerifyToken(token)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	userID, err := claims.UserID()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	user, err := a.users.ResolveUser(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: resolve user %d: %v", ErrRejected, userID, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}
