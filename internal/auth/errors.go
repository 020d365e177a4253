package auth

import (
	"errors"
	"fmt"
)

// ErrRejected is the root of every realtime authentication failure. Callers
// test with errors.Is(err, ErrRejected) to decide whether to drop a
// connection.
var ErrRejected = errors.New("auth: connection rejected")

var (
	ErrNoCredential      = fmt.Errorf("%w: missing credential", ErrRejected)
	ErrInvalidCredential = fmt.Errorf("%w: invalid or expired credential", ErrRejected)
	ErrUserNotFound      = fmt.Errorf("%w: user not found or inactive", ErrRejected)
)

// Reason maps an authentication error to a short label for logs and metrics.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid_credential"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	default:
		return "error"
	}
}
