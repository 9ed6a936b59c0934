package auth

import (
	"context"
	"errors"
)

// Sentinel errors for session resolution and token checks.
var (
	// ErrAborted is returned by a provider when a concurrent request holding
	// its internal lock cancelled this one.
	ErrAborted = errors.New("auth: request aborted by provider")

	ErrNilProvider        = errors.New("auth: provider is nil")
	ErrNoSession          = errors.New("auth: no active session")
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrTokenMalformed     = errors.New("auth: token malformed")
	ErrKeyNotFound        = errors.New("auth: signing key not found")
)

// IsAborted reports whether err means the provider cancelled the request on
// its own. Provider calls run on a context the caller cannot cancel, so a
// context.Canceled coming back from one is the provider's doing.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}
