package messenger

import "errors"

var (
	// ErrNilGateway is returned by New without a gateway.
	ErrNilGateway = errors.New("messenger: gateway is nil")

	// ErrNilProvider is returned by New without a session provider.
	ErrNilProvider = errors.New("messenger: session provider is nil")

	// ErrNotSignedIn is reported by views that need a signed-in user.
	ErrNotSignedIn = errors.New("messenger: not signed in")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("messenger: client closed")
)
