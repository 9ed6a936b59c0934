package chat

import "errors"

// Sentinel errors returned by the pipeline.
var (
	ErrNilGateway     = errors.New("chat: gateway is nil")
	ErrNoChat         = errors.New("chat: chat id is required")
	ErrEmptyContent   = errors.New("chat: message content is empty")
	ErrNotSignedIn    = errors.New("chat: no signed-in user")
	ErrUnknownMessage = errors.New("chat: unknown message")
	ErrNotFailed      = errors.New("chat: message has not failed")
)
