package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxKeyLength is the maximum allowed length for a cache key.
const MaxKeyLength = 512

// Sentinel errors for cache operations.
var (
	ErrInvalidKey = errors.New("cache: key is invalid")
	ErrKeyTooLong = errors.New("cache: key exceeds max length")
	ErrNilFetcher = errors.New("cache: fetcher is nil")
	ErrFetchPanic = errors.New("cache: fetcher panicked")
)

// Fetcher loads the value for key from the backend.
type Fetcher[T any] func(ctx context.Context, key string) (T, error)

// State is the lifecycle state of a cache slot.
type State int

const (
	// StateIdle means nothing has been fetched or stored yet.
	StateIdle State = iota
	// StateLoading means a fetch is in flight.
	StateLoading
	// StateFresh means the value is younger than the TTL.
	StateFresh
	// StateStale means the value is older than the TTL or was invalidated.
	StateStale
	// StateError means the last fetch failed. Any previous value is kept.
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateFresh:
		return "fresh"
	case StateStale:
		return "stale"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Entry is a point-in-time copy of a cache slot.
type Entry[T any] struct {
	Value     T
	Has       bool
	FetchedAt time.Time
	State     State

	// Err is the error of the most recent failed fetch. It is cleared by the
	// next successful fetch or Set.
	Err error
}

// Loading reports whether a fetch is in flight.
func (e Entry[T]) Loading() bool {
	return e.State == StateLoading
}

// ValidateKey checks if a key is usable as a cache key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	if len(key) > MaxKeyLength {
		return ErrKeyTooLong
	}
	if strings.ContainsAny(key, "\n\r") {
		return ErrInvalidKey
	}
	return nil
}

// ProfileKey returns the key of a user's profile.
func ProfileKey(userID string) string {
	return "profile:" + userID
}

// ChatListKey returns the key of a user's chat list.
func ChatListKey(userID string) string {
	return "chats:" + userID
}

// MessagesKey returns the key of a chat's message list.
func MessagesKey(chatID string) string {
	return "messages:" + chatID
}

// KeyID returns the id part of a key built by one of the key functions.
func KeyID(key string) string {
	if _, id, ok := strings.Cut(key, ":"); ok {
		return id
	}
	return key
}
