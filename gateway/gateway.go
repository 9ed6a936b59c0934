package gateway

import "context"

// Gateway is the remote data contract consumed by the messenger core.
//
// Contract:
//   - Concurrency: implementations must be safe for concurrent use.
//   - Reads are idempotent and may be retried by the implementation.
//   - SendMessage returns the stored record with the server id and
//     timestamp, echoing NewMessage.ClientID.
//   - SubscribeMessages delivers inserts for one chat until the returned
//     function is called. onInsert may be called from any goroutine.
type Gateway interface {
	FetchProfile(ctx context.Context, userID string) (Profile, error)
	FetchChatList(ctx context.Context, userID string) ([]Chat, error)
	FetchMessages(ctx context.Context, chatID string) ([]Message, error)
	SubscribeMessages(ctx context.Context, chatID string, onInsert func(Message)) (unsubscribe func(), err error)
	SendMessage(ctx context.Context, msg NewMessage) (Message, error)
	UpdateChatMetadata(ctx context.Context, chatID string, meta ChatMetadata) error
	IncrementUnreadCount(ctx context.Context, chatID, userID string) error

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
}
