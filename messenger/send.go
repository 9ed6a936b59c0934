package messenger

import (
	"context"

	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
	"github.com/Zelalemaklilu/fruity-pink-messenger/chat"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// SendOptimistic sends content to chatID and reports whether the backend
// accepted the write. The message shows up in UseMessages views as pending
// right away; a rejected write stays visible as failed unless the client is
// configured with chat.RemoveFailed.
func (c *Client) SendOptimistic(ctx context.Context, chatID, content string) bool {
	_, err := c.Send(ctx, chatID, content)
	return err == nil
}

// Send is SendOptimistic returning the settled record and the failure.
func (c *Client) Send(ctx context.Context, chatID, content string) (chat.Message, error) {
	if c.isClosed() {
		return chat.Message{}, ErrClosed
	}
	uid, err := c.currentUserID(ctx)
	if err != nil {
		return chat.Message{}, err
	}
	if uid == "" {
		return chat.Message{}, chat.ErrNotSignedIn
	}

	m, err := c.pipeline.Send(ctx, chat.Draft{
		ChatID:  chatID,
		Content: content,
		ResolveRecipients: func(ctx context.Context) []string {
			return c.recipients(ctx, uid, chatID)
		},
	})
	if err != nil {
		return m, err
	}
	invalidate(ctx, c.chats, cache.ChatListKey(uid), c.fetchChats)
	return m, nil
}

// RetrySend sends a failed record again.
func (c *Client) RetrySend(ctx context.Context, chatID, clientID string) (chat.Message, error) {
	if c.isClosed() {
		return chat.Message{}, ErrClosed
	}
	m, err := c.pipeline.Retry(ctx, chatID, clientID)
	if err != nil {
		return m, err
	}
	c.InvalidateChats(ctx)
	return m, nil
}

// DiscardSend removes a failed record.
func (c *Client) DiscardSend(chatID, clientID string) error {
	return c.pipeline.Discard(chatID, clientID)
}

// Messages returns chatID's cached messages without fetching.
func (c *Client) Messages(chatID string) []chat.Message {
	return c.pipeline.Messages(chatID)
}

// recipients returns the other participants of chatID, taken from the
// cached chat list. The list is fetched once when nothing is cached yet. It
// runs after the write is confirmed, off the send path.
func (c *Client) recipients(ctx context.Context, uid, chatID string) []string {
	key := cache.ChatListKey(uid)
	chats, ok := c.chats.Get(key)
	if !ok {
		e, err := c.chats.Refresh(ctx, key, c.fetchChats)
		if err != nil {
			c.logger.Warn(ctx, "messenger: chat list unavailable, unread counts skipped",
				observe.Field{Key: "chat_id", Value: chatID},
				observe.ErrorField(err))
			return nil
		}
		chats = e.Value
	}
	for _, ch := range chats {
		if ch.ID == chatID {
			return ch.Others(uid)
		}
	}
	return nil
}
