package gateway

import (
	"context"

	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

const component = "gateway"

// Instrument wraps gw so every call runs inside mw: one span, one operation
// metric and one log line per call. A nil mw returns gw unchanged.
func Instrument(gw Gateway, mw *observe.Middleware) Gateway {
	if mw == nil {
		return gw
	}
	return &instrumented{next: gw, mw: mw}
}

type instrumented struct {
	next Gateway
	mw   *observe.Middleware
}

func (g *instrumented) run(ctx context.Context, op, key string, fn observe.OpFunc) error {
	return g.mw.Run(ctx, observe.OpMeta{Component: component, Operation: op, Key: key}, fn)
}

func (g *instrumented) FetchProfile(ctx context.Context, userID string) (p Profile, err error) {
	err = g.run(ctx, OpFetchProfile, userID, func(ctx context.Context) error {
		p, err = g.next.FetchProfile(ctx, userID)
		return err
	})
	return p, err
}

func (g *instrumented) FetchChatList(ctx context.Context, userID string) (chats []Chat, err error) {
	err = g.run(ctx, OpFetchChatList, userID, func(ctx context.Context) error {
		chats, err = g.next.FetchChatList(ctx, userID)
		return err
	})
	return chats, err
}

func (g *instrumented) FetchMessages(ctx context.Context, chatID string) (msgs []Message, err error) {
	err = g.run(ctx, OpFetchMessages, chatID, func(ctx context.Context) error {
		msgs, err = g.next.FetchMessages(ctx, chatID)
		return err
	})
	return msgs, err
}

func (g *instrumented) SubscribeMessages(ctx context.Context, chatID string, onInsert func(Message)) (unsubscribe func(), err error) {
	err = g.run(ctx, OpSubscribeMessages, chatID, func(ctx context.Context) error {
		unsubscribe, err = g.next.SubscribeMessages(ctx, chatID, onInsert)
		return err
	})
	return unsubscribe, err
}

func (g *instrumented) SendMessage(ctx context.Context, msg NewMessage) (stored Message, err error) {
	err = g.run(ctx, OpSendMessage, msg.ChatID, func(ctx context.Context) error {
		stored, err = g.next.SendMessage(ctx, msg)
		return err
	})
	return stored, err
}

func (g *instrumented) UpdateChatMetadata(ctx context.Context, chatID string, meta ChatMetadata) error {
	return g.run(ctx, OpUpdateChatMetadata, chatID, func(ctx context.Context) error {
		return g.next.UpdateChatMetadata(ctx, chatID, meta)
	})
}

func (g *instrumented) IncrementUnreadCount(ctx context.Context, chatID, userID string) error {
	return g.run(ctx, OpIncrementUnreadCount, chatID, func(ctx context.Context) error {
		return g.next.IncrementUnreadCount(ctx, chatID, userID)
	})
}

func (g *instrumented) Ping(ctx context.Context) error {
	return g.run(ctx, OpPing, "", func(ctx context.Context) error {
		return g.next.Ping(ctx)
	})
}
