package chat

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// TempIDPrefix starts every client-generated message id.
const TempIDPrefix = "temp-"

// FailurePolicy decides what happens to a record whose write failed.
type FailurePolicy int

const (
	// RetainFailed keeps the record, marked failed, for a retry or discard.
	RetainFailed FailurePolicy = iota
	// RemoveFailed drops the record.
	RemoveFailed
)

// String returns the string representation of the policy.
func (p FailurePolicy) String() string {
	switch p {
	case RetainFailed:
		return "retain"
	case RemoveFailed:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseFailurePolicy parses "retain" or "remove".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retain":
		return RetainFailed, nil
	case "remove":
		return RemoveFailed, nil
	default:
		return RetainFailed, fmt.Errorf("chat: unknown failure policy %q", s)
	}
}

// Config configures a Pipeline.
type Config struct {
	// SendTimeout bounds one message write.
	// Default: 10s
	SendTimeout time.Duration

	// FailurePolicy decides what happens to failed sends.
	// Default: RetainFailed
	FailurePolicy FailurePolicy

	// Sender returns the id of the signed-in user. An empty id means nobody
	// is signed in.
	Sender func(ctx context.Context) (string, error)

	// OnConfirmed is called after a write was confirmed.
	OnConfirmed func(ctx context.Context, m Message)

	// Policy is the freshness policy of the message lists.
	Policy cache.Policy

	Logger  observe.Logger
	Metrics observe.Metrics

	// Now replaces time.Now for optimistic timestamps.
	Now func() time.Time
}

// Pipeline sends messages optimistically and owns the cached message list
// of every chat. It is safe for concurrent use.
type Pipeline struct {
	gw      gateway.Gateway
	config  Config
	store   *cache.Store[[]Message]
	logger  observe.Logger
	metrics observe.Metrics

	seq     atomic.Uint64
	effects sync.WaitGroup
}

// NewPipeline creates a pipeline writing through gw.
func NewPipeline(gw gateway.Gateway, config Config) (*Pipeline, error) {
	if gw == nil {
		return nil, ErrNilGateway
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = observe.NopMetrics()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	p := &Pipeline{
		gw:      gw,
		config:  config,
		logger:  config.Logger.With(observe.Field{Key: "component", Value: "chat"}),
		metrics: config.Metrics,
	}
	p.store = cache.NewStore[[]Message]("messages", config.Policy,
		cache.WithLogger[[]Message](config.Logger),
		cache.WithMetrics[[]Message](config.Metrics),
		cache.WithMerge(func(current []Message, _ bool, fetched []Message) []Message {
			return merge(current, fetched, p.nextSeq)
		}),
	)
	return p, nil
}

// Store returns the cache holding every chat's message list, keyed by
// cache.MessagesKey.
func (p *Pipeline) Store() *cache.Store[[]Message] {
	return p.store
}

// Fetch is the cache fetcher for message lists.
func (p *Pipeline) Fetch(ctx context.Context, key string) ([]Message, error) {
	msgs, err := p.gw.FetchMessages(ctx, cache.KeyID(key))
	if err != nil {
		return nil, err
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Message: m, Status: StatusConfirmed}
	}
	return out, nil
}

// Messages returns the cached list of chatID, oldest first.
func (p *Pipeline) Messages(chatID string) []Message {
	msgs, _ := p.store.Get(cache.MessagesKey(chatID))
	return slices.Clone(msgs)
}

// Find returns the record with the given server or client id.
func (p *Pipeline) Find(chatID, id string) (Message, bool) {
	for _, m := range p.Messages(chatID) {
		if m.ID == id || m.ClientID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Open loads chatID's messages and applies its realtime inserts until the
// returned function is called.
func (p *Pipeline) Open(ctx context.Context, chatID string) (func(), error) {
	if chatID == "" {
		return nil, ErrNoChat
	}
	unsubscribe, err := p.gw.SubscribeMessages(ctx, chatID, p.Apply)
	if err != nil {
		return nil, fmt.Errorf("chat: open %s: %w", chatID, err)
	}
	p.store.EnsureFresh(ctx, cache.MessagesKey(chatID), p.Fetch)
	return unsubscribe, nil
}

// Watch calls fn with chatID's list now and on every change, and loads it
// when stale.
func (p *Pipeline) Watch(ctx context.Context, chatID string, fn func(cache.Entry[[]Message])) func() {
	return p.store.Watch(ctx, cache.MessagesKey(chatID), p.Fetch, fn)
}

// Refresh refetches chatID's messages and waits for the result.
func (p *Pipeline) Refresh(ctx context.Context, chatID string) ([]Message, error) {
	e, err := p.store.Refresh(ctx, cache.MessagesKey(chatID), p.Fetch)
	return e.Value, err
}

// Apply merges a stored message, typically a realtime insert, into its
// chat's list. Applying the same message twice is a no-op.
func (p *Pipeline) Apply(m gateway.Message) {
	if m.ChatID == "" {
		return
	}
	p.store.Update(cache.MessagesKey(m.ChatID), func(current []Message, _ bool) []Message {
		return reconcile(current, m, p.nextSeq)
	})
}

// Send appends a pending record for d, writes it and waits for the outcome.
// The returned record is confirmed on success. On failure it is marked
// failed, or removed under RemoveFailed, and the error says why.
func (p *Pipeline) Send(ctx context.Context, d Draft) (Message, error) {
	if d.ChatID == "" {
		return Message{}, ErrNoChat
	}
	if strings.TrimSpace(d.Content) == "" {
		return Message{}, ErrEmptyContent
	}
	sender, err := p.sender(ctx)
	if err != nil {
		return Message{}, err
	}
	if d.Type == "" {
		d.Type = gateway.MessageText
	}

	rec := Message{
		Message: gateway.Message{
			ChatID:    d.ChatID,
			SenderID:  sender,
			Content:   d.Content,
			Type:      d.Type,
			ClientID:  TempIDPrefix + uuid.NewString(),
			CreatedAt: p.config.Now(),
		},
		Status:     StatusPending,
		seq:        p.nextSeq(),
		recipients: d.recipientsFunc(sender),
	}
	p.store.Update(cache.MessagesKey(d.ChatID), func(current []Message, _ bool) []Message {
		out := append(slices.Clone(current), rec)
		slices.SortStableFunc(out, compare)
		return out
	})

	return p.deliver(ctx, rec)
}

// Retry sends a failed record again under the same client id.
func (p *Pipeline) Retry(ctx context.Context, chatID, clientID string) (Message, error) {
	var (
		rec   Message
		found bool
		state Status
	)
	p.store.Update(cache.MessagesKey(chatID), func(current []Message, _ bool) []Message {
		i := indexByClientID(current, clientID)
		if i < 0 {
			return current
		}
		found, state = true, current[i].Status
		if state != StatusFailed {
			return current
		}
		out := slices.Clone(current)
		out[i].Status = StatusPending
		out[i].Err = nil
		rec = out[i]
		return out
	})

	switch {
	case !found:
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
	case state != StatusFailed:
		return Message{}, fmt.Errorf("%w: %s is %v", ErrNotFailed, clientID, state)
	}
	return p.deliver(ctx, rec)
}

// Discard removes a failed record.
func (p *Pipeline) Discard(chatID, clientID string) error {
	var (
		found bool
		state Status
	)
	p.store.Update(cache.MessagesKey(chatID), func(current []Message, _ bool) []Message {
		i := indexByClientID(current, clientID)
		if i < 0 {
			return current
		}
		found, state = true, current[i].Status
		if state != StatusFailed {
			return current
		}
		return slices.Delete(slices.Clone(current), i, i+1)
	})

	switch {
	case !found:
		return fmt.Errorf("%w: %s", ErrUnknownMessage, clientID)
	case state != StatusFailed:
		return fmt.Errorf("%w: %s is %v", ErrNotFailed, clientID, state)
	}
	return nil
}

// Wait blocks until every background side effect has finished.
func (p *Pipeline) Wait() {
	p.effects.Wait()
}

func (p *Pipeline) sender(ctx context.Context) (string, error) {
	if p.config.Sender == nil {
		return "", ErrNotSignedIn
	}
	id, err := p.config.Sender(ctx)
	if err != nil {
		return "", fmt.Errorf("chat: resolve sender: %w", err)
	}
	if id == "" {
		return "", ErrNotSignedIn
	}
	return id, nil
}

// deliver writes a pending record and settles it.
func (p *Pipeline) deliver(ctx context.Context, rec Message) (Message, error) {
	sctx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
	stored, err := p.gw.SendMessage(sctx, gateway.NewMessage{
		ChatID:   rec.ChatID,
		SenderID: rec.SenderID,
		Content:  rec.Content,
		Type:     rec.Type,
		ClientID: rec.ClientID,
	})
	cancel()

	key := cache.MessagesKey(rec.ChatID)
	if err == nil {
		if stored.ClientID == "" {
			stored.ClientID = rec.ClientID
		}
		confirmed := p.confirm(key, stored)
		p.settled(ctx, rec, confirmed)
		return confirmed, nil
	}

	// A realtime echo may have confirmed the write even though the response
	// was lost.
	failed, echoed := p.fail(key, rec, err)
	if echoed {
		p.settled(ctx, rec, failed)
		return failed, nil
	}

	p.metrics.RecordSend(ctx, observe.SendFailed)
	p.logger.Warn(ctx, "chat: send failed",
		observe.Field{Key: "chat_id", Value: rec.ChatID},
		observe.Field{Key: "client_id", Value: rec.ClientID},
		observe.Field{Key: "kind", Value: gateway.Classify(err).String()},
		observe.ErrorField(err))
	return failed, fmt.Errorf("chat: send to %s: %w", rec.ChatID, err)
}

func (p *Pipeline) confirm(key string, stored gateway.Message) Message {
	var confirmed Message
	p.store.Update(key, func(current []Message, _ bool) []Message {
		out := reconcile(current, stored, p.nextSeq)
		confirmed = out[indexByClientID(out, stored.ClientID)]
		return out
	})
	return confirmed
}

// fail settles a record whose write returned err. It reports true when the
// record had been confirmed meanwhile.
func (p *Pipeline) fail(key string, rec Message, err error) (Message, bool) {
	out := rec
	out.Status = StatusFailed
	out.Err = err
	echoed := false

	p.store.Update(key, func(current []Message, _ bool) []Message {
		i := indexByClientID(current, rec.ClientID)
		if i < 0 {
			return current
		}
		if current[i].Status == StatusConfirmed {
			out, echoed = current[i], true
			return current
		}
		if p.config.FailurePolicy == RemoveFailed {
			return slices.Delete(slices.Clone(current), i, i+1)
		}
		next := slices.Clone(current)
		next[i].Status = StatusFailed
		next[i].Err = err
		out = next[i]
		return next
	})
	return out, echoed
}

// settled records a confirmed send and starts its side effects.
func (p *Pipeline) settled(ctx context.Context, rec, confirmed Message) {
	p.metrics.RecordSend(ctx, observe.SendConfirmed)
	p.logger.Debug(ctx, "chat: send confirmed",
		observe.Field{Key: "chat_id", Value: confirmed.ChatID},
		observe.Field{Key: "message_id", Value: confirmed.ID})

	if p.config.OnConfirmed != nil {
		p.config.OnConfirmed(ctx, confirmed)
	}

	bg := context.WithoutCancel(ctx)
	p.background(bg, "update_chat_metadata", func(ctx context.Context) error {
		return p.gw.UpdateChatMetadata(ctx, confirmed.ChatID, gateway.ChatMetadata{
			LastMessage:   confirmed.Content,
			LastMessageAt: confirmed.CreatedAt,
			LastSenderID:  confirmed.SenderID,
		})
	})
	if rec.recipients == nil {
		return
	}
	p.background(bg, "resolve_recipients", func(ctx context.Context) error {
		for _, id := range rec.recipients(ctx) {
			p.background(bg, "increment_unread_count", func(ctx context.Context) error {
				return p.gw.IncrementUnreadCount(ctx, confirmed.ChatID, id)
			})
		}
		return nil
	})
}

func (p *Pipeline) background(ctx context.Context, op string, fn func(context.Context) error) {
	p.effects.Add(1)
	go func() {
		defer p.effects.Done()
		ctx, cancel := context.WithTimeout(ctx, p.config.SendTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			p.logger.Warn(ctx, "chat: side effect failed",
				observe.Field{Key: "op", Value: op},
				observe.ErrorField(err))
		}
	}()
}

func (p *Pipeline) nextSeq() uint64 {
	return p.seq.Add(1)
}
