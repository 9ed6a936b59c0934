package gateway

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
)

// Operation names, shared by Memory failure injection and Instrument.
const (
	OpFetchProfile         = "fetch_profile"
	OpFetchChatList        = "fetch_chat_list"
	OpFetchMessages        = "fetch_messages"
	OpSubscribeMessages    = "subscribe_messages"
	OpSendMessage          = "send_message"
	OpUpdateChatMetadata   = "update_chat_metadata"
	OpIncrementUnreadCount = "increment_unread_count"
	OpPing                 = "ping"
	OpSession              = "session"
	OpUser                 = "user"
)

// Memory is an in-process Gateway and auth.Provider. It backs tests and the
// offline demo. Failures, latency and an offline mode can be injected per
// operation.
//
// Contract:
//   - Concurrency: safe for concurrent use.
//   - Realtime inserts are delivered synchronously, in send order, before
//     SendMessage returns.
type Memory struct {
	now func() time.Time

	mu       sync.Mutex
	profiles map[string]Profile
	chats    map[string]Chat
	messages map[string][]Message
	subs     map[string]map[uint64]func(Message)
	nextSub  uint64

	session *auth.Session
	user    *auth.User

	failures map[string][]error
	latency  map[string]time.Duration
	offline  bool
	calls    map[string]int
	closed   bool
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		profiles: make(map[string]Profile),
		chats:    make(map[string]Chat),
		messages: make(map[string][]Message),
		subs:     make(map[string]map[uint64]func(Message)),
		failures: make(map[string][]error),
		latency:  make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
}

// SetClock replaces time.Now for server timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// PutProfile stores p.
func (m *Memory) PutProfile(p Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

// PutChat stores c.
func (m *Memory) PutChat(c Chat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Participants = slices.Clone(c.Participants)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now()
	}
	m.chats[c.ID] = c
}

// PutMessage stores msg without notifying subscribers. A missing id or
// timestamp is filled in.
func (m *Memory) PutMessage(msg Message) Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], msg)
	return msg
}

// Chat returns the stored chat.
func (m *Memory) Chat(id string) (Chat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	return c, ok
}

// SignIn makes user the current user with the given access token.
func (m *Memory) SignIn(user auth.User, accessToken string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := user
	m.user = &u
	m.session = &auth.Session{
		AccessToken: accessToken,
		TokenType:   "bearer",
		ExpiresAt:   expiresAt,
		User:        &u,
	}
}

// SignOut clears the current session.
func (m *Memory) SignOut() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user = nil
	m.session = nil
}

// Fail queues errs to be returned by the next calls of op, one per call.
// Calling it with no errors clears the queue.
func (m *Memory) Fail(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(errs) == 0 {
		delete(m.failures, op)
		return
	}
	m.failures[op] = append(m.failures[op], errs...)
}

// SetLatency delays every call of op by d.
func (m *Memory) SetLatency(op string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		delete(m.latency, op)
		return
	}
	m.latency[op] = d
}

// SetOffline makes every call block until its context is done and then
// fail with ErrTransient.
func (m *Memory) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Calls returns how many times op was called.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Subscribers returns the number of realtime subscriptions for chatID.
func (m *Memory) Subscribers(chatID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[chatID])
}

// Close makes every later call fail with ErrClosed and drops subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	clear(m.subs)
	return nil
}

// enter counts the call and applies injected behaviour.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	closed := m.closed
	offline := m.offline
	delay := m.latency[op]
	var injected error
	if q := m.failures[op]; len(q) > 0 {
		injected = q[0]
		m.failures[op] = q[1:]
	}
	m.mu.Unlock()

	switch {
	case closed:
		return ErrClosed
	case offline:
		<-ctx.Done()
		return fmt.Errorf("%w: offline: %w", ErrTransient, ctx.Err())
	}

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	if injected != nil {
		return injected
	}
	return ctx.Err()
}

// FetchProfile implements Gateway.
func (m *Memory) FetchProfile(ctx context.Context, userID string) (Profile, error) {
	if err := m.enter(ctx, OpFetchProfile); err != nil {
		return Profile{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return Profile{}, fmt.Errorf("%w: profile %s", ErrNotFound, userID)
	}
	return p, nil
}

// FetchChatList implements Gateway. Chats are ordered by last activity,
// most recent first.
func (m *Memory) FetchChatList(ctx context.Context, userID string) ([]Chat, error) {
	if err := m.enter(ctx, OpFetchChatList); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Chat, 0, len(m.chats))
	for _, c := range m.chats {
		if slices.Contains(c.Participants, userID) {
			c.Participants = slices.Clone(c.Participants)
			c.UnreadCounts = maps.Clone(c.UnreadCounts)
			out = append(out, c)
		}
	}
	slices.SortFunc(out, func(a, b Chat) int {
		if c := cmp.Compare(activity(b).UnixNano(), activity(a).UnixNano()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

// FetchMessages implements Gateway. Messages are ordered oldest first.
func (m *Memory) FetchMessages(ctx context.Context, chatID string) ([]Message, error) {
	if err := m.enter(ctx, OpFetchMessages); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.chats[chatID]; !ok {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	out := slices.Clone(m.messages[chatID])
	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

// SubscribeMessages implements Gateway.
func (m *Memory) SubscribeMessages(ctx context.Context, chatID string, onInsert func(Message)) (func(), error) {
	if onInsert == nil {
		return nil, fmt.Errorf("gateway: nil insert handler")
	}
	if err := m.enter(ctx, OpSubscribeMessages); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.nextSub++
	id := m.nextSub
	if m.subs[chatID] == nil {
		m.subs[chatID] = make(map[uint64]func(Message))
	}
	m.subs[chatID][id] = onInsert
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs[chatID], id)
			if len(m.subs[chatID]) == 0 {
				delete(m.subs, chatID)
			}
		})
	}, nil
}

// SendMessage implements Gateway.
func (m *Memory) SendMessage(ctx context.Context, msg NewMessage) (Message, error) {
	if err := m.enter(ctx, OpSendMessage); err != nil {
		return Message{}, err
	}

	m.mu.Lock()
	chat, ok := m.chats[msg.ChatID]
	if !ok {
		m.mu.Unlock()
		return Message{}, fmt.Errorf("%w: chat %s", ErrNotFound, msg.ChatID)
	}
	if !slices.Contains(chat.Participants, msg.SenderID) {
		m.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s is not in chat %s", ErrPermissionDenied, msg.SenderID, msg.ChatID)
	}
	stored := Message{
		ID:        uuid.NewString(),
		ChatID:    msg.ChatID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		Type:      cmp.Or(msg.Type, MessageText),
		ClientID:  msg.ClientID,
		CreatedAt: m.now(),
	}
	m.messages[msg.ChatID] = append(m.messages[msg.ChatID], stored)
	handlers := make([]func(Message), 0, len(m.subs[msg.ChatID]))
	ids := make([]uint64, 0, len(m.subs[msg.ChatID]))
	for id := range m.subs[msg.ChatID] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, m.subs[msg.ChatID][id])
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(stored)
	}
	return stored, nil
}

// UpdateChatMetadata implements Gateway.
func (m *Memory) UpdateChatMetadata(ctx context.Context, chatID string, meta ChatMetadata) error {
	if err := m.enter(ctx, OpUpdateChatMetadata); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	at := meta.LastMessageAt
	c.LastMessage = meta.LastMessage
	c.LastMessageAt = &at
	c.LastSenderID = meta.LastSenderID
	m.chats[chatID] = c
	return nil
}

// IncrementUnreadCount implements Gateway.
func (m *Memory) IncrementUnreadCount(ctx context.Context, chatID, userID string) error {
	if err := m.enter(ctx, OpIncrementUnreadCount); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.chats[chatID]
	if !ok {
		return fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	c.UnreadCounts = maps.Clone(c.UnreadCounts)
	if c.UnreadCounts == nil {
		c.UnreadCounts = make(map[string]int)
	}
	c.UnreadCounts[userID]++
	m.chats[chatID] = c
	return nil
}

// Ping implements Gateway.
func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx, OpPing)
}

// Session implements auth.Provider.
func (m *Memory) Session(ctx context.Context) (*auth.Session, error) {
	if err := m.enter(ctx, OpSession); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, nil
	}
	s := *m.session
	return &s, nil
}

// User implements auth.Provider.
func (m *Memory) User(ctx context.Context) (*auth.User, error) {
	if err := m.enter(ctx, OpUser); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.user == nil {
		return nil, nil
	}
	u := *m.user
	return &u, nil
}

func activity(c Chat) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

var (
	_ Gateway       = (*Memory)(nil)
	_ auth.Provider = (*Memory)(nil)
)
