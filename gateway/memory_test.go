package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
)

func seededMemory(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	m.PutProfile(Profile{ID: "u1", Username: "alice"})
	m.PutProfile(Profile{ID: "u2", DisplayName: "Bob"})
	m.PutChat(Chat{ID: "c1", Participants: []string{"u1", "u2"}})
	return m
}

func TestMemory_FetchProfile(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	p, err := m.FetchProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("FetchProfile() error = %v", err)
	}
	if p.Name() != "alice" {
		t.Errorf("Name() = %q, want alice", p.Name())
	}

	_, err = m.FetchProfile(ctx, "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("FetchProfile(missing) error = %v, want ErrNotFound", err)
	}
	if m.Calls(OpFetchProfile) != 2 {
		t.Errorf("Calls = %d, want 2", m.Calls(OpFetchProfile))
	}
}

func TestMemory_FetchChatListOrdersByActivity(t *testing.T) {
	m := seededMemory(t)
	old := time.Now().Add(-time.Hour)
	recent := time.Now().Add(time.Minute)
	m.PutChat(Chat{ID: "c2", Participants: []string{"u1"}, LastMessageAt: &old})
	m.PutChat(Chat{ID: "c3", Participants: []string{"u1", "u3"}, LastMessageAt: &recent})
	m.PutChat(Chat{ID: "c4", Participants: []string{"u3"}})

	chats, err := m.FetchChatList(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FetchChatList() error = %v", err)
	}
	var ids []string
	for _, c := range chats {
		ids = append(ids, c.ID)
	}
	if len(ids) != 3 || ids[0] != "c3" || ids[2] != "c2" {
		t.Errorf("chat order = %v, want [c3 c1 c2]", ids)
	}
}

func TestMemory_SendBroadcastsAndEchoesClientID(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()

	var got []Message
	unsub, err := m.SubscribeMessages(ctx, "c1", func(msg Message) { got = append(got, msg) })
	if err != nil {
		t.Fatalf("SubscribeMessages() error = %v", err)
	}

	stored, err := m.SendMessage(ctx, NewMessage{ChatID: "c1", SenderID: "u1", Content: "hi", ClientID: "temp-1"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if stored.ID == "" || stored.CreatedAt.IsZero() {
		t.Errorf("stored message missing server fields: %+v", stored)
	}
	if stored.ClientID != "temp-1" || stored.Type != MessageText {
		t.Errorf("stored = %+v", stored)
	}
	if len(got) != 1 || got[0].ID != stored.ID {
		t.Fatalf("realtime inserts = %+v", got)
	}

	unsub()
	unsub()
	if m.Subscribers("c1") != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", m.Subscribers("c1"))
	}
	if _, err := m.SendMessage(ctx, NewMessage{ChatID: "c1", SenderID: "u2", Content: "yo"}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("received %d inserts after unsubscribe, want 1", len(got))
	}

	msgs, err := m.FetchMessages(ctx, "c1")
	if err != nil || len(msgs) != 2 {
		t.Fatalf("FetchMessages() = %d msgs, %v", len(msgs), err)
	}
}

func TestMemory_SendRejectsOutsider(t *testing.T) {
	m := seededMemory(t)
	_, err := m.SendMessage(context.Background(), NewMessage{ChatID: "c1", SenderID: "u9", Content: "x"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("error = %v, want ErrPermissionDenied", err)
	}
	_, err = m.SendMessage(context.Background(), NewMessage{ChatID: "nope", SenderID: "u1", Content: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMemory_SideEffects(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := m.UpdateChatMetadata(ctx, "c1", ChatMetadata{LastMessage: "hi", LastMessageAt: at, LastSenderID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if err := m.IncrementUnreadCount(ctx, "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	if err := m.IncrementUnreadCount(ctx, "c1", "u2"); err != nil {
		t.Fatal(err)
	}

	c, _ := m.Chat("c1")
	if c.LastMessage != "hi" || c.LastMessageAt == nil || !c.LastMessageAt.Equal(at) || c.LastSenderID != "u1" {
		t.Errorf("metadata not applied: %+v", c)
	}
	if c.Unread("u2") != 2 {
		t.Errorf("Unread(u2) = %d, want 2", c.Unread("u2"))
	}
	if err := m.IncrementUnreadCount(ctx, "missing", "u2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestMemory_FailQueue(t *testing.T) {
	m := seededMemory(t)
	ctx := context.Background()
	boom := errors.New("boom")
	m.Fail(OpFetchProfile, boom, ErrTransient)

	if _, err := m.FetchProfile(ctx, "u1"); !errors.Is(err, boom) {
		t.Errorf("first call error = %v, want boom", err)
	}
	if _, err := m.FetchProfile(ctx, "u1"); !errors.Is(err, ErrTransient) {
		t.Errorf("second call error = %v, want ErrTransient", err)
	}
	if _, err := m.FetchProfile(ctx, "u1"); err != nil {
		t.Errorf("third call error = %v, want nil", err)
	}
}

func TestMemory_OfflineBlocksUntilDeadline(t *testing.T) {
	m := seededMemory(t)
	m.SetOffline(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.SendMessage(ctx, NewMessage{ChatID: "c1", SenderID: "u1", Content: "hello"})
	if !errors.Is(err, ErrTransient) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want transient deadline", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Errorf("returned before the deadline")
	}

	m.SetOffline(false)
	if err := m.Ping(context.Background()); err != nil {
		t.Errorf("Ping() after reconnect = %v", err)
	}
}

func TestMemory_Latency(t *testing.T) {
	m := seededMemory(t)
	m.SetLatency(OpPing, 20*time.Millisecond)

	start := time.Now()
	if err := m.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("latency not applied")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Ping(cancelled) = %v", err)
	}
}

func TestMemory_Provider(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	sess, err := m.Session(ctx)
	if err != nil || sess != nil {
		t.Fatalf("Session() before sign-in = %v, %v", sess, err)
	}

	m.SignIn(auth.User{ID: "u1", Email: "a@example.com"}, "tok", time.Time{})
	sess, err = m.Session(ctx)
	if err != nil || sess == nil || sess.AccessToken != "tok" || sess.User.ID != "u1" {
		t.Fatalf("Session() = %+v, %v", sess, err)
	}
	user, err := m.User(ctx)
	if err != nil || user == nil || user.Email != "a@example.com" {
		t.Fatalf("User() = %+v, %v", user, err)
	}

	m.Fail(OpSession, auth.ErrAborted)
	if _, err := m.Session(ctx); !auth.IsAborted(err) {
		t.Errorf("Session() error = %v, want aborted", err)
	}

	m.SignOut()
	if u, _ := m.User(ctx); u != nil {
		t.Errorf("User() after sign-out = %+v", u)
	}
}

func TestMemory_Close(t *testing.T) {
	m := seededMemory(t)
	if _, err := m.SubscribeMessages(context.Background(), "c1", func(Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if m.Subscribers("c1") != 0 {
		t.Error("subscriptions survived Close")
	}
	if err := m.Ping(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Ping() after Close = %v, want ErrClosed", err)
	}
}

func TestMemory_ConcurrentSends(t *testing.T) {
	m := seededMemory(t)
	var mu sync.Mutex
	seen := 0
	if _, err := m.SubscribeMessages(context.Background(), "c1", func(Message) {
		mu.Lock()
		seen++
		mu.Unlock()
	}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.SendMessage(context.Background(), NewMessage{ChatID: "c1", SenderID: "u1", Content: "x"}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if seen != 20 {
		t.Errorf("inserts delivered = %d, want 20", seen)
	}
}
