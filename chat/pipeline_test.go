package chat

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

type sendMetrics struct {
	observe.Metrics
	mu       sync.Mutex
	outcomes []string
}

func (m *sendMetrics) RecordSend(_ context.Context, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *sendMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.outcomes {
		if o == outcome {
			n++
		}
	}
	return n
}

type fixture struct {
	mem     *gateway.Memory
	p       *Pipeline
	metrics *sendMetrics
	logs    *bytes.Buffer
}

func newFixture(t *testing.T, opts ...func(*Config)) *fixture {
	t.Helper()
	mem := gateway.NewMemory()
	mem.PutProfile(gateway.Profile{ID: "u1"})
	mem.PutProfile(gateway.Profile{ID: "u2"})
	mem.PutChat(gateway.Chat{ID: "c1", Participants: []string{"u1", "u2"}})

	metrics := &sendMetrics{Metrics: observe.NopMetrics()}
	var logs bytes.Buffer
	cfg := Config{
		SendTimeout: 100 * time.Millisecond,
		Sender:      func(context.Context) (string, error) { return "u1", nil },
		Logger:      observe.NewLoggerWithWriter("debug", &logs),
		Metrics:     metrics,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	p, err := NewPipeline(mem, cfg)
	if err != nil {
		t.Fatalf("NewPipeline() error = %v", err)
	}
	t.Cleanup(p.Wait)
	return &fixture{mem: mem, p: p, metrics: metrics, logs: &logs}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewPipeline_NilGateway(t *testing.T) {
	if _, err := NewPipeline(nil, Config{}); !errors.Is(err, ErrNilGateway) {
		t.Errorf("error = %v, want ErrNilGateway", err)
	}
}

func TestPipeline_SendConfirmsWithoutDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	closeChat, err := f.p.Open(ctx, "c1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer closeChat()

	got, err := f.p.Send(ctx, Draft{ChatID: "c1", Content: "hello", Recipients: []string{"u2"}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got.Status != StatusConfirmed || got.ID == "" || !strings.HasPrefix(got.ClientID, TempIDPrefix) {
		t.Errorf("Send() = %+v", got)
	}

	// The realtime echo, the write response and a refetch all describe the
	// same message.
	if _, err := f.p.Refresh(ctx, "c1"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	msgs := f.p.Messages("c1")
	if len(msgs) != 1 {
		t.Fatalf("got %d records, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].ID != got.ID || msgs[0].Content != "hello" || msgs[0].Status != StatusConfirmed {
		t.Errorf("record = %+v", msgs[0])
	}
	if f.metrics.count(observe.SendConfirmed) != 1 {
		t.Errorf("confirmed sends recorded = %d, want 1", f.metrics.count(observe.SendConfirmed))
	}
}

func TestPipeline_PendingVisibleBeforeWrite(t *testing.T) {
	f := newFixture(t)
	f.mem.SetLatency(gateway.OpSendMessage, 50*time.Millisecond)

	var mu sync.Mutex
	var seen []Status
	unsub := f.p.Store().Subscribe(cache.MessagesKey("c1"), func(e cache.Entry[[]Message]) {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range e.Value {
			seen = append(seen, m.Status)
		}
	})
	defer unsub()

	done := make(chan Message, 1)
	go func() {
		m, _ := f.p.Send(context.Background(), Draft{ChatID: "c1", Content: "hi"})
		done <- m
	}()

	waitFor(t, "pending record", func() bool {
		msgs := f.p.Messages("c1")
		return len(msgs) == 1 && msgs[0].Pending()
	})

	m := <-done
	if m.Status != StatusConfirmed {
		t.Fatalf("final status = %v", m.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[0] != StatusPending || seen[len(seen)-1] != StatusConfirmed {
		t.Errorf("observed statuses = %v, want pending first and confirmed last", seen)
	}
}

func TestPipeline_FailedSendStaysVisible(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail(gateway.OpSendMessage, gateway.ErrPermissionDenied)

	got, err := f.p.Send(context.Background(), Draft{ChatID: "c1", Content: "secret plans", Recipients: []string{"u2"}})
	if !errors.Is(err, gateway.ErrPermissionDenied) {
		t.Fatalf("Send() error = %v, want ErrPermissionDenied", err)
	}
	if !got.Failed() || got.Content != "secret plans" || !errors.Is(got.Err, gateway.ErrPermissionDenied) {
		t.Errorf("returned record = %+v", got)
	}

	msgs := f.p.Messages("c1")
	if len(msgs) != 1 || !msgs[0].Failed() || msgs[0].ClientID != got.ClientID {
		t.Fatalf("records = %+v", msgs)
	}

	f.p.Wait()
	if n := f.mem.Calls(gateway.OpUpdateChatMetadata); n != 0 {
		t.Errorf("metadata updates = %d, want 0", n)
	}
	if n := f.mem.Calls(gateway.OpIncrementUnreadCount); n != 0 {
		t.Errorf("unread increments = %d, want 0", n)
	}
	if f.metrics.count(observe.SendFailed) != 1 {
		t.Errorf("failed sends recorded = %d, want 1", f.metrics.count(observe.SendFailed))
	}
	if strings.Contains(f.logs.String(), "secret plans") {
		t.Error("message content was logged")
	}
}

func TestPipeline_OfflineSendTimesOutThenRetries(t *testing.T) {
	f := newFixture(t)
	f.mem.SetOffline(true)

	start := time.Now()
	done := make(chan error, 1)
	var failed Message
	go func() {
		var err error
		failed, err = f.p.Send(context.Background(), Draft{ChatID: "c1", Content: "hello"})
		done <- err
	}()

	waitFor(t, "pending record", func() bool {
		msgs := f.p.Messages("c1")
		return len(msgs) == 1 && msgs[0].Pending()
	})

	err := <-done
	if !gateway.IsTransient(err) {
		t.Fatalf("Send() error = %v, want transient", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Error("send failed before its timeout")
	}
	msgs := f.p.Messages("c1")
	if len(msgs) != 1 || !msgs[0].Failed() || msgs[0].Content != "hello" {
		t.Fatalf("records after timeout = %+v", msgs)
	}

	f.mem.SetOffline(false)
	got, err := f.p.Retry(context.Background(), "c1", failed.ClientID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if got.Status != StatusConfirmed || got.ClientID != failed.ClientID {
		t.Errorf("Retry() = %+v", got)
	}
	msgs = f.p.Messages("c1")
	if len(msgs) != 1 || msgs[0].Status != StatusConfirmed {
		t.Errorf("records after retry = %+v", msgs)
	}
}

func TestPipeline_RemoveFailedPolicy(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.FailurePolicy = RemoveFailed })
	f.mem.Fail(gateway.OpSendMessage, gateway.ErrTransient)

	if _, err := f.p.Send(context.Background(), Draft{ChatID: "c1", Content: "x"}); err == nil {
		t.Fatal("Send() succeeded")
	}
	if msgs := f.p.Messages("c1"); len(msgs) != 0 {
		t.Errorf("records = %+v, want none", msgs)
	}
}

func TestPipeline_SideEffects(t *testing.T) {
	var hooked atomic.Int32
	f := newFixture(t, func(c *Config) {
		c.OnConfirmed = func(context.Context, Message) { hooked.Add(1) }
	})

	got, err := f.p.Send(context.Background(), Draft{ChatID: "c1", Content: "hi", Recipients: []string{"u1", "u2"}})
	if err != nil {
		t.Fatal(err)
	}
	f.p.Wait()

	chat, _ := f.mem.Chat("c1")
	if chat.LastMessage != "hi" || chat.LastSenderID != "u1" || chat.LastMessageAt == nil || !chat.LastMessageAt.Equal(got.CreatedAt) {
		t.Errorf("chat metadata = %+v", chat)
	}
	if chat.Unread("u2") != 1 {
		t.Errorf("Unread(u2) = %d, want 1", chat.Unread("u2"))
	}
	if chat.Unread("u1") != 0 {
		t.Errorf("sender's own unread count = %d, want 0", chat.Unread("u1"))
	}
	if hooked.Load() != 1 {
		t.Errorf("OnConfirmed calls = %d, want 1", hooked.Load())
	}
}

func TestPipeline_ResolveRecipientsAfterConfirm(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	d := Draft{
		ChatID:  "c1",
		Content: "hi",
		ResolveRecipients: func(context.Context) []string {
			calls.Add(1)
			return []string{"u1", "u2"}
		},
	}

	f.mem.Fail(gateway.OpSendMessage, errors.New("rls violation"))
	if _, err := f.p.Send(context.Background(), d); err == nil {
		t.Fatal("Send() succeeded with a failing write")
	}
	f.p.Wait()
	if calls.Load() != 0 {
		t.Errorf("recipients resolved %d times for a failed send", calls.Load())
	}

	if _, err := f.p.Send(context.Background(), d); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f.p.Wait()
	if calls.Load() != 1 {
		t.Errorf("recipients resolved %d times, want 1", calls.Load())
	}
	chat, _ := f.mem.Chat("c1")
	if chat.Unread("u2") != 1 || chat.Unread("u1") != 0 {
		t.Errorf("unread counts = %v", chat.UnreadCounts)
	}
}

func TestPipeline_SideEffectFailureDoesNotFailSend(t *testing.T) {
	f := newFixture(t)
	f.mem.Fail(gateway.OpUpdateChatMetadata, errors.New("rls violation"))
	f.mem.Fail(gateway.OpIncrementUnreadCount, gateway.ErrTransient)

	got, err := f.p.Send(context.Background(), Draft{ChatID: "c1", Content: "hi", Recipients: []string{"u2"}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	f.p.Wait()

	if got.Status != StatusConfirmed {
		t.Errorf("status = %v", got.Status)
	}
	if msgs := f.p.Messages("c1"); len(msgs) != 1 || msgs[0].Status != StatusConfirmed {
		t.Errorf("records = %+v", msgs)
	}
	if strings.Count(f.logs.String(), "side effect failed") != 2 {
		t.Errorf("logs = %s", f.logs.String())
	}
}

// lostResponse stores the message but reports a failure, as when the
// connection drops after the insert committed.
type lostResponse struct {
	gateway.Gateway
}

func (g lostResponse) SendMessage(ctx context.Context, msg gateway.NewMessage) (gateway.Message, error) {
	if _, err := g.Gateway.SendMessage(ctx, msg); err != nil {
		return gateway.Message{}, err
	}
	return gateway.Message{}, gateway.ErrTransient
}

func TestPipeline_EchoConfirmsLostResponse(t *testing.T) {
	mem := gateway.NewMemory()
	mem.PutChat(gateway.Chat{ID: "c1", Participants: []string{"u1", "u2"}})
	p, err := NewPipeline(lostResponse{mem}, Config{
		Sender: func(context.Context) (string, error) { return "u1", nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	closeChat, err := p.Open(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer closeChat()

	got, err := p.Send(ctx, Draft{ChatID: "c1", Content: "hi", Recipients: []string{"u2"}})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	p.Wait()
	if got.Status != StatusConfirmed || got.ID == "" {
		t.Errorf("Send() = %+v", got)
	}
	if msgs := p.Messages("c1"); len(msgs) != 1 {
		t.Errorf("records = %+v", msgs)
	}
	if mem.Calls(gateway.OpIncrementUnreadCount) != 1 {
		t.Error("side effects skipped for an echoed send")
	}
}

func TestPipeline_RetryAndDiscardRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ok, err := f.p.Send(ctx, Draft{ChatID: "c1", Content: "fine"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.p.Retry(ctx, "c1", ok.ClientID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Retry(confirmed) error = %v, want ErrNotFailed", err)
	}
	if err := f.p.Discard("c1", ok.ClientID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("Discard(confirmed) error = %v, want ErrNotFailed", err)
	}
	if _, err := f.p.Retry(ctx, "c1", "temp-missing"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Retry(unknown) error = %v, want ErrUnknownMessage", err)
	}
	if err := f.p.Discard("c1", "temp-missing"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("Discard(unknown) error = %v, want ErrUnknownMessage", err)
	}

	f.mem.Fail(gateway.OpSendMessage, gateway.ErrTransient)
	bad, _ := f.p.Send(ctx, Draft{ChatID: "c1", Content: "oops"})
	if err := f.p.Discard("c1", bad.ClientID); err != nil {
		t.Fatalf("Discard(failed) error = %v", err)
	}
	if _, found := f.p.Find("c1", bad.ClientID); found {
		t.Error("discarded record still listed")
	}
	if _, found := f.p.Find("c1", ok.ID); !found {
		t.Error("confirmed record missing")
	}
}

func TestPipeline_SendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.p.Send(ctx, Draft{Content: "x"}); !errors.Is(err, ErrNoChat) {
		t.Errorf("no chat: error = %v", err)
	}
	if _, err := f.p.Send(ctx, Draft{ChatID: "c1", Content: "  \n"}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("blank content: error = %v", err)
	}

	anon := newFixture(t, func(c *Config) {
		c.Sender = func(context.Context) (string, error) { return "", nil }
	})
	if _, err := anon.p.Send(ctx, Draft{ChatID: "c1", Content: "x"}); !errors.Is(err, ErrNotSignedIn) {
		t.Errorf("signed out: error = %v", err)
	}
	if len(f.p.Messages("c1")) != 0 || len(anon.p.Messages("c1")) != 0 {
		t.Error("rejected drafts left records behind")
	}
}

func TestPipeline_ConcurrentSends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	closeChat, err := f.p.Open(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	defer closeChat()

	const n = 20
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.p.Send(ctx, Draft{ChatID: "c1", Content: strings.Repeat("x", i+1)}); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	msgs := f.p.Messages("c1")
	if len(msgs) != n {
		t.Fatalf("records = %d, want %d", len(msgs), n)
	}
	ids := make(map[string]bool)
	for _, m := range msgs {
		if m.Status != StatusConfirmed || ids[m.ID] {
			t.Errorf("bad record %+v", m)
		}
		ids[m.ID] = true
	}
}

func TestPipeline_RefetchKeepsPendingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mem.PutMessage(gateway.Message{ChatID: "c1", SenderID: "u2", Content: "earlier", CreatedAt: time.Now().Add(-time.Hour)})
	f.mem.SetLatency(gateway.OpSendMessage, 80*time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = f.p.Send(ctx, Draft{ChatID: "c1", Content: "in flight"})
	}()
	waitFor(t, "pending record", func() bool { return len(f.p.Messages("c1")) == 1 })

	msgs, err := f.p.Refresh(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "earlier" || !msgs[1].Pending() {
		t.Errorf("after refetch = %+v", msgs)
	}

	<-done
	if msgs := f.p.Messages("c1"); len(msgs) != 2 || msgs[1].Status != StatusConfirmed {
		t.Errorf("after confirm = %+v", msgs)
	}
}

func TestPipeline_WatchLoadsAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.mem.PutMessage(gateway.Message{ChatID: "c1", SenderID: "u2", Content: "hey"})

	var mu sync.Mutex
	var last cache.Entry[[]Message]
	unsub := f.p.Watch(context.Background(), "c1", func(e cache.Entry[[]Message]) {
		mu.Lock()
		last = e
		mu.Unlock()
	})
	defer unsub()

	waitFor(t, "initial load", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return last.State == cache.StateFresh && len(last.Value) == 1
	})
}
