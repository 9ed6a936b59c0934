package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/health"
)

// fakePhoenix is a minimal Supabase realtime server.
type fakePhoenix struct {
	t *testing.T

	mu         sync.Mutex
	conns      []*websocket.Conn
	joins      []string
	leaves     []string
	tokens     []string
	heartbeats int
	rejectWith string
}

type clientFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

func (f *fakePhoenix) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") != "anon" {
		http.Error(w, "missing apikey", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		f.t.Errorf("Accept() error = %v", err)
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	ctx := context.Background()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var in clientFrame
		if err := json.Unmarshal(data, &in); err != nil {
			f.t.Errorf("bad frame %s", data)
			continue
		}

		status, response := "ok", map[string]any{}
		f.mu.Lock()
		switch in.Event {
		case eventJoin:
			var p joinPayload
			_ = json.Unmarshal(in.Payload, &p)
			f.tokens = append(f.tokens, p.AccessToken)
			if f.rejectWith != "" {
				status, response = "error", map[string]any{"reason": f.rejectWith}
			} else {
				f.joins = append(f.joins, in.Topic)
			}
		case eventLeave:
			f.leaves = append(f.leaves, in.Topic)
		case eventHeartbeat:
			f.heartbeats++
		}
		f.mu.Unlock()

		out, _ := json.Marshal(map[string]any{
			"topic":   in.Topic,
			"event":   eventReply,
			"payload": map[string]any{"status": status, "response": response},
			"ref":     in.Ref,
		})
		_ = conn.Write(ctx, websocket.MessageText, out)
	}
}

func (f *fakePhoenix) insert(topic string, msg gateway.Message) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()

	out, _ := json.Marshal(map[string]any{
		"topic": topic,
		"event": eventChanges,
		"payload": map[string]any{
			"data": map[string]any{"type": "INSERT", "table": "messages", "record": msg},
		},
		"ref": nil,
	})
	if err := conn.Write(context.Background(), websocket.MessageText, out); err != nil {
		f.t.Errorf("insert write: %v", err)
	}
}

func (f *fakePhoenix) dropAll() {
	f.mu.Lock()
	conns := f.conns
	f.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "restart")
	}
}

func (f *fakePhoenix) count(field *[]string, topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range *field {
		if t == topic {
			n++
		}
	}
	return n
}

func newRealtimeFixture(t *testing.T, cfg RealtimeConfig) (*fakePhoenix, *Client) {
	t.Helper()
	f := &fakePhoenix{t: t}
	mux := http.NewServeMux()
	mux.Handle("/realtime/v1/websocket", f)
	c := newTestClient(t, mux, func(c *Config) {
		if cfg.HeartbeatInterval > 0 {
			c.Realtime.HeartbeatInterval = cfg.HeartbeatInterval
		}
	})
	return f, c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRealtime_SubscribeReceivesInserts(t *testing.T) {
	f, c := newRealtimeFixture(t, RealtimeConfig{})
	topic := "realtime:messages:c1"

	got := make(chan gateway.Message, 4)
	unsub, err := c.SubscribeMessages(context.Background(), "c1", func(m gateway.Message) { got <- m })
	if err != nil {
		t.Fatalf("SubscribeMessages() error = %v", err)
	}
	if c.Realtime().State() != ConnConnected {
		t.Errorf("State() = %v, want connected", c.Realtime().State())
	}
	if n := f.count(&f.joins, topic); n != 1 {
		t.Fatalf("joins = %d, want 1", n)
	}
	f.mu.Lock()
	token := f.tokens[0]
	f.mu.Unlock()
	if token != "user-token" {
		t.Errorf("join access_token = %q", token)
	}

	f.insert(topic, gateway.Message{ID: "m1", ChatID: "c1", Content: "hi", ClientID: "temp-1"})
	select {
	case m := <-got:
		if m.ID != "m1" || m.ClientID != "temp-1" {
			t.Errorf("insert = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("insert not delivered")
	}

	unsub()
	unsub()
	eventually(t, "phx_leave", func() bool { return f.count(&f.leaves, topic) == 1 })
	if c.Realtime().Channels() != 0 {
		t.Errorf("Channels() = %d after unsubscribe", c.Realtime().Channels())
	}
}

func TestRealtime_SharedChannel(t *testing.T) {
	f, c := newRealtimeFixture(t, RealtimeConfig{})
	topic := "realtime:messages:c1"
	ctx := context.Background()

	var mu sync.Mutex
	var a, b int
	unsubA, err := c.SubscribeMessages(ctx, "c1", func(gateway.Message) { mu.Lock(); a++; mu.Unlock() })
	if err != nil {
		t.Fatal(err)
	}
	unsubB, err := c.SubscribeMessages(ctx, "c1", func(gateway.Message) { mu.Lock(); b++; mu.Unlock() })
	if err != nil {
		t.Fatal(err)
	}
	if f.count(&f.joins, topic) != 1 {
		t.Errorf("joins = %d, want 1", f.count(&f.joins, topic))
	}

	f.insert(topic, gateway.Message{ID: "m1", ChatID: "c1"})
	eventually(t, "both handlers", func() bool { mu.Lock(); defer mu.Unlock(); return a == 1 && b == 1 })

	unsubA()
	if f.count(&f.leaves, topic) != 0 {
		t.Error("left the channel while a subscriber remained")
	}
	f.insert(topic, gateway.Message{ID: "m2", ChatID: "c1"})
	eventually(t, "second insert", func() bool { mu.Lock(); defer mu.Unlock(); return b == 2 })
	mu.Lock()
	if a != 1 {
		t.Errorf("unsubscribed handler called %d times", a)
	}
	mu.Unlock()
	unsubB()
}

func TestRealtime_ReconnectRejoins(t *testing.T) {
	f, c := newRealtimeFixture(t, RealtimeConfig{})
	topic := "realtime:messages:c1"

	got := make(chan gateway.Message, 4)
	unsub, err := c.SubscribeMessages(context.Background(), "c1", func(m gateway.Message) { got <- m })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	f.dropAll()
	eventually(t, "rejoin", func() bool { return f.count(&f.joins, topic) == 2 })
	eventually(t, "connected", func() bool { return c.Realtime().State() == ConnConnected })

	f.insert(topic, gateway.Message{ID: "after-reconnect", ChatID: "c1"})
	select {
	case m := <-got:
		if m.ID != "after-reconnect" {
			t.Errorf("insert = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("insert after reconnect not delivered")
	}
}

func TestRealtime_JoinRejected(t *testing.T) {
	f, c := newRealtimeFixture(t, RealtimeConfig{})
	f.mu.Lock()
	f.rejectWith = "Unauthorized: You do not have permissions to read from this Channel topic"
	f.mu.Unlock()

	_, err := c.SubscribeMessages(context.Background(), "c1", func(gateway.Message) {})
	if !errors.Is(err, gateway.ErrPermissionDenied) {
		t.Fatalf("error = %v, want ErrPermissionDenied", err)
	}
	if c.Realtime().Channels() != 0 {
		t.Errorf("Channels() = %d after failed join", c.Realtime().Channels())
	}
}

func TestRealtime_Heartbeat(t *testing.T) {
	f, c := newRealtimeFixture(t, RealtimeConfig{HeartbeatInterval: 10 * time.Millisecond})

	unsub, err := c.SubscribeMessages(context.Background(), "c1", func(gateway.Message) {})
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	eventually(t, "heartbeats", func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.heartbeats >= 2
	})
}

func TestRealtime_Close(t *testing.T) {
	_, c := newRealtimeFixture(t, RealtimeConfig{})

	if _, err := c.SubscribeMessages(context.Background(), "c1", func(gateway.Message) {}); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if c.Realtime().State() != ConnClosed {
		t.Errorf("State() = %v, want closed", c.Realtime().State())
	}
	if r := c.Realtime().Check(context.Background()); r.Status != health.StatusUnhealthy {
		t.Errorf("Check() after Close = %v, want unhealthy", r.Status)
	}
	if _, err := c.SubscribeMessages(context.Background(), "c2", func(gateway.Message) {}); !errors.Is(err, gateway.ErrClosed) {
		t.Errorf("SubscribeMessages() after Close error = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestRealtime_DialFailure(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())

	_, err := c.SubscribeMessages(context.Background(), "c1", func(gateway.Message) {})
	if !gateway.IsTransient(err) {
		t.Fatalf("error = %v, want transient", err)
	}
	if c.Realtime().State() != ConnIdle {
		t.Errorf("State() = %v, want idle", c.Realtime().State())
	}
	if r := c.Realtime().Check(context.Background()); r.Status != health.StatusHealthy || r.Details["state"] != "idle" {
		t.Errorf("Check() = %+v, want healthy idle", r)
	}
}

func TestConnState_String(t *testing.T) {
	for s, want := range map[ConnState]string{
		ConnIdle:         "idle",
		ConnConnecting:   "connecting",
		ConnConnected:    "connected",
		ConnReconnecting: "reconnecting",
		ConnClosed:       "closed",
		ConnState(42):    "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
