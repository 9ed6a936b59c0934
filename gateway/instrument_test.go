package gateway

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

func TestInstrument_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	var buf bytes.Buffer
	mw := observe.NewMiddleware(observe.NewTracer(tp.Tracer("test")), nil, observe.NewLoggerWithWriter("debug", &buf))

	m := seededMemory(t)
	gw := Instrument(m, mw)
	ctx := context.Background()

	if _, err := gw.FetchProfile(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := gw.FetchMessages(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchMessages() error = %v, want ErrNotFound", err)
	}
	if _, err := gw.SendMessage(ctx, NewMessage{ChatID: "c1", SenderID: "u1", Content: "hi"}); err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	wantNames := []string{
		"messenger.gateway.fetch_profile",
		"messenger.gateway.fetch_messages",
		"messenger.gateway.send_message",
	}
	for i, want := range wantNames {
		if spans[i].Name() != want {
			t.Errorf("span[%d] = %q, want %q", i, spans[i].Name(), want)
		}
	}
	if spans[1].Status().Code != codes.Error {
		t.Errorf("failed call span status = %v, want Error", spans[1].Status().Code)
	}
	if !bytes.Contains(buf.Bytes(), []byte("operation failed")) {
		t.Errorf("failure was not logged: %s", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte(`"hi"`)) {
		t.Errorf("message content leaked into logs: %s", buf.String())
	}
}

func TestInstrument_NilMiddleware(t *testing.T) {
	m := NewMemory()
	if Instrument(m, nil) != Gateway(m) {
		t.Error("Instrument(gw, nil) should return gw")
	}
}

func TestInstrument_PassesResults(t *testing.T) {
	m := seededMemory(t)
	gw := Instrument(m, observe.NopMiddleware())
	ctx := context.Background()

	got := 0
	unsub, err := gw.SubscribeMessages(ctx, "c1", func(Message) { got++ })
	if err != nil {
		t.Fatal(err)
	}
	defer unsub()

	if _, err := gw.SendMessage(ctx, NewMessage{ChatID: "c1", SenderID: "u1", Content: "x"}); err != nil {
		t.Fatal(err)
	}
	if got != 1 {
		t.Errorf("inserts = %d, want 1", got)
	}
	if err := gw.IncrementUnreadCount(ctx, "c1", "u2"); err != nil {
		t.Fatal(err)
	}
	chats, err := gw.FetchChatList(ctx, "u1")
	if err != nil || len(chats) != 1 || chats[0].Unread("u2") != 1 {
		t.Errorf("FetchChatList() = %+v, %v", chats, err)
	}
	if err := gw.Ping(ctx); err != nil {
		t.Error(err)
	}
}
