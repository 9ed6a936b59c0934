package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/health"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
	"github.com/Zelalemaklilu/fruity-pink-messenger/resilience"
)

// Phoenix channel events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
)

const readLimit = 1 << 20

var (
	errNotConnected   = errors.New("supabase: realtime not connected")
	errConnectionLost = errors.New("supabase: realtime connection lost")
)

// ConnState is the state of the realtime connection.
type ConnState int

const (
	// ConnIdle means no subscription has needed a connection yet.
	ConnIdle ConnState = iota
	ConnConnecting
	ConnConnected
	// ConnReconnecting means the connection dropped and is being redialled.
	ConnReconnecting
	ConnClosed
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnConnected:
		return "connected"
	case ConnReconnecting:
		return "reconnecting"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RealtimeConfig configures the realtime websocket.
type RealtimeConfig struct {
	// HeartbeatInterval is how often a heartbeat is sent.
	// Default: 25s
	HeartbeatInterval time.Duration

	// JoinTimeout bounds a channel join.
	// Default: 10s
	JoinTimeout time.Duration

	// ReconnectDelay is the first reconnect delay. Later ones double.
	// Default: 1s
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the reconnect delay.
	// Default: 30s
	MaxReconnectDelay time.Duration
}

// Realtime delivers message inserts over one Phoenix websocket, with one
// channel per chat. It connects on the first subscription, keeps the
// connection alive with heartbeats, and on loss reconnects with backoff and
// rejoins every channel.
type Realtime struct {
	endpoint string
	token    func(ctx context.Context) string
	config   RealtimeConfig
	logger   observe.Logger
	backoff  *resilience.Retry

	dialMu sync.Mutex

	mu       sync.Mutex
	state    ConnState
	conn     *websocket.Conn
	channels map[string]*channel
	pending  map[string]chan reply
	ref      uint64
	handlers uint64
	stop     context.CancelFunc
	done     chan struct{}
}

type channel struct {
	topic   string
	chatID  string
	joinRef string
	subs    []handler

	// ready is closed once the first join settled; err is its outcome.
	ready chan struct{}
	err   error
}

type handler struct {
	id uint64
	fn func(gateway.Message)
}

type frame struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref,omitempty"`
	JoinRef string `json:"join_ref,omitempty"`
}

type envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type changePayload struct {
	Data struct {
		Type   string          `json:"type"`
		Table  string          `json:"table"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

func newRealtime(endpoint string, token func(context.Context) string, cfg RealtimeConfig, logger observe.Logger) *Realtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	return &Realtime{
		endpoint: endpoint,
		token:    token,
		config:   cfg,
		logger:   logger.With(observe.Field{Key: "transport", Value: "realtime"}),
		backoff: resilience.NewRetry(resilience.RetryConfig{
			InitialDelay: cfg.ReconnectDelay,
			MaxDelay:     cfg.MaxReconnectDelay,
			Strategy:     resilience.BackoffExponential,
			Jitter:       true,
		}),
		channels: make(map[string]*channel),
		pending:  make(map[string]chan reply),
	}
}

// State returns the connection state.
func (r *Realtime) State() ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Channels returns the number of joined or joining chats.
func (r *Realtime) Channels() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Name implements health.Checker.
func (r *Realtime) Name() string {
	return "realtime"
}

// Check implements health.Checker. An idle connection is healthy since
// nothing has asked for realtime yet; a reconnecting one is degraded.
func (r *Realtime) Check(_ context.Context) health.Result {
	r.mu.Lock()
	state, channels := r.state, len(r.channels)
	r.mu.Unlock()

	details := map[string]any{"state": state.String(), "channels": channels}
	switch state {
	case ConnIdle, ConnConnected:
		return health.Healthy(state.String()).WithDetails(details)
	case ConnConnecting, ConnReconnecting:
		return health.Degraded(state.String(), nil).WithDetails(details)
	default:
		return health.Unhealthy(state.String(), gateway.ErrClosed).WithDetails(details)
	}
}

// Subscribe delivers inserts into chatID's messages to onInsert until the
// returned function is called. Handlers run on the connection's read
// goroutine, in server order.
func (r *Realtime) Subscribe(ctx context.Context, chatID string, onInsert func(gateway.Message)) (func(), error) {
	if onInsert == nil {
		return nil, errors.New("supabase: nil insert handler")
	}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}

	topic := "realtime:messages:" + chatID

	r.mu.Lock()
	r.handlers++
	id := r.handlers
	ch, exists := r.channels[topic]
	if !exists {
		ch = &channel{topic: topic, chatID: chatID, ready: make(chan struct{})}
		r.channels[topic] = ch
	}
	ch.subs = append(ch.subs, handler{id: id, fn: onInsert})
	reconnecting := r.state == ConnReconnecting
	r.mu.Unlock()

	if !exists {
		var err error
		if !reconnecting {
			err = r.join(ctx, ch)
		}
		r.mu.Lock()
		ch.err = err
		if err != nil && r.channels[topic] == ch {
			delete(r.channels, topic)
		}
		r.mu.Unlock()
		close(ch.ready)
	} else {
		select {
		case <-ch.ready:
		case <-ctx.Done():
			r.remove(topic, id)
			return nil, ctx.Err()
		}
	}

	if ch.err != nil {
		return nil, ch.err
	}
	var once sync.Once
	return func() { once.Do(func() { r.remove(topic, id) }) }, nil
}

// Close drops every subscription and closes the connection.
func (r *Realtime) Close() error {
	r.mu.Lock()
	if r.state == ConnClosed {
		r.mu.Unlock()
		return nil
	}
	r.state = ConnClosed
	conn, stop, done := r.conn, r.stop, r.done
	r.conn = nil
	clear(r.channels)
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	if done != nil {
		<-done
	}
	if conn != nil {
		// The cancelled read may already have torn the connection down.
		_ = conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	return nil
}

func (r *Realtime) connect(ctx context.Context) error {
	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	r.mu.Lock()
	switch r.state {
	case ConnClosed:
		r.mu.Unlock()
		return gateway.ErrClosed
	case ConnConnected, ConnReconnecting:
		r.mu.Unlock()
		return nil
	}
	r.state = ConnConnecting
	r.mu.Unlock()

	conn, err := r.dial(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ConnClosed {
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
		}
		return gateway.ErrClosed
	}
	if err != nil {
		r.state = ConnIdle
		return err
	}

	runCtx, stop := context.WithCancel(context.Background())
	r.conn = conn
	r.state = ConnConnected
	r.stop = stop
	r.done = make(chan struct{})
	go r.serve(runCtx, conn, r.done)
	return nil
}

func (r *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, r.endpoint, nil)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: realtime dial: %w", gateway.ErrTransient, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// serve owns the connection until Close: it reads, and on loss it redials
// and rejoins.
func (r *Realtime) serve(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		go r.heartbeat(hbCtx, conn)
		err := r.read(ctx, conn)
		stopHeartbeat()
		r.dropPending()

		if ctx.Err() != nil {
			return
		}
		r.logger.Info(ctx, "realtime: connection lost, reconnecting", observe.ErrorField(err))
		if !r.setConn(nil, ConnReconnecting) {
			return
		}

		conn = r.redial(ctx)
		if conn == nil {
			return
		}
		if !r.setConn(conn, ConnConnected) {
			_ = conn.Close(websocket.StatusNormalClosure, "client closed")
			return
		}
		r.logger.Info(ctx, "realtime: reconnected")
		go r.rejoin(ctx)
	}
}

func (r *Realtime) redial(ctx context.Context) *websocket.Conn {
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(r.backoff.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := r.dial(ctx)
		if err == nil {
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn(ctx, "realtime: reconnect failed",
			observe.Field{Key: "attempt", Value: attempt},
			observe.ErrorField(err))
	}
}

// setConn installs conn unless the client was closed meanwhile.
func (r *Realtime) setConn(conn *websocket.Conn, state ConnState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ConnClosed {
		return false
	}
	r.conn = conn
	r.state = state
	return true
}

func (r *Realtime) rejoin(ctx context.Context) {
	r.mu.Lock()
	channels := make([]*channel, 0, len(r.channels))
	for _, ch := range r.channels {
		channels = append(channels, ch)
	}
	r.mu.Unlock()

	for _, ch := range channels {
		if err := r.join(ctx, ch); err != nil {
			r.logger.Warn(ctx, "realtime: rejoin failed",
				observe.Field{Key: "chat_id", Value: ch.chatID},
				observe.ErrorField(err))
		}
	}
}

func (r *Realtime) join(ctx context.Context, ch *channel) error {
	var payload joinPayload
	payload.Config.PostgresChanges = []changeFilter{{
		Event:  "INSERT",
		Schema: "public",
		Table:  "messages",
		Filter: "chat_id=eq." + ch.chatID,
	}}
	if r.token != nil {
		payload.AccessToken = r.token(ctx)
	}

	ref, rep, err := r.request(ctx, ch.topic, eventJoin, payload)
	if err != nil {
		return fmt.Errorf("supabase: join chat %s: %w", ch.chatID, err)
	}
	if rep.Status != "ok" {
		return fmt.Errorf("supabase: join chat %s: %w", ch.chatID, joinError(rep))
	}

	r.mu.Lock()
	ch.joinRef = ref
	r.mu.Unlock()
	return nil
}

func joinError(rep reply) error {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(rep.Response, &body)
	reason := body.Reason
	if reason == "" {
		reason = rep.Status
	}
	if strings.Contains(strings.ToLower(reason), "unauthorized") {
		return fmt.Errorf("%w: %s", gateway.ErrPermissionDenied, reason)
	}
	return fmt.Errorf("%w: %s", gateway.ErrTransient, reason)
}

func (r *Realtime) remove(topic string, id uint64) {
	r.mu.Lock()
	ch, ok := r.channels[topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	ch.subs = slices.DeleteFunc(ch.subs, func(h handler) bool { return h.id == id })
	empty := len(ch.subs) == 0
	if empty {
		delete(r.channels, topic)
	}
	conn := r.conn
	joinRef := ch.joinRef
	r.mu.Unlock()

	if !empty || conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.config.JoinTimeout)
	defer cancel()
	err := r.write(ctx, conn, frame{Topic: topic, Event: eventLeave, Payload: struct{}{}, Ref: r.nextRef(), JoinRef: joinRef})
	if err != nil {
		r.logger.Debug(ctx, "realtime: leave failed", observe.Field{Key: "topic", Value: topic}, observe.ErrorField(err))
	}
}

// request sends one frame and waits for its reply.
func (r *Realtime) request(ctx context.Context, topic, event string, payload any) (string, reply, error) {
	r.mu.Lock()
	conn := r.conn
	if conn == nil {
		r.mu.Unlock()
		return "", reply{}, errNotConnected
	}
	r.ref++
	ref := strconv.FormatUint(r.ref, 10)
	wait := make(chan reply, 1)
	r.pending[ref] = wait
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.config.JoinTimeout)
	defer cancel()

	if err := r.write(ctx, conn, frame{Topic: topic, Event: event, Payload: payload, Ref: ref, JoinRef: ref}); err != nil {
		r.forget(ref)
		return ref, reply{}, err
	}

	select {
	case rep, ok := <-wait:
		if !ok {
			return ref, reply{}, errConnectionLost
		}
		return ref, rep, nil
	case <-ctx.Done():
		r.forget(ref)
		return ref, reply{}, ctx.Err()
	}
}

func (r *Realtime) forget(ref string) {
	r.mu.Lock()
	delete(r.pending, ref)
	r.mu.Unlock()
}

func (r *Realtime) dropPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ref, wait := range r.pending {
		close(wait)
		delete(r.pending, ref)
	}
}

func (r *Realtime) nextRef() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ref++
	return strconv.FormatUint(r.ref, 10)
}

func (r *Realtime) write(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (r *Realtime) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wctx, cancel := context.WithTimeout(ctx, r.config.JoinTimeout)
			err := r.write(wctx, conn, frame{Topic: "phoenix", Event: eventHeartbeat, Payload: struct{}{}, Ref: r.nextRef()})
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn(ctx, "realtime: heartbeat failed", observe.ErrorField(err))
					_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				}
				return
			}
		}
	}
}

func (r *Realtime) read(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			r.logger.Debug(ctx, "realtime: undecodable frame", observe.ErrorField(err))
			continue
		}
		r.dispatch(ctx, env)
	}
}

func (r *Realtime) dispatch(ctx context.Context, env envelope) {
	switch env.Event {
	case eventReply:
		if env.Ref == nil {
			return
		}
		r.mu.Lock()
		wait, ok := r.pending[*env.Ref]
		delete(r.pending, *env.Ref)
		r.mu.Unlock()
		if !ok {
			return
		}
		var rep reply
		if err := json.Unmarshal(env.Payload, &rep); err != nil {
			rep.Status = "error"
		}
		wait <- rep

	case eventChanges:
		var p changePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.Data.Type != "INSERT" {
			return
		}
		var msg gateway.Message
		if err := json.Unmarshal(p.Data.Record, &msg); err != nil {
			r.logger.Debug(ctx, "realtime: undecodable record", observe.ErrorField(err))
			return
		}
		r.mu.Lock()
		var subs []handler
		if ch, ok := r.channels[env.Topic]; ok {
			subs = slices.Clone(ch.subs)
		}
		r.mu.Unlock()
		for _, h := range subs {
			h.fn(msg)
		}

	case eventError, eventClose:
		r.logger.Warn(ctx, "realtime: channel closed by server",
			observe.Field{Key: "topic", Value: env.Topic},
			observe.Field{Key: "event", Value: env.Event})
	}
}
