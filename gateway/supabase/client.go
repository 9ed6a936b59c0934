package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
	"github.com/Zelalemaklilu/fruity-pink-messenger/resilience"
)

// ErrInvalidConfig is returned by New for an unusable configuration.
var ErrInvalidConfig = errors.New("supabase: invalid config")

const maxErrorBody = 64 << 10

// Config configures a Client.
type Config struct {
	// URL is the project URL, e.g. https://abc.supabase.co.
	URL string

	// AnonKey is the project's public API key.
	AnonKey string

	// HTTPClient is used for REST and auth calls.
	// Default: a client with a 30s timeout
	HTTPClient *http.Client

	// AccessToken returns the bearer token of the signed-in user. Without it
	// requests carry the anon key, unless an Auth is attached to the client.
	AccessToken func(ctx context.Context) string

	// Reads guards idempotent reads.
	// Default: rate limiter, bulkhead, circuit breaker, retry on transient
	// errors and a 10s per-attempt timeout
	Reads *resilience.Executor

	// Writes guards writes. Writes are never retried.
	// Default: the read circuit breaker and a 10s timeout
	Writes *resilience.Executor

	// Realtime configures the websocket used by SubscribeMessages.
	Realtime RealtimeConfig

	// Logger receives realtime and auth notices.
	Logger observe.Logger
}

// Client talks to one Supabase project. It is safe for concurrent use.
type Client struct {
	base    *url.URL
	anonKey string
	http    *http.Client
	reads   *resilience.Executor
	writes  *resilience.Executor
	logger  observe.Logger

	realtime *Realtime

	mu    sync.RWMutex
	token func(ctx context.Context) string
}

// New creates a client. It does not touch the network.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, fmt.Errorf("%w: url and anon key are required", ErrInvalidConfig)
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("%w: url %q", ErrInvalidConfig, cfg.URL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = observe.NopLogger()
	}
	if cfg.Reads == nil || cfg.Writes == nil {
		reads, writes := DefaultExecutors()
		if cfg.Reads == nil {
			cfg.Reads = reads
		}
		if cfg.Writes == nil {
			cfg.Writes = writes
		}
	}

	c := &Client{
		base:    base,
		anonKey: cfg.AnonKey,
		http:    cfg.HTTPClient,
		reads:   cfg.Reads,
		writes:  cfg.Writes,
		logger:  cfg.Logger.With(observe.Field{Key: "component", Value: "supabase"}),
		token:   cfg.AccessToken,
	}
	c.realtime = newRealtime(realtimeURL(base, cfg.AnonKey), c.accessToken, cfg.Realtime, c.logger)
	return c, nil
}

// DefaultExecutors returns the read and write guards used when Config leaves
// them unset. Both share one circuit breaker that only counts transient
// failures.
func DefaultExecutors() (reads, writes *resilience.Executor) {
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		MaxFailures:  5,
		ResetTimeout: 15 * time.Second,
		IsFailure:    gateway.IsTransient,
	})
	reads = resilience.NewExecutor(
		resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{
			Rate:        50,
			Burst:       20,
			WaitOnLimit: true,
			MaxWait:     2 * time.Second,
		})),
		resilience.WithBulkhead(resilience.NewBulkhead(resilience.BulkheadConfig{
			MaxConcurrent: 16,
			MaxWait:       5 * time.Second,
		})),
		resilience.WithCircuitBreaker(breaker),
		resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Jitter:       true,
			RetryIf:      gateway.IsTransient,
		})),
		resilience.WithTimeout(10*time.Second),
	)
	writes = resilience.NewExecutor(
		resilience.WithCircuitBreaker(breaker),
		resilience.WithTimeout(10*time.Second),
	)
	return reads, writes
}

// Realtime returns the websocket client used by SubscribeMessages.
func (c *Client) Realtime() *Realtime {
	return c.realtime
}

// Close closes the realtime connection.
func (c *Client) Close() error {
	return c.realtime.Close()
}

func (c *Client) setTokenSource(fn func(ctx context.Context) string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		c.token = fn
	}
}

func (c *Client) accessToken(ctx context.Context) string {
	c.mu.RLock()
	fn := c.token
	c.mu.RUnlock()
	if fn != nil {
		if tok := fn(ctx); tok != "" {
			return tok
		}
	}
	return c.anonKey
}

// FetchProfile implements gateway.Gateway.
func (c *Client) FetchProfile(ctx context.Context, userID string) (gateway.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+userID)

	rows, err := resilience.Run(ctx, c.reads, func(ctx context.Context) ([]gateway.Profile, error) {
		var out []gateway.Profile
		err := c.do(ctx, request{method: http.MethodGet, path: "/rest/v1/profiles", query: q}, &out)
		return out, err
	})
	if err != nil {
		return gateway.Profile{}, fmt.Errorf("supabase: fetch profile %s: %w", userID, err)
	}
	if len(rows) == 0 {
		return gateway.Profile{}, fmt.Errorf("supabase: profile %s: %w", userID, gateway.ErrNotFound)
	}
	return rows[0], nil
}

// FetchChatList implements gateway.Gateway. Chats come back most recently
// active first.
func (c *Client) FetchChatList(ctx context.Context, userID string) ([]gateway.Chat, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("participants", "cs.{"+userID+"}")
	q.Set("order", "last_message_at.desc.nullslast")

	chats, err := resilience.Run(ctx, c.reads, func(ctx context.Context) ([]gateway.Chat, error) {
		var out []gateway.Chat
		err := c.do(ctx, request{method: http.MethodGet, path: "/rest/v1/chats", query: q}, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("supabase: fetch chats of %s: %w", userID, err)
	}
	return chats, nil
}

// FetchMessages implements gateway.Gateway. Messages come back oldest first.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]gateway.Message, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("chat_id", "eq."+chatID)
	q.Set("order", "created_at.asc")

	msgs, err := resilience.Run(ctx, c.reads, func(ctx context.Context) ([]gateway.Message, error) {
		var out []gateway.Message
		err := c.do(ctx, request{method: http.MethodGet, path: "/rest/v1/messages", query: q}, &out)
		return out, err
	})
	if err != nil {
		return nil, fmt.Errorf("supabase: fetch messages of %s: %w", chatID, err)
	}
	return msgs, nil
}

// SubscribeMessages implements gateway.Gateway over the realtime websocket.
func (c *Client) SubscribeMessages(ctx context.Context, chatID string, onInsert func(gateway.Message)) (func(), error) {
	return c.realtime.Subscribe(ctx, chatID, onInsert)
}

// SendMessage implements gateway.Gateway.
func (c *Client) SendMessage(ctx context.Context, msg gateway.NewMessage) (gateway.Message, error) {
	if msg.Type == "" {
		msg.Type = gateway.MessageText
	}

	var rows []gateway.Message
	err := c.writes.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, request{
			method: http.MethodPost,
			path:   "/rest/v1/messages",
			body:   msg,
			prefer: "return=representation",
		}, &rows)
	})
	if err != nil {
		return gateway.Message{}, fmt.Errorf("supabase: send message to %s: %w", msg.ChatID, err)
	}
	if len(rows) == 0 {
		return gateway.Message{}, fmt.Errorf("supabase: send message to %s: empty representation", msg.ChatID)
	}
	return rows[0], nil
}

// UpdateChatMetadata implements gateway.Gateway.
func (c *Client) UpdateChatMetadata(ctx context.Context, chatID string, meta gateway.ChatMetadata) error {
	q := url.Values{}
	q.Set("id", "eq."+chatID)

	err := c.writes.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, request{
			method: http.MethodPatch,
			path:   "/rest/v1/chats",
			query:  q,
			body:   meta,
			prefer: "return=minimal",
		}, nil)
	})
	if err != nil {
		return fmt.Errorf("supabase: update chat %s: %w", chatID, err)
	}
	return nil
}

// IncrementUnreadCount implements gateway.Gateway.
func (c *Client) IncrementUnreadCount(ctx context.Context, chatID, userID string) error {
	body := map[string]string{"chat_id": chatID, "user_id": userID}

	err := c.writes.Execute(ctx, func(ctx context.Context) error {
		return c.do(ctx, request{
			method: http.MethodPost,
			path:   "/rest/v1/rpc/increment_unread_count",
			body:   body,
		}, nil)
	})
	if err != nil {
		return fmt.Errorf("supabase: increment unread %s/%s: %w", chatID, userID, err)
	}
	return nil
}

// Ping implements gateway.Gateway by asking the auth service for its health.
func (c *Client) Ping(ctx context.Context) error {
	err := c.do(ctx, request{method: http.MethodGet, path: "/auth/v1/health", bearer: c.anonKey}, nil)
	if err != nil {
		return fmt.Errorf("supabase: ping: %w", err)
	}
	return nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	prefer string

	// bearer overrides the signed-in user's token.
	bearer string
}

func (c *Client) do(ctx context.Context, req request, out any) error {
	u := c.base.JoinPath(req.path)
	if len(req.query) > 0 {
		u.RawQuery = req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), body)
	if err != nil {
		return err
	}
	bearer := req.bearer
	if bearer == "" {
		bearer = c.accessToken(ctx)
	}
	httpReq.Header.Set("apikey", c.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.prefer != "" {
		httpReq.Header.Set("Prefer", req.prefer)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %w", gateway.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError reads a PostgREST or GoTrue error body.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Code             any    `json:"code"`
		Message          string `json:"message"`
		Msg              string `json:"msg"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	se := &gateway.StatusError{Status: resp.StatusCode}
	if json.Unmarshal(data, &body) == nil {
		switch code := body.Code.(type) {
		case string:
			se.Code = code
		case nil:
			se.Code = body.Error
		}
		for _, m := range []string{body.Message, body.Msg, body.ErrorDescription, body.Error} {
			if m != "" {
				se.Message = m
				break
			}
		}
	}
	if se.Message == "" {
		se.Message = strings.TrimSpace(string(data))
	}
	if se.Message == "" {
		se.Message = http.StatusText(resp.StatusCode)
	}
	return se
}

func realtimeURL(base *url.URL, anonKey string) string {
	u := base.JoinPath("/realtime/v1/websocket")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	q := url.Values{}
	q.Set("apikey", anonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String()
}

var _ gateway.Gateway = (*Client)(nil)
