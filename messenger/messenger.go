package messenger

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
	"github.com/Zelalemaklilu/fruity-pink-messenger/chat"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/health"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// Config configures a Client.
type Config struct {
	// Session configures the session resolver. Its Logger defaults to the
	// client's logger.
	Session auth.ResolverConfig

	// Profiles is the freshness policy of cached profiles.
	// Default: TTL 5m
	Profiles cache.Policy

	// Chats is the freshness policy of cached chat lists.
	// Default: TTL 30s
	Chats cache.Policy

	// Messages is the freshness policy of cached message lists.
	// Default: TTL 1m
	Messages cache.Policy

	// SendTimeout bounds one message write.
	// Default: 10s
	SendTimeout time.Duration

	// FailurePolicy decides what happens to failed sends.
	// Default: chat.RetainFailed
	FailurePolicy chat.FailurePolicy

	// HealthTimeout bounds a full health run.
	// Default: 5s
	HealthTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		Session: auth.ResolverConfig{
			MaxAge:     750 * time.Millisecond,
			MaxRetries: 4,
			RetryDelay: 200 * time.Millisecond,
		},
		Profiles:      cache.Policy{TTL: 5 * time.Minute},
		Chats:         cache.Policy{TTL: 30 * time.Second},
		Messages:      cache.Policy{TTL: time.Minute},
		SendTimeout:   10 * time.Second,
		FailurePolicy: chat.RetainFailed,
		HealthTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Client.
type Deps struct {
	// Gateway reaches the backend. Required.
	Gateway gateway.Gateway

	// Provider is the identity provider the session resolver asks. Required.
	Provider auth.Provider

	// Logger defaults to the observer's logger, or a no-op logger.
	Logger observe.Logger

	// Observer, when set, traces and measures every gateway call.
	Observer observe.Observer

	// Realtime, when set, reports the realtime connection in HealthChecks.
	Realtime health.Checker

	// Checkers are further backend checks added to HealthChecks.
	Checkers []health.Checker
}

// Client is the messenger core. It is safe for concurrent use.
type Client struct {
	config   Config
	gw       gateway.Gateway
	closer   io.Closer
	session  *auth.Resolver
	profiles *cache.Store[gateway.Profile]
	chats    *cache.Store[[]gateway.Chat]
	pipeline *chat.Pipeline
	health   *health.Aggregator
	logger   observe.Logger

	mu     sync.Mutex
	closed bool
	open   map[string]*openChat
}

// New creates a client. Zero fields of config take their defaults.
func New(config Config, deps Deps) (*Client, error) {
	if deps.Gateway == nil {
		return nil, ErrNilGateway
	}
	if deps.Provider == nil {
		return nil, ErrNilProvider
	}
	config = config.withDefaults()

	logger := deps.Logger
	metrics := observe.NopMetrics()
	gw := deps.Gateway
	if deps.Observer != nil {
		mw, err := observe.MiddlewareFromObserver(deps.Observer)
		if err != nil {
			return nil, err
		}
		if logger == nil {
			logger = deps.Observer.Logger()
		}
		metrics = mw.Metrics()
		gw = gateway.Instrument(gw, mw)
	}
	if logger == nil {
		logger = observe.NopLogger()
	}

	c := &Client{
		config: config,
		gw:     gw,
		logger: logger.With(observe.Field{Key: "component", Value: "messenger"}),
		open:   make(map[string]*openChat),
	}
	if closer, ok := deps.Gateway.(io.Closer); ok {
		c.closer = closer
	}

	sessionConfig := config.Session
	if sessionConfig.Logger == nil {
		sessionConfig.Logger = logger
	}
	c.session = auth.NewResolver(deps.Provider, sessionConfig)

	c.profiles = cache.NewStore[gateway.Profile]("profiles", config.Profiles,
		cache.WithLogger[gateway.Profile](logger),
		cache.WithMetrics[gateway.Profile](metrics))
	c.chats = cache.NewStore[[]gateway.Chat]("chats", config.Chats,
		cache.WithLogger[[]gateway.Chat](logger),
		cache.WithMetrics[[]gateway.Chat](metrics))

	pipeline, err := chat.NewPipeline(gw, chat.Config{
		SendTimeout:   config.SendTimeout,
		FailurePolicy: config.FailurePolicy,
		Sender:        c.currentUserID,
		Policy:        config.Messages,
		Logger:        logger,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, err
	}
	c.pipeline = pipeline

	c.health = health.NewAggregator(health.AggregatorConfig{Timeout: config.HealthTimeout})
	c.health.Register("gateway", health.NewPingChecker("gateway", gw.Ping, gateway.IsTransient))
	c.health.Register("session", health.NewCheckerFunc("session", c.checkSession))
	for _, chk := range append([]health.Checker{deps.Realtime}, deps.Checkers...) {
		if chk != nil {
			c.health.Register(chk.Name(), chk)
		}
	}
	return c, nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Profiles.TTL == 0 {
		c.Profiles.TTL = d.Profiles.TTL
	}
	if c.Chats.TTL == 0 {
		c.Chats.TTL = d.Chats.TTL
	}
	if c.Messages.TTL == 0 {
		c.Messages.TTL = d.Messages.TTL
	}
	if c.HealthTimeout <= 0 {
		c.HealthTimeout = d.HealthTimeout
	}
	return c
}

// Session resolves the current session through the shared resolver.
func (c *Client) Session(ctx context.Context) (auth.Snapshot, error) {
	return c.session.Current(ctx)
}

// Resolver returns the session resolver.
func (c *Client) Resolver() *auth.Resolver {
	return c.session
}

// Pipeline returns the message pipeline.
func (c *Client) Pipeline() *chat.Pipeline {
	return c.pipeline
}

// Profile returns the cached profile of userID without fetching.
func (c *Client) Profile(userID string) (gateway.Profile, bool) {
	return c.profiles.Get(cache.ProfileKey(userID))
}

// RefreshProfile fetches userID's profile and waits for it.
func (c *Client) RefreshProfile(ctx context.Context, userID string) (gateway.Profile, error) {
	e, err := c.profiles.Refresh(ctx, cache.ProfileKey(userID), c.fetchProfile)
	return e.Value, err
}

// RefreshChats fetches the signed-in user's chat list and waits for it.
func (c *Client) RefreshChats(ctx context.Context) ([]gateway.Chat, error) {
	uid, err := c.currentUserID(ctx)
	if err != nil {
		return nil, err
	}
	if uid == "" {
		return nil, ErrNotSignedIn
	}
	e, err := c.chats.Refresh(ctx, cache.ChatListKey(uid), c.fetchChats)
	return e.Value, err
}

// InvalidateProfile marks userID's profile stale and refetches it when it
// is being watched.
func (c *Client) InvalidateProfile(ctx context.Context, userID string) {
	invalidate(ctx, c.profiles, cache.ProfileKey(userID), c.fetchProfile)
}

// InvalidateChats marks the signed-in user's chat list stale and refetches
// it when it is being watched.
func (c *Client) InvalidateChats(ctx context.Context) {
	snap, ok := c.session.Peek()
	if !ok || !snap.Authenticated() {
		return
	}
	invalidate(ctx, c.chats, cache.ChatListKey(snap.UserID()), c.fetchChats)
}

// HealthChecks returns the aggregator holding the gateway, session and,
// when configured, realtime checks.
func (c *Client) HealthChecks() *health.Aggregator {
	return c.health
}

// Close drops every realtime subscription, waits for pending side effects
// and closes the gateway when it is closable.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	open := c.open
	c.open = make(map[string]*openChat)
	c.mu.Unlock()

	for _, oc := range open {
		oc.shutdown()
	}
	c.pipeline.Wait()

	if c.closer != nil {
		if err := c.closer.Close(); err != nil && !errors.Is(err, gateway.ErrClosed) {
			return err
		}
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) currentUserID(ctx context.Context) (string, error) {
	snap, err := c.session.Current(ctx)
	if err != nil {
		return "", err
	}
	return snap.UserID(), nil
}

func (c *Client) fetchProfile(ctx context.Context, key string) (gateway.Profile, error) {
	return c.gw.FetchProfile(ctx, cache.KeyID(key))
}

func (c *Client) fetchChats(ctx context.Context, key string) ([]gateway.Chat, error) {
	chats, err := c.gw.FetchChatList(ctx, cache.KeyID(key))
	if gateway.IsNotFound(err) {
		return []gateway.Chat{}, nil
	}
	return chats, err
}

func (c *Client) checkSession(ctx context.Context) health.Result {
	snap, err := c.session.Current(ctx)
	switch {
	case err != nil:
		return health.Unhealthy("session resolution failed", err)
	case !snap.Authenticated():
		return health.Degraded("signed out", nil)
	default:
		return health.Healthy("signed in").WithDetails(map[string]any{"user_id": snap.UserID()})
	}
}

func invalidate[T any](ctx context.Context, s *cache.Store[T], key string, fetch cache.Fetcher[T]) {
	s.Invalidate(key)
	if s.Subscribers(key) > 0 {
		s.EnsureFresh(ctx, key, fetch)
	}
}
