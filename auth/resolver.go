package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
	"github.com/Zelalemaklilu/fruity-pink-messenger/resilience"
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// MaxAge is how long a resolved snapshot is served without asking the
	// provider again.
	// Default: 750ms
	MaxAge time.Duration

	// MaxRetries is how many times an aborted provider call is retried.
	// Zero uses the default; a negative value disables retries.
	// Default: 4
	MaxRetries int

	// RetryDelay is the base of the linear backoff: retry n waits
	// RetryDelay * n.
	// Default: 200ms
	RetryDelay time.Duration

	// Verifier, when set, decides whether a session's access token is still
	// usable. Without it the session's expiry, or the token's unverified exp
	// claim, is used.
	Verifier *TokenVerifier

	// Logger receives resolution failures and retry notices.
	Logger observe.Logger

	// Now replaces time.Now.
	Now func() time.Time
}

// Resolver coalesces and briefly caches current-session lookups. It is safe
// for concurrent use.
type Resolver struct {
	provider Provider
	config   ResolverConfig
	logger   observe.Logger

	group singleflight.Group

	mu   sync.Mutex
	snap *Snapshot
	gen  uint64
}

// NewResolver creates a resolver in front of p.
func NewResolver(p Provider, config ResolverConfig) *Resolver {
	if config.MaxAge <= 0 {
		config.MaxAge = 750 * time.Millisecond
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 4
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 200 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = observe.NopLogger()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Resolver{
		provider: p,
		config:   config,
		logger:   config.Logger.With(observe.Field{Key: "component", Value: "session"}),
	}
}

// Config returns the effective configuration.
func (r *Resolver) Config() ResolverConfig {
	return r.config
}

// Current resolves the session with the configured max age and retries.
func (r *Resolver) Current(ctx context.Context) (Snapshot, error) {
	return r.Resolve(ctx, r.config.MaxAge, r.config.MaxRetries)
}

// Resolve returns the current session snapshot.
//
// A cached snapshot younger than maxAge is returned without I/O. Otherwise
// the caller joins the resolution already in flight, or starts one. Aborted
// provider calls are retried up to maxRetries times; once retries run out the
// caller is treated as signed out and no error is returned. Other provider
// errors are returned with an empty snapshot and are not cached.
//
// ctx only bounds how long this caller waits. The shared resolution keeps
// running for the other callers.
func (r *Resolver) Resolve(ctx context.Context, maxAge time.Duration, maxRetries int) (Snapshot, error) {
	if r.provider == nil {
		return Snapshot{}, ErrNilProvider
	}
	if snap, ok := r.cached(maxAge); ok {
		return snap, nil
	}

	ch := r.group.DoChan("session", func() (any, error) {
		if snap, ok := r.cached(maxAge); ok {
			return snap, nil
		}
		return r.resolve(context.WithoutCancel(ctx), maxRetries)
	})

	select {
	case res := <-ch:
		snap, _ := res.Val.(Snapshot)
		return snap, res.Err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Peek returns the cached snapshot, if any, regardless of age.
func (r *Resolver) Peek() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil {
		return Snapshot{}, false
	}
	return *r.snap, true
}

// Invalidate drops the cached snapshot. A resolution already in flight still
// answers its callers but is not cached.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.snap = nil
	r.gen++
	r.mu.Unlock()
}

func (r *Resolver) cached(maxAge time.Duration) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap == nil || r.config.Now().Sub(r.snap.ResolvedAt) >= maxAge {
		return Snapshot{}, false
	}
	return *r.snap, true
}

func (r *Resolver) store(snap Snapshot, gen uint64) {
	r.mu.Lock()
	if r.gen == gen {
		r.snap = &snap
	}
	r.mu.Unlock()
}

func (r *Resolver) resolve(ctx context.Context, maxRetries int) (Snapshot, error) {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()

	retry := resilience.NewRetry(resilience.RetryConfig{
		MaxAttempts:  max(maxRetries, 0) + 1,
		InitialDelay: r.config.RetryDelay,
		Strategy:     resilience.BackoffLinear,
		RetryIf:      IsAborted,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			r.logger.Debug(ctx, "auth: session lookup aborted, retrying",
				observe.Field{Key: "attempt", Value: attempt},
				observe.Field{Key: "delay_ms", Value: delay.Milliseconds()},
				observe.ErrorField(err))
		},
	})

	snap, err := resilience.Do(ctx, retry, r.attempt)
	switch {
	case err == nil:
		r.store(snap, gen)
		return snap, nil

	case IsAborted(err):
		r.logger.Warn(ctx, "auth: session lookup kept aborting, treating as signed out",
			observe.Field{Key: "retries", Value: maxRetries},
			observe.ErrorField(err))
		snap = Snapshot{ResolvedAt: r.config.Now()}
		r.store(snap, gen)
		return snap, nil

	default:
		r.logger.Warn(ctx, "auth: session lookup failed", observe.ErrorField(err))
		return Snapshot{ResolvedAt: r.config.Now()}, fmt.Errorf("auth: resolve session: %w", err)
	}
}

// attempt asks the provider for the session, and for the user when the
// session is missing, unusable or carries no user.
func (r *Resolver) attempt(ctx context.Context) (Snapshot, error) {
	sess, err := r.provider.Session(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	if sess != nil {
		ok, fromToken := r.usable(ctx, sess)
		switch {
		case !ok:
			sess = nil
		case sess.User != nil:
			return Snapshot{Session: sess, User: sess.User, ResolvedAt: r.config.Now()}, nil
		case fromToken != nil:
			return Snapshot{Session: sess, User: fromToken, ResolvedAt: r.config.Now()}, nil
		}
	}

	user, err := r.provider.User(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Session: sess, User: user, ResolvedAt: r.config.Now()}, nil
}

// usable reports whether the session's access token can still be used. When
// a verifier is configured it also returns the user described by the token.
func (r *Resolver) usable(ctx context.Context, sess *Session) (bool, *User) {
	if sess.AccessToken == "" {
		return false, nil
	}
	now := r.config.Now()

	if r.config.Verifier != nil {
		claims, err := r.config.Verifier.Verify(ctx, sess.AccessToken)
		if err != nil {
			r.logger.Debug(ctx, "auth: session token rejected", observe.ErrorField(err))
			return false, nil
		}
		if claims.Subject == "" {
			return true, nil
		}
		return true, claims.User()
	}

	if !sess.ExpiresAt.IsZero() {
		return !sess.Expired(now), nil
	}
	if claims, err := ParseUnverified(sess.AccessToken); err == nil && !claims.ExpiresAt.IsZero() {
		return now.Before(claims.ExpiresAt), nil
	}
	return true, nil
}
