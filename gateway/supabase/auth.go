package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// refreshSkew refreshes sessions slightly before they expire.
const refreshSkew = 30 * time.Second

// Auth is an auth.Provider backed by GoTrue.
//
// Like the vendor SDKs, Auth serialises session work behind one lock and
// does not queue: a call that finds the lock held fails with auth.ErrAborted
// at once. auth.Resolver retries those.
type Auth struct {
	client *Client
	logger observe.Logger
	now    func() time.Time

	lock sync.Mutex

	mu      sync.RWMutex
	session *auth.Session
}

// NewAuth creates a provider that starts from initial, which may be nil.
// Unless the client was given its own token source, REST and realtime calls
// made by client carry this provider's access token from now on.
func NewAuth(client *Client, initial *auth.Session) *Auth {
	a := &Auth{
		client: client,
		logger: client.logger,
		now:    time.Now,
	}
	if initial != nil {
		s := *initial
		a.session = &s
	}
	client.setTokenSource(func(context.Context) string { return a.AccessToken() })
	return a
}

// SetSession replaces the current session. A nil session signs out locally.
func (a *Auth) SetSession(s *auth.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s == nil {
		a.session = nil
		return
	}
	cp := *s
	a.session = &cp
}

// AccessToken returns the current access token without refreshing it.
func (a *Auth) AccessToken() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.session == nil {
		return ""
	}
	return a.session.AccessToken
}

// Session implements auth.Provider. An expiring session is refreshed with
// its refresh token first. A rejected refresh token signs out.
func (a *Auth) Session(ctx context.Context) (*auth.Session, error) {
	if !a.lock.TryLock() {
		return nil, auth.ErrAborted
	}
	defer a.lock.Unlock()

	a.mu.RLock()
	current := a.session
	a.mu.RUnlock()

	if current == nil {
		return nil, nil
	}
	if !current.Expired(a.now().Add(refreshSkew)) || current.RefreshToken == "" {
		s := *current
		return &s, nil
	}

	refreshed, err := a.refresh(ctx, current.RefreshToken)
	switch {
	case err == nil:
		a.SetSession(refreshed)
		a.logger.Debug(ctx, "supabase: session refreshed")
		return refreshed, nil
	case isRejected(err):
		a.logger.Warn(ctx, "supabase: refresh token rejected, signing out", observe.ErrorField(err))
		a.SetSession(nil)
		return nil, nil
	default:
		return nil, err
	}
}

// User implements auth.Provider. It returns nil when the access token is
// missing or no longer accepted.
func (a *Auth) User(ctx context.Context) (*auth.User, error) {
	if !a.lock.TryLock() {
		return nil, auth.ErrAborted
	}
	defer a.lock.Unlock()

	token := a.AccessToken()
	if token == "" {
		return nil, nil
	}

	var user auth.User
	err := a.client.do(ctx, request{method: http.MethodGet, path: "/auth/v1/user", bearer: token}, &user)
	switch {
	case err == nil:
		return &user, nil
	case isRejected(err):
		return nil, nil
	default:
		return nil, fmt.Errorf("supabase: get user: %w", err)
	}
}

type tokenResponse struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type"`
	ExpiresIn    int64      `json:"expires_in"`
	ExpiresAt    int64      `json:"expires_at"`
	RefreshToken string     `json:"refresh_token"`
	User         *auth.User `json:"user"`
}

func (a *Auth) refresh(ctx context.Context, refreshToken string) (*auth.Session, error) {
	q := url.Values{}
	q.Set("grant_type", "refresh_token")

	var tr tokenResponse
	err := a.client.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  q,
		body:   map[string]string{"refresh_token": refreshToken},
		bearer: a.client.anonKey,
	}, &tr)
	if err != nil {
		return nil, fmt.Errorf("supabase: refresh session: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("supabase: refresh session: %w", auth.ErrTokenMalformed)
	}

	s := &auth.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
		User:         tr.User,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = a.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if s.RefreshToken == "" {
		s.RefreshToken = refreshToken
	}
	return s, nil
}

// isRejected reports whether GoTrue refused the credentials themselves.
func isRejected(err error) bool {
	var se *gateway.StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Status == http.StatusBadRequest ||
		se.Status == http.StatusUnauthorized ||
		se.Status == http.StatusForbidden
}

var _ auth.Provider = (*Auth)(nil)
