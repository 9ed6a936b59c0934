package auth

import "time"

// User is the identity provider's view of a signed-in user.
type User struct {
	ID        string         `json:"id"`
	Email     string         `json:"email,omitempty"`
	Phone     string         `json:"phone,omitempty"`
	Role      string         `json:"role,omitempty"`
	Metadata  map[string]any `json:"user_metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// Session is an authenticated session as handed out by the provider.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"-"`
	User         *User     `json:"user,omitempty"`
}

// Expired reports whether the session's expiry has passed at now. A session
// without an expiry never expires by this check.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Snapshot is the resolved identity of the current user at ResolvedAt.
// A nil User means unauthenticated.
type Snapshot struct {
	Session    *Session
	User       *User
	ResolvedAt time.Time
}

// Authenticated reports whether the snapshot carries a user.
func (s Snapshot) Authenticated() bool {
	return s.User != nil
}

// UserID returns the user's id, or "" when unauthenticated.
func (s Snapshot) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

// AccessToken returns the session's access token, or "".
func (s Snapshot) AccessToken() string {
	if s.Session == nil {
		return ""
	}
	return s.Session.AccessToken
}
