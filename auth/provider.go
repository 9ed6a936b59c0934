package auth

import "context"

// Provider is the identity backend's pair of accessors.
//
// Contract:
//   - Session returns (nil, nil) when there is no session.
//   - User returns (nil, nil) when nobody is signed in.
//   - Either may return an error matching ErrAborted when the backend
//     cancelled the call because another one held its lock.
type Provider interface {
	Session(ctx context.Context) (*Session, error)
	User(ctx context.Context) (*User, error)
}

// ProviderFuncs adapts two functions to a Provider. A nil function reports
// "nothing there".
type ProviderFuncs struct {
	SessionFunc func(ctx context.Context) (*Session, error)
	UserFunc    func(ctx context.Context) (*User, error)
}

// Session calls SessionFunc.
func (p ProviderFuncs) Session(ctx context.Context) (*Session, error) {
	if p.SessionFunc == nil {
		return nil, nil
	}
	return p.SessionFunc(ctx)
}

// User calls UserFunc.
func (p ProviderFuncs) User(ctx context.Context) (*User, error) {
	if p.UserFunc == nil {
		return nil, nil
	}
	return p.UserFunc(ctx)
}

var _ Provider = ProviderFuncs{}
