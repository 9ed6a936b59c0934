package cache

import "time"

// Policy configures freshness and fetch behavior of a Store.
type Policy struct {
	// TTL is how long a fetched value counts as fresh.
	// Zero uses the default; a negative TTL makes every value stale.
	// Default: 1 minute
	TTL time.Duration

	// FetchTimeout bounds a single fetch. The fetch is detached from the
	// caller's cancellation so joined callers are not affected by it.
	// Default: 10 seconds
	FetchTimeout time.Duration

	// ErrorBackoff is how long EnsureFresh leaves a failed slot alone before
	// fetching again. Zero uses the default; negative disables the backoff.
	// Default: 5 seconds
	ErrorBackoff time.Duration
}

// DefaultPolicy returns the default store policy.
func DefaultPolicy() Policy {
	return Policy{
		TTL:          time.Minute,
		FetchTimeout: 10 * time.Second,
		ErrorBackoff: 5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TTL == 0 {
		p.TTL = d.TTL
	}
	if p.FetchTimeout <= 0 {
		p.FetchTimeout = d.FetchTimeout
	}
	if p.ErrorBackoff == 0 {
		p.ErrorBackoff = d.ErrorBackoff
	}
	return p
}

// fresh reports whether a value fetched at fetchedAt is still fresh at now.
func (p Policy) fresh(fetchedAt, now time.Time) bool {
	if p.TTL < 0 || fetchedAt.IsZero() {
		return false
	}
	return now.Sub(fetchedAt) < p.TTL
}

// backingOff reports whether a fetch that failed at failedAt should not be
// retried yet at now.
func (p Policy) backingOff(failedAt, now time.Time) bool {
	if p.ErrorBackoff < 0 || failedAt.IsZero() {
		return false
	}
	return now.Sub(failedAt) < p.ErrorBackoff
}
