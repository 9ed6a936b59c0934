package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is the number of operations allowed per second.
	// Default: 100
	Rate float64

	// Burst is the bucket size.
	// Default: 10
	Burst int

	// WaitOnLimit queues for a token instead of failing fast.
	WaitOnLimit bool

	// MaxWait caps the queueing time when WaitOnLimit is set.
	// Default: 1 second
	MaxWait time.Duration
}

// RateLimiter is a token bucket that starts full.
type RateLimiter struct {
	rate    float64
	burst   float64
	wait    bool
	maxWait time.Duration

	rejected atomic.Int64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Rate <= 0 {
		config.Rate = 100
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.MaxWait <= 0 {
		config.MaxWait = time.Second
	}
	return &RateLimiter{
		rate:    config.Rate,
		burst:   float64(config.Burst),
		wait:    config.WaitOnLimit,
		maxWait: config.MaxWait,
		tokens:  float64(config.Burst),
		last:    time.Now(),
	}
}

// Allow takes one token if available.
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN takes n tokens if all are available.
func (rl *RateLimiter) AllowN(n int) bool {
	ok, _ := rl.take(float64(n))
	return ok
}

// take takes n tokens, or reports how long until they would be available.
func (rl *RateLimiter) take(n float64) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked(time.Now())
	if rl.tokens >= n {
		rl.tokens -= n
		return true, 0
	}
	return false, time.Duration((n - rl.tokens) / rl.rate * float64(time.Second))
}

// Wait blocks until a token is available. It gives up with
// ErrRateLimitExceeded after MaxWait.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, delay := rl.take(1)
	if ok {
		return nil
	}

	timer := time.NewTimer(min(delay, rl.maxWait))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if rl.Allow() {
		return nil
	}
	rl.rejected.Add(1)
	return ErrRateLimitExceeded
}

// Execute runs op once the limiter admits it.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	switch {
	case rl.wait:
		if err := rl.Wait(ctx); err != nil {
			return err
		}
	case !rl.Allow():
		rl.rejected.Add(1)
		return ErrRateLimitExceeded
	}
	return op(ctx)
}

func (rl *RateLimiter) refillLocked(now time.Time) {
	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.rate)
	rl.last = now
}

// Tokens returns the number of tokens currently available.
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked(time.Now())
	return rl.tokens
}

// Reset refills the bucket.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.burst
	rl.last = time.Now()
}

// Stats returns a snapshot of the limiter.
func (rl *RateLimiter) Stats() RateLimitStats {
	return RateLimitStats{
		Tokens:   rl.Tokens(),
		Burst:    int(rl.burst),
		Rejected: rl.rejected.Load(),
	}
}

// RateLimitStats is a point-in-time view of a rate limiter.
type RateLimitStats struct {
	Tokens   float64 `json:"tokens"`
	Burst    int     `json:"burst"`
	Rejected int64   `json:"rejected"`
}
