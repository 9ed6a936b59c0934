package resilience

import (
	"context"
	"time"
)

// Executor composes the resilience guards around a single operation.
//
// From outermost to innermost the order is rate limiter, bulkhead, circuit
// breaker, retry, timeout. The timeout therefore bounds each attempt, and the
// circuit breaker sees the outcome of the whole retry sequence.
type Executor struct {
	rateLimiter    *RateLimiter
	bulkhead       *Bulkhead
	circuitBreaker *CircuitBreaker
	retry          *Retry
	timeout        *Timeout
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a new executor. With no options it just calls op.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithCircuitBreaker adds a circuit breaker.
func WithCircuitBreaker(cb *CircuitBreaker) ExecutorOption {
	return func(e *Executor) { e.circuitBreaker = cb }
}

// WithRetry adds retries.
func WithRetry(r *Retry) ExecutorOption {
	return func(e *Executor) { e.retry = r }
}

// WithRateLimiter adds a rate limiter.
func WithRateLimiter(rl *RateLimiter) ExecutorOption {
	return func(e *Executor) { e.rateLimiter = rl }
}

// WithBulkhead adds a concurrency limit.
func WithBulkhead(b *Bulkhead) ExecutorOption {
	return func(e *Executor) { e.bulkhead = b }
}

// WithTimeout bounds each attempt. A non-positive d is ignored.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = NewTimeout(d)
		}
	}
}

// Stats returns a snapshot of the stateful guards. Guards the executor was
// built without are nil.
func (e *Executor) Stats() ExecutorStats {
	var s ExecutorStats
	if e.circuitBreaker != nil {
		cs := e.circuitBreaker.Stats()
		s.Circuit = &cs
	}
	if e.bulkhead != nil {
		bs := e.bulkhead.Stats()
		s.Bulkhead = &bs
	}
	if e.rateLimiter != nil {
		rs := e.rateLimiter.Stats()
		s.RateLimit = &rs
	}
	return s
}

// ExecutorStats is a point-in-time view of an executor's guards.
type ExecutorStats struct {
	Circuit   *CircuitStats   `json:"circuit,omitempty"`
	Bulkhead  *BulkheadStats  `json:"bulkhead,omitempty"`
	RateLimit *RateLimitStats `json:"rate_limit,omitempty"`
}

// Execute runs op through every configured guard.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	run := op

	if e.timeout != nil {
		run = wrap(run, e.timeout.Execute)
	}
	if e.retry != nil {
		run = wrap(run, e.retry.Execute)
	}
	if e.circuitBreaker != nil {
		run = wrap(run, e.circuitBreaker.Execute)
	}
	if e.bulkhead != nil {
		run = wrap(run, e.bulkhead.Execute)
	}
	if e.rateLimiter != nil {
		run = wrap(run, e.rateLimiter.Execute)
	}

	return run(ctx)
}

func wrap(inner func(context.Context) error, guard func(context.Context, func(context.Context) error) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return guard(ctx, inner)
	}
}

// Run executes op through e and returns its value.
func Run[T any](ctx context.Context, e *Executor, op func(context.Context) (T, error)) (T, error) {
	var out T
	err := e.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
