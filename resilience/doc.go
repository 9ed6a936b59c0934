// Package resilience provides the failure-handling patterns used around
// backend calls.
//
// The session resolver retries provider calls that were aborted by the
// identity SDK's internal lock with linear backoff; the Supabase adapter runs
// its HTTP calls through an Executor composed of a rate limiter, a bulkhead, a
// circuit breaker, retry for idempotent reads and a per-call timeout; the
// message pipeline bounds each send with a Timeout.
//
//	exec := resilience.NewExecutor(
//	    resilience.WithRateLimiter(resilience.NewRateLimiter(resilience.RateLimiterConfig{Rate: 20, Burst: 5})),
//	    resilience.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{MaxFailures: 5})),
//	    resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig{MaxAttempts: 3, RetryIf: isTransient})),
//	    resilience.WithTimeout(10*time.Second),
//	)
//	err := exec.Execute(ctx, func(ctx context.Context) error {
//	    return callBackend(ctx)
//	})
package resilience
