package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultTimeout bounds an attempt when NewTimeout gets a non-positive limit.
const DefaultTimeout = 30 * time.Second

// Timeout bounds each operation with a deadline.
type Timeout struct {
	limit time.Duration
}

// NewTimeout creates a timeout guard with the given limit.
func NewTimeout(limit time.Duration) *Timeout {
	if limit <= 0 {
		limit = DefaultTimeout
	}
	return &Timeout{limit: limit}
}

// Limit returns the per-operation deadline.
func (t *Timeout) Limit() time.Duration {
	return t.limit
}

// Execute runs op under the deadline. The caller gets ErrTimeout as soon as
// the deadline passes even if op ignores its context; op then finishes in
// the background and its result is dropped.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.limit)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, t.limit)
	}
	return err
}
