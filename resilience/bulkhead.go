package resilience

import (
	"context"
	"sync/atomic"
	"time"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// MaxConcurrent is the maximum number of operations in flight.
	// Default: 10
	MaxConcurrent int

	// MaxWait is how long to queue for a slot.
	// Default: 0 (fail immediately when full)
	MaxWait time.Duration
}

// Bulkhead caps the number of operations in flight.
type Bulkhead struct {
	maxWait  time.Duration
	slots    chan struct{}
	rejected atomic.Int64
}

// NewBulkhead creates a new bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	return &Bulkhead{
		maxWait: config.MaxWait,
		slots:   make(chan struct{}, config.MaxConcurrent),
	}
}

// Acquire takes a slot, queueing up to MaxWait. It returns ErrBulkheadFull
// when none frees up in time and ctx's error when ctx ends first.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		return nil
	default:
	}
	if b.maxWait <= 0 {
		return b.reject()
	}

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()
	select {
	case b.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return b.reject()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bulkhead) reject() error {
	b.rejected.Add(1)
	return ErrBulkheadFull
}

// Release frees a slot taken by Acquire.
func (b *Bulkhead) Release() {
	select {
	case <-b.slots:
	default:
	}
}

// Execute runs op in a slot.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return op(ctx)
}

// Stats returns a snapshot of the bulkhead.
func (b *Bulkhead) Stats() BulkheadStats {
	return BulkheadStats{
		Active:   len(b.slots),
		Capacity: cap(b.slots),
		Rejected: b.rejected.Load(),
	}
}

// BulkheadStats is a point-in-time view of a bulkhead.
type BulkheadStats struct {
	Active   int   `json:"active"`
	Capacity int   `json:"capacity"`
	Rejected int64 `json:"rejected"`
}

// Available returns the number of free slots.
func (s BulkheadStats) Available() int {
	return s.Capacity - s.Active
}
