package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// MergeFunc combines the value currently held by a slot with a freshly
// fetched one. has is false when the slot held no value.
type MergeFunc[T any] func(current T, has bool, fetched T) T

// Option configures a Store.
type Option[T any] func(*Store[T])

// WithLogger sets the logger used for fetch failures and subscriber panics.
func WithLogger[T any](l observe.Logger) Option[T] {
	return func(s *Store[T]) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the recorder for cache events.
func WithMetrics[T any](m observe.Metrics) Option[T] {
	return func(s *Store[T]) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithMerge makes successful fetches merge into the current value instead of
// replacing it.
func WithMerge[T any](fn MergeFunc[T]) Option[T] {
	return func(s *Store[T]) { s.merge = fn }
}

// WithClock replaces time.Now.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(s *Store[T]) {
		if now != nil {
			s.now = now
		}
	}
}

type slot[T any] struct {
	value     T
	has       bool
	fetchedAt time.Time
	failedAt  time.Time
	err       error
	loading   bool

	// stale is set by Invalidate at staleSeq. Only a fetch started after
	// that point clears it.
	stale    bool
	staleSeq uint64

	// applied is the sequence number of the last fetch result or Set
	// written into the slot.
	applied uint64

	subs map[uint64]*subscriber[T]
}

// Store is a keyed entity cache with stale-while-revalidate reads, per-key
// fetch deduplication and change subscriptions. It is safe for concurrent use.
type Store[T any] struct {
	name    string
	policy  Policy
	merge   MergeFunc[T]
	logger  observe.Logger
	metrics observe.Metrics
	now     func() time.Time

	group singleflight.Group

	mu     sync.Mutex
	slots  map[string]*slot[T]
	seq    uint64
	nextID uint64
}

// NewStore creates an empty store. name labels its logs and metrics.
func NewStore[T any](name string, policy Policy, opts ...Option[T]) *Store[T] {
	s := &Store[T]{
		name:    name,
		policy:  policy.withDefaults(),
		logger:  observe.NopLogger(),
		metrics: observe.NopMetrics(),
		now:     time.Now,
		slots:   make(map[string]*slot[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observe.Field{Key: "store", Value: name})
	return s
}

// Name returns the store name.
func (s *Store[T]) Name() string {
	return s.name
}

// Policy returns the effective policy.
func (s *Store[T]) Policy() Policy {
	return s.policy
}

// Get returns the last known value for key. It never blocks on I/O.
func (s *Store[T]) Get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sl, ok := s.slots[key]; ok && sl.has {
		return sl.value, true
	}
	var zero T
	return zero, false
}

// Entry returns a snapshot of the slot for key.
func (s *Store[T]) Entry(key string) Entry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[key]
	if !ok {
		return Entry[T]{State: StateIdle}
	}
	return s.entryLocked(sl)
}

// Len returns the number of slots.
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// EnsureFresh starts a background fetch of key when its value is missing,
// expired or invalidated and no fetch is already in flight. Callers that
// arrive while a fetch is running join it. Failures are logged and recorded
// on the slot; they are never returned.
func (s *Store[T]) EnsureFresh(ctx context.Context, key string, fetch Fetcher[T]) {
	if err := checkFetch(key, fetch); err != nil {
		s.logger.Warn(ctx, "cache: fetch rejected", observe.Field{Key: "key", Value: key}, observe.ErrorField(err))
		return
	}

	s.mu.Lock()
	sl := s.slotLocked(key)
	need := s.needsFetchLocked(sl, s.now())
	has := sl.has
	s.mu.Unlock()

	switch {
	case !need && has:
		s.metrics.RecordCacheEvent(ctx, s.name, observe.CacheHit)
	case need && !has:
		s.metrics.RecordCacheEvent(ctx, s.name, observe.CacheMiss)
	}
	if need {
		s.group.DoChan(key, s.fetchFunc(ctx, key, fetch, false))
	}
}

// Refresh fetches key regardless of freshness and waits for the result. If a
// fetch is already in flight it waits for that one instead. The returned
// entry holds the previous value when the fetch fails.
func (s *Store[T]) Refresh(ctx context.Context, key string, fetch Fetcher[T]) (Entry[T], error) {
	if err := checkFetch(key, fetch); err != nil {
		return Entry[T]{}, err
	}

	ch := s.group.DoChan(key, s.fetchFunc(ctx, key, fetch, true))
	select {
	case res := <-ch:
		e, _ := res.Val.(Entry[T])
		return e, res.Err
	case <-ctx.Done():
		return s.Entry(key), ctx.Err()
	}
}

// Set stores value as a freshly fetched value. Fetches that started before
// the call are discarded when they complete.
func (s *Store[T]) Set(key string, value T) {
	s.mu.Lock()
	sl := s.slotLocked(key)
	s.seq++
	sl.applied = s.seq
	sl.value = value
	sl.has = true
	sl.fetchedAt = s.now()
	sl.err = nil
	sl.failedAt = time.Time{}
	sl.stale = false
	s.mu.Unlock()

	s.notify(key)
}

// Update replaces the value for key with fn(current, has) and returns the
// result. Freshness is unchanged, so a later fetch still lands and goes
// through the merge function. fn runs under the store lock and must not call
// back into the store.
func (s *Store[T]) Update(key string, fn func(current T, has bool) T) T {
	s.mu.Lock()
	sl := s.slotLocked(key)
	sl.value = fn(sl.value, sl.has)
	sl.has = true
	v := sl.value
	s.mu.Unlock()

	s.notify(key)
	return v
}

// Invalidate marks key as stale so the next EnsureFresh fetches it again.
// The value stays readable.
func (s *Store[T]) Invalidate(key string) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if ok {
		s.seq++
		sl.stale = true
		sl.staleSeq = s.seq
	}
	s.mu.Unlock()

	if ok {
		s.notify(key)
	}
}

// InvalidateAll marks every slot as stale.
func (s *Store[T]) InvalidateAll() {
	s.mu.Lock()
	keys := make([]string, 0, len(s.slots))
	for key, sl := range s.slots {
		s.seq++
		sl.stale = true
		sl.staleSeq = s.seq
		keys = append(keys, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		s.notify(key)
	}
}

func checkFetch[T any](key string, fetch Fetcher[T]) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if fetch == nil {
		return ErrNilFetcher
	}
	return nil
}

func (s *Store[T]) slotLocked(key string) *slot[T] {
	sl, ok := s.slots[key]
	if !ok {
		sl = &slot[T]{subs: make(map[uint64]*subscriber[T])}
		s.slots[key] = sl
	}
	return sl
}

func (s *Store[T]) entryLocked(sl *slot[T]) Entry[T] {
	e := Entry[T]{
		Value:     sl.value,
		Has:       sl.has,
		FetchedAt: sl.fetchedAt,
		Err:       sl.err,
	}
	switch {
	case sl.loading:
		e.State = StateLoading
	case sl.err != nil:
		e.State = StateError
	case !sl.has:
		e.State = StateIdle
	case sl.stale || !s.policy.fresh(sl.fetchedAt, s.now()):
		e.State = StateStale
	default:
		e.State = StateFresh
	}
	return e
}

func (s *Store[T]) needsFetchLocked(sl *slot[T], now time.Time) bool {
	switch {
	case sl.loading:
		return false
	case sl.stale:
		return true
	case sl.err != nil:
		return !s.policy.backingOff(sl.failedAt, now)
	case sl.has && s.policy.fresh(sl.fetchedAt, now):
		return false
	default:
		return true
	}
}

// fetchFunc returns the singleflight body for key. The group guarantees a
// single body per key at a time, so loading is only ever set here.
func (s *Store[T]) fetchFunc(ctx context.Context, key string, fetch Fetcher[T], force bool) func() (any, error) {
	return func() (any, error) {
		s.mu.Lock()
		sl := s.slotLocked(key)
		if !force && !s.needsFetchLocked(sl, s.now()) {
			e := s.entryLocked(sl)
			s.mu.Unlock()
			return e, nil
		}
		s.seq++
		seq := s.seq
		sl.loading = true
		s.mu.Unlock()

		s.notify(key)
		s.metrics.RecordCacheEvent(ctx, s.name, observe.CacheFetch)

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.policy.FetchTimeout)
		value, err := call(fctx, key, fetch)
		cancel()

		s.mu.Lock()
		sl.loading = false
		discarded := false
		switch {
		case seq < sl.applied:
			discarded = true
		case err != nil:
			sl.err = err
			sl.failedAt = s.now()
		default:
			if s.merge != nil {
				value = s.merge(sl.value, sl.has, value)
			}
			sl.value = value
			sl.has = true
			sl.fetchedAt = s.now()
			sl.err = nil
			sl.failedAt = time.Time{}
			sl.applied = seq
			if seq > sl.staleSeq {
				sl.stale = false
			}
		}
		e := s.entryLocked(sl)
		s.mu.Unlock()

		switch {
		case discarded:
			s.metrics.RecordCacheEvent(ctx, s.name, observe.CacheDiscardStale)
			s.logger.Debug(ctx, "cache: discarded out-of-order fetch result",
				observe.Field{Key: "key", Value: key},
				observe.Field{Key: "failed", Value: err != nil})
		case err != nil:
			s.metrics.RecordCacheEvent(ctx, s.name, observe.CacheFetchError)
			s.logger.Warn(ctx, "cache: fetch failed, keeping previous value",
				observe.Field{Key: "key", Value: key},
				observe.Field{Key: "has_value", Value: e.Has},
				observe.ErrorField(err))
		}

		s.notify(key)
		return e, err
	}
}

func call[T any](ctx context.Context, key string, fetch Fetcher[T]) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrFetchPanic, r)
		}
	}()
	return fetch(ctx, key)
}
