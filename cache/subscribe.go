package cache

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

type subscriber[T any] struct {
	id     uint64
	fn     func(Entry[T])
	active atomic.Bool

	mu      sync.Mutex
	running bool
	pending bool
}

// Subscribe registers fn to be called with a fresh snapshot whenever the slot
// for key changes. It returns a function that removes the registration; after
// it returns no new delivery starts.
func (s *Store[T]) Subscribe(key string, fn func(Entry[T])) (unsubscribe func()) {
	_, unsubscribe = s.subscribe(key, fn)
	return unsubscribe
}

// Watch subscribes fn to key, delivers the current snapshot right away and
// then calls EnsureFresh.
func (s *Store[T]) Watch(ctx context.Context, key string, fetch Fetcher[T], fn func(Entry[T])) (unsubscribe func()) {
	sub, unsubscribe := s.subscribe(key, fn)
	s.deliver(key, sub)
	s.EnsureFresh(ctx, key, fetch)
	return unsubscribe
}

// Subscribers returns the number of registrations for key.
func (s *Store[T]) Subscribers(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[key]; ok {
		return len(sl.subs)
	}
	return 0
}

func (s *Store[T]) subscribe(key string, fn func(Entry[T])) (*subscriber[T], func()) {
	s.mu.Lock()
	sl := s.slotLocked(key)
	s.nextID++
	sub := &subscriber[T]{id: s.nextID, fn: fn}
	sub.active.Store(true)
	sl.subs[sub.id] = sub
	s.mu.Unlock()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			sub.active.Store(false)
			s.mu.Lock()
			delete(sl.subs, sub.id)
			s.mu.Unlock()
		})
	}
}

func (s *Store[T]) notify(key string) {
	s.mu.Lock()
	sl, ok := s.slots[key]
	if !ok || len(sl.subs) == 0 {
		s.mu.Unlock()
		return
	}
	subs := make([]*subscriber[T], 0, len(sl.subs))
	for _, sub := range sl.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	slices.SortFunc(subs, func(a, b *subscriber[T]) int {
		return cmp.Compare(a.id, b.id)
	})
	for _, sub := range subs {
		s.deliver(key, sub)
	}
}

// deliver runs the subscriber's callback with the latest snapshot. If a
// delivery to the same subscriber is already running, it is asked to run once
// more instead, so callbacks never overlap and may call back into the store.
func (s *Store[T]) deliver(key string, sub *subscriber[T]) {
	sub.mu.Lock()
	if sub.running {
		sub.pending = true
		sub.mu.Unlock()
		return
	}
	sub.running = true
	sub.mu.Unlock()

	for {
		if sub.active.Load() {
			s.invoke(key, sub)
		}

		sub.mu.Lock()
		if !sub.pending {
			sub.running = false
			sub.mu.Unlock()
			return
		}
		sub.pending = false
		sub.mu.Unlock()
	}
}

func (s *Store[T]) invoke(key string, sub *subscriber[T]) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error(context.Background(), "cache: subscriber panicked",
				observe.Field{Key: "key", Value: key},
				observe.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
	}()
	sub.fn(s.Entry(key))
}
