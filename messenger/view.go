package messenger

import (
	"context"
	"sync"

	"github.com/Zelalemaklilu/fruity-pink-messenger/auth"
	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
	"github.com/Zelalemaklilu/fruity-pink-messenger/chat"
	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
	"github.com/Zelalemaklilu/fruity-pink-messenger/observe"
)

// View is what a subscription delivers: the last known value and whether
// it is being loaded or failed to load. A failed refresh keeps Value.
type View[T any] struct {
	Value   T
	Has     bool
	Loading bool
	Err     error
	State   cache.State
}

func viewOf[T any](e cache.Entry[T]) View[T] {
	return View[T]{
		Value:   e.Value,
		Has:     e.Has,
		Loading: e.Loading(),
		Err:     e.Err,
		State:   e.State,
	}
}

// SessionView is what UseSession delivers. A nil User with Loading false
// means signed out.
type SessionView struct {
	User    *auth.User
	Loading bool
	Err     error
}

// handle ties a view's background work to its unsubscribe function.
type handle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
	stops   []func()
}

func newHandle(ctx context.Context) *handle {
	ctx, cancel := context.WithCancel(ctx)
	return &handle{ctx: ctx, cancel: cancel}
}

func (h *handle) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.stopped
}

// onStop registers fn to run on stop, or runs it now if already stopped.
func (h *handle) onStop(fn func()) {
	h.mu.Lock()
	if !h.stopped {
		h.stops = append(h.stops, fn)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	fn()
}

func (h *handle) stop() {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	stops := h.stops
	h.stops = nil
	h.mu.Unlock()

	h.cancel()
	for _, fn := range stops {
		fn()
	}
}

// UseSession calls fn with the current user. Without a cached snapshot it
// first reports Loading and then the resolved user. fn is not called after
// the returned function returns.
func (c *Client) UseSession(ctx context.Context, fn func(SessionView)) func() {
	h := newHandle(ctx)
	if snap, ok := c.session.Peek(); ok {
		fn(SessionView{User: snap.User, Loading: true})
	} else {
		fn(SessionView{Loading: true})
	}

	go func() {
		snap, err := c.session.Current(h.ctx)
		if !h.active() {
			return
		}
		fn(SessionView{User: snap.User, Err: err})
	}()
	return h.stop
}

// UseProfile watches userID's profile. A profile that does not exist is
// delivered as an empty view without an error.
func (c *Client) UseProfile(ctx context.Context, userID string, fn func(View[gateway.Profile])) func() {
	return c.profiles.Watch(ctx, cache.ProfileKey(userID), c.fetchProfile, func(e cache.Entry[gateway.Profile]) {
		v := viewOf(e)
		if gateway.IsNotFound(v.Err) {
			v = View[gateway.Profile]{State: v.State}
		}
		fn(v)
	})
}

// UseChats watches the signed-in user's chat list, most recent first. When
// nobody is signed in the view carries ErrNotSignedIn.
func (c *Client) UseChats(ctx context.Context, fn func(View[[]gateway.Chat])) func() {
	h := newHandle(ctx)
	watch := func(uid string) {
		unsubscribe := c.chats.Watch(h.ctx, cache.ChatListKey(uid), c.fetchChats, func(e cache.Entry[[]gateway.Chat]) {
			fn(viewOf(e))
		})
		h.onStop(unsubscribe)
	}

	if snap, ok := c.session.Peek(); ok && snap.Authenticated() {
		watch(snap.UserID())
		return h.stop
	}

	fn(View[[]gateway.Chat]{Loading: true, State: cache.StateLoading})
	go func() {
		snap, err := c.session.Current(h.ctx)
		if !h.active() {
			return
		}
		switch {
		case err != nil:
			fn(View[[]gateway.Chat]{Err: err, State: cache.StateError})
		case !snap.Authenticated():
			fn(View[[]gateway.Chat]{Err: ErrNotSignedIn, State: cache.StateError})
		default:
			watch(snap.UserID())
		}
	}()
	return h.stop
}

// UseMessages watches chatID's message list, optimistic records included,
// and keeps its realtime subscription open until the returned function is
// called. Views of the same chat share one subscription.
func (c *Client) UseMessages(ctx context.Context, chatID string, fn func(View[[]chat.Message])) func() {
	h := newHandle(ctx)
	unsubscribe := c.pipeline.Watch(h.ctx, chatID, func(e cache.Entry[[]chat.Message]) {
		fn(viewOf(e))
	})
	h.onStop(unsubscribe)

	go func() {
		release, err := c.retain(h.ctx, chatID)
		if err != nil {
			if h.active() {
				c.logger.Warn(h.ctx, "messenger: realtime unavailable",
					observe.Field{Key: "chat_id", Value: chatID},
					observe.ErrorField(err))
			}
			return
		}
		h.onStop(release)
	}()
	return h.stop
}

// openChat is a realtime subscription shared by every view of one chat.
type openChat struct {
	refs  int
	ready chan struct{}
	close func()
	err   error
	once  sync.Once
}

func (oc *openChat) shutdown() {
	<-oc.ready
	oc.once.Do(func() {
		if oc.close != nil {
			oc.close()
		}
	})
}

// retain opens chatID's realtime subscription, or joins the open one.
func (c *Client) retain(ctx context.Context, chatID string) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	oc, ok := c.open[chatID]
	if !ok {
		oc = &openChat{ready: make(chan struct{})}
		c.open[chatID] = oc
	}
	oc.refs++
	c.mu.Unlock()

	if !ok {
		closeFn, err := c.pipeline.Open(ctx, chatID)
		c.mu.Lock()
		oc.close, oc.err = closeFn, err
		if err != nil && c.open[chatID] == oc {
			delete(c.open, chatID)
		}
		c.mu.Unlock()
		close(oc.ready)
	}

	select {
	case <-oc.ready:
	case <-ctx.Done():
		c.release(chatID, oc)
		return nil, ctx.Err()
	}
	if oc.err != nil {
		c.release(chatID, oc)
		return nil, oc.err
	}

	var once sync.Once
	return func() { once.Do(func() { c.release(chatID, oc) }) }, nil
}

func (c *Client) release(chatID string, oc *openChat) {
	c.mu.Lock()
	oc.refs--
	last := oc.refs == 0
	if last && c.open[chatID] == oc {
		delete(c.open, chatID)
	}
	c.mu.Unlock()

	if last {
		oc.shutdown()
	}
}

// OpenChats returns the number of chats with an open realtime subscription.
func (c *Client) OpenChats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}
