package cache_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zelalemaklilu/fruity-pink-messenger/cache"
)

func ExampleStore_Refresh() {
	store := cache.NewStore[string]("names", cache.Policy{TTL: time.Minute})
	ctx := context.Background()
	key := cache.ProfileKey("u1")

	_, _ = store.Refresh(ctx, key, func(context.Context, string) (string, error) {
		return "alice", nil
	})

	// A failed refresh keeps the last known value.
	_, err := store.Refresh(ctx, key, func(context.Context, string) (string, error) {
		return "", errors.New("offline")
	})
	v, _ := store.Get(key)
	fmt.Println(v, err != nil, store.Entry(key).State)
	// Output:
	// alice true error
}
