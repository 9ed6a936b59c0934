// Package cache provides the shared entity store behind the messenger's
// profile, chat list and message views.
//
// A Store holds one slot per key. Reads never block: Get and Entry return the
// last known value, and EnsureFresh starts a background fetch when that value
// is missing or older than the store's TTL. At most one fetch per key is in
// flight; concurrent callers join it. A failed fetch keeps the previous value
// and marks the slot as errored.
//
// Subscribers registered with Subscribe or Watch are told about every change
// to their key. Each callback receives a snapshot read at delivery time, and
// deliveries to one subscriber never overlap.
//
//	profiles := cache.NewStore[gateway.Profile]("profiles", cache.Policy{TTL: 5 * time.Minute})
//	stop := profiles.Watch(ctx, cache.ProfileKey(id), fetchProfile, func(e cache.Entry[gateway.Profile]) {
//	    render(e)
//	})
//	defer stop()
package cache
