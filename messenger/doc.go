// Package messenger wires the session resolver, the entity stores and the
// optimistic message pipeline into one client object.
//
// A Client is the explicit context the UI layer holds. Reads are exposed as
// subscriptions (UseSession, UseProfile, UseChats, UseMessages) that deliver
// the last known value right away and again whenever it changes; writes go
// through SendOptimistic, RetrySend and DiscardSend.
//
// Every Client owns its own caches, so tests can build isolated instances
// over gateway.NewMemory.
package messenger
