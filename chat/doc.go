// Package chat implements the optimistic message pipeline.
//
// Send inserts a pending record into the chat's cached message list before
// any network round trip, writes the message through the gateway and then
// either confirms the record in place or marks it failed. A record is matched
// across the optimistic copy, the write's response, realtime echoes and
// refetches by its client id, so one send never shows up twice.
//
// After a confirmed write the chat's "last message" metadata and the
// recipients' unread counters are updated in the background. Their failures
// are logged and never affect the send.
package chat
