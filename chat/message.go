package chat

import (
	"cmp"
	"context"
	"slices"

	"github.com/Zelalemaklilu/fruity-pink-messenger/gateway"
)

// Status is the lifecycle state of a message on this client.
type Status int

const (
	// StatusConfirmed means the backend stored the message.
	StatusConfirmed Status = iota
	// StatusPending means the write is in flight.
	StatusPending
	// StatusFailed means the write failed. The content is kept for a retry.
	StatusFailed
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Message is a message as shown to the user. While pending or failed, ID is
// empty and ClientID identifies the record.
type Message struct {
	gateway.Message
	Status Status

	// Err is why the last write failed.
	Err error

	seq        uint64
	recipients func(context.Context) []string
}

// Key returns the server id, or the client id when there is none yet.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// Pending reports whether the write is still in flight.
func (m Message) Pending() bool { return m.Status == StatusPending }

// Failed reports whether the write failed.
func (m Message) Failed() bool { return m.Status == StatusFailed }

// Draft is a composed message.
type Draft struct {
	ChatID  string
	Content string
	Type    gateway.MessageType

	// Recipients get their unread counter bumped once the message is stored.
	Recipients []string

	// ResolveRecipients, when set, replaces Recipients. It is called in the
	// background after the write is confirmed, so it may block on the
	// network.
	ResolveRecipients func(ctx context.Context) []string
}

// recipientsFunc returns the recipient lookup for d, excluding sender.
func (d Draft) recipientsFunc(sender string) func(context.Context) []string {
	static := slices.Clone(d.Recipients)
	resolve := d.ResolveRecipients
	return func(ctx context.Context) []string {
		ids := static
		if resolve != nil {
			ids = slices.Clone(resolve(ctx))
		}
		return slices.DeleteFunc(ids, func(id string) bool { return id == sender })
	}
}

// compare orders by creation time, then by local insertion order.
func compare(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

func indexByID(list []Message, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(list, func(m Message) bool { return m.ID == id })
}

func indexByClientID(list []Message, clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(list, func(m Message) bool { return m.ClientID == clientID })
}

// reconcile returns a copy of list holding the stored message exactly once.
func reconcile(list []Message, stored gateway.Message, next func() uint64) []Message {
	out := reconcileInto(slices.Clone(list), stored, next)
	slices.SortStableFunc(out, compare)
	return out
}

// merge folds a fetched page into the cached list. Fetched records win over
// local copies of the same message. Local records missing from the page,
// such as pending sends or inserts newer than the fetch, are kept.
func merge(current, fetched []Message, next func() uint64) []Message {
	out := slices.Clone(current)
	for _, m := range fetched {
		out = reconcileInto(out, m.Message, next)
	}
	slices.SortStableFunc(out, compare)
	return out
}

// reconcileInto writes stored into out. A record with the same client id is
// replaced in place and keeps its position; otherwise a record with the same
// id is updated, or the message is appended with a seq from next.
func reconcileInto(out []Message, stored gateway.Message, next func() uint64) []Message {
	confirmed := Message{Message: stored, Status: StatusConfirmed}
	byClient := indexByClientID(out, stored.ClientID)
	byID := indexByID(out, stored.ID)
	switch {
	case byClient >= 0:
		confirmed.seq = out[byClient].seq
		out[byClient] = confirmed
		if byID >= 0 && byID != byClient {
			out = slices.Delete(out, byID, byID+1)
		}
	case byID >= 0:
		confirmed.seq = out[byID].seq
		out[byID] = confirmed
	default:
		confirmed.seq = next()
		out = append(out, confirmed)
	}
	return out
}
