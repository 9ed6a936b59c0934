package gateway

import "time"

// Profile is a user's public profile.
type Profile struct {
	ID          string     `json:"id"`
	Username    string     `json:"username,omitempty"`
	DisplayName string     `json:"display_name,omitempty"`
	AvatarURL   string     `json:"avatar_url,omitempty"`
	Bio         string     `json:"bio,omitempty"`
	IsOnline    bool       `json:"is_online"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at,omitzero"`
}

// Name returns the best human-readable name of the profile.
func (p Profile) Name() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.Username != "":
		return p.Username
	default:
		return p.ID
	}
}

// Chat is a conversation between participants.
type Chat struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	IsGroup       bool           `json:"is_group"`
	Participants  []string       `json:"participants"`
	LastMessage   string         `json:"last_message,omitempty"`
	LastMessageAt *time.Time     `json:"last_message_at,omitempty"`
	LastSenderID  string         `json:"last_sender_id,omitempty"`
	UnreadCounts  map[string]int `json:"unread_counts,omitempty"`
	CreatedAt     time.Time      `json:"created_at,omitzero"`
}

// Unread returns userID's unread counter.
func (c Chat) Unread(userID string) int {
	return c.UnreadCounts[userID]
}

// Others returns the participants other than userID.
func (c Chat) Others(userID string) []string {
	out := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			out = append(out, p)
		}
	}
	return out
}

// MessageType is the kind of message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

// Message is a message as stored by the backend.
type Message struct {
	ID       string      `json:"id"`
	ChatID   string      `json:"chat_id"`
	SenderID string      `json:"sender_id"`
	Content  string      `json:"content"`
	Type     MessageType `json:"type,omitempty"`

	// ClientID is the temporary id the sender generated. The backend stores
	// and echoes it so the sender can match its optimistic copy.
	ClientID  string    `json:"client_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is the payload of a send.
type NewMessage struct {
	ChatID   string      `json:"chat_id"`
	SenderID string      `json:"sender_id"`
	Content  string      `json:"content"`
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id,omitempty"`
}

// ChatMetadata is the "last message" summary written after a send.
type ChatMetadata struct {
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	LastSenderID  string    `json:"last_sender_id"`
}
