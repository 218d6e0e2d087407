package model

import (
	"slices"
	"time"
)

// Conversation is a two-party chat thread as listed in the inbox.
type Conversation struct {
	ID            int64     `json:"id"`
	User1ID       string    `json:"user1_id"`
	User2ID       string    `json:"user2_id"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
	UnreadCount   int       `json:"unread_count"`
	LastSenderID  string    `json:"last_sender_id"`
	PeerProfile   *Profile  `json:"peer,omitempty"`
}

// Peer returns the participant that is not userID.
func (c Conversation) Peer(userID string) string {
	if c.User1ID == userID {
		return c.User2ID
	}
	return c.User1ID
}

// Message is a single chat message. Pending is set only on optimistic
// entries that the server has not confirmed yet.
type Message struct {
	ID             MessageID `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Text           string    `json:"text"`
	ImageURL       string    `json:"image_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	SenderID       string    `json:"sender_id"`
	Read           bool      `json:"read"`
	Pending        bool      `json:"pending,omitempty"`
}

// Preview is the inbox preview text for the message.
func (m Message) Preview() string {
	if m.Text == "" && m.ImageURL != "" {
		return "[image]"
	}
	return m.Text
}

// Content is what a user submits when sending a message.
type Content struct {
	Text     string `json:"text"`
	ImageURL string `json:"image_url,omitempty"`
}

// IsEmpty reports whether there is nothing to send.
func (c Content) IsEmpty() bool {
	return c.Text == "" && c.ImageURL == ""
}

// Profile is cached display data for a user.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Notice is a user-visible alert raised when a mutation or refresh fails.
type Notice struct {
	ConversationID int64  `json:"conversation_id"`
	Op             string `json:"op"`
	Message        string `json:"message"`
}

// SortNewestFirst orders msgs by CreatedAt descending, keeping the relative
// order of equal timestamps.
func SortNewestFirst(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}

// SortConversations orders the inbox by last activity, most recent first.
func SortConversations(convs []Conversation) {
	slices.SortStableFunc(convs, func(a, b Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
}

// IndexOf returns the position of the message with id, or -1.
func IndexOf(msgs []Message, id MessageID) int {
	return slices.IndexFunc(msgs, func(m Message) bool { return m.ID == id })
}
