package rpc

import (
	"encoding/json"

	"github.com/gymlink/gymchat/internal/model"
)

type StatusRequest struct{}

type StatusResponse struct {
	Session           string            `json:"session"`
	UserID            string            `json:"user_id"`
	UptimeMs          int64             `json:"uptime_ms"`
	Realtime          string            `json:"realtime"`
	OpenConversations []int64           `json:"open_conversations"`
	States            map[string]string `json:"states,omitempty"`
}

type ListConversationsRequest struct {
	// Reload fetches the inbox from the remote store before answering.
	Reload bool `json:"reload"`
}

type ListConversationsResponse struct {
	Conversations []model.Conversation `json:"conversations"`
}

type ListMessagesRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

type ListMessagesResponse struct {
	Messages []model.Message `json:"messages"`
	State    string          `json:"state"`
}

type SendMessageRequest struct {
	ConversationID int64  `json:"conversation_id"`
	Text           string `json:"text"`
	ImageURL       string `json:"image_url,omitempty"`
	// ImagePath is a file on the daemon host, uploaded before sending.
	ImagePath string `json:"image_path,omitempty"`
}

type SendMessageResponse struct {
	// Message is nil when nothing was sent.
	Message *model.Message `json:"message,omitempty"`
}

type DeleteMessageRequest struct {
	ConversationID int64           `json:"conversation_id"`
	MessageID      model.MessageID `json:"message_id"`
}

// ConversationRequest addresses a whole conversation.
type ConversationRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

type UploadMediaRequest struct {
	Path string `json:"path"`
}

type UploadMediaResponse struct {
	URL string `json:"url"`
}

type Empty struct{}

type WatchRequest struct {
	ConversationID int64 `json:"conversation_id"`
}

// EventEnvelope carries one bus event to a watching client.
type EventEnvelope struct {
	EventID          string          `json:"event_id"`
	Session          string          `json:"session"`
	Kind             string          `json:"kind"`
	ConversationID   int64           `json:"conversation_id"`
	OccurredAtUnixMs int64           `json:"occurred_at_unix_ms"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}
