package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMissingID is returned when a server record has no usable identifier.
var ErrMissingID = errors.New("record has no id")

// wireMessage mirrors the server payload. Every field is optional so that
// a partial record decodes and defaults are filled in by Normalize.
type wireMessage struct {
	ID             *MessageID   `json:"id"`
	ConversationID *int64       `json:"conversation_id"`
	Text           *string      `json:"text"`
	ImageURL       *string      `json:"image_url"`
	CreatedAt      *looseTime   `json:"created_at"`
	SenderID       *looseString `json:"sender_id"`
	Read           *bool        `json:"read"`
}

type wireConversation struct {
	ID            *int64       `json:"id"`
	User1ID       *looseString `json:"user1_id"`
	User2ID       *looseString `json:"user2_id"`
	LastMessage   *string      `json:"last_message"`
	LastMessageAt *looseTime   `json:"last_message_at"`
	UnreadCount   *int         `json:"unread_count"`
	LastSenderID  *looseString `json:"last_sender_id"`
	Peer          *wireProfile `json:"peer"`
}

type wireProfile struct {
	ID          *looseString `json:"id"`
	DisplayName *string      `json:"display_name"`
	AvatarURL   *string      `json:"avatar_url"`
}

func (w wireMessage) normalize() (Message, error) {
	if w.ID == nil || w.ID.IsZero() {
		return Message{}, ErrMissingID
	}
	m := Message{
		ID:        *w.ID,
		Text:      deref(w.Text),
		ImageURL:  deref(w.ImageURL),
		SenderID:  string(deref(w.SenderID)),
		Read:      deref(w.Read),
		CreatedAt: time.Time(deref(w.CreatedAt)),
	}
	if w.ConversationID != nil {
		m.ConversationID = *w.ConversationID
	}
	return m, nil
}

func (w wireConversation) normalize() (Conversation, error) {
	if w.ID == nil || *w.ID == 0 {
		return Conversation{}, ErrMissingID
	}
	c := Conversation{
		ID:            *w.ID,
		User1ID:       string(deref(w.User1ID)),
		User2ID:       string(deref(w.User2ID)),
		LastMessage:   deref(w.LastMessage),
		LastMessageAt: time.Time(deref(w.LastMessageAt)),
		UnreadCount:   deref(w.UnreadCount),
		LastSenderID:  string(deref(w.LastSenderID)),
	}
	// A peer without an id cannot be cached and is dropped.
	if w.Peer != nil && w.Peer.ID != nil && *w.Peer.ID != "" {
		c.PeerProfile = &Profile{
			ID:          string(*w.Peer.ID),
			DisplayName: deref(w.Peer.DisplayName),
			AvatarURL:   deref(w.Peer.AvatarURL),
		}
	}
	return c, nil
}

// DecodeMessage decodes a single server message record, substituting
// defaults for missing optional fields.
func DecodeMessage(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return w.normalize()
}

// DecodeMessages decodes a list of message records. Records that cannot be
// normalized are skipped; the number skipped is returned alongside.
func DecodeMessages(data []byte) ([]Message, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode messages: %w", err)
	}
	out := make([]Message, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		m, err := DecodeMessage(r)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, m)
	}
	return out, skipped, nil
}

// DecodeConversations decodes a list of conversation records, skipping
// records without an id.
func DecodeConversations(data []byte) ([]Conversation, int, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, fmt.Errorf("decode conversations: %w", err)
	}
	out := make([]Conversation, 0, len(raw))
	skipped := 0
	for _, r := range raw {
		var w wireConversation
		if err := json.Unmarshal(r, &w); err != nil {
			skipped++
			continue
		}
		c, err := w.normalize()
		if err != nil {
			skipped++
			continue
		}
		out = append(out, c)
	}
	return out, skipped, nil
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

// looseString accepts a JSON string or number. User ids arrive as either
// depending on the backend.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = looseString(v)
		return nil
	}
	if string(data) == "null" {
		*s = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// looseTime accepts RFC 3339 timestamps with or without a zone, or unix
// seconds. Unparseable values decode to the zero time.
type looseTime time.Time

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func (t *looseTime) UnmarshalJSON(data []byte) error {
	*t = looseTime{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] != '"' {
		if secs, err := strconv.ParseInt(string(data), 10, 64); err == nil {
			*t = looseTime(time.Unix(secs, 0).UTC())
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			*t = looseTime(v.UTC())
			return nil
		}
	}
	return nil
}
