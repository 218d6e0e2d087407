package bus

import "time"

// Event kinds published by the engine.
const (
	KindMessagesChanged      = "cache.messages_changed"
	KindConversationsChanged = "cache.conversations_changed"
	KindStateChanged         = "sync.state_changed"
	KindNotice               = "chat.notice"
	KindSendAck              = "chat.send_ack"
	KindFeedChange           = "feed.change"
	KindFeedConnected        = "feed.connected"
	KindFeedDisconnected     = "feed.disconnected"
)

// Event represents a domain event published on the bus. ConversationID is
// zero for events that are not scoped to one conversation.
type Event struct {
	Kind           string
	ConversationID int64
	Timestamp      time.Time
	Payload        any
}
