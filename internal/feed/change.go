// Package feed delivers push notifications about remote message changes.
package feed

import (
	"encoding/json"

	"github.com/gymlink/gymchat/internal/model"
)

// Kind is the type of row change reported by the feed.
type Kind string

const (
	Insert Kind = "INSERT"
	Update Kind = "UPDATE"
	Delete Kind = "DELETE"
)

// Change is one row change on a watched conversation.
type Change struct {
	Kind           Kind
	Table          string
	ConversationID int64
	Record         json.RawMessage
	OldID          model.MessageID
}

// MessageID returns the id of the affected message. For deletes it is the
// id of the old row; otherwise it is read from the new record.
func (c Change) MessageID() (model.MessageID, bool) {
	if c.Kind == Delete {
		return c.OldID, !c.OldID.IsZero()
	}
	if len(c.Record) == 0 {
		return model.MessageID{}, false
	}
	m, err := model.DecodeMessage(c.Record)
	if err != nil {
		return model.MessageID{}, false
	}
	return m.ID, true
}

// Feed lets a view watch one conversation. The returned function stops the
// subscription and closes the channel.
type Feed interface {
	Subscribe(convID int64) (<-chan Change, func())
}

// Frame types on the websocket.
const (
	FrameChange      = "change"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
)

// Frame is the JSON message exchanged on the realtime websocket, in both
// directions.
type Frame struct {
	Type           string          `json:"type"`
	Kind           Kind            `json:"kind,omitempty"`
	Table          string          `json:"table,omitempty"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	Record         json.RawMessage `json:"record,omitempty"`
	OldRecord      *OldRecord      `json:"old_record,omitempty"`
}

// OldRecord carries the key of a changed row.
type OldRecord struct {
	ID model.MessageID `json:"id"`
}

// ChangeFrame encodes c for the wire.
func ChangeFrame(c Change) Frame {
	f := Frame{
		Type:           FrameChange,
		Kind:           c.Kind,
		Table:          c.Table,
		ConversationID: c.ConversationID,
		Record:         c.Record,
	}
	if !c.OldID.IsZero() {
		f.OldRecord = &OldRecord{ID: c.OldID}
	}
	return f
}

// Change decodes a change frame.
func (f Frame) Change() Change {
	c := Change{
		Kind:           f.Kind,
		Table:          f.Table,
		ConversationID: f.ConversationID,
		Record:         f.Record,
	}
	if f.OldRecord != nil {
		c.OldID = f.OldRecord.ID
	}
	return c
}
