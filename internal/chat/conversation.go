package chat

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/status"
	intsync "github.com/gymlink/gymchat/internal/sync"
)

// Conversation is an open view on one conversation. Close it when the view
// unmounts.
type Conversation struct {
	svc    *Service
	id     int64
	engine *intsync.Engine
	closed atomic.Bool
}

// ID returns the conversation id.
func (c *Conversation) ID() int64 { return c.id }

// Messages returns the cached messages, newest first.
func (c *Conversation) Messages() []model.Message {
	msgs, _, _ := c.svc.cache.Messages(c.id)
	return msgs
}

// State returns the sync state of the conversation.
func (c *Conversation) State() status.State {
	return c.svc.states.Current(c.id)
}

// SendMessage sends optimistically. It returns nil, nil when there is
// nothing to send or no session.
func (c *Conversation) SendMessage(ctx context.Context, content model.Content) (*model.Message, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.svc.outbox.Send(ctx, c.id, content)
}

// DeleteMessage deletes optimistically.
func (c *Conversation) DeleteMessage(ctx context.Context, id model.MessageID) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.svc.outbox.Delete(ctx, c.id, id)
}

// MarkAsRead flags messages from other participants as read and clears the
// unread counter, then tells the remote store in the background. Request
// failures are logged only.
func (c *Conversation) MarkAsRead(ctx context.Context) {
	userID := c.svc.UserID()
	if userID == "" || c.closed.Load() {
		return
	}
	c.svc.cache.Update(c.id, func(prev []model.Message) []model.Message {
		return markRead(prev, userID)
	})
	c.svc.cache.ClearUnread(c.id)

	c.svc.goBackground(func(bg context.Context) {
		if err := c.svc.remote.MarkRead(bg, c.id); err != nil {
			c.svc.logger.Warn("mark read failed", zap.Int64("conversation_id", c.id), zap.Error(err))
		}
	})
}

// markRead returns prev unchanged when nothing needs flagging.
func markRead(prev []model.Message, userID string) []model.Message {
	var out []model.Message
	for i, m := range prev {
		if m.Read || m.Pending || m.SenderID == userID {
			continue
		}
		if out == nil {
			out = append([]model.Message(nil), prev...)
		}
		out[i].Read = true
	}
	if out == nil {
		return prev
	}
	return out
}

// UploadMedia uploads a local file and returns its remote URL, or "" on
// failure.
func (c *Conversation) UploadMedia(ctx context.Context, path string) string {
	return c.svc.UploadMedia(ctx, c.id, path)
}

// Refresh fetches the newest page now. It is a no-op while another
// non-silent fetch is in flight.
func (c *Conversation) Refresh(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.engine.Refresh(ctx)
}

// Close unmounts the view. The engine stops once the last view on the
// conversation is closed; cached messages are kept.
func (c *Conversation) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.svc.release(c.id)
}
