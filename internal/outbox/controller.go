// Package outbox applies user mutations optimistically to the local cache
// and reconciles or rolls them back once the remote store answers.
package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/bus"
	"github.com/gymlink/gymchat/internal/cache"
	"github.com/gymlink/gymchat/internal/model"
	"github.com/gymlink/gymchat/internal/remote"
)

// DefaultCooldown is how long a message id stays guarded after a delete.
const DefaultCooldown = time.Second

// API is the subset of the remote store used for mutations.
type API interface {
	SendMessage(ctx context.Context, convID int64, content model.Content) (model.Message, error)
	DeleteMessage(ctx context.Context, id int64) error
	DeleteConversation(ctx context.Context, convID int64) error
}

// Session yields the id of the signed-in user, or "" when signed out.
type Session interface {
	UserID() string
}

// Tracker is told when optimistic mutations start and end.
type Tracker interface {
	BeginMutation(convID int64)
	EndMutation(convID int64)
}

// SendAck is the payload of chat.send_ack events.
type SendAck struct {
	TempID  model.MessageID `json:"temp_id"`
	Message model.Message   `json:"message"`
}

// Controller performs optimistic sends and deletes.
type Controller struct {
	api      API
	cache    *cache.Store
	session  Session
	tracker  Tracker
	bus      *bus.Bus
	logger   *zap.Logger
	cooldown time.Duration
	now      func() time.Time

	mu        sync.Mutex
	inflight  map[model.MessageID]struct{}
	discarded map[model.MessageID]struct{}
}

// NewController creates a controller. tracker, b and logger may be nil; a
// zero cooldown uses DefaultCooldown.
func NewController(api API, c *cache.Store, s Session, tracker Tracker, b *bus.Bus, logger *zap.Logger, cooldown time.Duration) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Controller{
		api:       api,
		cache:     c,
		session:   s,
		tracker:   tracker,
		bus:       b,
		logger:    logger,
		cooldown:  cooldown,
		now:       time.Now,
		inflight:  make(map[model.MessageID]struct{}),
		discarded: make(map[model.MessageID]struct{}),
	}
}

// Send shows the message immediately as pending, posts it and swaps in the
// confirmed record. On failure the pending entry is removed, a notice is
// published and the error returned. Without a session, a conversation or
// any content Send does nothing and returns nil, nil.
func (c *Controller) Send(ctx context.Context, convID int64, content model.Content) (*model.Message, error) {
	userID := c.userID()
	if userID == "" || convID == 0 || content.IsEmpty() {
		return nil, nil
	}

	tmp := model.Message{
		ID:             model.NewTempID(),
		ConversationID: convID,
		Text:           content.Text,
		ImageURL:       content.ImageURL,
		CreatedAt:      c.now().UTC(),
		SenderID:       userID,
		Pending:        true,
	}

	c.begin(convID)
	defer c.end(convID)

	c.cache.Update(convID, func(prev []model.Message) []model.Message {
		return model.Prepend(prev, tmp)
	})

	confirmed, err := c.api.SendMessage(ctx, convID, content)
	if err != nil {
		c.cache.Update(convID, func(prev []model.Message) []model.Message {
			out, _ := model.RemoveByID(prev, tmp.ID)
			return out
		})
		c.takeDiscarded(tmp.ID)
		c.logger.Error("failed to send message",
			zap.Error(err),
			zap.Int64("conversation_id", convID),
			zap.String("temp_id", tmp.ID.String()),
		)
		c.notice(convID, "send", "Message could not be sent. Please try again.")
		return nil, fmt.Errorf("send message: %w", err)
	}

	confirmed.Pending = false
	confirmed.ConversationID = convID
	if confirmed.SenderID == "" {
		confirmed.SenderID = userID
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = tmp.CreatedAt
	}

	if c.takeDiscarded(tmp.ID) {
		c.discardConfirmed(ctx, convID, confirmed)
		return nil, nil
	}

	c.cache.Update(convID, func(prev []model.Message) []model.Message {
		return swapConfirmed(prev, tmp.ID, confirmed)
	})
	c.cache.UpsertConversationPreview(convID, confirmed)

	c.logger.Info("message sent",
		zap.Int64("conversation_id", convID),
		zap.String("temp_id", tmp.ID.String()),
		zap.String("message_id", confirmed.ID.String()),
	)
	c.publish(bus.Event{
		Kind:           bus.KindSendAck,
		ConversationID: convID,
		Payload:        SendAck{TempID: tmp.ID, Message: confirmed},
	})
	return &confirmed, nil
}

// swapConfirmed leaves exactly one entry for the sent message: the pending
// entry is replaced, or dropped if a refresh already delivered the server
// record, and the record is inserted if the pending entry is gone.
func swapConfirmed(prev []model.Message, tmpID model.MessageID, confirmed model.Message) []model.Message {
	if model.IndexOf(prev, confirmed.ID) >= 0 {
		out, _ := model.RemoveByID(prev, tmpID)
		return out
	}
	if out, ok := model.ReplaceByID(prev, tmpID, confirmed); ok {
		model.SortNewestFirst(out)
		return out
	}
	out, _ := model.InsertByTime(prev, confirmed)
	return out
}

// discardConfirmed removes a message whose pending entry the user deleted
// before the send was confirmed.
func (c *Controller) discardConfirmed(ctx context.Context, convID int64, m model.Message) {
	id, ok := m.ID.Int64()
	if !ok {
		return
	}
	if err := c.api.DeleteMessage(ctx, id); err != nil && !remote.IsNotFound(err) {
		c.logger.Warn("failed to delete discarded message", zap.Error(err), zap.Int64("message_id", id))
		c.cache.Update(convID, func(prev []model.Message) []model.Message {
			out, _ := model.InsertByTime(prev, m)
			return out
		})
	}
}

// Delete removes the message immediately and deletes it remotely. A 404
// counts as success. Other failures put the message back and publish a
// notice. Repeated deletes of the same id are ignored until the cooldown
// after the first one expires. Without a session Delete does nothing.
func (c *Controller) Delete(ctx context.Context, convID int64, id model.MessageID) error {
	if c.userID() == "" || id.IsZero() {
		return nil
	}
	if !c.acquire(id) {
		c.logger.Debug("delete already in progress", zap.String("message_id", id.String()))
		return nil
	}
	defer c.releaseAfterCooldown(id)

	var removed model.Message
	var found bool
	c.cache.Update(convID, func(prev []model.Message) []model.Message {
		i := model.IndexOf(prev, id)
		if i < 0 {
			return prev
		}
		removed, found = prev[i], true
		out, _ := model.RemoveByID(prev, id)
		return out
	})

	serverID, ok := id.Int64()
	if !ok {
		if found {
			c.markDiscarded(id)
		}
		return nil
	}

	c.begin(convID)
	defer c.end(convID)

	err := c.api.DeleteMessage(ctx, serverID)
	if err == nil || remote.IsNotFound(err) {
		return nil
	}

	if found {
		c.cache.Update(convID, func(prev []model.Message) []model.Message {
			out, _ := model.InsertByTime(prev, removed)
			return out
		})
	}
	c.logger.Error("failed to delete message",
		zap.Error(err),
		zap.Int64("conversation_id", convID),
		zap.Int64("message_id", serverID),
	)
	c.notice(convID, "delete", "Message could not be deleted. Please try again.")
	return fmt.Errorf("delete message: %w", err)
}

// DeleteConversation removes the conversation from the inbox and deletes
// it remotely. A 404 counts as success; other failures restore the entry.
// Without a session it does nothing.
func (c *Controller) DeleteConversation(ctx context.Context, convID int64) error {
	if c.userID() == "" || convID == 0 {
		return nil
	}
	removed, found := c.cache.RemoveConversation(convID)

	err := c.api.DeleteConversation(ctx, convID)
	if err == nil || remote.IsNotFound(err) {
		return nil
	}
	if found {
		c.cache.RestoreConversation(removed)
	}
	c.logger.Error("failed to delete conversation", zap.Error(err), zap.Int64("conversation_id", convID))
	c.notice(convID, "delete_conversation", "Conversation could not be deleted. Please try again.")
	return fmt.Errorf("delete conversation: %w", err)
}

// deleting reports whether id is guarded by an in-progress or cooling
// down delete.
func (c *Controller) deleting(id model.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

func (c *Controller) acquire(id model.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Controller) releaseAfterCooldown(id model.MessageID) {
	time.AfterFunc(c.cooldown, func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
	})
}

func (c *Controller) markDiscarded(id model.MessageID) {
	c.mu.Lock()
	c.discarded[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) takeDiscarded(id model.MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.discarded[id]
	delete(c.discarded, id)
	return ok
}

func (c *Controller) userID() string {
	if c.session == nil {
		return ""
	}
	return c.session.UserID()
}

func (c *Controller) begin(convID int64) {
	if c.tracker != nil {
		c.tracker.BeginMutation(convID)
	}
}

func (c *Controller) end(convID int64) {
	if c.tracker != nil {
		c.tracker.EndMutation(convID)
	}
}

func (c *Controller) notice(convID int64, op, msg string) {
	c.publish(bus.Event{
		Kind:           bus.KindNotice,
		ConversationID: convID,
		Payload:        model.Notice{ConversationID: convID, Op: op, Message: msg},
	})
}

func (c *Controller) publish(evt bus.Event) {
	if c.bus != nil {
		c.bus.Publish(evt)
	}
}
