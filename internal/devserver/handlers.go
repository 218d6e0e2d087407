package devserver

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/gymlink/gymchat/internal/feed"
	"github.com/gymlink/gymchat/internal/model"
)

const messagesTable = "messages"

func (s *Server) health(c *fiber.Ctx) error {
	convs, msgs, err := s.db.Counts()
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"status": "ok", "conversations": convs, "messages": msgs})
}

type tokenRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// issueToken is the development login: it trusts the caller's user id,
// records the profile and returns a signed token.
func (s *Server) issueToken(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if req.UserID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "user_id is required")
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}
	if err := s.db.UpsertUser(model.Profile{ID: req.UserID, DisplayName: req.DisplayName, AvatarURL: req.AvatarURL}); err != nil {
		return err
	}
	token, err := IssueToken(s.secret, req.UserID, s.tokenTTL)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"token": token, "user_id": req.UserID}})
}

func (s *Server) listConversations(c *fiber.Ctx) error {
	convs, err := s.db.ListConversations(userID(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": convs})
}

type createConversationRequest struct {
	PeerID string `json:"peer_id"`
}

func (s *Server) createConversation(c *fiber.Ctx) error {
	var req createConversationRequest
	if err := c.BodyParser(&req); err != nil || req.PeerID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "peer_id is required")
	}
	conv, err := s.db.EnsureConversation(userID(c), req.PeerID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	conv, err = s.db.GetConversation(conv.ID, userID(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": conv})
}

func (s *Server) deleteConversation(c *fiber.Ctx) error {
	convID, err := s.memberConversation(c)
	if err != nil {
		return err
	}
	if err := s.db.DeleteConversation(convID); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) listMessages(c *fiber.Ctx) error {
	convID, err := s.memberConversation(c)
	if err != nil {
		return err
	}
	msgs, err := s.db.ListMessages(convID, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": msgs})
}

func (s *Server) sendMessage(c *fiber.Ctx) error {
	convID, err := s.memberConversation(c)
	if err != nil {
		return err
	}
	var content model.Content
	if err := c.BodyParser(&content); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid body")
	}
	if content.IsEmpty() {
		return fiber.NewError(fiber.StatusUnprocessableEntity, "text or image_url is required")
	}
	m, err := s.db.InsertMessage(convID, userID(c), content, time.Now())
	if err != nil {
		return err
	}
	s.publish(feed.Insert, convID, m, model.MessageID{})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": m})
}

func (s *Server) deleteMessage(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || id <= 0 {
		return fiber.NewError(fiber.StatusBadRequest, "invalid message id")
	}
	m, err := s.db.GetMessage(id)
	if err != nil {
		return err
	}
	if ok, err := s.db.IsMember(m.ConversationID, userID(c)); err != nil {
		return err
	} else if !ok {
		return fiber.NewError(fiber.StatusNotFound, "message not found")
	}
	if m.SenderID != userID(c) {
		return fiber.NewError(fiber.StatusForbidden, "only the sender can delete a message")
	}
	if _, err := s.db.DeleteMessage(id); err != nil {
		return err
	}
	s.publish(feed.Delete, m.ConversationID, nil, m.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) markRead(c *fiber.Ctx) error {
	convID, err := s.memberConversation(c)
	if err != nil {
		return err
	}
	ids, err := s.db.MarkRead(convID, userID(c))
	if err != nil {
		return err
	}
	for _, id := range ids {
		m, err := s.db.GetMessage(id)
		if err != nil {
			continue
		}
		s.publish(feed.Update, convID, m, model.MessageID{})
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"updated": len(ids)}})
}

func (s *Server) uploadMedia(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "file is required")
	}
	f, err := fh.Open()
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	m, err := s.db.PutMedia(userID(c), fh.Filename, fh.Header.Get(fiber.HeaderContentType), data)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": fiber.Map{"url": s.publicURL + "/media/" + m.ID}})
}

func (s *Server) getMedia(c *fiber.Ctx) error {
	m, err := s.db.GetMedia(c.Params("id"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, m.ContentType)
	return c.Send(m.Data)
}

// memberConversation parses the :id parameter and checks that the caller
// takes part in the conversation. Conversations of other users are
// reported as missing.
func (s *Server) memberConversation(c *fiber.Ctx) (int64, error) {
	convID, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil || convID <= 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid conversation id")
	}
	ok, err := s.db.IsMember(convID, userID(c))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fiber.NewError(fiber.StatusNotFound, "conversation not found")
	}
	return convID, nil
}

// publish fans a row change out to realtime subscribers of the conversation.
func (s *Server) publish(kind feed.Kind, convID int64, record any, oldID model.MessageID) {
	change := feed.Change{Kind: kind, Table: messagesTable, ConversationID: convID, OldID: oldID}
	if record != nil {
		raw, err := json.Marshal(record)
		if err != nil {
			s.logger.Error("encode change", zap.Error(err))
			return
		}
		change.Record = raw
	}
	if dropped := s.hub.Publish(change); dropped > 0 {
		s.logger.Warn("realtime subscribers lagging",
			zap.Int64("conversation_id", convID),
			zap.Int("dropped", dropped),
		)
	}
}
