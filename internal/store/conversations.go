package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gymlink/gymchat/internal/model"
)

// UpsertUser inserts or updates a user profile.
func (db *DB) UpsertUser(p model.Profile) error {
	_, err := db.Exec(`
		INSERT INTO users (id, display_name, avatar_url) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url`,
		p.ID, p.DisplayName, p.AvatarURL)
	return err
}

// GetUser returns a user profile.
func (db *DB) GetUser(id string) (model.Profile, error) {
	var p model.Profile
	err := db.QueryRow(`SELECT id, display_name, avatar_url FROM users WHERE id = ?`, id).
		Scan(&p.ID, &p.DisplayName, &p.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, ErrNotFound
	}
	return p, err
}

// EnsureConversation returns the conversation between two users, creating
// it if needed. The pair is stored in a canonical order.
func (db *DB) EnsureConversation(a, b string) (model.Conversation, error) {
	if a == "" || b == "" || a == b {
		return model.Conversation{}, fmt.Errorf("conversation needs two distinct users")
	}
	if b < a {
		a, b = b, a
	}
	_, err := db.Exec(`
		INSERT INTO conversations (user1_id, user2_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user1_id, user2_id) DO NOTHING`,
		a, b, time.Now().UnixMilli())
	if err != nil {
		return model.Conversation{}, err
	}
	var id int64
	if err := db.QueryRow(`SELECT id FROM conversations WHERE user1_id = ? AND user2_id = ?`, a, b).Scan(&id); err != nil {
		return model.Conversation{}, err
	}
	return db.GetConversation(id, a)
}

const conversationColumns = `
	c.id, c.user1_id, c.user2_id, c.last_message, c.last_message_at, c.last_sender_id,
	(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.read = 0 AND m.sender_id <> ?) AS unread,
	COALESCE(u.id, ''), COALESCE(u.display_name, ''), COALESCE(u.avatar_url, '')`

// peerJoin joins the profile of the participant that is not the viewer.
const peerJoin = `
	LEFT JOIN users u ON u.id = CASE WHEN c.user1_id = ? THEN c.user2_id ELSE c.user1_id END`

// ListConversations returns the conversations of userID, most recent
// activity first, with unread counts and peer profiles as seen by userID.
func (db *DB) ListConversations(userID string) ([]model.Conversation, error) {
	rows, err := db.Query(`SELECT `+conversationColumns+` FROM conversations c`+peerJoin+`
		WHERE c.user1_id = ? OR c.user2_id = ?
		ORDER BY c.last_message_at DESC, c.id DESC`,
		userID, userID, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns one conversation as seen by viewerID.
func (db *DB) GetConversation(id int64, viewerID string) (model.Conversation, error) {
	row := db.QueryRow(`SELECT `+conversationColumns+` FROM conversations c`+peerJoin+`
		WHERE c.id = ?`, viewerID, viewerID, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	return c, err
}

// IsMember reports whether userID takes part in the conversation.
func (db *DB) IsMember(convID int64, userID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE id = ? AND (user1_id = ? OR user2_id = ?)`,
		convID, userID, userID).Scan(&n)
	return n > 0, err
}

// DeleteConversation removes a conversation and its messages.
func (db *DB) DeleteConversation(id int64) error {
	res, err := db.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (model.Conversation, error) {
	var (
		c      model.Conversation
		lastAt int64
		peer   model.Profile
	)
	err := s.Scan(&c.ID, &c.User1ID, &c.User2ID, &c.LastMessage, &lastAt, &c.LastSenderID,
		&c.UnreadCount, &peer.ID, &peer.DisplayName, &peer.AvatarURL)
	if err != nil {
		return model.Conversation{}, err
	}
	if lastAt > 0 {
		c.LastMessageAt = time.UnixMilli(lastAt).UTC()
	}
	if peer.ID != "" {
		c.PeerProfile = &peer
	}
	return c, nil
}
