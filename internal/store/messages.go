package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gymlink/gymchat/internal/model"
)

// ListMessages returns a page of messages, newest first.
func (db *DB) ListMessages(convID int64, limit, offset int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, sender_id, text, image_url, read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`, convID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// InsertMessage stores a new message and updates the conversation preview
// in one transaction.
func (db *DB) InsertMessage(convID int64, senderID string, content model.Content, at time.Time) (model.Message, error) {
	if content.IsEmpty() {
		return model.Message{}, fmt.Errorf("message has no content")
	}
	tx, err := db.Begin()
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	ms := at.UnixMilli()
	res, err := tx.Exec(`
		INSERT INTO messages (conversation_id, sender_id, text, image_url, read, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`,
		convID, senderID, content.Text, content.ImageURL, ms)
	if err != nil {
		return model.Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Message{}, err
	}

	m := model.Message{
		ID:             model.ServerID(id),
		ConversationID: convID,
		Text:           content.Text,
		ImageURL:       content.ImageURL,
		CreatedAt:      time.UnixMilli(ms).UTC(),
		SenderID:       senderID,
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET last_message = ?, last_message_at = ?, last_sender_id = ?
		WHERE id = ?`, m.Preview(), ms, senderID, convID); err != nil {
		return model.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// GetMessage returns a message by id.
func (db *DB) GetMessage(id int64) (model.Message, error) {
	row := db.QueryRow(`
		SELECT id, conversation_id, sender_id, text, image_url, read, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	return m, err
}

// DeleteMessage removes a message and recomputes the preview of its
// conversation from the newest remaining message.
func (db *DB) DeleteMessage(id int64) (model.Message, error) {
	m, err := db.GetMessage(id)
	if err != nil {
		return model.Message{}, err
	}
	tx, err := db.Begin()
	if err != nil {
		return model.Message{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return model.Message{}, err
	}
	if _, err := tx.Exec(`
		UPDATE conversations SET
			last_message = COALESCE((SELECT CASE WHEN text = '' AND image_url <> '' THEN '[image]' ELSE text END
				FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1), ''),
			last_message_at = COALESCE((SELECT created_at
				FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1), 0),
			last_sender_id = COALESCE((SELECT sender_id
				FROM messages WHERE conversation_id = ? ORDER BY created_at DESC, id DESC LIMIT 1), '')
		WHERE id = ?`, m.ConversationID, m.ConversationID, m.ConversationID, m.ConversationID); err != nil {
		return model.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Message{}, err
	}
	return m, nil
}

// MarkRead flags every message in the conversation not sent by readerID as
// read and returns the ids that changed.
func (db *DB) MarkRead(convID int64, readerID string) ([]int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT id FROM messages WHERE conversation_id = ? AND read = 0 AND sender_id <> ?`,
		convID, readerID)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.Exec(`UPDATE messages SET read = 1 WHERE conversation_id = ? AND read = 0 AND sender_id <> ?`,
		convID, readerID); err != nil {
		return nil, err
	}
	return ids, tx.Commit()
}

func scanMessage(s scanner) (model.Message, error) {
	var (
		m         model.Message
		id        int64
		createdAt int64
	)
	if err := s.Scan(&id, &m.ConversationID, &m.SenderID, &m.Text, &m.ImageURL, &m.Read, &createdAt); err != nil {
		return model.Message{}, err
	}
	m.ID = model.ServerID(id)
	m.CreatedAt = time.UnixMilli(createdAt).UTC()
	return m, nil
}
