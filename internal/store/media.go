package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Media is an uploaded file.
type Media struct {
	ID          string
	OwnerID     string
	Name        string
	ContentType string
	Data        []byte
	CreatedAt   time.Time
}

// PutMedia stores an upload and returns it with its new id.
func (db *DB) PutMedia(ownerID, name, contentType string, data []byte) (Media, error) {
	m := Media{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		Name:        name,
		ContentType: contentType,
		Data:        data,
		CreatedAt:   time.Now().UTC(),
	}
	if m.ContentType == "" {
		m.ContentType = "application/octet-stream"
	}
	_, err := db.Exec(`
		INSERT INTO media (id, owner_id, name, content_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.OwnerID, m.Name, m.ContentType, m.Data, m.CreatedAt.UnixMilli())
	if err != nil {
		return Media{}, err
	}
	return m, nil
}

// GetMedia returns an upload by id.
func (db *DB) GetMedia(id string) (Media, error) {
	var (
		m  Media
		ms int64
	)
	err := db.QueryRow(`SELECT id, owner_id, name, content_type, data, created_at FROM media WHERE id = ?`, id).
		Scan(&m.ID, &m.OwnerID, &m.Name, &m.ContentType, &m.Data, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Media{}, ErrNotFound
	}
	if err != nil {
		return Media{}, err
	}
	m.CreatedAt = time.UnixMilli(ms).UTC()
	return m, nil
}
