package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Media describes a stored media row without its blob.
type Media struct {
	ID          int64          `json:"id"`
	Filename    string         `json:"filename"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// CreateMedia stores a media blob with an optional thumbnail and
// metadata, returning the new row id.
func (s *Store) CreateMedia(ctx context.Context, filename, contentType string, data, thumbnail []byte, metadata map[string]any) (int64, error) {
	var meta any
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal media metadata: %w", err)
		}
		meta = string(raw)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO media (filename, content_type, data, thumbnail, metadata)
		 VALUES (?, ?, ?, ?, ?)`,
		filename, contentType, data, thumbnail, meta)
	if err != nil {
		return 0, fmt.Errorf("insert media: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Debug("media stored", "id", id, "filename", filename, "contentType", contentType, "bytes", len(data))
	return id, nil
}

// GetMedia returns a media row's metadata without its blob, or
// ErrNotFound.
func (s *Store) GetMedia(ctx context.Context, id int64) (*Media, error) {
	var m Media
	var meta sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filename, content_type, metadata, created_at
		 FROM media WHERE id = ?`, id).
		Scan(&m.ID, &m.Filename, &m.ContentType, &meta, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode media metadata %d: %w", id, err)
		}
	}
	return &m, nil
}

// MediaData returns a media row's content type and blob, or
// ErrNotFound.
func (s *Store) MediaData(ctx context.Context, id int64) (string, []byte, error) {
	var contentType string
	var data []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT content_type, data FROM media WHERE id = ?", id).
		Scan(&contentType, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	return contentType, data, nil
}

// MediaThumbnail returns a media row's thumbnail and its content type,
// or ErrNotFound when the row is missing or carries no thumbnail.
// Thumbnails are stored in the same format as the original bytes.
func (s *Store) MediaThumbnail(ctx context.Context, id int64) (string, []byte, error) {
	var contentType string
	var thumb []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT content_type, thumbnail FROM media WHERE id = ?", id).
		Scan(&contentType, &thumb)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, err
	}
	if len(thumb) == 0 {
		return "", nil, ErrNotFound
	}
	return contentType, thumb, nil
}

// MediaByOriginalURL returns the id of the media row cached from the
// given remote URL, or ErrNotFound. Used to deduplicate preview images.
func (s *Store) MediaByOriginalURL(ctx context.Context, originalURL string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM media
		 WHERE json_extract(metadata, '$.original_url') = ?
		 LIMIT 1`, originalURL).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}
