package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Interaction is one stored post, reply, or agent response. Data holds
// the flexible JSON payload the routes exchange with clients.
type Interaction struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// SearchResult is an interaction returned by full-text search, with the
// match snippet and the thread's reply count.
type SearchResult struct {
	Interaction
	ReplyCount int    `json:"reply_count"`
	Snippet    string `json:"snippet"`
}

// CreateInteraction stores a new interaction and returns its id.
func (s *Store) CreateInteraction(ctx context.Context, data map[string]any) (int64, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal interaction: %w", err)
	}

	res, err := s.db.ExecContext(ctx, "INSERT INTO interactions (data) VALUES (?)", string(raw))
	if err != nil {
		return 0, fmt.Errorf("insert interaction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Debug("interaction created", "id", id, "type", data["type"])
	return id, nil
}

// GetInteraction returns the interaction with the given id, or
// ErrNotFound.
func (s *Store) GetInteraction(ctx context.Context, id int64) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, timestamp, data FROM interactions WHERE id = ?", id)
	in, err := scanInteraction(row)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// DeleteInteraction removes an interaction. Reports false when the id
// does not exist. The FTS delete trigger keeps the index in sync.
func (s *Store) DeleteInteraction(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM interactions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("delete interaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Timeline returns up to limit interactions, oldest first. When
// beforeID is non-zero only interactions with smaller ids are returned,
// which pages backwards through history.
func (s *Store) Timeline(ctx context.Context, limit int, beforeID int64) ([]Interaction, error) {
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, timestamp, data FROM interactions
			 WHERE id < ? ORDER BY id DESC LIMIT ?`, beforeID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, timestamp, data FROM interactions
			 ORDER BY id DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	items, err := collectInteractions(rows)
	if err != nil {
		return nil, err
	}

	// Newest-first from the query; flip for chat-style display.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

// Thread returns the root interaction and all replies in the thread,
// oldest first.
func (s *Store) Thread(ctx context.Context, threadID int64) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, data FROM interactions
		 WHERE id = ? OR thread_id = ?
		 ORDER BY timestamp ASC`, threadID, threadID)
	if err != nil {
		return nil, fmt.Errorf("query thread: %w", err)
	}
	defer rows.Close()
	return collectInteractions(rows)
}

// Search runs a full-text query over interaction content, ranked by
// relevance, with a highlighted snippet per match. When the fts5 module
// is unavailable it degrades to a case-insensitive substring scan.
func (s *Store) Search(ctx context.Context, query string, limit, offset int) ([]SearchResult, error) {
	if !s.fts {
		return s.searchSubstring(ctx, query, limit, offset)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.timestamp, i.data,
		        (SELECT COUNT(*) FROM interactions r WHERE r.thread_id = i.id) AS reply_count,
		        snippet(interactions_fts, 0, '<mark>', '</mark>', '...', 32) AS snippet
		 FROM interactions_fts fts
		 JOIN interactions i ON fts.rowid = i.id
		 WHERE interactions_fts MATCH ?
		 ORDER BY rank
		 LIMIT ? OFFSET ?`, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var raw string
		if err := rows.Scan(&r.ID, &r.Timestamp, &raw, &r.ReplyCount, &r.Snippet); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			return nil, fmt.Errorf("decode interaction %d: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// searchSubstring is the degraded search path for builds without fts5.
// No ranking and no match highlighting, the snippet is the raw content.
func (s *Store) searchSubstring(ctx context.Context, query string, limit, offset int) ([]SearchResult, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.timestamp, i.data,
		        (SELECT COUNT(*) FROM interactions r WHERE r.thread_id = i.id) AS reply_count,
		        json_extract(i.data, '$.content') AS snippet
		 FROM interactions i
		 WHERE json_extract(i.data, '$.content') LIKE ? COLLATE NOCASE
		 ORDER BY i.timestamp DESC
		 LIMIT ? OFFSET ?`, pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var raw string
		if err := rows.Scan(&r.ID, &r.Timestamp, &raw, &r.ReplyCount, &r.Snippet); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			return nil, fmt.Errorf("decode interaction %d: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// HashtagPosts returns interactions whose content mentions #hashtag,
// newest first, each with its reply count.
func (s *Store) HashtagPosts(ctx context.Context, hashtag string, limit, offset int) ([]SearchResult, error) {
	pattern := "%#" + hashtag + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.timestamp, i.data,
		        (SELECT COUNT(*) FROM interactions r WHERE r.thread_id = i.id) AS reply_count
		 FROM interactions i
		 WHERE json_extract(i.data, '$.content') LIKE ? COLLATE NOCASE
		 ORDER BY i.timestamp DESC
		 LIMIT ? OFFSET ?`, pattern, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query hashtag: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var raw string
		if err := rows.Scan(&r.ID, &r.Timestamp, &raw, &r.ReplyCount); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &r.Data); err != nil {
			return nil, fmt.Errorf("decode interaction %d: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// InteractionsMissingPreviews returns interactions whose content looks
// like it contains URLs but that carry no link previews yet.
func (s *Store) InteractionsMissingPreviews(ctx context.Context) ([]Interaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, data FROM interactions
		 WHERE data LIKE '%http%'
		 AND (json_extract(data, '$.link_previews') IS NULL
		      OR json_extract(data, '$.link_previews') = '[]')
		 ORDER BY timestamp DESC`)
	if err != nil {
		return nil, fmt.Errorf("query missing previews: %w", err)
	}
	defer rows.Close()
	return collectInteractions(rows)
}

// CachedPreviews returns every stored link preview keyed by URL, so
// refetches can reuse earlier results.
func (s *Store) CachedPreviews(ctx context.Context) (map[string]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM interactions
		 WHERE json_extract(data, '$.link_previews') IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("query cached previews: %w", err)
	}
	defer rows.Close()

	cache := make(map[string]map[string]any)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var data struct {
			LinkPreviews []map[string]any `json:"link_previews"`
		}
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			continue
		}
		for _, preview := range data.LinkPreviews {
			url, _ := preview["url"].(string)
			if url == "" {
				continue
			}
			if _, seen := cache[url]; !seen {
				cache[url] = preview
			}
		}
	}
	return cache, rows.Err()
}

// UpdateInteractionPreviews sets an interaction's link_previews field.
// Reports false when the interaction does not exist.
func (s *Store) UpdateInteractionPreviews(ctx context.Context, id int64, previews []map[string]any) (bool, error) {
	in, err := s.GetInteraction(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	in.Data["link_previews"] = previews
	raw, err := json.Marshal(in.Data)
	if err != nil {
		return false, fmt.Errorf("marshal interaction: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE interactions SET data = ? WHERE id = ?", string(raw), id); err != nil {
		return false, fmt.Errorf("update previews: %w", err)
	}
	return true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*Interaction, error) {
	var in Interaction
	var raw string
	err := row.Scan(&in.ID, &in.Timestamp, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &in.Data); err != nil {
		return nil, fmt.Errorf("decode interaction %d: %w", in.ID, err)
	}
	return &in, nil
}

func collectInteractions(rows *sql.Rows) ([]Interaction, error) {
	var items []Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *in)
	}
	return items, rows.Err()
}
