package store

import (
	"context"
	"fmt"
	"strings"
)

// WhitelistEntry is one auto-approval pattern for permission requests.
type WhitelistEntry struct {
	ID          int64  `json:"id"`
	Pattern     string `json:"pattern"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
}

// AddWhitelist inserts or replaces a whitelist pattern.
func (s *Store) AddWhitelist(ctx context.Context, pattern, description string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO permission_whitelist (pattern, description)
		 VALUES (?, ?)`, pattern, description)
	if err != nil {
		return 0, fmt.Errorf("insert whitelist pattern: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Info("whitelist pattern added", "pattern", pattern)
	return id, nil
}

// RemoveWhitelist deletes a pattern. Reports false when absent.
func (s *Store) RemoveWhitelist(ctx context.Context, pattern string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM permission_whitelist WHERE pattern = ?", pattern)
	if err != nil {
		return false, fmt.Errorf("delete whitelist pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Whitelist returns all entries, newest first.
func (s *Store) Whitelist(ctx context.Context) ([]WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pattern, COALESCE(description, ''), created_at
		 FROM permission_whitelist ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query whitelist: %w", err)
	}
	defer rows.Close()

	var entries []WhitelistEntry
	for rows.Next() {
		var e WhitelistEntry
		if err := rows.Scan(&e.ID, &e.Pattern, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsWhitelisted reports whether a tool call title matches any stored
// pattern. Patterns are simple globs: "*" matches everything, a leading
// or trailing "*" matches a suffix or prefix, anything else matches
// exactly.
func (s *Store) IsWhitelisted(ctx context.Context, title string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT pattern FROM permission_whitelist")
	if err != nil {
		return false, fmt.Errorf("query whitelist: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return false, err
		}
		if matchPattern(pattern, title) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func matchPattern(pattern, title string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(title, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(title, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == title
	}
}
