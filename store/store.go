// Package store persists posts, media, and the permission whitelist in
// SQLite. Interaction payloads are stored as JSON with generated
// columns for indexing and an FTS5 index kept in sync by triggers.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/vibesapp/vibes/logger"
)

const schemaVersion = 3

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS interactions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
    data JSON NOT NULL,
    type TEXT GENERATED ALWAYS AS (json_extract(data, '$.type')) VIRTUAL,
    thread_id INTEGER GENERATED ALWAYS AS (json_extract(data, '$.thread_id')) VIRTUAL,
    agent_id TEXT GENERATED ALWAYS AS (json_extract(data, '$.agent_id')) VIRTUAL
);

CREATE INDEX IF NOT EXISTS idx_interactions_type ON interactions(type);
CREATE INDEX IF NOT EXISTS idx_interactions_thread_id ON interactions(thread_id);
CREATE INDEX IF NOT EXISTS idx_interactions_agent_id ON interactions(agent_id);
CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp DESC);

CREATE TABLE IF NOT EXISTS media (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    filename TEXT NOT NULL,
    content_type TEXT NOT NULL,
    data BLOB NOT NULL,
    thumbnail BLOB,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS permission_whitelist (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    pattern TEXT NOT NULL UNIQUE,
    description TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

// migrationV3 adds the full-text index over interaction content and the
// triggers that keep it in sync. It also backfills existing rows, so it
// doubles as the fresh-install FTS setup.
const migrationV3 = `
CREATE VIRTUAL TABLE IF NOT EXISTS interactions_fts USING fts5(
    content,
    tokenize='porter unicode61'
);

INSERT OR IGNORE INTO interactions_fts(rowid, content)
SELECT id, json_extract(data, '$.content') FROM interactions;

CREATE TRIGGER IF NOT EXISTS interactions_ai AFTER INSERT ON interactions BEGIN
    INSERT INTO interactions_fts(rowid, content)
    VALUES (new.id, json_extract(new.data, '$.content'));
END;

CREATE TRIGGER IF NOT EXISTS interactions_ad AFTER DELETE ON interactions BEGIN
    DELETE FROM interactions_fts WHERE rowid = old.id;
END;

CREATE TRIGGER IF NOT EXISTS interactions_au AFTER UPDATE ON interactions BEGIN
    DELETE FROM interactions_fts WHERE rowid = old.id;
    INSERT INTO interactions_fts(rowid, content)
    VALUES (new.id, json_extract(new.data, '$.content'));
END;
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	fts bool
}

// Open opens (creating if necessary) the database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, log: logger.WithComponent("store")}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate brings the schema up to the current version.
func (s *Store) migrate() error {
	var current int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&current)
	if err != nil {
		// Missing table means a fresh database.
		current = 0
	}

	if current >= schemaVersion {
		s.fts = true
		return nil
	}

	if current < 2 {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("apply base schema: %w", err)
		}
	}

	// Version 3 is the full-text index. The sqlite3 driver only compiles
	// the fts5 module behind the sqlite_fts5 build tag, so without it the
	// schema stays at version 2 and Search falls back to substring
	// matching. A later binary built with the tag picks the migration up.
	version := schemaVersion
	if current < 3 {
		if _, err := s.db.Exec(migrationV3); err != nil {
			if !missingFTS5(err) {
				return fmt.Errorf("apply fts migration: %w", err)
			}
			s.log.Warn("fts5 module unavailable, search degraded to substring matching",
				"hint", "build with -tags sqlite_fts5")
			version = 2
		} else {
			s.fts = true
		}
	}

	if _, err := s.db.Exec(
		"INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version,
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	s.log.Info("database migrated", "from", current, "to", version)
	return nil
}

// missingFTS5 reports whether err is SQLite complaining that the fts5
// module was not compiled in.
func missingFTS5(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such module: fts5")
}

// FTSEnabled reports whether the full-text index is available.
func (s *Store) FTSEnabled() bool {
	return s.fts
}
