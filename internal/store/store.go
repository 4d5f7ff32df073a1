// Package store implements persistence for querysmith: the curated Knowledge
// Store, the append-only Learning Store, and the archive of terminal query
// sessions. Everything lives in a single SQLite database.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"querysmith/internal/logging"
)

// Store is the SQLite-backed persistence layer. Reads are lock-free beyond
// the RWMutex read lock; writes are append-only and idempotent under a
// content hash, so two racing writers of identical content both observe the
// winner's id.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; a second pooled connection would
	// also see a different database entirely for ":memory:".
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("Store opened at %s", path)
	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	knowledgeTable := `
	CREATE TABLE IF NOT EXISTS knowledge_items (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding TEXT,
		tags TEXT,
		superseded_by TEXT DEFAULT '',
		content_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_kind ON knowledge_items(kind);
	CREATE INDEX IF NOT EXISTS idx_knowledge_created ON knowledge_items(created_at);
	`

	// Secondary index from tag (table name) to item for scoped lookups.
	knowledgeTagsTable := `
	CREATE TABLE IF NOT EXISTS knowledge_tags (
		item_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		UNIQUE(item_id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_knowledge_tags_tag ON knowledge_tags(tag);
	`

	learningTable := `
	CREATE TABLE IF NOT EXISTS learning_items (
		id TEXT PRIMARY KEY,
		issue TEXT NOT NULL,
		solution TEXT NOT NULL,
		embedding TEXT,
		tables_affected TEXT,
		source_failure_id TEXT DEFAULT '',
		superseded_by TEXT DEFAULT '',
		content_hash TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_learning_created ON learning_items(created_at);
	`

	learningTablesTable := `
	CREATE TABLE IF NOT EXISTS learning_tables (
		item_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		UNIQUE(item_id, table_name)
	);
	CREATE INDEX IF NOT EXISTS idx_learning_tables_name ON learning_tables(table_name);
	`

	// Archive of terminal sessions with their full attempt trace.
	sessionTable := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		question TEXT NOT NULL,
		status TEXT NOT NULL,
		trace_json TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`

	for _, table := range []string{knowledgeTable, knowledgeTagsTable, learningTable, learningTablesTable, sessionTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	logging.Store("Closing store at %s", s.dbPath)
	return s.db.Close()
}

// Stats returns row counts per table.
func (s *Store) Stats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, table := range []string{"knowledge_items", "learning_items", "sessions"} {
		var count int64
		if err := s.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			continue
		}
		stats[table] = count
	}

	return stats, nil
}

// =============================================================================
// CONTENT HASHING
// =============================================================================

// ContentHash computes the idempotency key for a saved item: a SHA-256 over
// the normalized text plus the sorted table set. Semantically identical
// saves collide here and resolve to the existing item.
func ContentHash(text string, tables []string) string {
	sorted := make([]string, 0, len(tables))
	for _, t := range tables {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			sorted = append(sorted, t)
		}
	}
	sort.Strings(sorted)

	combined := normalizeText(text) + "::" + strings.Join(sorted, ",")
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// normalizeText lowercases and collapses all whitespace runs to single
// spaces so formatting differences do not defeat deduplication.
func normalizeText(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
