package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"querysmith/internal/logging"
	"querysmith/internal/types"
)

// =============================================================================
// LEARNING STORE
// =============================================================================
// Learning items are runtime-discovered corrections. The store is append-only:
// items are never deleted, only linked to a superseding item when a later one
// addresses the same tables + issue more specifically.

// SaveLearningItem appends a learning item, idempotent under the content hash
// of issue + solution + affected tables. Returns the canonical id.
func (s *Store) SaveLearningItem(item types.LearningItem) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SaveLearningItem")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ContentHash(item.Issue+"\n"+item.Solution, item.TablesAffected)

	if id, ok := s.learningIDByHash(hash); ok {
		logging.StoreDebug("Learning item deduplicated: hash=%s id=%s", hash[:12], id)
		return id, nil
	}

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	embJSON, err := marshalEmbedding(item.Embedding)
	if err != nil {
		return "", err
	}
	tablesJSON, _ := json.Marshal(item.TablesAffected)

	_, err = s.db.Exec(
		`INSERT INTO learning_items (id, issue, solution, embedding, tables_affected, source_failure_id, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		item.ID, item.Issue, item.Solution, embJSON, string(tablesJSON),
		item.SourceFailureID, hash, item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save learning item: %v", err)
		return "", fmt.Errorf("failed to save learning item: %w", err)
	}

	id, ok := s.learningIDByHash(hash)
	if !ok {
		return "", fmt.Errorf("learning item vanished after insert: hash=%s", hash)
	}
	if id == item.ID {
		// The table index drives scoped lookup during repair; a row that is
		// missing from it is invisible there, so index failures are real
		// failures.
		for _, table := range item.TablesAffected {
			if _, err := s.db.Exec(`INSERT OR IGNORE INTO learning_tables (item_id, table_name) VALUES (?, ?)`, id, table); err != nil {
				logging.Get(logging.CategoryStore).Error("Failed to index learning item %s under %s: %v", id, table, err)
				return "", fmt.Errorf("failed to index learning item under table %s: %w", table, err)
			}
		}
		logging.StoreDebug("Learning item stored: id=%s tables=%d", id, len(item.TablesAffected))
	}

	return id, nil
}

// learningIDByHash looks up the canonical item id for a content hash.
// Caller must hold the lock.
func (s *Store) learningIDByHash(hash string) (string, bool) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM learning_items WHERE content_hash = ?`, hash).Scan(&id)
	if err != nil {
		return "", false
	}
	return id, true
}

// GetLearningItem retrieves a learning item by id.
func (s *Store) GetLearningItem(id string) (*types.LearningItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, issue, solution, embedding, tables_affected, source_failure_id, superseded_by, created_at
		 FROM learning_items WHERE id = ?`, id)

	item, err := scanLearningItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("learning item %s not found", id)
		}
		return nil, err
	}
	return item, nil
}

// ListLearningItems returns all learning items, newest first.
func (s *Store) ListLearningItems() ([]types.LearningItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListLearningItems")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, issue, solution, embedding, tables_affected, source_failure_id, superseded_by, created_at
		 FROM learning_items ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectLearningItems(rows)
}

// LearningItemsByTables returns live learning items affecting any of the
// given tables, newest first. This is the repair path: after a failure the
// engine consults learnings scoped to the failing tables.
func (s *Store) LearningItemsByTables(tables []string) ([]types.LearningItem, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryStore, "LearningItemsByTables")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := make([]byte, 0, len(tables)*2)
	args := make([]interface{}, 0, len(tables))
	for i, t := range tables {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args = append(args, t)
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT l.id, l.issue, l.solution, l.embedding, l.tables_affected, l.source_failure_id, l.superseded_by, l.created_at
		 FROM learning_items l
		 JOIN learning_tables lt ON lt.item_id = l.id
		 WHERE lt.table_name IN (%s) AND l.superseded_by = ''
		 ORDER BY l.created_at DESC`, placeholders)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectLearningItems(rows)
}

// SupersedeLearningItem links oldID to newID. Supersession is a link, not a
// mutation: the old item stays readable for audit.
func (s *Store) SupersedeLearningItem(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE learning_items SET superseded_by = ? WHERE id = ? AND superseded_by = ''`,
		newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to supersede learning item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("learning item %s not found or already superseded", oldID)
	}

	logging.StoreDebug("Learning item superseded: %s -> %s", oldID, newID)
	return nil
}

func scanLearningItem(row rowScanner) (*types.LearningItem, error) {
	var item types.LearningItem
	var embJSON, tablesJSON, createdAt string

	if err := row.Scan(&item.ID, &item.Issue, &item.Solution, &embJSON, &tablesJSON,
		&item.SourceFailureID, &item.SupersededBy, &createdAt); err != nil {
		return nil, err
	}

	item.Embedding = unmarshalEmbedding(embJSON)
	if tablesJSON != "" {
		json.Unmarshal([]byte(tablesJSON), &item.TablesAffected)
	}
	item.CreatedAt = parseStoredTime(createdAt)

	return &item, nil
}

func collectLearningItems(rows *sql.Rows) ([]types.LearningItem, error) {
	var items []types.LearningItem
	for rows.Next() {
		item, err := scanLearningItem(rows)
		if err != nil {
			continue
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
