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
// KNOWLEDGE STORE
// =============================================================================

// SaveKnowledgeItem writes a knowledge item if no semantically identical one
// exists, and returns the canonical id either way. The UNIQUE constraint on
// content_hash makes this a compare-and-append: a raced duplicate insert
// resolves to the winner's id, never an error.
func (s *Store) SaveKnowledgeItem(item types.KnowledgeItem) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SaveKnowledgeItem")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := ContentHash(item.Text, item.Tags)

	// Fast path: identical content already stored.
	if id, ok := s.knowledgeIDByHash(hash); ok {
		logging.StoreDebug("Knowledge item deduplicated: hash=%s id=%s", hash[:12], id)
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
	tagsJSON, _ := json.Marshal(item.Tags)

	_, err = s.db.Exec(
		`INSERT INTO knowledge_items (id, kind, text, embedding, tags, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		item.ID, string(item.Kind), item.Text, embJSON, string(tagsJSON), hash,
		item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to save knowledge item: %v", err)
		return "", fmt.Errorf("failed to save knowledge item: %w", err)
	}

	// If a concurrent writer won the conflict, return its id.
	id, ok := s.knowledgeIDByHash(hash)
	if !ok {
		return "", fmt.Errorf("knowledge item vanished after insert: hash=%s", hash)
	}
	if id == item.ID {
		// Scoped lookup reads the tag index, not the items table; an item
		// missing from the index is invisible there, so index failures are
		// real failures.
		for _, tag := range item.Tags {
			if _, err := s.db.Exec(`INSERT OR IGNORE INTO knowledge_tags (item_id, tag) VALUES (?, ?)`, id, tag); err != nil {
				logging.Get(logging.CategoryStore).Error("Failed to index knowledge item %s under %s: %v", id, tag, err)
				return "", fmt.Errorf("failed to index knowledge item under tag %s: %w", tag, err)
			}
		}
		logging.StoreDebug("Knowledge item stored: id=%s kind=%s tags=%d", id, item.Kind, len(item.Tags))
	}

	return id, nil
}

// knowledgeIDByHash looks up the canonical item id for a content hash.
// Caller must hold the lock.
func (s *Store) knowledgeIDByHash(hash string) (string, bool) {
	var id string
	err := s.db.QueryRow(`SELECT id FROM knowledge_items WHERE content_hash = ?`, hash).Scan(&id)
	if err != nil {
		return "", false
	}
	return id, true
}

// GetKnowledgeItem retrieves a knowledge item by id.
func (s *Store) GetKnowledgeItem(id string) (*types.KnowledgeItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, kind, text, embedding, tags, superseded_by, created_at
		 FROM knowledge_items WHERE id = ?`, id)

	item, err := scanKnowledgeItem(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("knowledge item %s not found", id)
		}
		return nil, err
	}
	return item, nil
}

// ListKnowledgeItems returns all knowledge items, newest first. Superseded
// items are included; callers that want only live items filter on
// SupersededBy being empty.
func (s *Store) ListKnowledgeItems() ([]types.KnowledgeItem, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ListKnowledgeItems")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, kind, text, embedding, tags, superseded_by, created_at
		 FROM knowledge_items ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectKnowledgeItems(rows)
}

// KnowledgeItemsByTags returns live items covering any of the given table
// names, newest first. Uses the tag index rather than scanning texts.
func (s *Store) KnowledgeItemsByTags(tables []string) ([]types.KnowledgeItem, error) {
	if len(tables) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryStore, "KnowledgeItemsByTags")
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
		`SELECT DISTINCT k.id, k.kind, k.text, k.embedding, k.tags, k.superseded_by, k.created_at
		 FROM knowledge_items k
		 JOIN knowledge_tags kt ON kt.item_id = k.id
		 WHERE kt.tag IN (%s) AND k.superseded_by = ''
		 ORDER BY k.created_at DESC`, placeholders)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectKnowledgeItems(rows)
}

// SupersedeKnowledgeItem links oldID to newID. The old row is retained for
// audit; only the link column changes.
func (s *Store) SupersedeKnowledgeItem(oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`UPDATE knowledge_items SET superseded_by = ? WHERE id = ? AND superseded_by = ''`,
		newID, oldID)
	if err != nil {
		return fmt.Errorf("failed to supersede knowledge item: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("knowledge item %s not found or already superseded", oldID)
	}

	logging.StoreDebug("Knowledge item superseded: %s -> %s", oldID, newID)
	return nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanKnowledgeItem(row rowScanner) (*types.KnowledgeItem, error) {
	var item types.KnowledgeItem
	var kind, embJSON, tagsJSON, createdAt string

	if err := row.Scan(&item.ID, &kind, &item.Text, &embJSON, &tagsJSON, &item.SupersededBy, &createdAt); err != nil {
		return nil, err
	}

	item.Kind = types.ItemKind(kind)
	item.Embedding = unmarshalEmbedding(embJSON)
	if tagsJSON != "" {
		json.Unmarshal([]byte(tagsJSON), &item.Tags)
	}
	item.CreatedAt = parseStoredTime(createdAt)

	return &item, nil
}

func collectKnowledgeItems(rows *sql.Rows) ([]types.KnowledgeItem, error) {
	var items []types.KnowledgeItem
	for rows.Next() {
		item, err := scanKnowledgeItem(rows)
		if err != nil {
			continue
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func marshalEmbedding(emb []float32) (string, error) {
	if len(emb) == 0 {
		return "", nil
	}
	data, err := json.Marshal(emb)
	if err != nil {
		return "", fmt.Errorf("failed to serialize embedding: %w", err)
	}
	return string(data), nil
}

func unmarshalEmbedding(embJSON string) []float32 {
	if embJSON == "" {
		return nil
	}
	var emb []float32
	if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
		return nil
	}
	return emb
}

// parseStoredTime handles both our RFC3339 writes and SQLite's own
// CURRENT_TIMESTAMP format.
func parseStoredTime(v string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", v); err == nil {
		return t
	}
	return time.Time{}
}
