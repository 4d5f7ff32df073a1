// Package types defines the shared data model for querysmith:
// knowledge and learning items, query sessions, and attempt records.
package types

import (
	"time"
)

// =============================================================================
// KNOWLEDGE & LEARNING ITEMS
// =============================================================================

// ItemKind classifies a knowledge item.
type ItemKind string

const (
	KindTableMetadata ItemKind = "table_metadata"
	KindBusinessRule  ItemKind = "business_rule"
	KindQueryPattern  ItemKind = "query_pattern"

	// KindLearning is the kind reported for learning items when they appear
	// in mixed retrieval results. Learning items live in their own store.
	KindLearning ItemKind = "learning"
)

// KindPrecedence orders kinds for ranking tie-breaks. A validated query
// pattern is more directly reusable than a business definition, which in
// turn beats raw table metadata and runtime learnings.
func KindPrecedence(k ItemKind) int {
	switch k {
	case KindQueryPattern:
		return 3
	case KindBusinessRule:
		return 2
	case KindTableMetadata:
		return 1
	default:
		return 0
	}
}

// KnowledgeItem is a curated entry in the knowledge store: table metadata,
// a business rule, or a validated query pattern. Items are immutable once
// written; corrections create a new item and link the old one via
// SupersededBy so history stays auditable.
type KnowledgeItem struct {
	ID           string    `json:"id"`
	Kind         ItemKind  `json:"kind"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding,omitempty"`
	Tags         []string  `json:"tags,omitempty"` // table names this item covers
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// LearningItem is a runtime-discovered correction: a data-quality issue and
// the fix that worked, generalized from a repair cycle. Append-only.
type LearningItem struct {
	ID              string    `json:"id"`
	Issue           string    `json:"issue"`
	TablesAffected  []string  `json:"tables_affected,omitempty"`
	Solution        string    `json:"solution"`
	Embedding       []float32 `json:"embedding,omitempty"`
	SourceFailureID string    `json:"source_failure_id,omitempty"` // back-reference, non-owning
	SupersededBy    string    `json:"superseded_by,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ContextRef identifies one retrieved item inside a session's context, in
// relevance order (most relevant first).
type ContextRef struct {
	ItemID string   `json:"item_id"`
	Kind   ItemKind `json:"kind"`
	Score  float64  `json:"score"`
}
