// Package retrieval ranks stored knowledge and learnings against a natural
// language question. Scoring is hybrid: keyword overlap plus embedding
// cosine similarity when an embedding engine is available. When embedding
// fails or is not configured, retrieval degrades to lexical-only scoring
// rather than failing the search.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"querysmith/internal/embedding"
	"querysmith/internal/logging"
	"querysmith/internal/store"
	"querysmith/internal/types"
)

// =============================================================================
// HYBRID INDEX
// =============================================================================

const (
	lexicalWeight  = 0.5
	semanticWeight = 0.5
)

// Index performs hybrid search across the knowledge and learning stores.
type Index struct {
	store  *store.Store
	engine embedding.Engine // nil means lexical-only

	topK         int
	minRelevance float64
}

// Config holds retrieval tuning knobs.
type Config struct {
	TopK         int
	MinRelevance float64
}

// NewIndex creates a hybrid index over the given store. engine may be nil.
func NewIndex(s *store.Store, engine embedding.Engine, cfg Config) *Index {
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MinRelevance <= 0 {
		cfg.MinRelevance = 0.05
	}
	return &Index{
		store:        s,
		engine:       engine,
		topK:         cfg.TopK,
		minRelevance: cfg.MinRelevance,
	}
}

// Result is a scored reference into one of the stores.
type Result struct {
	ItemID    string
	Kind      types.ItemKind
	Text      string
	Score     float64
	CreatedAt time.Time
}

// Ref converts a result into a session context reference.
func (r Result) Ref() types.ContextRef {
	return types.ContextRef{ItemID: r.ItemID, Kind: r.Kind, Score: r.Score}
}

// Search returns the top K items relevant to the question, scoped to the
// given tables when tableScope is non-empty. Superseded items never appear.
// Results are ordered by score descending with deterministic tie-breaking.
func (i *Index) Search(ctx context.Context, question string, tableScope []string, topK int) ([]Result, error) {
	timer := logging.StartTimer(logging.CategoryRetrieval, "Search")
	defer timer.Stop()

	if topK <= 0 {
		topK = i.topK
	}

	var (
		knowledge []types.KnowledgeItem
		learnings []types.LearningItem
		queryVec  []float32
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if len(tableScope) > 0 {
			knowledge, err = i.store.KnowledgeItemsByTags(tableScope)
		} else {
			knowledge, err = i.store.ListKnowledgeItems()
		}
		if err != nil {
			return fmt.Errorf("knowledge lookup: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		var err error
		if len(tableScope) > 0 {
			learnings, err = i.store.LearningItemsByTables(tableScope)
		} else {
			learnings, err = i.store.ListLearningItems()
		}
		if err != nil {
			return fmt.Errorf("learning lookup: %w", err)
		}
		return nil
	})

	if i.engine != nil {
		g.Go(func() error {
			vec, err := i.engine.Embed(gctx, question)
			if err != nil {
				// Degrade to lexical-only, never fail the search.
				logging.Get(logging.CategoryRetrieval).Warn("Query embedding failed, falling back to lexical scoring: %v", err)
				return nil
			}
			queryVec = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	queryTokens := Tokenize(question)

	results := make([]Result, 0, len(knowledge)+len(learnings))
	for _, item := range knowledge {
		if item.SupersededBy != "" {
			continue
		}
		score := i.score(queryTokens, queryVec, item.Text, item.Embedding)
		if score < i.minRelevance {
			continue
		}
		results = append(results, Result{
			ItemID:    item.ID,
			Kind:      item.Kind,
			Text:      item.Text,
			Score:     score,
			CreatedAt: item.CreatedAt,
		})
	}
	for _, item := range learnings {
		if item.SupersededBy != "" {
			continue
		}
		text := item.Issue + "\n" + item.Solution
		score := i.score(queryTokens, queryVec, text, item.Embedding)
		if score < i.minRelevance {
			continue
		}
		results = append(results, Result{
			ItemID:    item.ID,
			Kind:      types.KindLearning,
			Text:      text,
			Score:     score,
			CreatedAt: item.CreatedAt,
		})
	}

	sortResults(results)

	if len(results) > topK {
		results = results[:topK]
	}

	logging.RetrievalDebug("Search %q scope=%v: %d candidates, returning %d", question, tableScope, len(knowledge)+len(learnings), len(results))
	return results, nil
}

// score blends lexical overlap with cosine similarity. Items or queries
// without an embedding fall back to pure lexical scoring.
func (i *Index) score(queryTokens map[string]bool, queryVec []float32, text string, itemVec []float32) float64 {
	lexical := LexicalScore(queryTokens, Tokenize(text))

	if len(queryVec) == 0 || len(itemVec) == 0 {
		return lexical
	}

	cosine, err := embedding.CosineSimilarity(queryVec, itemVec)
	if err != nil {
		return lexical
	}
	if cosine < 0 {
		cosine = 0
	}

	return lexicalWeight*lexical + semanticWeight*cosine
}

// sortResults orders by score descending. Ties break by recency, then by
// item kind precedence, then by id so equal inputs always rank identically.
func sortResults(results []Result) {
	sort.Slice(results, func(a, b int) bool {
		if results[a].Score != results[b].Score {
			return results[a].Score > results[b].Score
		}
		if !results[a].CreatedAt.Equal(results[b].CreatedAt) {
			return results[a].CreatedAt.After(results[b].CreatedAt)
		}
		pa, pb := types.KindPrecedence(results[a].Kind), types.KindPrecedence(results[b].Kind)
		if pa != pb {
			return pa > pb
		}
		return results[a].ItemID < results[b].ItemID
	})
}
