package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"querysmith/internal/store"
	"querysmith/internal/types"
)

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Which driver has the most wins?")
	for _, want := range []string{"driver", "most", "wins"} {
		if !tokens[want] {
			t.Errorf("expected token %q in %v", want, tokens)
		}
	}
	for _, stop := range []string{"which", "has", "the"} {
		if tokens[stop] {
			t.Errorf("stopword %q should be dropped", stop)
		}
	}
}

func TestLexicalScore(t *testing.T) {
	q := Tokenize("total races per season")
	doc := Tokenize("count of races grouped by season year")
	if LexicalScore(q, doc) <= 0 {
		t.Error("overlapping texts should score above zero")
	}
	if got := LexicalScore(q, Tokenize("customer churn rate")); got != 0 {
		t.Errorf("disjoint texts should score 0, got %f", got)
	}
	if got := LexicalScore(q, q); got != 1.0 {
		t.Errorf("identical token sets should score 1.0, got %f", got)
	}
}

func newIndexWithData(t *testing.T) (*Index, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	seed := []types.KnowledgeItem{
		{Kind: types.KindTableMetadata, Text: "drivers: driver_id, full_name, nationality, wins", Tags: []string{"drivers"}},
		{Kind: types.KindQueryPattern, Text: "Q: which driver has the most wins\nSELECT full_name FROM drivers ORDER BY wins DESC LIMIT 1", Tags: []string{"drivers"}},
		{Kind: types.KindBusinessRule, Text: "a win means finishing position equals 1 in race_results", Tags: []string{"race_results"}},
	}
	for _, item := range seed {
		if _, err := s.SaveKnowledgeItem(item); err != nil {
			t.Fatalf("seed knowledge: %v", err)
		}
	}
	if _, err := s.SaveLearningItem(types.LearningItem{
		Issue:          "wins column is TEXT not INTEGER",
		Solution:       "CAST(wins AS INTEGER) before ordering",
		TablesAffected: []string{"drivers"},
	}); err != nil {
		t.Fatalf("seed learning: %v", err)
	}

	return NewIndex(s, nil, Config{TopK: 10, MinRelevance: 0.05}), s
}

func TestSearchLexicalRanking(t *testing.T) {
	idx, _ := newIndexWithData(t)

	results, err := idx.Search(context.Background(), "which driver has the most wins", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}
	if results[0].Kind != types.KindQueryPattern {
		t.Errorf("top result kind = %s, want query_pattern", results[0].Kind)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results out of order at %d: %f > %f", i, results[i].Score, results[i-1].Score)
		}
	}
}

func TestSearchDeterministic(t *testing.T) {
	idx, _ := newIndexWithData(t)
	ctx := context.Background()

	first, err := idx.Search(ctx, "driver wins", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for run := 0; run < 5; run++ {
		again, err := idx.Search(ctx, "driver wins", nil, 10)
		if err != nil {
			t.Fatalf("Search run %d: %v", run, err)
		}
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("run %d differs (-first +again):\n%s", run, diff)
		}
	}
}

func TestSearchTableScope(t *testing.T) {
	idx, _ := newIndexWithData(t)

	results, err := idx.Search(context.Background(), "driver wins", []string{"race_results"}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Kind == types.KindTableMetadata || r.Kind == types.KindQueryPattern {
			t.Errorf("out-of-scope item leaked into results: %s %s", r.Kind, r.ItemID)
		}
	}
}

func TestSearchExcludesSuperseded(t *testing.T) {
	idx, s := newIndexWithData(t)
	ctx := context.Background()

	oldID, err := s.SaveLearningItem(types.LearningItem{
		Issue: "race dates unparseable", Solution: "old workaround", TablesAffected: []string{"races"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	newID, err := s.SaveLearningItem(types.LearningItem{
		Issue: "race dates unparseable", Solution: "strftime workaround", TablesAffected: []string{"races"},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SupersedeLearningItem(oldID, newID); err != nil {
		t.Fatalf("supersede: %v", err)
	}

	results, err := idx.Search(ctx, "race dates unparseable workaround", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.ItemID == oldID {
			t.Error("superseded item appeared in results")
		}
	}
}

func TestSearchMinRelevanceFilter(t *testing.T) {
	idx, _ := newIndexWithData(t)

	results, err := idx.Search(context.Background(), "quarterly revenue forecast pipeline", nil, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range results {
		if r.Score < 0.05 {
			t.Errorf("result below relevance floor: %f", r.Score)
		}
	}
}

// failingEngine always errors, standing in for an unreachable embedding
// backend.
type failingEngine struct{}

func (failingEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("connection refused")
}
func (failingEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, errors.New("connection refused")
}
func (failingEngine) Dimensions() int { return 768 }
func (failingEngine) Name() string    { return "failing" }

func TestSearchDegradesWhenEmbeddingFails(t *testing.T) {
	_, s := newIndexWithData(t)
	idx := NewIndex(s, failingEngine{}, Config{TopK: 10, MinRelevance: 0.05})

	results, err := idx.Search(context.Background(), "which driver has the most wins", nil, 10)
	if err != nil {
		t.Fatalf("Search should degrade, not fail: %v", err)
	}
	if len(results) == 0 {
		t.Error("lexical fallback should still return results")
	}
}
