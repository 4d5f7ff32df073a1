package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"querysmith/internal/logging"
	"querysmith/internal/safety"
	"querysmith/internal/types"
)

// =============================================================================
// EXPLICIT PERSISTENCE
// =============================================================================
// The engine never persists patterns on its own. A coincidentally-correct
// query must not pollute the knowledge store, so saving is a separate
// caller-invoked operation gated on the session's terminal state.

// SavePattern records the successful query of a terminal session as a
// validated query pattern. Fails with ErrInvalidState unless the session
// archived as succeeded. Idempotent: re-saving the same pattern returns the
// existing id.
func (e *Engine) SavePattern(ctx context.Context, sessionID, notes string) (string, error) {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return "", fmt.Errorf("%w: unknown session %s", ErrInvalidState, sessionID)
	}
	if session.Status != types.StatusSucceeded {
		return "", fmt.Errorf("%w: session %s is %s", ErrInvalidState, sessionID, session.Status)
	}

	last := session.LastAttempt()
	if last == nil || last.CandidateSQL == "" {
		return "", fmt.Errorf("%w: session %s has no successful query", ErrInvalidState, sessionID)
	}

	text := fmt.Sprintf("Q: %s\n%s", session.Question, last.CandidateSQL)
	if notes != "" {
		text += "\n-- " + notes
	}
	tables := safety.ReferencedTables(last.CandidateSQL)

	item := types.KnowledgeItem{
		Kind:      types.KindQueryPattern,
		Text:      text,
		Embedding: e.embedText(ctx, text),
		Tags:      tables,
		CreatedAt: time.Now().UTC(),
	}

	id, err := e.store.SaveKnowledgeItem(item)
	if err != nil {
		return "", fmt.Errorf("failed to save pattern: %w", err)
	}
	logging.Engine("Saved query pattern %s from session %s (tables: %s)", id, sessionID, strings.Join(tables, ", "))
	return id, nil
}

// SaveLearning records a runtime-discovered correction. Callable after any
// repair, including from exhausted sessions: a documented inability is
// itself useful. Idempotent under the issue+solution+tables content hash.
func (e *Engine) SaveLearning(ctx context.Context, issue string, tablesAffected []string, solution, sourceFailureID string) (string, error) {
	if strings.TrimSpace(issue) == "" || strings.TrimSpace(solution) == "" {
		return "", fmt.Errorf("learning requires both an issue and a solution")
	}

	item := types.LearningItem{
		Issue:           issue,
		TablesAffected:  tablesAffected,
		Solution:        solution,
		Embedding:       e.embedText(ctx, issue+"\n"+solution),
		SourceFailureID: sourceFailureID,
		CreatedAt:       time.Now().UTC(),
	}

	id, err := e.store.SaveLearningItem(item)
	if err != nil {
		return "", fmt.Errorf("failed to save learning: %w", err)
	}
	logging.Engine("Saved learning %s (tables: %s)", id, strings.Join(tablesAffected, ", "))
	return id, nil
}

// embedText computes an embedding when a backend is configured. Failure
// degrades to no embedding; lexical retrieval still finds the item.
func (e *Engine) embedText(ctx context.Context, text string) []float32 {
	if e.embedder == nil {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		logging.Get(logging.CategoryEngine).Warn("Embedding failed, saving without vector: %v", err)
		return nil
	}
	return vec
}
