// Package engine drives one question through the
// search→draft→validate→execute cycle with bounded repair. The engine owns
// the query session, records every attempt atomically, and archives the
// session once it reaches a terminal state. Drafting and execution are
// collaborators supplied at construction; the capability set is fixed for
// the engine's lifetime.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"querysmith/internal/embedding"
	"querysmith/internal/introspect"
	"querysmith/internal/logging"
	"querysmith/internal/retrieval"
	"querysmith/internal/safety"
	"querysmith/internal/store"
	"querysmith/internal/types"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// DraftRequest is everything the drafting collaborator gets to work with.
type DraftRequest struct {
	Question      string
	ContextItems  []string
	SchemaHint    string
	PriorFailures []string
}

// Drafter turns a question plus retrieved context into candidate SQL.
// This is the only non-deterministic step in the loop.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (string, error)
}

// Executor runs a validated query. A classified failure is reported inside
// the result, never as a Go error.
type Executor interface {
	Execute(ctx context.Context, sqlText string) *types.ExecutionResult
}

// SchemaReader is the introspection fallback. May be nil, in which case the
// engine drafts without a schema hint when retrieval comes back empty.
type SchemaReader interface {
	Describe(ctx context.Context, tableName string) (*introspect.Schema, error)
}

// =============================================================================
// ENGINE
// =============================================================================

// Options configures an Engine. Store, Drafter and Executor are required.
type Options struct {
	Store    *store.Store
	Index    *retrieval.Index
	Drafter  Drafter
	Executor Executor
	Schema   SchemaReader
	Embedder embedding.Engine

	RetryBound   int
	DefaultLimit int
	TopK         int
	DraftTimeout time.Duration
	ExecTimeout  time.Duration
}

// Engine is the repair orchestrator.
type Engine struct {
	store    *store.Store
	index    *retrieval.Index
	drafter  Drafter
	executor Executor
	schema   SchemaReader
	embedder embedding.Engine

	retryBound   int
	defaultLimit int
	topK         int
	draftTimeout time.Duration
	execTimeout  time.Duration
}

// New validates the collaborator set and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine requires a store")
	}
	if opts.Drafter == nil {
		return nil, fmt.Errorf("engine requires a drafting collaborator")
	}
	if opts.Executor == nil {
		return nil, fmt.Errorf("engine requires an execution collaborator")
	}
	if opts.Index == nil {
		opts.Index = retrieval.NewIndex(opts.Store, opts.Embedder, retrieval.Config{})
	}
	if opts.RetryBound <= 0 {
		opts.RetryBound = 3
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 50
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.DraftTimeout <= 0 {
		opts.DraftTimeout = 30 * time.Second
	}
	if opts.ExecTimeout <= 0 {
		opts.ExecTimeout = 15 * time.Second
	}

	return &Engine{
		store:        opts.Store,
		index:        opts.Index,
		drafter:      opts.Drafter,
		executor:     opts.Executor,
		schema:       opts.Schema,
		embedder:     opts.Embedder,
		retryBound:   opts.RetryBound,
		defaultLimit: opts.DefaultLimit,
		topK:         opts.TopK,
		draftTimeout: opts.DraftTimeout,
		execTimeout:  opts.ExecTimeout,
	}, nil
}

// Ask runs one question to a terminal state. The returned session always
// carries the full attempt trace; on exhaustion the error is
// ErrRetryExhausted and the trace explains why. Cancellation is observed
// between state transitions, never mid-attempt, so a canceled session never
// holds a partially recorded attempt.
func (e *Engine) Ask(ctx context.Context, question string, tableScope []string) (*types.QuerySession, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Ask")
	defer timer.Stop()

	session := &types.QuerySession{
		ID:         uuid.NewString(),
		Question:   question,
		TableScope: tableScope,
		Status:     types.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	logging.Engine("Session %s started: %q", session.ID, question)

	ranking := safety.IsRankingQuestion(question)
	var repairHints []string
	emptyRetried := false

	maxAttempts := e.retryBound + 1
	for seq := 1; seq <= maxAttempts; seq++ {
		if err := ctx.Err(); err != nil {
			return session, err
		}

		// SEARCH
		contextItems, schemaHint, refs, err := e.search(ctx, question, tableScope, repairHints)
		if err != nil {
			return session, err
		}
		if seq == 1 {
			session.RetrievedContext = refs
		}

		if err := ctx.Err(); err != nil {
			return session, err
		}

		// DRAFT
		candidate, draftErr := e.draft(ctx, DraftRequest{
			Question:      question,
			ContextItems:  contextItems,
			SchemaHint:    schemaHint,
			PriorFailures: priorFailures(session),
		})
		if draftErr != nil {
			attempt := types.Attempt{
				SequenceNo: seq,
				ExecutionResult: &types.ExecutionResult{
					Error:    fmt.Sprintf("%v: %v", ErrGenerationUnavailable, draftErr),
					ErrClass: types.ErrClassOther,
				},
				Timestamp: time.Now().UTC(),
			}
			if err := session.AppendAttempt(attempt); err != nil {
				return session, err
			}
			logging.Get(logging.CategoryEngine).Warn("Session %s attempt %d: draft failed: %v", session.ID, seq, draftErr)
			continue
		}

		// VALIDATE
		violations := safety.Validate(candidate, safety.Options{
			TableScope:      tableScope,
			RankingQuestion: ranking,
		})
		if safety.Blocking(violations) {
			attempt := types.Attempt{
				SequenceNo:   seq,
				CandidateSQL: candidate,
				ValidatorResult: &types.ValidatorResult{
					Pass:       false,
					Violations: safety.Strings(violations),
				},
				Timestamp: time.Now().UTC(),
			}
			if err := session.AppendAttempt(attempt); err != nil {
				return session, err
			}
			repairHints = mergeHints(repairHints, safety.ReferencedTables(candidate))
			logging.EngineDebug("Session %s attempt %d blocked by validator: %v", session.ID, seq, safety.Strings(violations))
			continue
		}

		// Single self-heal: an unbounded but otherwise clean query gets the
		// default LIMIT appended instead of burning a repair cycle.
		if hasKind(violations, safety.KindMissingLimit) {
			candidate = safety.InjectLimit(candidate, e.defaultLimit)
		}

		if err := ctx.Err(); err != nil {
			return session, err
		}

		// EXECUTE
		execCtx, cancel := context.WithTimeout(ctx, e.execTimeout)
		result := e.executor.Execute(execCtx, candidate)
		cancel()

		attempt := types.Attempt{
			SequenceNo:   seq,
			CandidateSQL: candidate,
			ValidatorResult: &types.ValidatorResult{
				Pass:       true,
				Violations: safety.Strings(violations),
			},
			ExecutionResult: result,
			Timestamp:       time.Now().UTC(),
		}
		if err := session.AppendAttempt(attempt); err != nil {
			return session, err
		}

		if !result.Failed() {
			// A first zero-row result is suspicious rather than conclusive:
			// a wrong date format or column choice returns nothing without
			// raising an error. One repair pass re-checks; a repeat empty is
			// accepted as legitimately empty.
			if result.RowCount == 0 && !emptyRetried && seq < maxAttempts {
				emptyRetried = true
				repairHints = mergeHints(repairHints, safety.ReferencedTables(candidate))
				logging.EngineDebug("Session %s attempt %d returned no rows, re-checking", session.ID, seq)
				continue
			}
			session.Status = types.StatusSucceeded
			e.archive(session)
			logging.Engine("Session %s succeeded on attempt %d (%d rows)", session.ID, seq, result.RowCount)
			return session, nil
		}

		repairHints = mergeHints(repairHints, safety.ReferencedTables(candidate))
		logging.EngineDebug("Session %s attempt %d failed (%s): %s", session.ID, seq, result.ErrClass, result.Error)
	}

	session.Status = types.StatusFailedExhausted
	e.archive(session)
	logging.Get(logging.CategoryEngine).Warn("Session %s exhausted after %d attempts", session.ID, len(session.Attempts))
	return session, ErrRetryExhausted
}

// search gathers drafting context. Repair hints widen the pass to learning
// items scoped to the tables that failed; an empty result set falls back to
// live schema introspection.
func (e *Engine) search(ctx context.Context, question string, tableScope, repairHints []string) ([]string, string, []types.ContextRef, error) {
	results, err := e.index.Search(ctx, question, tableScope, e.topK)
	if err != nil {
		return nil, "", nil, fmt.Errorf("retrieval failed: %w", err)
	}

	seen := make(map[string]bool, len(results))
	items := make([]string, 0, len(results))
	refs := make([]types.ContextRef, 0, len(results))
	for _, r := range results {
		seen[r.ItemID] = true
		items = append(items, r.Text)
		refs = append(refs, r.Ref())
	}

	// Repair passes additionally consult learnings for the failed tables.
	if len(repairHints) > 0 {
		learnings, err := e.store.LearningItemsByTables(repairHints)
		if err != nil {
			return nil, "", nil, fmt.Errorf("learning lookup failed: %w", err)
		}
		for _, l := range learnings {
			if seen[l.ID] {
				continue
			}
			seen[l.ID] = true
			items = append(items, l.Issue+"\n"+l.Solution)
			refs = append(refs, types.ContextRef{ItemID: l.ID, Kind: types.KindLearning, Score: 0})
		}
	}

	var schemaHint string
	if len(items) == 0 && e.schema != nil {
		snapshot, err := e.schema.Describe(ctx, "")
		if err != nil {
			logging.Get(logging.CategoryEngine).Warn("Schema fallback failed: %v", err)
		} else {
			schemaHint = snapshot.Render()
		}
	}

	return items, schemaHint, refs, nil
}

func (e *Engine) draft(ctx context.Context, req DraftRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.draftTimeout)
	defer cancel()

	sqlText, err := e.drafter.Draft(ctx, req)
	if err != nil {
		return "", err
	}
	sqlText = strings.TrimSpace(sqlText)
	if sqlText == "" {
		return "", fmt.Errorf("drafter returned empty SQL")
	}
	return sqlText, nil
}

// archive persists the terminal session. Archival failure is logged, not
// fatal: the caller already holds the full trace.
func (e *Engine) archive(session *types.QuerySession) {
	if err := e.store.ArchiveSession(session); err != nil {
		logging.Get(logging.CategoryEngine).Error("Failed to archive session %s: %v", session.ID, err)
	}
}

// priorFailures renders the failed attempts so far for the next draft.
func priorFailures(session *types.QuerySession) []string {
	var failures []string
	for _, a := range session.Attempts {
		switch {
		case a.ValidatorResult != nil && !a.ValidatorResult.Pass:
			failures = append(failures, fmt.Sprintf("attempt %d: %s -- rejected: %s",
				a.SequenceNo, a.CandidateSQL, strings.Join(a.ValidatorResult.Violations, "; ")))
		case a.ExecutionResult.Failed():
			failures = append(failures, fmt.Sprintf("attempt %d: %s -- failed (%s): %s",
				a.SequenceNo, a.CandidateSQL, a.ExecutionResult.ErrClass, a.ExecutionResult.Error))
		case a.ExecutionResult != nil && a.ExecutionResult.RowCount == 0:
			failures = append(failures, fmt.Sprintf("attempt %d: %s -- returned no rows; verify column types, date formats, and filter values",
				a.SequenceNo, a.CandidateSQL))
		}
	}
	return failures
}

func hasKind(violations []safety.Violation, kind safety.Kind) bool {
	for _, v := range violations {
		if v.Kind == kind {
			return true
		}
	}
	return false
}

func mergeHints(hints, tables []string) []string {
	seen := make(map[string]bool, len(hints))
	for _, h := range hints {
		seen[h] = true
	}
	for _, t := range tables {
		if !seen[t] {
			seen[t] = true
			hints = append(hints, t)
		}
	}
	return hints
}
