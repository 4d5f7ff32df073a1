package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"querysmith/internal/introspect"
	"querysmith/internal/store"
	"querysmith/internal/types"
)

func TestMain(m *testing.M) {
	// opencensus (pulled in transitively by the genai SDK) starts a stats
	// worker at init that never exits.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// =============================================================================
// FAKE COLLABORATORS
// =============================================================================

// scriptDrafter returns canned SQL responses in order, recording every
// request it receives.
type scriptDrafter struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	requests  []DraftRequest
}

func (d *scriptDrafter) Draft(ctx context.Context, req DraftRequest) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	call := len(d.requests) - 1
	if call < len(d.errs) && d.errs[call] != nil {
		return "", d.errs[call]
	}
	if call < len(d.responses) {
		return d.responses[call], nil
	}
	return d.responses[len(d.responses)-1], nil
}

// scriptExecutor returns canned execution results in order.
type scriptExecutor struct {
	mu      sync.Mutex
	results []*types.ExecutionResult
	gotSQL  []string
}

func (e *scriptExecutor) Execute(ctx context.Context, sqlText string) *types.ExecutionResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gotSQL = append(e.gotSQL, sqlText)
	call := len(e.gotSQL) - 1
	if call < len(e.results) {
		return e.results[call]
	}
	return e.results[len(e.results)-1]
}

func (e *scriptExecutor) calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.gotSQL)
}

// fakeSchema serves a fixed snapshot.
type fakeSchema struct {
	calls int
}

func (f *fakeSchema) Describe(ctx context.Context, tableName string) (*introspect.Schema, error) {
	f.calls++
	return &introspect.Schema{Tables: []introspect.Table{
		{Name: "drivers", Columns: []introspect.Column{
			{Name: "driver_id", DeclaredType: "INTEGER"},
			{Name: "full_name", DeclaredType: "TEXT"},
		}},
		{Name: "races", Columns: []introspect.Column{
			{Name: "race_id", DeclaredType: "INTEGER"},
			{Name: "date", DeclaredType: "TEXT"},
		}},
	}}, nil
}

func okResult(rows int) *types.ExecutionResult {
	r := &types.ExecutionResult{Columns: []string{"full_name"}}
	for i := 0; i < rows; i++ {
		r.Rows = append(r.Rows, []string{fmt.Sprintf("driver-%d", i)})
	}
	r.RowCount = rows
	return r
}

func errResult(class, msg string) *types.ExecutionResult {
	return &types.ExecutionResult{Error: msg, ErrClass: class}
}

func newTestEngine(t *testing.T, drafter Drafter, exec Executor, schema SchemaReader) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	eng, err := New(Options{
		Store:        s,
		Drafter:      drafter,
		Executor:     exec,
		Schema:       schema,
		RetryBound:   3,
		DefaultLimit: 50,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, s
}

// =============================================================================
// SCENARIOS
// =============================================================================

// A type mismatch on the first attempt surfaces the matching learning item
// to the second draft, which then succeeds.
func TestAskRepairsTypeMismatchWithLearning(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{
		"SELECT d.full_name FROM drivers d JOIN races r ON r.winner_id = d.driver_id WHERE r.date > 2019 ORDER BY d.wins DESC LIMIT 1",
		"SELECT d.full_name FROM drivers d JOIN races r ON r.winner_id = d.driver_id WHERE CAST(strftime('%Y', r.date) AS INTEGER) = 2019 ORDER BY d.wins DESC LIMIT 1",
	}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{
		errResult(types.ErrClassTypeMismatch, "datatype mismatch comparing date"),
		okResult(1),
	}}

	eng, s := newTestEngine(t, drafter, exec, nil)

	if _, err := s.SaveLearningItem(types.LearningItem{
		Issue:          "races.date is TEXT in 'DD Mon YYYY' format",
		Solution:       "cast with strftime before comparing years",
		TablesAffected: []string{"races"},
	}); err != nil {
		t.Fatalf("seed learning: %v", err)
	}

	session, err := eng.Ask(context.Background(), "top driver by wins in 2019", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if session.Status != types.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", session.Status)
	}
	if len(session.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(session.Attempts))
	}
	if session.Attempts[0].ExecutionResult.ErrClass != types.ErrClassTypeMismatch {
		t.Errorf("first attempt class = %s", session.Attempts[0].ExecutionResult.ErrClass)
	}

	// The repair draft must have seen the learning for the failed table.
	second := drafter.requests[1]
	found := false
	for _, item := range second.ContextItems {
		if strings.Contains(item, "DD Mon YYYY") {
			found = true
		}
	}
	if !found {
		t.Errorf("repair draft did not receive the learning item: %v", second.ContextItems)
	}
	if len(second.PriorFailures) != 1 {
		t.Errorf("repair draft should carry 1 prior failure, got %d", len(second.PriorFailures))
	}
}

// A zero-row result on the first attempt triggers one re-check pass: wrong
// date formats and filter values return nothing without an error. The
// re-check draft is told why.
func TestAskRechecksFirstEmptyResult(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{
		"SELECT full_name FROM drivers WHERE wins > 200 LIMIT 10",
		"SELECT full_name FROM drivers WHERE wins > 20 LIMIT 10",
	}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{
		okResult(0),
		okResult(3),
	}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "drivers with many wins", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if session.Status != types.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", session.Status)
	}
	if len(session.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(session.Attempts))
	}
	if got := session.Attempts[0].ExecutionResult.RowCount; got != 0 {
		t.Errorf("first attempt rows = %d, want 0", got)
	}
	if got := session.LastAttempt().ExecutionResult.RowCount; got != 3 {
		t.Errorf("final attempt rows = %d, want 3", got)
	}

	second := drafter.requests[1]
	if len(second.PriorFailures) != 1 || !strings.Contains(second.PriorFailures[0], "returned no rows") {
		t.Errorf("re-check draft should carry the no-rows note, got %v", second.PriorFailures)
	}
}

// A repeat zero-row result is accepted as legitimately empty, not retried
// until exhaustion.
func TestAskAcceptsRepeatEmptyResult(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{
		"SELECT full_name FROM drivers WHERE wins > 500 LIMIT 10",
		"SELECT full_name FROM drivers WHERE wins >= 500 LIMIT 10",
	}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{
		okResult(0),
		okResult(0),
	}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "drivers with five hundred wins", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if session.Status != types.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", session.Status)
	}
	if len(session.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(session.Attempts))
	}
	if got := session.LastAttempt().ExecutionResult.RowCount; got != 0 {
		t.Errorf("final attempt rows = %d, want 0", got)
	}
}

// A wildcard projection is blocked before execution; the executor is never
// invoked for the offending attempt.
func TestAskBlocksWildcardBeforeExecution(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{
		"SELECT * FROM drivers",
		"SELECT full_name FROM drivers LIMIT 10",
	}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(2)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "list drivers", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if len(session.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(session.Attempts))
	}
	first := session.Attempts[0]
	if first.ValidatorResult == nil || first.ValidatorResult.Pass {
		t.Error("first attempt should fail validation")
	}
	if first.ExecutionResult != nil {
		t.Error("blocked attempt must not carry an execution result")
	}
	if exec.calls() != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls())
	}
	if session.Status != types.StatusSucceeded {
		t.Errorf("status = %s, want succeeded", session.Status)
	}
}

// With an empty store, retrieval returns nothing and the engine consults
// the schema introspector before drafting.
func TestAskFallsBackToSchemaOnEmptyStore(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers LIMIT 10"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(2)}}
	schema := &fakeSchema{}

	eng, _ := newTestEngine(t, drafter, exec, schema)

	if _, err := eng.Ask(context.Background(), "list drivers", nil); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if schema.calls == 0 {
		t.Error("schema introspector was never consulted")
	}
	req := drafter.requests[0]
	if len(req.ContextItems) != 0 {
		t.Errorf("expected no retrieved context, got %v", req.ContextItems)
	}
	if !strings.Contains(req.SchemaHint, "drivers(") {
		t.Errorf("draft request missing schema hint: %q", req.SchemaHint)
	}
}

// Four consecutive timeouts with retry bound 3 exhaust the session with
// exactly four recorded attempts.
func TestAskExhaustsAfterRepeatedTimeouts(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers LIMIT 10"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{
		errResult(types.ErrClassTimeout, "context deadline exceeded"),
	}}

	eng, s := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "list drivers", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}
	if session.Status != types.StatusFailedExhausted {
		t.Errorf("status = %s, want failed_exhausted", session.Status)
	}
	if len(session.Attempts) != 4 {
		t.Errorf("attempts = %d, want 4 (initial + 3 repairs)", len(session.Attempts))
	}
	for i, a := range session.Attempts {
		if a.SequenceNo != i+1 {
			t.Errorf("attempt %d has sequence %d", i, a.SequenceNo)
		}
		if a.ExecutionResult.ErrClass != types.ErrClassTimeout {
			t.Errorf("attempt %d class = %s", i, a.ExecutionResult.ErrClass)
		}
	}

	// The exhausted session is archived with its full trace.
	archived, err := s.GetSession(session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if archived == nil || len(archived.Attempts) != 4 {
		t.Errorf("archived trace incomplete: %+v", archived)
	}
}

func TestAskInjectsDefaultLimit(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(2)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "list drivers", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if got := exec.gotSQL[0]; !strings.HasSuffix(got, "LIMIT 50") {
		t.Errorf("executed SQL missing injected limit: %q", got)
	}
	// Self-heal bypasses repair: still a single attempt.
	if len(session.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(session.Attempts))
	}
}

func TestAskRecordsDraftFailure(t *testing.T) {
	drafter := &scriptDrafter{
		responses: []string{"", "SELECT full_name FROM drivers LIMIT 10"},
		errs:      []error{errors.New("model unreachable")},
	}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(1)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "list drivers", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(session.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(session.Attempts))
	}
	first := session.Attempts[0]
	if !first.ExecutionResult.Failed() || !strings.Contains(first.ExecutionResult.Error, "generation unavailable") {
		t.Errorf("draft failure not recorded in trace: %+v", first.ExecutionResult)
	}
}

func TestAskObservesCancellation(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers LIMIT 10"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(1)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session, err := eng.Ask(ctx, "list drivers", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// No partially recorded attempt.
	if len(session.Attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(session.Attempts))
	}
	if session.Status.Terminal() {
		t.Error("canceled session must not reach a terminal state")
	}
}

func TestAskEnforcesTableScope(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{
		"SELECT c.name FROM customers c LIMIT 5",
		"SELECT full_name FROM drivers LIMIT 5",
	}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(1)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	session, err := eng.Ask(context.Background(), "list drivers", []string{"drivers"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	first := session.Attempts[0]
	if first.ValidatorResult == nil || first.ValidatorResult.Pass {
		t.Error("out-of-scope query should fail validation")
	}
	if exec.calls() != 1 {
		t.Errorf("executor called %d times, want 1", exec.calls())
	}
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestSavePatternRequiresSuccess(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers ORDER BY wins DESC LIMIT 1"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(1)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)
	ctx := context.Background()

	session, err := eng.Ask(ctx, "top driver by wins", nil)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	id1, err := eng.SavePattern(ctx, session.ID, "validated manually")
	if err != nil {
		t.Fatalf("SavePattern: %v", err)
	}
	id2, err := eng.SavePattern(ctx, session.ID, "validated manually")
	if err != nil {
		t.Fatalf("SavePattern (repeat): %v", err)
	}
	if id1 != id2 {
		t.Errorf("repeated save returned different ids: %s vs %s", id1, id2)
	}

	if _, err := eng.SavePattern(ctx, "no-such-session", ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("unknown session: err = %v, want ErrInvalidState", err)
	}
}

func TestSavePatternRejectsExhaustedSession(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers LIMIT 10"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{
		errResult(types.ErrClassOther, "database disk image is malformed"),
	}}

	eng, _ := newTestEngine(t, drafter, exec, nil)
	ctx := context.Background()

	session, err := eng.Ask(ctx, "list drivers", nil)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Fatalf("err = %v, want ErrRetryExhausted", err)
	}

	if _, err := eng.SavePattern(ctx, session.ID, ""); !errors.Is(err, ErrInvalidState) {
		t.Errorf("exhausted session: err = %v, want ErrInvalidState", err)
	}

	// Learnings are still recordable from exhausted sessions.
	id, err := eng.SaveLearning(ctx, "drivers dataset corrupt on host X", []string{"drivers"}, "restore from backup before querying", session.ID)
	if err != nil {
		t.Fatalf("SaveLearning: %v", err)
	}
	if id == "" {
		t.Error("expected a learning id")
	}
}

func TestSaveLearningValidatesInput(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT 1"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(1)}}
	eng, _ := newTestEngine(t, drafter, exec, nil)

	if _, err := eng.SaveLearning(context.Background(), "", nil, "solution", ""); err == nil {
		t.Error("empty issue should be rejected")
	}
	if _, err := eng.SaveLearning(context.Background(), "issue", nil, "", ""); err == nil {
		t.Error("empty solution should be rejected")
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

// Sessions are independent: concurrent questions never share attempt state
// and each respects its own retry bound.
func TestAskConcurrentSessions(t *testing.T) {
	drafter := &scriptDrafter{responses: []string{"SELECT full_name FROM drivers LIMIT 10"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(1)}}

	eng, _ := newTestEngine(t, drafter, exec, nil)

	const sessions = 8
	var wg sync.WaitGroup
	results := make([]*types.QuerySession, sessions)
	errs := make([]error, sessions)

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = eng.Ask(context.Background(), fmt.Sprintf("question %d", n), nil)
		}(i)
	}
	wg.Wait()

	ids := make(map[string]bool)
	for i := 0; i < sessions; i++ {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i, errs[i])
		}
		if results[i].Status != types.StatusSucceeded {
			t.Errorf("session %d status = %s", i, results[i].Status)
		}
		if len(results[i].Attempts) != 1 {
			t.Errorf("session %d attempts = %d, want 1", i, len(results[i].Attempts))
		}
		if ids[results[i].ID] {
			t.Errorf("duplicate session id %s", results[i].ID)
		}
		ids[results[i].ID] = true
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()

	drafter := &scriptDrafter{responses: []string{"SELECT 1"}}
	exec := &scriptExecutor{results: []*types.ExecutionResult{okResult(0)}}

	if _, err := New(Options{Drafter: drafter, Executor: exec}); err == nil {
		t.Error("missing store should be rejected")
	}
	if _, err := New(Options{Store: s, Executor: exec}); err == nil {
		t.Error("missing drafter should be rejected")
	}
	if _, err := New(Options{Store: s, Drafter: drafter}); err == nil {
		t.Error("missing executor should be rejected")
	}

	eng, err := New(Options{Store: s, Drafter: drafter, Executor: exec})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if eng == nil {
		t.Fatal("expected engine")
	}
}
