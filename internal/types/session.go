package types

import (
	"fmt"
	"time"
)

// =============================================================================
// QUERY SESSIONS & ATTEMPTS
// =============================================================================

// SessionStatus is the lifecycle state of a query session. It transitions
// exactly once from StatusPending to a terminal value.
type SessionStatus string

const (
	StatusPending         SessionStatus = "pending"
	StatusSucceeded       SessionStatus = "succeeded"
	StatusFailedExhausted SessionStatus = "failed_exhausted"
)

// Terminal reports whether the status is a terminal state.
func (s SessionStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailedExhausted
}

// QuerySession is one question→answer transaction owned by the engine.
type QuerySession struct {
	ID               string        `json:"id"`
	Question         string        `json:"question"`
	TableScope       []string      `json:"table_scope,omitempty"`
	RetrievedContext []ContextRef  `json:"retrieved_context,omitempty"`
	Attempts         []Attempt     `json:"attempts"`
	Status           SessionStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`
}

// LastAttempt returns the most recent attempt, or nil if none were recorded.
func (s *QuerySession) LastAttempt() *Attempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// AppendAttempt records an attempt, enforcing strictly increasing sequence
// numbers. An attempt carries its full result; partially-filled attempts
// must never be appended.
func (s *QuerySession) AppendAttempt(a Attempt) error {
	want := len(s.Attempts) + 1
	if a.SequenceNo != want {
		return fmt.Errorf("attempt sequence %d out of order, want %d", a.SequenceNo, want)
	}
	s.Attempts = append(s.Attempts, a)
	return nil
}

// Attempt is one generate→validate→execute pass, recorded atomically and
// never edited afterwards. The trace of attempts is what lets a human (or a
// later learning item) generalize the fix.
type Attempt struct {
	SequenceNo      int              `json:"sequence_no"`
	CandidateSQL    string           `json:"candidate_sql"`
	ValidatorResult *ValidatorResult `json:"validator_result,omitempty"`
	ExecutionResult *ExecutionResult `json:"execution_result,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// ValidatorResult holds the safety validator's verdict for one attempt.
type ValidatorResult struct {
	Pass       bool     `json:"pass"`
	Violations []string `json:"violations,omitempty"`
}

// ExecutionResult holds the outcome of executing a validated query.
// Exactly one of Rows or Error is meaningful.
type ExecutionResult struct {
	Columns  []string   `json:"columns,omitempty"`
	Rows     [][]string `json:"rows,omitempty"`
	RowCount int        `json:"row_count"`
	Error    string     `json:"error,omitempty"`
	ErrClass string     `json:"err_class,omitempty"`
}

// Failed reports whether the execution ended in a classified error.
func (r *ExecutionResult) Failed() bool {
	return r != nil && r.Error != ""
}

// Execution error classes. Repair routing depends on this classification.
const (
	ErrClassSchemaMismatch   = "schema_mismatch"
	ErrClassTypeMismatch     = "type_mismatch"
	ErrClassTimeout          = "timeout"
	ErrClassPermissionDenied = "permission_denied"
	ErrClassOther            = "other"
)
