package engine

import "errors"

// Session-level error taxonomy. Classified execution errors and blocking
// validator violations stay inside the repair loop; only these surface to
// the caller.
var (
	// ErrRetryExhausted means every repair attempt failed. The session's
	// attempt trace carries the full history.
	ErrRetryExhausted = errors.New("retry bound exhausted")

	// ErrInvalidState means a persistence operation was called against a
	// session that is not in the required terminal state.
	ErrInvalidState = errors.New("session is not in a valid state for this operation")

	// ErrGenerationUnavailable means the drafting collaborator could not
	// produce a candidate. Inside the loop it feeds repair; it surfaces
	// only through the attempt trace.
	ErrGenerationUnavailable = errors.New("candidate generation unavailable")
)
