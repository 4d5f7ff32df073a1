// Package executor runs validated SQL against the analytics database over a
// read-only connection. Failures are classified, not surfaced raw: the
// engine's repair routing depends on knowing whether a query failed because
// of a schema mismatch, a type problem, a timeout, or something else.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"querysmith/internal/logging"
	"querysmith/internal/types"
)

// =============================================================================
// SQL EXECUTOR
// =============================================================================

// SQLExecutor executes queries against a SQLite analytics database.
type SQLExecutor struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens the database read-only. The mode=ro DSN flag makes writes fail
// at the driver level, a second line of defense behind the validator.
func Open(path string, timeout time.Duration) (*SQLExecutor, error) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open data source: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach data source %s: %w", path, err)
	}

	logging.Executor("Data source opened read-only: %s", path)
	return &SQLExecutor{db: db, timeout: timeout}, nil
}

// DB exposes the underlying handle for schema introspection. Callers must
// not issue writes through it.
func (e *SQLExecutor) DB() *sql.DB {
	return e.db
}

// Close releases the database handle.
func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

// Execute runs one query and returns its outcome. A classified failure is
// recorded inside the result, never returned as a Go error: the caller
// always gets a complete result to attach to the attempt trace.
func (e *SQLExecutor) Execute(ctx context.Context, sqlText string) *types.ExecutionResult {
	timer := logging.StartTimer(logging.CategoryExecutor, "Execute")
	defer timer.Stop()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	logging.ExecutorDebug("Executing: %s", sqlText)

	rows, err := e.db.QueryContext(ctx, sqlText)
	if err != nil {
		return failedResult(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return failedResult(err)
	}

	result := &types.ExecutionResult{Columns: columns}
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return failedResult(err)
		}
		row := make([]string, len(columns))
		for i, v := range values {
			row[i] = v.String
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return failedResult(err)
	}

	result.RowCount = len(result.Rows)
	logging.Executor("Query returned %d rows", result.RowCount)
	return result
}

func failedResult(err error) *types.ExecutionResult {
	class := Classify(err)
	logging.Get(logging.CategoryExecutor).Warn("Execution failed (%s): %v", class, err)
	return &types.ExecutionResult{
		Error:    err.Error(),
		ErrClass: class,
	}
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// Classify maps a driver error to one of the execution error classes.
func Classify(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return types.ErrClassTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "no such function"),
		strings.Contains(msg, "ambiguous column"):
		return types.ErrClassSchemaMismatch
	case strings.Contains(msg, "datatype mismatch"),
		strings.Contains(msg, "could not convert"),
		strings.Contains(msg, "cannot convert"):
		return types.ErrClassTypeMismatch
	case strings.Contains(msg, "interrupted"),
		strings.Contains(msg, "deadline exceeded"),
		strings.Contains(msg, "timeout"):
		return types.ErrClassTimeout
	case strings.Contains(msg, "readonly"),
		strings.Contains(msg, "read-only"),
		strings.Contains(msg, "not authorized"),
		strings.Contains(msg, "access"):
		return types.ErrClassPermissionDenied
	default:
		return types.ErrClassOther
	}
}
