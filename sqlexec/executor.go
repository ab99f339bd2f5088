// Package sqlexec runs generated, read-only statements against the relational
// store with row limits, statement timeouts and a cap on concurrent
// statements.
package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrorKind classifies statement failures.
type ErrorKind int

const (
	// KindSyntax covers malformed statements and unknown tables or columns.
	KindSyntax ErrorKind = iota
	// KindTimeout is a statement that exceeded its timeout or was interrupted.
	KindTimeout
	// KindPermission is a statement the connection is not allowed to run.
	KindPermission
	// KindConnection covers unreachable or broken connections.
	KindConnection
)

func (k ErrorKind) String() string {
	switch k {
	case KindSyntax:
		return "syntax"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	case KindConnection:
		return "connection"
	}
	return "unknown"
}

// Retryable reports whether the same statement may succeed on a second run.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindConnection
}

// QueryError is a failed statement.
type QueryError struct {
	Kind ErrorKind
	SQL  string
	Err  error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("sqlexec: %s error: %v", e.Kind, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// ResultSet holds the rows of one statement. Truncated is set when the
// statement produced more rows than the limit.
type ResultSet struct {
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	Truncated bool     `json:"truncated"`
}

// Executor is the relational store capability.
type Executor interface {
	// Execute runs a read-only statement, returning at most limit rows.
	// A non-positive limit disables the cap. ctx bounds the wait for a
	// statement slot; a started statement is bounded by timeout only.
	Execute(ctx context.Context, query string, limit int, timeout time.Duration) (*ResultSet, error)

	// Stream runs a maintenance query and calls fn for every row.
	Stream(ctx context.Context, query string, fn func(columns []string, values []any) error) error

	// Dialect names the SQL dialect for generation prompts.
	Dialect() string

	Close() error
}

// Open creates an executor for the named driver: "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string, maxConcurrent int) (Executor, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return OpenSQLite(dsn, maxConcurrent)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, dsn, maxConcurrent)
	case "":
		return nil, errors.New("sqlexec: database driver not specified")
	}
	return nil, fmt.Errorf("sqlexec: unknown database driver: %s", driver)
}

// gate caps concurrent statements. Waiting honours the caller's context.
type gate struct {
	sem *semaphore.Weighted
}

func newGate(n int) gate {
	if n <= 0 {
		n = 4
	}
	return gate{sem: semaphore.NewWeighted(int64(n))}
}

func (g gate) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.sem.Acquire(ctx, 1)
}

func (g gate) release() { g.sem.Release(1) }

// limitQuery wraps a statement so the server stops after limit+1 rows; the
// extra row tells us the result was truncated.
func limitQuery(query string, limit int) string {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\n")
	if limit <= 0 {
		return q
	}
	return fmt.Sprintf("SELECT * FROM (%s) AS limited LIMIT %d", q, limit+1)
}

// collect drains rows into a result set honouring the limit.
func collect(columns []string, limit int, next func() ([]any, bool, error)) (*ResultSet, error) {
	rs := &ResultSet{Columns: columns, Rows: [][]any{}}
	for {
		values, ok, err := next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if limit > 0 && len(rs.Rows) == limit {
			rs.Truncated = true
			break
		}
		rs.Rows = append(rs.Rows, values)
	}
	return rs, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
