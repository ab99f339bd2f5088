package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLite executes statements against a SQLite file opened read-only.
type SQLite struct {
	db   *sql.DB
	gate gate
}

// OpenSQLite opens path in read-only, query-only mode.
func OpenSQLite(path string, maxConcurrent int) (*SQLite, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "mode=ro&_query_only=1&_busy_timeout=5000"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &QueryError{Kind: KindConnection, Err: fmt.Errorf("pinging database: %w", err)}
	}

	g := newGate(maxConcurrent)
	db.SetMaxOpenConns(maxOr(maxConcurrent, 4))
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &SQLite{db: db, gate: g}, nil
}

func maxOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// Dialect implements Executor.
func (s *SQLite) Dialect() string { return "SQLite" }

// Close implements Executor.
func (s *SQLite) Close() error { return s.db.Close() }

// Execute implements Executor.
func (s *SQLite) Execute(ctx context.Context, query string, limit int, timeout time.Duration) (*ResultSet, error) {
	if err := s.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.gate.release()

	start := time.Now()
	runCtx, cancel := withTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	rows, err := s.db.QueryContext(runCtx, limitQuery(query, limit))
	if err != nil {
		return nil, s.classify(query, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, s.classify(query, err)
	}

	rs, err := collect(columns, limit, func() ([]any, bool, error) {
		if !rows.Next() {
			return nil, false, rows.Err()
		}
		values, err := scanRow(rows, len(columns))
		return values, err == nil, err
	})
	if err != nil {
		return nil, s.classify(query, err)
	}

	slog.Debug("sqlexec: statement executed",
		"dialect", "sqlite", "rows", len(rs.Rows), "truncated", rs.Truncated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return rs, nil
}

// Stream implements Executor.
func (s *SQLite) Stream(ctx context.Context, query string, fn func(columns []string, values []any) error) error {
	if err := s.gate.acquire(ctx); err != nil {
		return err
	}
	defer s.gate.release()

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return s.classify(query, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return s.classify(query, err)
	}
	for rows.Next() {
		values, err := scanRow(rows, len(columns))
		if err != nil {
			return s.classify(query, err)
		}
		if err := fn(columns, values); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return s.classify(query, err)
	}
	return nil
}

func scanRow(rows *sql.Rows, n int) ([]any, error) {
	values := make([]any, n)
	ptrs := make([]any, n)
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

func (s *SQLite) classify(query string, err error) error {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	kind := KindConnection
	var se sqlite3.Error
	switch {
	case isTimeout(err):
		kind = KindTimeout
	case errors.As(err, &se):
		switch se.Code {
		case sqlite3.ErrError, sqlite3.ErrRange, sqlite3.ErrMismatch, sqlite3.ErrConstraint:
			kind = KindSyntax
		case sqlite3.ErrReadonly, sqlite3.ErrPerm, sqlite3.ErrAuth:
			kind = KindPermission
		case sqlite3.ErrInterrupt, sqlite3.ErrBusy, sqlite3.ErrLocked:
			kind = KindTimeout
		}
	case errors.Is(err, sql.ErrConnDone):
		kind = KindConnection
	}
	return &QueryError{Kind: kind, SQL: query, Err: err}
}
