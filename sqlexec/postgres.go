package sqlexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres executes statements inside read-only transactions.
type Postgres struct {
	pool *pgxpool.Pool
	gate gate
}

// OpenPostgres connects a pool sized to maxConcurrent.
func OpenPostgres(ctx context.Context, dsn string, maxConcurrent int) (*Postgres, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(maxOr(maxConcurrent, 4))

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, &QueryError{Kind: KindConnection, Err: fmt.Errorf("failed to ping database: %w", err)}
	}
	return NewPostgres(pool, maxConcurrent), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool, maxConcurrent int) *Postgres {
	return &Postgres{pool: pool, gate: newGate(maxConcurrent)}
}

// Dialect implements Executor.
func (p *Postgres) Dialect() string { return "PostgreSQL" }

// Close implements Executor.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Execute implements Executor. The statement runs in a read-only
// transaction with a server-side statement_timeout matching timeout.
func (p *Postgres) Execute(ctx context.Context, query string, limit int, timeout time.Duration) (*ResultSet, error) {
	if err := p.gate.acquire(ctx); err != nil {
		return nil, err
	}
	defer p.gate.release()

	start := time.Now()
	runCtx, cancel := withTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	tx, err := p.pool.BeginTx(runCtx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, p.classify(query, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if timeout > 0 {
		if _, err := tx.Exec(runCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
			return nil, p.classify(query, err)
		}
	}

	rows, err := tx.Query(runCtx, limitQuery(query, limit))
	if err != nil {
		return nil, p.classify(query, err)
	}
	defer rows.Close()

	columns := fieldNames(rows.FieldDescriptions())
	rs, err := collect(columns, limit, func() ([]any, bool, error) {
		if !rows.Next() {
			return nil, false, rows.Err()
		}
		values, err := rows.Values()
		if err != nil {
			return nil, false, err
		}
		return normalize(values), true, nil
	})
	if err != nil {
		return nil, p.classify(query, err)
	}

	slog.Debug("sqlexec: statement executed",
		"dialect", "postgres", "rows", len(rs.Rows), "truncated", rs.Truncated,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return rs, nil
}

// Stream implements Executor.
func (p *Postgres) Stream(ctx context.Context, query string, fn func(columns []string, values []any) error) error {
	if err := p.gate.acquire(ctx); err != nil {
		return err
	}
	defer p.gate.release()

	rows, err := p.pool.Query(ctx, query)
	if err != nil {
		return p.classify(query, err)
	}
	defer rows.Close()

	columns := fieldNames(rows.FieldDescriptions())
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return p.classify(query, err)
		}
		if err := fn(columns, normalize(values)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return p.classify(query, err)
	}
	return nil
}

func fieldNames(fds []pgconn.FieldDescription) []string {
	names := make([]string, len(fds))
	for i, fd := range fds {
		names[i] = fd.Name
	}
	return names
}

// normalize converts pgx's decoded values into plain Go values: numerics
// become float64 and UUIDs become strings.
func normalize(values []any) []any {
	for i, v := range values {
		switch x := v.(type) {
		case pgtype.Numeric:
			f, err := x.Float64Value()
			if err != nil || !f.Valid {
				values[i] = nil
				continue
			}
			values[i] = f.Float64
		case [16]byte:
			values[i] = uuid.UUID(x).String()
		case []byte:
			values[i] = string(x)
		}
	}
	return values
}

func (p *Postgres) classify(query string, err error) error {
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}

	kind := KindConnection
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		switch {
		case pgErr.Code == "57014":
			kind = KindTimeout
		case pgErr.Code == "42501", pgErr.Code == "25006", strings.HasPrefix(pgErr.Code, "28"):
			kind = KindPermission
		case strings.HasPrefix(pgErr.Code, "42"), strings.HasPrefix(pgErr.Code, "22"):
			kind = KindSyntax
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			kind = KindConnection
		default:
			kind = KindSyntax
		}
	case isTimeout(err), pgconn.Timeout(err):
		kind = KindTimeout
	}
	return &QueryError{Kind: kind, SQL: query, Err: err}
}
