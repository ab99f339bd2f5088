package sqlexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresExecutor(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("shop"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		CREATE TABLE products (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			price NUMERIC(10,2) NOT NULL
		);
		INSERT INTO products VALUES
			('7f0c1c2e-5a9b-4d34-9c1e-0d2d3a7f1b11', 'Lamp', 19.99),
			('3b8e2f44-1c6a-4b0e-8f7d-2a9c5e6d4c22', 'Desk', 120.50);
	`)
	require.NoError(t, err)

	ex := NewPostgres(pool, 2)
	defer ex.Close()
	assert.Equal(t, "PostgreSQL", ex.Dialect())

	t.Run("aggregate", func(t *testing.T) {
		rs, err := ex.Execute(ctx, "SELECT COUNT(*) AS n, SUM(price) AS total FROM products", 10, time.Second)
		require.NoError(t, err)
		assert.Equal(t, []string{"n", "total"}, rs.Columns)
		require.Len(t, rs.Rows, 1)
		assert.EqualValues(t, 2, rs.Rows[0][0])
		assert.InDelta(t, 140.49, rs.Rows[0][1], 1e-9)
	})

	t.Run("uuid and truncation", func(t *testing.T) {
		rs, err := ex.Execute(ctx, "SELECT id FROM products ORDER BY name", 1, time.Second)
		require.NoError(t, err)
		require.Len(t, rs.Rows, 1)
		assert.True(t, rs.Truncated)
		assert.Equal(t, "3b8e2f44-1c6a-4b0e-8f7d-2a9c5e6d4c22", rs.Rows[0][0])
	})

	t.Run("errors", func(t *testing.T) {
		tests := []struct {
			query string
			limit int
			want  ErrorKind
		}{
			{"SELECT nope FROM products", 10, KindSyntax},
			{"SELECT * FROM invoices", 10, KindSyntax},
			{"DELETE FROM products", 0, KindPermission},
			{"SELECT pg_sleep(2)", 10, KindTimeout},
		}
		for _, tt := range tests {
			_, err := ex.Execute(ctx, tt.query, tt.limit, 200*time.Millisecond)
			var qe *QueryError
			require.True(t, errors.As(err, &qe), "%s: error = %v", tt.query, err)
			assert.Equal(t, tt.want, qe.Kind, tt.query)
		}
	})

	t.Run("stream", func(t *testing.T) {
		var names []string
		err := ex.Stream(ctx, "SELECT name, price FROM products ORDER BY name", func(_ []string, values []any) error {
			names = append(names, values[0].(string))
			_, ok := values[1].(float64)
			assert.True(t, ok, "price should be normalized to float64")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Desk", "Lamp"}, names)
	})
}
