//go:build cgo

package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shop.db")
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`
		CREATE TABLE customers (id INTEGER PRIMARY KEY, first_name TEXT, last_name TEXT, city TEXT);
		CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_id INTEGER, total_amount REAL, status TEXT);
		INSERT INTO customers VALUES (1, 'Ada', 'Lovelace', 'London'), (2, 'Alan', 'Turing', 'Wilmslow');
		INSERT INTO orders VALUES (1, 1, 19.99, 'shipped'), (2, 1, 5.00, 'pending'), (3, 2, 100.50, 'shipped');
	`)
	require.NoError(t, err)
	return path
}

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	ex, err := OpenSQLite(newTestDB(t), 2)
	require.NoError(t, err)
	t.Cleanup(func() { ex.Close() })
	return ex
}

func TestSQLiteExecuteCount(t *testing.T) {
	ex := openTestSQLite(t)
	rs, err := ex.Execute(context.Background(), "SELECT COUNT(*) AS n FROM orders;", 100, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, rs.Columns)
	require.Len(t, rs.Rows, 1)
	assert.EqualValues(t, 3, rs.Rows[0][0])
	assert.False(t, rs.Truncated)
}

func TestSQLiteExecuteTruncates(t *testing.T) {
	ex := openTestSQLite(t)
	rs, err := ex.Execute(context.Background(), "SELECT id FROM orders ORDER BY id", 2, time.Second)
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 2)
	assert.True(t, rs.Truncated)

	rs, err = ex.Execute(context.Background(), "SELECT id FROM orders ORDER BY id", 3, time.Second)
	require.NoError(t, err)
	assert.Len(t, rs.Rows, 3)
	assert.False(t, rs.Truncated)
}

func TestSQLiteTextValuesAreStrings(t *testing.T) {
	ex := openTestSQLite(t)
	rs, err := ex.Execute(context.Background(),
		"SELECT first_name, city FROM customers WHERE id = 1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, rs.Rows, 1)
	assert.Equal(t, "Ada", rs.Rows[0][0])
	assert.Equal(t, "London", rs.Rows[0][1])
}

func TestSQLiteErrorKinds(t *testing.T) {
	ex := openTestSQLite(t)
	tests := []struct {
		name  string
		query string
		limit int
		want  ErrorKind
	}{
		{"unknown column", "SELECT nope FROM orders", 10, KindSyntax},
		{"unknown table", "SELECT * FROM invoices", 10, KindSyntax},
		{"malformed", "SELEC id FROM orders", 10, KindSyntax},
		{"write on read-only", "DELETE FROM orders", 0, KindPermission},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Execute(context.Background(), tt.query, tt.limit, time.Second)
			var qe *QueryError
			require.True(t, errors.As(err, &qe), "error = %v", err)
			assert.Equal(t, tt.want, qe.Kind)
			assert.Equal(t, tt.query, qe.SQL)
		})
	}
}

func TestSQLiteTimeout(t *testing.T) {
	ex := openTestSQLite(t)
	_, err := ex.Execute(context.Background(),
		"WITH RECURSIVE c(x) AS (SELECT 1 UNION ALL SELECT x + 1 FROM c) SELECT COUNT(*) FROM c",
		10, 50*time.Millisecond)
	var qe *QueryError
	require.True(t, errors.As(err, &qe), "error = %v", err)
	assert.Equal(t, KindTimeout, qe.Kind)
	assert.True(t, qe.Kind.Retryable())
}

func TestSQLiteStream(t *testing.T) {
	ex := openTestSQLite(t)
	var got []string
	err := ex.Stream(context.Background(), "SELECT first_name FROM customers ORDER BY id",
		func(columns []string, values []any) error {
			assert.Equal(t, []string{"first_name"}, columns)
			got = append(got, values[0].(string))
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"Ada", "Alan"}, got)
}

func TestSQLiteStreamStopsOnCallbackError(t *testing.T) {
	ex := openTestSQLite(t)
	stop := errors.New("stop")
	calls := 0
	err := ex.Stream(context.Background(), "SELECT id FROM orders", func([]string, []any) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestSQLiteCancelledContext(t *testing.T) {
	ex := openTestSQLite(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ex.Execute(ctx, "SELECT 1", 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSQLiteWaitForSlotHonoursContext(t *testing.T) {
	ex, err := OpenSQLite(newTestDB(t), 1)
	require.NoError(t, err)
	t.Cleanup(func() { ex.Close() })

	// Hold the only slot with a stream that waits on release.
	held := make(chan struct{})
	release := make(chan struct{})
	streamDone := make(chan error, 1)
	go func() {
		first := true
		streamDone <- ex.Stream(context.Background(), "SELECT id FROM orders", func([]string, []any) error {
			if first {
				first = false
				close(held)
				<-release
			}
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = ex.Execute(ctx, "SELECT COUNT(*) FROM customers", 10, time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	require.NoError(t, <-streamDone)

	// The slot is free again.
	rs, err := ex.Execute(context.Background(), "SELECT COUNT(*) FROM customers", 10, time.Second)
	require.NoError(t, err)
	assert.EqualValues(t, 2, rs.Rows[0][0])
}

func TestOpenMissingFile(t *testing.T) {
	_, err := OpenSQLite(filepath.Join(t.TempDir(), "missing.db"), 1)
	var qe *QueryError
	require.True(t, errors.As(err, &qe), "error = %v", err)
	assert.Equal(t, KindConnection, qe.Kind)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x", 1)
	assert.EqualError(t, err, "sqlexec: unknown database driver: oracle")
}

func TestLimitQuery(t *testing.T) {
	assert.Equal(t, "SELECT * FROM (SELECT 1) AS limited LIMIT 11", limitQuery("SELECT 1;\n", 10))
	assert.Equal(t, "SELECT 1", limitQuery(" SELECT 1 ; ", 0))
}
