package sqlagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
	"github.com/brunobiangulo/nlquery/sqlexec"
)

// scriptedCompleter returns replies in order, repeating the last one.
type scriptedCompleter struct {
	mu      sync.Mutex
	replies []string
	err     error
	prompts []string
}

func (c *scriptedCompleter) Complete(_ context.Context, prompt string, _ llm.Constraints) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompts = append(c.prompts, prompt)
	if c.err != nil {
		return "", c.err
	}
	i := min(len(c.prompts), len(c.replies)) - 1
	return c.replies[i], nil
}

type execCall struct {
	query   string
	limit   int
	timeout time.Duration
}

// fakeExecutor answers from a queue of outcomes, repeating the last one.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []execCall
	results  []*sqlexec.ResultSet
	errs     []error
	block    chan struct{}
	finished chan struct{}
	// slots, when set, caps concurrent statements like sqlexec does.
	slots chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, query string, limit int, timeout time.Duration) (*sqlexec.ResultSet, error) {
	if f.slots != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		select {
		case f.slots <- struct{}{}:
			defer func() { <-f.slots }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, execCall{query, limit, timeout})
	n := len(f.calls)
	f.mu.Unlock()

	if f.block != nil {
		<-f.block
		defer close(f.finished)
	}
	var err error
	if len(f.errs) > 0 {
		err = f.errs[min(n, len(f.errs))-1]
	}
	if err != nil {
		return nil, err
	}
	return f.results[min(n, len(f.results))-1], nil
}

func (f *fakeExecutor) Stream(context.Context, string, func([]string, []any) error) error {
	return errors.New("not supported")
}

func (f *fakeExecutor) Dialect() string { return "SQLite" }
func (f *fakeExecutor) Close() error    { return nil }

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func request(q string) Request {
	return Request{Question: q, Category: "aggregation", Catalog: catalog.Default()}
}

func TestRunCountQuestion(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"```sql\nSELECT COUNT(*) AS order_count FROM orders;\n```"}}
	exec := &fakeExecutor{results: []*sqlexec.ResultSet{{
		Columns: []string{"order_count"},
		Rows:    [][]any{{int64(42)}},
	}}}
	agent := New(comp, exec, Config{})

	res, err := agent.Run(context.Background(), request("How many orders have been placed?"))
	require.NoError(t, err)

	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, "The order count is 42.", res.Text)
	assert.Equal(t, 0.95, res.Confidence)
	assert.Equal(t, 1, res.RowCount)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, res.Executions)
	require.NotNil(t, res.Query)
	assert.Equal(t, "SELECT COUNT(*) AS order_count FROM orders", res.Query.SQL)
	assert.Equal(t, []string{"orders"}, res.Query.Verdict.Tables)

	require.Len(t, exec.calls, 1)
	assert.Equal(t, execCall{"SELECT COUNT(*) AS order_count FROM orders", 1000, 30 * time.Second}, exec.calls[0])

	require.Len(t, comp.prompts, 1)
	assert.Contains(t, comp.prompts[0], "Generate a SQLite query")
	assert.Contains(t, comp.prompts[0], "orders table")
	assert.Contains(t, comp.prompts[0], "Limit results to 1000 items.")
	assert.Contains(t, comp.prompts[0], "Question: How many orders have been placed?")
	assert.NotContains(t, comp.prompts[0], "previous query")
}

func TestRunInvalidSQLNeverExecutes(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT discount_code FROM orders"}}
	exec := &fakeExecutor{}
	agent := New(comp, exec, Config{})

	res, err := agent.Run(context.Background(), request("Which discount codes were used?"))
	require.NoError(t, err, "exhausted attempts are not an error")

	assert.Equal(t, Failed, res.State)
	assert.Equal(t, failedText, res.Text)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, 3, res.Attempts)
	assert.Zero(t, res.Executions)
	assert.Zero(t, exec.callCount())

	require.Len(t, comp.prompts, 3)
	assert.Contains(t, comp.prompts[1], "Previous query:\nSELECT discount_code FROM orders")
	assert.Contains(t, comp.prompts[1], `unknown column "discount_code"`)
}

func TestRunRecoversAfterRejectedDraft(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{
		"DELETE FROM orders",
		"SELECT SUM(total_amount) AS revenue FROM orders",
	}}
	exec := &fakeExecutor{results: []*sqlexec.ResultSet{{
		Columns: []string{"revenue"},
		Rows:    [][]any{{1234.5678}},
	}}}
	agent := New(comp, exec, Config{})

	res, err := agent.Run(context.Background(), request("What is our total revenue?"))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, "The revenue is $1234.57.", res.Text)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, exec.callCount())
	assert.Contains(t, comp.prompts[1], "only SELECT statements are allowed")

	var states []State
	for _, s := range res.Steps {
		states = append(states, s.State)
	}
	assert.Equal(t, []State{Drafting, Validating, Recovering, Drafting, Validating, Executing, Succeeded}, states)
}

func TestRunRetriesTimeoutWithSameSQL(t *testing.T) {
	sql := "SELECT COUNT(*) FROM order_items"
	comp := &scriptedCompleter{replies: []string{sql}}
	exec := &fakeExecutor{
		errs: []error{&sqlexec.QueryError{Kind: sqlexec.KindTimeout, SQL: sql, Err: context.DeadlineExceeded}, nil},
		results: []*sqlexec.ResultSet{{
			Columns: []string{"COUNT(*)"},
			Rows:    [][]any{{int64(7)}},
		}},
	}
	agent := New(comp, exec, Config{StatementTimeout: 10 * time.Second})

	res, err := agent.Run(context.Background(), request("How many order lines are there?"))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, "The result is 7.", res.Text)
	assert.Equal(t, 1, res.Attempts, "an execution retry does not spend a draft")
	assert.Equal(t, 2, res.Executions)
	assert.Len(t, comp.prompts, 1)

	require.Len(t, exec.calls, 2)
	assert.Equal(t, sql, exec.calls[1].query)
	assert.Equal(t, 10*time.Second, exec.calls[0].timeout)
	assert.Equal(t, 5*time.Second, exec.calls[1].timeout)
}

func TestRunRedraftsAfterRepeatedTimeout(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT COUNT(*) FROM orders"}}
	connErr := &sqlexec.QueryError{Kind: sqlexec.KindConnection, Err: errors.New("connection refused")}
	exec := &fakeExecutor{
		errs:    []error{connErr, connErr, nil},
		results: []*sqlexec.ResultSet{{Columns: []string{"n"}, Rows: [][]any{{int64(3)}}}},
	}
	agent := New(comp, exec, Config{})

	res, err := agent.Run(context.Background(), request("How many orders?"))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 3, res.Executions)
	require.Len(t, comp.prompts, 2)
	assert.Contains(t, comp.prompts[1], "connection refused")
	assert.Equal(t, 30*time.Second, exec.calls[2].timeout, "a fresh draft gets the full timeout")
}

func TestRunSyntaxErrorRedraftsWithoutRetry(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT COUNT(*) FROM orders"}}
	syntax := &sqlexec.QueryError{Kind: sqlexec.KindSyntax, Err: errors.New("no such function: COUNT")}
	exec := &fakeExecutor{errs: []error{syntax}}
	agent := New(comp, exec, Config{MaxAttempts: 2})

	res, err := agent.Run(context.Background(), request("How many orders?"))
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 2, res.Executions)
}

func TestRunEmptyResult(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT first_name FROM customers WHERE city = 'Atlantis'"}}
	exec := &fakeExecutor{results: []*sqlexec.ResultSet{{Columns: []string{"first_name"}}}}
	agent := New(comp, exec, Config{})

	res, err := agent.Run(context.Background(), request("Which customers live in Atlantis?"))
	require.NoError(t, err)
	assert.Equal(t, Succeeded, res.State)
	assert.Equal(t, "No matching records were found.", res.Text)
	assert.Equal(t, 0.40, res.Confidence)
	assert.Zero(t, res.RowCount)
}

func TestRunModelErrorSpendsAttempts(t *testing.T) {
	comp := &scriptedCompleter{err: &llm.ModelError{Kind: llm.ModelQuota, Err: errors.New("429")}}
	exec := &fakeExecutor{}
	agent := New(comp, exec, Config{})

	res, err := agent.Run(context.Background(), request("How many orders?"))
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, comp.prompts, 3)
	assert.Zero(t, exec.callCount())
}

func TestRunAllowList(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT email FROM customers"}}
	exec := &fakeExecutor{}
	agent := New(comp, exec, Config{AllowedTables: []string{"Orders"}, MaxAttempts: 1})

	res, err := agent.Run(context.Background(), request("List customer emails"))
	require.NoError(t, err)
	assert.Equal(t, Failed, res.State)
	assert.Zero(t, exec.callCount())
	assert.NotContains(t, comp.prompts[0], "customers table", "disallowed tables are not offered to the model")
}

func TestRunCancelledBeforeDrafting(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT 1"}}
	agent := New(comp, &fakeExecutor{}, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := agent.Run(ctx, request("How many orders?"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, comp.prompts)
}

func TestRunDiscardsResultAfterDeadline(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT COUNT(*) FROM orders"}}
	exec := &fakeExecutor{
		block:    make(chan struct{}),
		finished: make(chan struct{}),
		results:  []*sqlexec.ResultSet{{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}},
	}
	agent := New(comp, exec, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := agent.Run(ctx, request("How many orders?"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The statement is still allowed to complete.
	close(exec.block)
	select {
	case <-exec.finished:
	case <-time.After(time.Second):
		t.Fatal("statement did not finish")
	}
}

func TestRunDoesNotQueueStatementPastDeadline(t *testing.T) {
	comp := &scriptedCompleter{replies: []string{"SELECT COUNT(*) FROM customers"}}
	exec := &fakeExecutor{
		slots:   make(chan struct{}, 1),
		results: []*sqlexec.ResultSet{{Columns: []string{"n"}, Rows: [][]any{{int64(1)}}}},
	}
	exec.slots <- struct{}{} // saturated
	agent := New(comp, exec, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := agent.Run(ctx, request("How many customers do we have?"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	<-exec.slots
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, exec.callCount(), "statement ran after the deadline")
}

func TestRunRequiresCatalog(t *testing.T) {
	agent := New(&scriptedCompleter{}, &fakeExecutor{}, Config{})
	_, err := agent.Run(context.Background(), Request{Question: "x"})
	assert.Error(t, err)
}

func TestValidationErrorIs(t *testing.T) {
	err := &ValidationError{SQL: "DELETE FROM orders", Issues: []string{"a", "b"}}
	assert.ErrorIs(t, err, ErrInvalidGeneratedQuery)
	assert.Equal(t, "sqlagent: invalid generated query: a; b", err.Error())
}
