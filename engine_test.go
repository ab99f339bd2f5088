package nlquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunobiangulo/nlquery/catalog"
	"github.com/brunobiangulo/nlquery/llm"
	"github.com/brunobiangulo/nlquery/projector"
	"github.com/brunobiangulo/nlquery/router"
	"github.com/brunobiangulo/nlquery/sqlagent"
	"github.com/brunobiangulo/nlquery/sqlexec"
	"github.com/brunobiangulo/nlquery/store"
)

// fakeModel answers classifier, SQL drafting and grounded generation
// prompts differently and records which kind of call came in.
type fakeModel struct {
	mu        sync.Mutex
	calls     []string
	classify  string
	drafts    []string
	answer    string
	answerErr error
	block     bool
}

func (m *fakeModel) Complete(ctx context.Context, prompt string, _ llm.Constraints) (string, error) {
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case strings.HasPrefix(prompt, "Classify"):
		m.calls = append(m.calls, "classify")
		return m.classify, nil
	case strings.HasPrefix(prompt, "Generate a"):
		m.calls = append(m.calls, "sql")
		n := 0
		for _, c := range m.calls {
			if c == "sql" {
				n++
			}
		}
		return m.drafts[min(n, len(m.drafts))-1], nil
	default:
		m.calls = append(m.calls, "answer")
		return m.answer, m.answerErr
	}
}

func (m *fakeModel) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// topicEmbedder puts customer texts, lamp texts and everything else on
// separate axes.
type topicEmbedder struct{}

func (topicEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		t = strings.ToLower(t)
		switch {
		case strings.Contains(t, "customer"):
			out[i] = []float32{1, 0, 0}
		case strings.Contains(t, "lamp"):
			out[i] = []float32{0, 1, 0}
		default:
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

type stubExecutor struct {
	mu    sync.Mutex
	sql   []string
	rows  *sqlexec.ResultSet
	empty bool
}

func (x *stubExecutor) Execute(_ context.Context, query string, _ int, _ time.Duration) (*sqlexec.ResultSet, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.sql = append(x.sql, query)
	if x.empty {
		return &sqlexec.ResultSet{Columns: []string{"id"}}, nil
	}
	return x.rows, nil
}

func (x *stubExecutor) Stream(context.Context, string, func([]string, []any) error) error {
	return errors.New("not supported")
}

func (x *stubExecutor) Dialect() string { return "SQLite" }
func (x *stubExecutor) Close() error    { return nil }

func (x *stubExecutor) executions() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.sql)
}

func customerRows(n int) projector.RowBatch {
	b := projector.RowBatch{Table: "customers"}
	for i := 1; i <= n; i++ {
		b.Rows = append(b.Rows, projector.Row{
			"id":         i,
			"first_name": fmt.Sprintf("Customer%d", i),
			"last_name":  "Doe",
			"email":      fmt.Sprintf("c%d@example.com", i),
		})
	}
	return b
}

func newTestEngine(t *testing.T, m *fakeModel, x *stubExecutor, mutate ...func(*Config)) Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EmbeddingDim = 3
	for _, f := range mutate {
		f(&cfg)
	}
	e, err := New(cfg,
		WithCompleter(m),
		WithEmbedder(topicEmbedder{}),
		WithExecutor(x),
		WithIndex(store.NewMemoryIndex(3)),
		WithCatalog(catalog.Default()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	_, err = e.IndexCorpus(context.Background(), customerRows(8))
	require.NoError(t, err)
	return e
}

func countRows(n int) *sqlexec.ResultSet {
	return &sqlexec.ResultSet{Columns: []string{"customer_count"}, Rows: [][]any{{int64(n)}}}
}

func TestRouteCountQuestion(t *testing.T) {
	m := &fakeModel{drafts: []string{"SELECT COUNT(*) AS customer_count FROM customers"}}
	x := &stubExecutor{rows: countRows(42)}
	e := newTestEngine(t, m, x)

	a, err := e.Route(context.Background(), "How many customers do we have?")
	require.NoError(t, err)

	assert.Equal(t, router.SQL, a.Strategy)
	assert.Contains(t, a.Text, "42")
	assert.Equal(t, 0.95, a.Confidence)
	assert.Equal(t, "SELECT COUNT(*) AS customer_count FROM customers", a.Provenance.SQL)
	assert.Equal(t, 1, a.Provenance.RowCount)
	assert.Equal(t, router.SQL, a.Provenance.Route)
	assert.Equal(t, 1, a.Provenance.Stage)
	assert.False(t, a.Provenance.Fallback)
	assert.NotEmpty(t, a.QuestionID)
	assert.Equal(t, []string{"sql"}, m.kinds(), "no classifier call for a lexical SQL question")
}

func TestRouteRetrievalQuestion(t *testing.T) {
	m := &fakeModel{answer: "Your best customers are Customer1 and Customer2."}
	x := &stubExecutor{}
	e := newTestEngine(t, m, x)

	a, err := e.Route(context.Background(), "Tell me about our best customers")
	require.NoError(t, err)

	assert.Equal(t, router.Retrieval, a.Strategy)
	assert.Equal(t, m.answer, a.Text)
	assert.Len(t, a.Provenance.DocumentIDs, 5)
	for _, id := range a.Provenance.DocumentIDs {
		assert.True(t, strings.HasPrefix(id, "customers:"), id)
	}
	assert.InDelta(t, 1.0, a.Confidence, 1e-6)
	assert.Zero(t, x.executions())
}

func TestRouteFailedSQLFallsBackToRetrieval(t *testing.T) {
	m := &fakeModel{
		drafts: []string{"SELECT COUNT(*) FROM customers WHERE loyalty_tier = 'gold'"},
		answer: "Several customers are in the gold tier.",
	}
	x := &stubExecutor{rows: countRows(1)}
	e := newTestEngine(t, m, x)

	a, err := e.Route(context.Background(), "How many customers have a gold loyalty tier?")
	require.NoError(t, err)

	assert.Equal(t, router.Retrieval, a.Strategy)
	assert.True(t, a.Provenance.Fallback)
	assert.Equal(t, router.SQL, a.Provenance.Route)
	assert.Equal(t, 3, a.Provenance.Attempts)
	assert.Zero(t, x.executions(), "invalid SQL is never executed")
	assert.Equal(t, []string{"sql", "sql", "sql", "answer"}, m.kinds())
}

func TestRouteNoContextFallsBackToSQL(t *testing.T) {
	m := &fakeModel{drafts: []string{"SELECT COUNT(*) AS customer_count FROM customers"}}
	x := &stubExecutor{rows: countRows(7)}
	e := newTestEngine(t, m, x)

	a, err := e.Route(context.Background(), "Tell me about the lamp", WithStrategy(router.Retrieval))
	require.NoError(t, err)

	assert.Equal(t, router.SQL, a.Strategy)
	assert.True(t, a.Provenance.Fallback)
	assert.Equal(t, []string{"sql"}, m.kinds(), "generation is not attempted without context")
}

func TestRouteUnableToAnswer(t *testing.T) {
	m := &fakeModel{drafts: []string{"DROP TABLE customers"}}
	x := &stubExecutor{}
	e := newTestEngine(t, m, x)

	a, err := e.Route(context.Background(), "Tell me about the lamp")
	require.NoError(t, err)

	assert.Equal(t, UnableText, a.Text)
	assert.Zero(t, a.Confidence)
	assert.Zero(t, x.executions())
}

func TestRouteGenerationRetriedOnce(t *testing.T) {
	m := &fakeModel{answerErr: &llm.ModelError{Kind: llm.ModelQuota, Err: errors.New("429")}}
	e := newTestEngine(t, m, &stubExecutor{})

	a, err := e.Route(context.Background(), "Tell me about our best customers")
	require.NoError(t, err)
	assert.Zero(t, a.Confidence)
	assert.Equal(t, UnableText, a.Text)
	assert.Equal(t, []string{"answer", "answer"}, m.kinds())
}

func TestRouteGenerationRetryIsNotMultiplied(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.EmbeddingDim = 3
	cfg.Chat = LLMConfig{Provider: "custom", Model: "test", BaseURL: srv.URL}
	e, err := New(cfg,
		WithEmbedder(topicEmbedder{}),
		WithExecutor(&stubExecutor{}),
		WithIndex(store.NewMemoryIndex(3)),
		WithCatalog(catalog.Default()),
	)
	require.NoError(t, err)
	defer e.Close()
	_, err = e.IndexCorpus(context.Background(), customerRows(8))
	require.NoError(t, err)

	a, err := e.Route(context.Background(), "Tell me about our best customers")
	require.NoError(t, err)
	assert.Equal(t, UnableText, a.Text)
	assert.EqualValues(t, 2, requests.Load(), "one call plus one retry by the router")
}

const mixedQuestion = "How many customers complain about shipping, and what patterns do you see?"

func TestRouteBothRunsSQLFirst(t *testing.T) {
	m := &fakeModel{
		classify: `{"category": "analytics", "confidence": 0.9, "strategy": "retrieval"}`,
		drafts:   []string{"SELECT COUNT(*) AS customer_count FROM customers"},
	}
	x := &stubExecutor{rows: countRows(12)}
	e := newTestEngine(t, m, x)

	for i := 0; i < 5; i++ {
		a, err := e.Route(context.Background(), mixedQuestion)
		require.NoError(t, err)
		assert.Equal(t, router.SQL, a.Strategy)
		assert.Equal(t, router.Both, a.Provenance.Route)
		assert.Equal(t, router.Analytics, a.Category)
	}
	kinds := m.kinds()
	for i := 0; i < len(kinds); i += 2 {
		assert.Equal(t, []string{"classify", "sql"}, kinds[i:i+2])
	}
}

func TestRouteBothEmptyResultPrefersRetrieval(t *testing.T) {
	m := &fakeModel{
		classify: `{"category": "analytics", "confidence": 0.9, "strategy": "both"}`,
		drafts:   []string{"SELECT id FROM customers WHERE city = 'Nowhere'"},
		answer:   "Customers mostly complain about late deliveries.",
	}
	x := &stubExecutor{empty: true}
	e := newTestEngine(t, m, x)

	a, err := e.Route(context.Background(), mixedQuestion)
	require.NoError(t, err)
	assert.Equal(t, router.Retrieval, a.Strategy)
	assert.Equal(t, m.answer, a.Text)
	assert.True(t, a.Provenance.Fallback)
	assert.Equal(t, []string{"classify", "sql", "answer"}, m.kinds())
}

func TestRouteBothTieGoesToSQL(t *testing.T) {
	m := &fakeModel{
		classify: `{"category": "analytics", "confidence": 0.9, "strategy": "both"}`,
		drafts:   []string{"SELECT id FROM customers WHERE city = 'Nowhere'"},
		answer:   "Customers mostly complain about late deliveries.",
	}
	x := &stubExecutor{empty: true}
	e := newTestEngine(t, m, x, func(c *Config) { c.EmptyResultConfidence = 1 })

	a, err := e.Route(context.Background(), mixedQuestion)
	require.NoError(t, err)
	assert.Equal(t, router.SQL, a.Strategy)
	assert.Equal(t, 1.0, a.Confidence)
}

func TestRouteDeadline(t *testing.T) {
	e := newTestEngine(t, &fakeModel{block: true}, &stubExecutor{})

	_, err := e.Route(context.Background(), "How many customers do we have?", WithDeadline(20*time.Millisecond))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Route(ctx, "Tell me about our best customers")
	assert.ErrorIs(t, err, ErrDeadlineExceeded)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRouteCache(t *testing.T) {
	m := &fakeModel{drafts: []string{"SELECT COUNT(*) AS customer_count FROM customers"}}
	x := &stubExecutor{rows: countRows(42)}
	e := newTestEngine(t, m, x, func(c *Config) { c.QueryCacheTTL = time.Minute })

	first, err := e.Route(context.Background(), "How many customers do we have?")
	require.NoError(t, err)
	second, err := e.Route(context.Background(), "  how many customers do we HAVE?")
	require.NoError(t, err)

	assert.Equal(t, 1, x.executions())
	assert.False(t, first.Provenance.Cached)
	assert.True(t, second.Provenance.Cached)
	assert.Equal(t, first.Text, second.Text)
	assert.NotEqual(t, first.QuestionID, second.QuestionID)
}

func TestIndexCorpusIdempotent(t *testing.T) {
	idx := store.NewMemoryIndex(3)
	e, err := New(DefaultConfig(),
		WithCompleter(&fakeModel{}), WithEmbedder(topicEmbedder{}),
		WithExecutor(&stubExecutor{}), WithIndex(idx))
	require.NoError(t, err)
	defer e.Close()

	for i := 0; i < 2; i++ {
		stats, err := e.IndexCorpus(context.Background(), customerRows(4))
		require.NoError(t, err)
		assert.Equal(t, 4, stats.Indexed)
	}
	assert.Equal(t, 4, idx.Len())

	_, err = e.IndexCorpus(context.Background(), projector.RowBatch{Table: "warehouses"})
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestDescribeSchemaAndClose(t *testing.T) {
	e := newTestEngine(t, &fakeModel{}, &stubExecutor{})
	names := make([]string, 0)
	for _, tbl := range e.DescribeSchema() {
		names = append(names, tbl.Name)
	}
	assert.Contains(t, names, "customers")
	assert.Contains(t, names, "support_tickets")

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	_, err := e.Route(context.Background(), "How many customers do we have?")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestErrorReexports(t *testing.T) {
	verr := &sqlagent.ValidationError{SQL: "SELECT 1", Issues: []string{"x"}}
	var target *ValidationError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", verr), &target))
	assert.ErrorIs(t, verr, ErrInvalidGeneratedQuery)
}
