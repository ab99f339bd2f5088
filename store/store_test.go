//go:build cgo

package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/brunobiangulo/nlquery/projector"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4) // dim=4 for test vectors
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleUnit(table, key, text string) projector.Unit {
	return projector.Unit{
		Ref:        projector.SourceRef{Table: table, Key: []string{key}},
		EntityType: table,
		Text:       text,
		Metadata:   map[string]string{"table": table, "id": key},
	}
}

// ---------------------------------------------------------------------------
// Schema / construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.EmbeddingDim() != 4 {
		t.Fatalf("expected embedding dim 4, got %d", s.EmbeddingDim())
	}
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", "dir", "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestNewRejectsBadDimension(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x.db"), 0); err == nil {
		t.Fatal("expected error for zero dimension")
	}
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != migrations[len(migrations)-1].version {
		t.Errorf("schema version = %d, want %d", v, migrations[len(migrations)-1].version)
	}

	var n int
	if err := s.db.QueryRow(
		"SELECT COUNT(*) FROM pragma_table_info('query_log') WHERE name = 'session_id'",
	).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("query_log.session_id columns = %d, want 1", n)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dbPath, 4)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
	s, err = New(dbPath, 4)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	s.Close()
}

// ---------------------------------------------------------------------------
// Upsert / search
// ---------------------------------------------------------------------------

func TestUpsertAndSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []struct {
		unit projector.Unit
		vec  []float32
	}{
		{sampleUnit("customers", "1", "Customer 1: Ada"), []float32{1, 0, 0, 0}},
		{sampleUnit("customers", "2", "Customer 2: Bob"), []float32{0, 1, 0, 0}},
		{sampleUnit("products", "7", "Product 7: Lamp"), []float32{0.9, 0.1, 0, 0}},
	}
	for _, d := range docs {
		if err := s.Upsert(ctx, d.unit.Ref.String(), d.vec, d.unit); err != nil {
			t.Fatalf("upsert %s: %v", d.unit.Ref, err)
		}
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].Ref != "customers:1" {
		t.Errorf("top hit = %s, want customers:1", hits[0].Ref)
	}
	if math.Abs(hits[0].Score-1) > 1e-5 {
		t.Errorf("top score = %f, want 1", hits[0].Score)
	}
	if hits[1].Ref != "products:7" {
		t.Errorf("second hit = %s, want products:7", hits[1].Ref)
	}
	if hits[0].Score < hits[1].Score {
		t.Error("hits not in descending score order")
	}
	if hits[0].Unit.Text != "Customer 1: Ada" || hits[0].Unit.Metadata["id"] != "1" {
		t.Errorf("unit not restored: %+v", hits[0].Unit)
	}
	if hits[0].Unit.Ref.Table != "customers" {
		t.Errorf("ref not parsed: %+v", hits[0].Unit.Ref)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := sampleUnit("orders", "5", "Order 5")

	for i := 0; i < 3; i++ {
		if err := s.Upsert(ctx, u.Ref.String(), []float32{0, 0, 1, 0}, u); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 1 || stats.Embeddings != 1 {
		t.Errorf("stats = %+v, want one document and one embedding", stats)
	}
}

func TestUpsertReplacesContentAndVector(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := sampleUnit("orders", "5", "Order 5: pending")
	if err := s.Upsert(ctx, u.Ref.String(), []float32{1, 0, 0, 0}, u); err != nil {
		t.Fatal(err)
	}
	u.Text = "Order 5: shipped"
	if err := s.Upsert(ctx, u.Ref.String(), []float32{0, 1, 0, 0}, u); err != nil {
		t.Fatal(err)
	}

	doc, err := s.Document(ctx, "orders:5")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Content != "Order 5: shipped" {
		t.Errorf("content = %q", doc.Content)
	}
	hits, err := s.Search(ctx, []float32{0, 1, 0, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Score < 0.99 {
		t.Errorf("vector not replaced: %+v", hits)
	}
}

func TestDimensionMismatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := sampleUnit("orders", "1", "x")
	if err := s.Upsert(ctx, "orders:1", []float32{1, 2}, u); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("upsert error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := s.Search(ctx, []float32{1}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("search error = %v, want ErrDimensionMismatch", err)
	}
}

func TestSearchEmpty(t *testing.T) {
	s := newTestStore(t)
	hits, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("expected no hits, got %d", len(hits))
	}
}

func TestDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Document(context.Background(), "orders:404"); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := sampleUnit("reviews", "3", "Review 3")
	if err := s.Upsert(ctx, "reviews:3", []float32{0, 0, 0, 1}, u); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, "reviews:3"); err != nil {
		t.Fatal(err)
	}
	stats, _ := s.Stats(ctx)
	if stats.Documents != 0 || stats.Embeddings != 0 {
		t.Errorf("stats after delete = %+v", stats)
	}
	if err := s.Delete(ctx, "reviews:3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

// ---------------------------------------------------------------------------
// Query log
// ---------------------------------------------------------------------------

func TestLogQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []QueryLog{
		{QuestionID: "q1", Question: "How many orders?", Answer: "42", Strategy: "sql",
			Category: "aggregation", Confidence: 0.95, SQL: "SELECT COUNT(*) FROM orders", Attempts: 1,
			Elapsed: 120 * time.Millisecond},
		{QuestionID: "q2", SessionID: "s1", Question: "Tell me about Ada", Strategy: "retrieval",
			DocumentRefs: []string{"customers:1"}, Fallback: true},
	}
	for _, e := range entries {
		if err := s.LogQuery(ctx, e); err != nil {
			t.Fatalf("logging query: %v", err)
		}
	}

	got, err := s.RecentQueries(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].QuestionID != "q2" || !got[0].Fallback || got[0].SessionID != "s1" {
		t.Errorf("newest entry = %+v", got[0])
	}
	if len(got[0].DocumentRefs) != 1 || got[0].DocumentRefs[0] != "customers:1" {
		t.Errorf("document refs = %v", got[0].DocumentRefs)
	}
	if got[1].Elapsed != 120*time.Millisecond || got[1].Attempts != 1 {
		t.Errorf("oldest entry = %+v", got[1])
	}

	stats, _ := s.Stats(ctx)
	if stats.Queries != 2 {
		t.Errorf("queries = %d, want 2", stats.Queries)
	}
}

func TestSerializeFloat32(t *testing.T) {
	b := serializeFloat32([]float32{1, -2})
	if len(b) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(b))
	}
	// 1.0 = 0x3f800000 little-endian
	if b[0] != 0 || b[1] != 0 || b[2] != 0x80 || b[3] != 0x3f {
		t.Errorf("unexpected encoding of 1.0: %x", b[:4])
	}
}
