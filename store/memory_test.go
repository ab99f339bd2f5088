package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/brunobiangulo/nlquery/projector"
)

func TestMemoryIndexSearchOrder(t *testing.T) {
	m := NewMemoryIndex(3)
	ctx := context.Background()

	vecs := map[string][]float32{
		"products:1": {1, 0, 0},
		"products:2": {0.7, 0.7, 0},
		"products:3": {0, 0, 1},
	}
	for ref, v := range vecs {
		if err := m.Upsert(ctx, ref, v, sampleMemUnit(ref)); err != nil {
			t.Fatal(err)
		}
	}

	hits, err := m.Search(ctx, []float32{1, 0, 0}, 3)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"products:1", "products:2", "products:3"}
	for i, h := range hits {
		if h.Ref != want[i] {
			t.Errorf("hit %d = %s, want %s", i, h.Ref, want[i])
		}
	}
	if hits[2].Score != 0 {
		t.Errorf("orthogonal score = %f, want 0", hits[2].Score)
	}
}

func TestMemoryIndexUpsertIsIdempotent(t *testing.T) {
	m := NewMemoryIndex(2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.Upsert(ctx, "orders:1", []float32{1, 0}, sampleMemUnit("orders:1")); err != nil {
			t.Fatal(err)
		}
	}
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
	hits, _ := m.Search(ctx, []float32{1, 0}, 10)
	if len(hits) != 1 || hits[0].ID != 1 {
		t.Errorf("hits = %+v", hits)
	}
}

func TestMemoryIndexTieBreak(t *testing.T) {
	m := NewMemoryIndex(2)
	ctx := context.Background()
	for _, ref := range []string{"b:1", "a:1", "c:1"} {
		m.Upsert(ctx, ref, []float32{1, 1}, sampleMemUnit(ref))
	}
	hits, _ := m.Search(ctx, []float32{1, 1}, 2)
	if len(hits) != 2 || hits[0].Ref != "a:1" || hits[1].Ref != "b:1" {
		t.Errorf("hits = %+v", hits)
	}
}

func TestMemoryIndexDimension(t *testing.T) {
	m := NewMemoryIndex(2)
	if err := m.Upsert(context.Background(), "x:1", []float32{1}, sampleMemUnit("x:1")); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
	if _, err := m.Search(context.Background(), []float32{1, 2, 3}, 1); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("error = %v, want ErrDimensionMismatch", err)
	}
}

func TestMemoryIndexZeroVector(t *testing.T) {
	m := NewMemoryIndex(2)
	ctx := context.Background()
	m.Upsert(ctx, "x:1", []float32{0, 0}, sampleMemUnit("x:1"))
	hits, err := m.Search(ctx, []float32{1, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if hits[0].Score != 0 {
		t.Errorf("score = %f, want 0", hits[0].Score)
	}
}

func TestMemoryIndexConcurrentAccess(t *testing.T) {
	m := NewMemoryIndex(2)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			m.Upsert(ctx, "orders:1", []float32{1, 0}, sampleMemUnit("orders:1"))
		}()
		go func() {
			defer wg.Done()
			m.Search(ctx, []float32{1, 0}, 1)
		}()
	}
	wg.Wait()
	if m.Len() != 1 {
		t.Errorf("len = %d, want 1", m.Len())
	}
}

func sampleMemUnit(ref string) projector.Unit {
	return projector.Unit{EntityType: "test", Text: ref}
}
