package store

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"

	"github.com/brunobiangulo/nlquery/projector"
)

// MemoryIndex is an in-process vector index using brute-force cosine
// similarity. It has the same upsert-by-reference semantics as Store and
// suits tests and small corpora.
type MemoryIndex struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]memoryEntry
	nextID    int64
}

type memoryEntry struct {
	id     int64
	unit   projector.Unit
	vector []float32
	norm   float64
}

// NewMemoryIndex creates an empty index for vectors of the given dimension.
func NewMemoryIndex(dimension int) *MemoryIndex {
	return &MemoryIndex{dimension: dimension, entries: make(map[string]memoryEntry)}
}

// Upsert stores or replaces the unit under ref.
func (m *MemoryIndex) Upsert(_ context.Context, ref string, vector []float32, unit projector.Unit) error {
	if len(vector) != m.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID + 1
	if prev, ok := m.entries[ref]; ok {
		id = prev.id
	} else {
		m.nextID = id
	}
	m.entries[ref] = memoryEntry{
		id:     id,
		unit:   unit,
		vector: slices.Clone(vector),
		norm:   norm(vector),
	}
	return nil
}

// Search returns up to k entries by descending cosine similarity. Ties are
// broken by reference so results are stable.
func (m *MemoryIndex) Search(_ context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) != m.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), m.dimension)
	}
	if k <= 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	qn := norm(vector)
	hits := make([]Hit, 0, len(m.entries))
	for ref, e := range m.entries {
		hits = append(hits, Hit{ID: e.id, Ref: ref, Unit: e.unit, Score: cosine(vector, qn, e.vector, e.norm)})
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Ref, b.Ref)
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Len reports how many units are stored.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close is a no-op.
func (m *MemoryIndex) Close() error { return nil }

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
