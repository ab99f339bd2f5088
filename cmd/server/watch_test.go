package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloadRecorder struct {
	paths chan string
}

func (r *reloadRecorder) ReloadCatalog(path string) error {
	r.paths <- path
	return nil
}

func TestCatalogWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: shop\n"), 0o644))
	// Unrelated files in the same directory are ignored.
	other := filepath.Join(dir, "notes.txt")

	rec := &reloadRecorder{paths: make(chan string, 4)}
	w := &catalogWatcher{engine: rec, path: path, debounce: 150 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Close()

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("name: shop\ntables: []\n"), 0o644))
	require.NoError(t, os.WriteFile(path, []byte("name: shop\ntables: []\n\n"), 0o644))

	select {
	case got := <-rec.paths:
		assert.Equal(t, path, got)
	case <-ctx.Done():
		t.Fatal("timeout waiting for reload")
	}

	// The burst of writes collapses into a single reload.
	select {
	case got := <-rec.paths:
		t.Fatalf("unexpected second reload of %s", got)
	case <-time.After(500 * time.Millisecond):
	}
}
