package badger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/poiesic/alexandria/core"
	"github.com/poiesic/alexandria/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenBackend_InMemory(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	assert.False(t, backend.IsClosed())
}

func TestOpenBackend_FileSystem(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "nested", "db")
	backend, err := OpenBackend(tmpDir, false)
	require.NoError(t, err)
	require.NotNil(t, backend)
	defer backend.Close()

	info, err := os.Stat(tmpDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "missing directories are created")
}

func TestOpenBackend_PathIsFile(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(tmpFile, []byte("x"), 0644))

	_, err := OpenBackend(tmpFile, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestBackendClose(t *testing.T) {
	backend, err := OpenBackend("", true)
	require.NoError(t, err)

	assert.False(t, backend.IsClosed())
	require.NoError(t, backend.Close())
	assert.True(t, backend.IsClosed())
}

func TestClosedStorageIsReported(t *testing.T) {
	repos, err := NewMemoryRepositories()
	require.NoError(t, err)
	require.NoError(t, repos.Close())
	ctx := context.Background()

	_, err = repos.Batches.GetBatch(ctx, "b-1")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	err = repos.Batches.SaveBatch(ctx, &core.BatchRecord{BatchID: "b-1", Status: core.BatchPending})
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	_, err = repos.Vectors.Query(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repos, err := Open(dir, false)
	require.NoError(t, err)
	record := &core.BatchRecord{BatchID: "b-1", TotalCount: 2, Status: core.BatchPending}
	require.NoError(t, repos.Batches.SaveBatch(ctx, record))
	require.NoError(t, repos.Close())

	repos, err = Open(dir, false)
	require.NoError(t, err)
	defer repos.Close()

	got, err := repos.Batches.GetBatch(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalCount)

	_, err = repos.Batches.GetBatch(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDotProduct(t *testing.T) {
	assert.InDelta(t, 11.0, dotProduct([]float32{1, 2}, []float32{3, 4}), 1e-6)
	assert.InDelta(t, 3.0, dotProduct([]float32{1, 2, 9}, []float32{3}), 1e-6, "shorter vector bounds the sum")
}
