package storage_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssawhney/gridvault/internal/models"
	"github.com/ssawhney/gridvault/internal/storage"
	"github.com/ssawhney/gridvault/internal/store"
)

// newSQLiteIndex opens a throwaway SQLite database; the same code paths run
// against MySQL/TiDB in the minio backend.
func newSQLiteIndex(t *testing.T) *storage.SQLIndex {
	index, _ := newSQLiteIndexDB(t)
	return index
}

func newSQLiteIndexDB(t *testing.T) (*storage.SQLIndex, *sql.DB) {
	t.Helper()
	db, err := storage.OpenDB("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	index, err := storage.NewSQLIndex(db, "sqlite")
	require.NoError(t, err)
	return index, db
}

func TestSQLIndexCreateAndFind(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	rec, err := index.Create(ctx, "notes.txt", "text/plain", 1024)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", rec.Filename)
	assert.Equal(t, models.StatusUploading, rec.Status)
	assert.Equal(t, int64(1024), rec.ChunkSize)
	assert.False(t, rec.CreatedAt.IsZero())

	byID, err := index.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byID.ID)
	assert.Equal(t, "text/plain", byID.ContentType)

	byName, err := index.FindByFilename(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byName.ID)

	_, err = index.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = index.FindByFilename(ctx, "missing.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSQLIndexCollisionRenames(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	first, err := index.Create(ctx, "cat.png", "image/png", 1024)
	require.NoError(t, err)
	second, err := index.Create(ctx, "cat.png", "image/png", 1024)
	require.NoError(t, err)

	assert.Equal(t, "cat.png", first.Filename)
	assert.NotEqual(t, "cat.png", second.Filename)
	assert.Equal(t, ".png", filepath.Ext(second.Filename))
}

func TestSQLIndexTransitions(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	rec, err := index.Create(ctx, "a.bin", "application/octet-stream", 64)
	require.NoError(t, err)

	done, err := index.Finalize(ctx, rec.ID, 4096)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, done.Status)
	assert.Equal(t, int64(4096), done.Length)

	// Finalize is conditional on the uploading state.
	_, err = index.Finalize(ctx, rec.ID, 4096)
	assert.ErrorIs(t, err, store.ErrInvalidState)
	assert.ErrorIs(t, index.MarkFailed(ctx, rec.ID), store.ErrInvalidState)
	_, err = index.Finalize(ctx, "missing", 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Complete records tombstone; anything else is invisible to delete.
	require.NoError(t, index.Tombstone(ctx, rec.ID))
	assert.ErrorIs(t, index.Tombstone(ctx, rec.ID), store.ErrNotFound)

	failed, err := index.Create(ctx, "b.bin", "application/octet-stream", 64)
	require.NoError(t, err)
	require.NoError(t, index.MarkFailed(ctx, failed.ID))
	assert.ErrorIs(t, index.Tombstone(ctx, failed.ID), store.ErrNotFound)
}

func TestSQLIndexTombstoneReleasesName(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	rec, err := index.Create(ctx, "cat.png", "image/png", 64)
	require.NoError(t, err)
	_, err = index.Finalize(ctx, rec.ID, 10)
	require.NoError(t, err)
	require.NoError(t, index.Tombstone(ctx, rec.ID))

	_, err = index.FindByFilename(ctx, "cat.png")
	assert.ErrorIs(t, err, store.ErrNotFound, "tombstoned records are unreachable by name")

	// The name is free again: a new upload gets it verbatim.
	again, err := index.Create(ctx, "cat.png", "image/png", 64)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", again.Filename)
}

func TestSQLIndexListAll(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	var ids []string
	for _, name := range []string{"one", "two", "three"} {
		rec, err := index.Create(ctx, name, "text/plain", 64)
		require.NoError(t, err)
		_, err = index.Finalize(ctx, rec.ID, 1)
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}
	require.NoError(t, index.Tombstone(ctx, ids[1]))

	records, err := index.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2, "tombstoned records excluded")
	assert.Equal(t, "one", records[0].Filename)
	assert.Equal(t, "three", records[1].Filename)
}

func TestSQLIndexListAllOrderSurvivesTimestampTies(t *testing.T) {
	ctx := context.Background()
	index, db := newSQLiteIndexDB(t)

	names := []string{"one", "two", "three", "four"}
	for _, name := range names {
		_, err := index.Create(ctx, name, "text/plain", 64)
		require.NoError(t, err)
	}

	// Records created within the same DATETIME tick must still list in
	// insertion order, so ordering cannot lean on the timestamp.
	_, err := db.Exec(`UPDATE files SET created_at = ?`, time.Now().UTC())
	require.NoError(t, err)

	records, err := index.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, records, len(names))
	for i, rec := range records {
		assert.Equal(t, names[i], rec.Filename)
	}
}

func registerChunk(t *testing.T, index *storage.SQLIndex, fileID string, seq int) *models.Chunk {
	t.Helper()
	chunk := &models.Chunk{
		ID:        uuid.New().String(),
		FileID:    fileID,
		Sequence:  seq,
		Hash:      store.ComputeHash([]byte("data")),
		ObjectKey: store.ObjectKey(fileID, seq),
		Size:      4,
	}
	require.NoError(t, index.RegisterChunk(context.Background(), chunk))
	return chunk
}

func TestSQLIndexChunkRows(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	rec, err := index.Create(ctx, "chunky.bin", "application/octet-stream", 4)
	require.NoError(t, err)
	for seq := 0; seq < 3; seq++ {
		registerChunk(t, index, rec.ID, seq)
	}

	chunk, err := index.ChunkForSequence(ctx, rec.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, chunk.Sequence)
	assert.Equal(t, store.ObjectKey(rec.ID, 1), chunk.ObjectKey)

	_, err = index.ChunkForSequence(ctx, rec.ID, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)

	chunks, err := index.ChunksForFile(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	for i, c := range chunks {
		assert.Equal(t, i, c.Sequence, "ordered by sequence")
	}

	require.NoError(t, index.DeleteChunkRow(ctx, chunks[0].ID))
	chunks, err = index.ChunksForFile(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, chunks, 2)
}

func TestSQLIndexOrphanChunks(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	live, err := index.Create(ctx, "live.bin", "application/octet-stream", 4)
	require.NoError(t, err)
	registerChunk(t, index, live.ID, 0)
	_, err = index.Finalize(ctx, live.ID, 4)
	require.NoError(t, err)

	dead, err := index.Create(ctx, "dead.bin", "application/octet-stream", 4)
	require.NoError(t, err)
	registerChunk(t, index, dead.ID, 0)
	registerChunk(t, index, dead.ID, 1)
	require.NoError(t, index.MarkFailed(ctx, dead.ID))

	registerChunk(t, index, "no-such-file", 0)

	orphans, err := index.OrphanChunks(ctx)
	require.NoError(t, err)
	assert.Len(t, orphans, 3)
	for _, c := range orphans {
		assert.NotEqual(t, live.ID, c.FileID)
	}
}

func TestSQLIndexMarkStaleFailed(t *testing.T) {
	ctx := context.Background()
	index := newSQLiteIndex(t)

	rec, err := index.Create(ctx, "stale.bin", "application/octet-stream", 4)
	require.NoError(t, err)

	n, err := index.MarkStaleFailed(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "recent upload protected")

	n, err = index.MarkStaleFailed(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := index.FindByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
}
