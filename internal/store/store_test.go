package store_test

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssawhney/gridvault/internal/models"
	"github.com/ssawhney/gridvault/internal/storage"
	"github.com/ssawhney/gridvault/internal/store"
)

func newMemoryStore() (*store.Store, *storage.MemoryIndex, *storage.MemoryBlobStore) {
	index := storage.NewMemoryIndex()
	blobs := storage.NewMemoryBlobStore()
	return store.New(index, blobs, storage.NopCache{}, 64), index, blobs
}

func TestUploadLifecycle(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newMemoryStore()

	data := payload(200)
	rec, err := st.Upload(ctx, "report.pdf", "application/pdf", bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, "report.pdf", rec.Filename)
	assert.Equal(t, "application/pdf", rec.ContentType)
	assert.Equal(t, models.StatusComplete, rec.Status)
	assert.Equal(t, int64(200), rec.Length)
	assert.Equal(t, int64(64), rec.ChunkSize)
	assert.NotEmpty(t, rec.ID)

	// Metadata resolves by id and by filename.
	byID, err := st.FetchMetadata(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byID.ID)
	byName, err := st.FetchMetadata(ctx, "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byName.ID)

	// Content round-trips.
	_, seq, err := st.FetchContent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, data, drain(t, seq))
}

func TestUploadEmptyFile(t *testing.T) {
	ctx := context.Background()
	st, _, blobs := newMemoryStore()

	rec, err := st.Upload(ctx, "empty.txt", "text/plain", bytes.NewReader(nil), 0)
	require.NoError(t, err)
	assert.Equal(t, models.StatusComplete, rec.Status)
	assert.Equal(t, int64(0), rec.Length)
	assert.Equal(t, 0, blobs.Len())

	_, seq, err := st.FetchContent(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, drain(t, seq))
}

func TestUploadChunkBoundaries(t *testing.T) {
	ctx := context.Background()
	st, _, blobs := newMemoryStore()

	// Exactly one chunk.
	_, err := st.Upload(ctx, "a.bin", "application/octet-stream", bytes.NewReader(payload(64)), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, blobs.Len())

	// One byte over: a full chunk plus a one-byte chunk.
	rec, err := st.Upload(ctx, "b.bin", "application/octet-stream", bytes.NewReader(payload(65)), 0)
	require.NoError(t, err)
	assert.Equal(t, 1+2, blobs.Len())
	assert.Equal(t, 2, rec.NumChunks())
}

func TestUploadFailureMarksRecordFailed(t *testing.T) {
	ctx := context.Background()
	index := storage.NewMemoryIndex()
	blobs := &brokenBlobStore{MemoryBlobStore: storage.NewMemoryBlobStore(), failAfter: 1}
	st := store.New(index, blobs, storage.NopCache{}, 64)

	_, err := st.Upload(ctx, "doomed.bin", "application/octet-stream", bytes.NewReader(payload(300)), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrIOFailure)

	// The record reached a terminal state and is invisible to readers.
	all, err := index.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusFailed, all[0].Status)

	_, err = st.FetchMetadata(ctx, all[0].ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = st.FetchContent(ctx, "doomed.bin")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// One committed chunk is orphaned until the sweeper runs.
	sweeper := store.NewSweeper(index, blobs.MemoryBlobStore, 0)
	n, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, blobs.MemoryBlobStore.Len())

	n, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep reclaims nothing")
}

func TestUploadAbortedByClient(t *testing.T) {
	ctx := context.Background()
	st, index, _ := newMemoryStore()

	r := io.MultiReader(bytes.NewReader(payload(100)), &errReader{})
	_, err := st.Upload(ctx, "aborted.bin", "application/octet-stream", r, 0)
	require.Error(t, err)

	all, err := index.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusFailed, all[0].Status, "aborted upload must not stay uploading")
}

// sweptIndex fails the record right before finalizing it, as the sweeper
// does to an upload that outlives the grace period.
type sweptIndex struct {
	*storage.MemoryIndex
}

func (i *sweptIndex) Finalize(ctx context.Context, id string, length int64) (*models.FileRecord, error) {
	if err := i.MemoryIndex.MarkFailed(ctx, id); err != nil {
		return nil, err
	}
	return i.MemoryIndex.Finalize(ctx, id, length)
}

func TestUploadLosesFinalizeRace(t *testing.T) {
	ctx := context.Background()
	index := &sweptIndex{MemoryIndex: storage.NewMemoryIndex()}
	st := store.New(index, storage.NewMemoryBlobStore(), storage.NopCache{}, 64)

	_, err := st.Upload(ctx, "slow.bin", "application/octet-stream", bytes.NewReader(payload(200)), 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidState)

	all, err := index.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, models.StatusFailed, all[0].Status)
}

func TestFilenameCollisionGetsFreshName(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newMemoryStore()

	first, err := st.Upload(ctx, "cat.png", "image/png", bytes.NewReader(payload(10)), 0)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", first.Filename)

	second, err := st.Upload(ctx, "cat.png", "image/png", bytes.NewReader(payload(20)), 0)
	require.NoError(t, err)
	assert.NotEqual(t, "cat.png", second.Filename)
	assert.Contains(t, second.Filename, ".png")

	// Both remain fetchable under their stored names.
	_, err = st.FetchMetadata(ctx, first.Filename)
	require.NoError(t, err)
	_, err = st.FetchMetadata(ctx, second.Filename)
	require.NoError(t, err)
}

func TestConcurrentUploadsSameName(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newMemoryStore()

	const n = 8
	records := make([]*models.FileRecord, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := st.Upload(ctx, "shared.dat", "application/octet-stream", bytes.NewReader(payload(100+i)), 0)
			assert.NoError(t, err)
			records[i] = rec
		}(i)
	}
	wg.Wait()

	names := make(map[string]bool, n)
	for _, rec := range records {
		require.NotNil(t, rec)
		assert.Equal(t, models.StatusComplete, rec.Status)
		assert.False(t, names[rec.Filename], "duplicate stored name %s", rec.Filename)
		names[rec.Filename] = true
	}
}

func TestListReturnsCompleteInInsertionOrder(t *testing.T) {
	ctx := context.Background()
	st, index, _ := newMemoryStore()

	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		_, err := st.Upload(ctx, name, "text/plain", bytes.NewReader(payload(10)), 0)
		require.NoError(t, err)
	}
	// An in-flight upload is not listed.
	_, err := index.Create(ctx, "pending.txt", "text/plain", 64)
	require.NoError(t, err)

	records, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "one.txt", records[0].Filename)
	assert.Equal(t, "two.txt", records[1].Filename)
	assert.Equal(t, "three.txt", records[2].Filename)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	st, _, blobs := newMemoryStore()

	rec, err := st.Upload(ctx, "gone.bin", "application/octet-stream", bytes.NewReader(payload(200)), 0)
	require.NoError(t, err)
	require.Equal(t, 4, blobs.Len())

	require.NoError(t, st.Delete(ctx, rec.ID))
	assert.Equal(t, 0, blobs.Len())

	_, err = st.FetchMetadata(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.FetchMetadata(ctx, "gone.bin")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = st.FetchContent(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Second delete of the same id fails the same way.
	assert.ErrorIs(t, st.Delete(ctx, rec.ID), store.ErrNotFound)
}

func TestDeleteUnknownID(t *testing.T) {
	st, _, _ := newMemoryStore()
	assert.ErrorIs(t, st.Delete(context.Background(), "nope"), store.ErrNotFound)
}

func TestDeleteFreesFilenameForReuse(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newMemoryStore()

	rec, err := st.Upload(ctx, "cat.png", "image/png", bytes.NewReader(payload(10)), 0)
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, rec.ID))

	again, err := st.Upload(ctx, "cat.png", "image/png", bytes.NewReader(payload(10)), 0)
	require.NoError(t, err)
	assert.Equal(t, "cat.png", again.Filename, "tombstoned records do not hold their name")
}

func TestRangeRequestsThroughStore(t *testing.T) {
	ctx := context.Background()
	st, _, _ := newMemoryStore()

	data := payload(500)
	rec, err := st.Upload(ctx, "ranged.bin", "application/octet-stream", bytes.NewReader(data), 0)
	require.NoError(t, err)

	_, seq, err := st.FetchContentRange(ctx, rec.ID, 100, 250)
	require.NoError(t, err)
	assert.Equal(t, data[100:350], drain(t, seq))

	// Negative length means to end of file.
	_, seq, err = st.FetchContentRange(ctx, rec.ID, 400, -1)
	require.NoError(t, err)
	assert.Equal(t, data[400:], drain(t, seq))

	_, _, err = st.FetchContentRange(ctx, rec.ID, 501, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// The worked example from the service contract: a 600000-byte png with
// 255000-byte chunks lands in three chunks of 255000, 255000 and 90000 bytes
// and streams back intact.
func TestCatPngScenario(t *testing.T) {
	ctx := context.Background()
	index := storage.NewMemoryIndex()
	blobs := storage.NewMemoryBlobStore()
	st := store.New(index, blobs, storage.NopCache{}, 255000)

	data := payload(600000)
	rec, err := st.Upload(ctx, "cat.png", "image/png", bytes.NewReader(data), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(600000), rec.Length)
	assert.Equal(t, 3, rec.NumChunks())

	for seq, want := range []int64{255000, 255000, 90000} {
		chunk, err := index.ChunkForSequence(ctx, rec.ID, seq)
		require.NoError(t, err)
		assert.Equal(t, want, chunk.Size)
	}

	got, err := st.FetchMetadata(ctx, "cat.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", got.ContentType)
	assert.Equal(t, models.StatusComplete, got.Status)

	_, cs, err := st.FetchContent(ctx, "cat.png")
	require.NoError(t, err)
	assert.Equal(t, data, drain(t, cs))
}
