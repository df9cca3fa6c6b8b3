package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/models"
)

var tracer = otel.Tracer("gridvault-store")

// DefaultChunkSize is the per-file chunk size used when none is requested.
const DefaultChunkSize int64 = 255 * 1024

// Index is the file metadata index: one record per logical file plus the
// chunk rows that tie stored blobs to their owning file. Implementations
// must make the conditional status transitions (Finalize, MarkFailed,
// Tombstone) atomic per id; that is the only synchronization the store
// relies on.
type Index interface {
	// Create inserts a new record in the uploading state. If filename
	// collides with a non-tombstoned record, a fresh random filename is
	// generated instead of failing (see FreshName).
	Create(ctx context.Context, filename, contentType string, chunkSize int64) (*models.FileRecord, error)
	// Finalize transitions uploading -> complete and sets the length.
	// Returns ErrInvalidState if the record is not currently uploading.
	Finalize(ctx context.Context, id string, length int64) (*models.FileRecord, error)
	// MarkFailed transitions uploading -> failed.
	MarkFailed(ctx context.Context, id string) error
	// Tombstone transitions complete -> tombstoned and releases the
	// filename. Returns ErrNotFound if the record is absent or not
	// complete.
	Tombstone(ctx context.Context, id string) error

	FindByID(ctx context.Context, id string) (*models.FileRecord, error)
	FindByFilename(ctx context.Context, name string) (*models.FileRecord, error)
	// ListAll returns non-tombstoned records in insertion order.
	ListAll(ctx context.Context) ([]*models.FileRecord, error)

	RegisterChunk(ctx context.Context, chunk *models.Chunk) error
	ChunkForSequence(ctx context.Context, fileID string, seq int) (*models.Chunk, error)
	ChunksForFile(ctx context.Context, fileID string) ([]*models.Chunk, error)
	DeleteChunkRow(ctx context.Context, chunkID string) error

	// MarkStaleFailed fails every uploading record created before cutoff.
	MarkStaleFailed(ctx context.Context, cutoff time.Time) (int64, error)
	// OrphanChunks returns chunk rows whose owning record is failed,
	// tombstoned, or absent.
	OrphanChunks(ctx context.Context) ([]*models.Chunk, error)
}

// BlobStore holds raw chunk bytes keyed by object key. Get returns
// ErrNotFound for an absent key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// Cache is a read-through cache for complete file records. A miss is
// (nil, nil), never an error; cache failures are advisory.
type Cache interface {
	GetRecord(ctx context.Context, key string) (*models.FileRecord, error)
	SetRecord(ctx context.Context, key string, rec *models.FileRecord) error
	Invalidate(ctx context.Context, keys ...string) error
}

// CacheKeyID and CacheKeyName build the cache keys for a record's two
// lookup paths.
func CacheKeyID(id string) string     { return "file:id:" + id }
func CacheKeyName(name string) string { return "file:name:" + name }

// ObjectKey builds the blob store key for one chunk of a file.
func ObjectKey(fileID string, seq int) string {
	return fmt.Sprintf("chunks/%s/%d", fileID, seq)
}

// Store coordinates the metadata index and the chunk blob store. It is the
// single entry point for uploads, reads, listing, and deletes; external
// callers never see records that are not complete.
type Store struct {
	index     Index
	blobs     BlobStore
	cache     Cache
	writer    *ChunkWriter
	chunkSize int64
}

// New builds a Store over already connected backends.
func New(index Index, blobs BlobStore, cache Cache, defaultChunkSize int64) *Store {
	if defaultChunkSize <= 0 {
		defaultChunkSize = DefaultChunkSize
	}
	return &Store{
		index:     index,
		blobs:     blobs,
		cache:     cache,
		writer:    NewChunkWriter(index, blobs),
		chunkSize: defaultChunkSize,
	}
}

// Upload streams body into chunk storage and returns the finalized record.
// chunkSize <= 0 selects the store default. On any failure, including a
// caller abort mid-stream, the record is marked failed and the error is
// propagated; chunks already written stay behind for the sweeper.
func (s *Store) Upload(ctx context.Context, filename, contentType string, body io.Reader, chunkSize int64) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "store.upload",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	if chunkSize <= 0 {
		chunkSize = s.chunkSize
	}

	rec, err := s.index.Create(ctx, filename, contentType, chunkSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	span.SetAttributes(
		attribute.String("file_id", rec.ID),
		attribute.String("stored_name", rec.Filename),
	)

	// Completion guard: whatever happens below, the record must leave the
	// uploading state. Detached from ctx so a caller abort still lands.
	finalized := false
	defer func() {
		if finalized {
			return
		}
		bg := context.WithoutCancel(ctx)
		if ferr := s.index.MarkFailed(bg, rec.ID); ferr != nil && !errors.Is(ferr, ErrInvalidState) {
			log.Error().Err(ferr).Str("file_id", rec.ID).Msg("failed to mark aborted upload")
		}
	}()

	total, count, err := s.writer.Write(ctx, rec.ID, body, chunkSize)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to write chunks for %s: %w", rec.ID, err)
	}

	// Finalize can lose to the sweeper failing a record that outlived the
	// grace period, so rec must stay valid for the error path and the guard.
	final, err := s.index.Finalize(ctx, rec.ID, total)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to finalize %s: %w", rec.ID, err)
	}
	finalized = true

	span.SetAttributes(
		attribute.Int64("file_size", total),
		attribute.Int("chunk_count", count),
	)
	log.Info().
		Str("file_id", final.ID).
		Str("file_name", final.Filename).
		Int64("size", total).
		Int("chunks", count).
		Msg("upload complete")
	return final, nil
}

// FetchMetadata resolves ref (an id or a filename) to a complete record.
func (s *Store) FetchMetadata(ctx context.Context, ref string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "store.fetch_metadata",
		trace.WithAttributes(attribute.String("ref", ref)),
	)
	defer span.End()
	return s.resolve(ctx, ref)
}

// FetchContent resolves ref and opens a fresh chunk sequence over the whole
// payload.
func (s *Store) FetchContent(ctx context.Context, ref string) (*models.FileRecord, *ChunkSequence, error) {
	rec, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return rec, NewChunkSequence(s.index, s.blobs, rec, 0, rec.Length), nil
}

// FetchContentRange is FetchContent limited to length bytes starting at
// offset. length < 0 means to end of file.
func (s *Store) FetchContentRange(ctx context.Context, ref string, offset, length int64) (*models.FileRecord, *ChunkSequence, error) {
	rec, err := s.resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	if offset < 0 || offset > rec.Length {
		return nil, nil, fmt.Errorf("offset %d out of range for %s: %w", offset, rec.ID, ErrNotFound)
	}
	if length < 0 || offset+length > rec.Length {
		length = rec.Length - offset
	}
	return rec, NewChunkSequence(s.index, s.blobs, rec, offset, length), nil
}

// List returns all complete records in insertion order.
func (s *Store) List(ctx context.Context) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "store.list")
	defer span.End()

	all, err := s.index.ListAll(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	visible := make([]*models.FileRecord, 0, len(all))
	for _, rec := range all {
		if rec.Status == models.StatusComplete {
			visible = append(visible, rec)
		}
	}
	span.SetAttributes(attribute.Int("file_count", len(visible)))
	return visible, nil
}

// Delete tombstones the record, then removes its chunks best-effort. Chunk
// removal failures leave orphans for the sweeper; the record stays
// tombstoned either way. A second delete of the same id returns ErrNotFound.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "store.delete",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	rec, err := s.index.FindByID(ctx, id)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.index.Tombstone(ctx, id); err != nil {
		span.RecordError(err)
		return err
	}

	if err := s.cache.Invalidate(ctx, CacheKeyID(id), CacheKeyName(rec.Filename)); err != nil {
		log.Warn().Err(err).Str("file_id", id).Msg("failed to invalidate cache")
	}

	chunks, err := s.index.ChunksForFile(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("file_id", id).Msg("failed to list chunks for delete, leaving to sweeper")
		return nil
	}
	removed := 0
	for _, c := range chunks {
		if err := s.blobs.Delete(ctx, c.ObjectKey); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("object_key", c.ObjectKey).Msg("failed to delete chunk blob, leaving to sweeper")
			continue
		}
		if err := s.index.DeleteChunkRow(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("chunk_id", c.ID).Msg("failed to delete chunk row, leaving to sweeper")
			continue
		}
		removed++
	}

	span.SetAttributes(attribute.Int("chunks_removed", removed))
	log.Info().Str("file_id", id).Str("file_name", rec.Filename).Int("chunks_removed", removed).Msg("file deleted")
	return nil
}

// resolve maps an id or filename to its record, consulting the cache first.
// Records that are not complete are invisible and resolve to ErrNotFound.
func (s *Store) resolve(ctx context.Context, ref string) (*models.FileRecord, error) {
	for _, key := range []string{CacheKeyID(ref), CacheKeyName(ref)} {
		rec, err := s.cache.GetRecord(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("cache_key", key).Msg("cache lookup failed")
			continue
		}
		if rec != nil && rec.Status == models.StatusComplete {
			return rec, nil
		}
	}

	rec, err := s.index.FindByID(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		rec, err = s.index.FindByFilename(ctx, ref)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusComplete {
		return nil, fmt.Errorf("file %s is %s: %w", rec.ID, rec.Status, ErrNotFound)
	}

	for _, key := range []string{CacheKeyID(rec.ID), CacheKeyName(rec.Filename)} {
		if cerr := s.cache.SetRecord(ctx, key, rec); cerr != nil {
			log.Warn().Err(cerr).Str("cache_key", key).Msg("cache update failed")
		}
	}
	return rec, nil
}
