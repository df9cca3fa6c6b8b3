package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/models"
)

// ChunkWriter splits an incoming byte stream into fixed-size chunks and
// persists them one at a time. It never buffers more than one chunk: the
// next read from the stream only happens after the previous chunk has been
// committed, so a slow substrate backpressures the client.
type ChunkWriter struct {
	index Index
	blobs BlobStore
}

// NewChunkWriter creates a chunk writer over the given index and blob store.
func NewChunkWriter(index Index, blobs BlobStore) *ChunkWriter {
	return &ChunkWriter{index: index, blobs: blobs}
}

// Write consumes r until EOF, persisting one chunk per chunkSize bytes with
// strictly increasing sequence numbers. The final chunk may be shorter; an
// empty stream persists no chunks at all. Returns the total byte count and
// the number of chunks written. A substrate rejection surfaces as
// ErrIOFailure; chunks already committed are left in place for the sweeper.
func (w *ChunkWriter) Write(ctx context.Context, fileID string, r io.Reader, chunkSize int64) (int64, int, error) {
	ctx, span := tracer.Start(ctx, "chunks.write",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int64("chunk_size", chunkSize),
		),
	)
	defer span.End()

	if chunkSize <= 0 {
		return 0, 0, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	var total int64
	seq := 0
	for {
		buf := make([]byte, chunkSize)
		n, err := io.ReadFull(r, buf)

		if n > 0 {
			if perr := w.persistChunk(ctx, fileID, seq, buf[:n]); perr != nil {
				span.RecordError(perr)
				return total, seq, perr
			}
			total += int64(n)
			seq++
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			span.RecordError(err)
			return total, seq, fmt.Errorf("error reading upload stream: %w", errors.Join(ErrIOFailure, err))
		}
	}

	span.SetAttributes(
		attribute.Int64("total_bytes", total),
		attribute.Int("chunk_count", seq),
	)
	return total, seq, nil
}

func (w *ChunkWriter) persistChunk(ctx context.Context, fileID string, seq int, data []byte) error {
	key := ObjectKey(fileID, seq)
	if err := w.blobs.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to store chunk %d: %w", seq, errors.Join(ErrIOFailure, err))
	}

	chunk := &models.Chunk{
		ID:        uuid.New().String(),
		FileID:    fileID,
		Sequence:  seq,
		Hash:      ComputeHash(data),
		ObjectKey: key,
		Size:      int64(len(data)),
	}
	if err := w.index.RegisterChunk(ctx, chunk); err != nil {
		return fmt.Errorf("failed to register chunk %d: %w", seq, errors.Join(ErrIOFailure, err))
	}
	return nil
}

// ComputeHash computes the SHA256 hash of data.
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// VerifyChunkHash reports whether chunk data matches the expected hash.
func VerifyChunkHash(data []byte, expectedHash string) bool {
	return ComputeHash(data) == expectedHash
}
