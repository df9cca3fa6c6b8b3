package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/models"
)

// ChunkSequence is a lazy, ordered pull sequence over the chunks of one
// file, optionally restricted to a byte range. Each call to the store opens
// a fresh sequence; the consumer drives it one chunk at a time and may stop
// early without side effects. Not safe for concurrent use.
type ChunkSequence struct {
	index Index
	blobs BlobStore
	rec   *models.FileRecord

	seq  int   // next sequence number to fetch
	last int   // last sequence number in range, -1 for an empty range
	lo   int64 // byte range [lo, hi) over the whole file
	hi   int64
}

// NewChunkSequence opens a sequence over rec covering length bytes starting
// at offset. The range is assumed pre-validated against rec.Length.
func NewChunkSequence(index Index, blobs BlobStore, rec *models.FileRecord, offset, length int64) *ChunkSequence {
	cs := &ChunkSequence{
		index: index,
		blobs: blobs,
		rec:   rec,
		lo:    offset,
		hi:    offset + length,
	}
	if length <= 0 {
		cs.seq, cs.last = 0, -1
		return cs
	}
	cs.seq = int(cs.lo / rec.ChunkSize)
	cs.last = int((cs.hi - 1) / rec.ChunkSize)
	return cs
}

// Length returns the total number of bytes the sequence will yield.
func (cs *ChunkSequence) Length() int64 {
	return cs.hi - cs.lo
}

// Next yields the next buffer in sequence order, trimmed to the requested
// byte range, or io.EOF when the sequence is exhausted. A missing chunk row
// or blob, a size mismatch, or a hash mismatch surfaces as ErrCorruptStore;
// substrate failures surface as ErrIOFailure.
func (cs *ChunkSequence) Next(ctx context.Context) ([]byte, error) {
	if cs.seq > cs.last {
		return nil, io.EOF
	}

	ctx, span := tracer.Start(ctx, "chunks.next",
		trace.WithAttributes(
			attribute.String("file_id", cs.rec.ID),
			attribute.Int("sequence", cs.seq),
		),
	)
	defer span.End()

	chunk, err := cs.index.ChunkForSequence(ctx, cs.rec.ID, cs.seq)
	if errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("chunk %d of file %s missing: %w", cs.seq, cs.rec.ID, ErrCorruptStore)
		span.RecordError(err)
		return nil, err
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to look up chunk %d: %w", cs.seq, errors.Join(ErrIOFailure, err))
	}

	data, err := cs.blobs.Get(ctx, chunk.ObjectKey)
	if errors.Is(err, ErrNotFound) {
		err = fmt.Errorf("blob %s missing: %w", chunk.ObjectKey, ErrCorruptStore)
		span.RecordError(err)
		return nil, err
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to fetch chunk %d: %w", cs.seq, errors.Join(ErrIOFailure, err))
	}

	if int64(len(data)) != chunk.Size || !VerifyChunkHash(data, chunk.Hash) {
		err = fmt.Errorf("chunk %d of file %s does not match its record: %w", cs.seq, cs.rec.ID, ErrCorruptStore)
		span.RecordError(err)
		return nil, err
	}

	// Trim the first and last buffer to the requested byte boundaries.
	chunkStart := int64(cs.seq) * cs.rec.ChunkSize
	start, end := int64(0), int64(len(data))
	if cs.lo > chunkStart {
		start = cs.lo - chunkStart
	}
	if chunkStart+end > cs.hi {
		end = cs.hi - chunkStart
	}

	cs.seq++
	span.SetAttributes(attribute.Int64("bytes", end-start))
	return data[start:end], nil
}

// WriteTo drains the sequence into w. Implements io.WriterTo so the HTTP
// layer can stream a response with the consumer controlling backpressure.
func (cs *ChunkSequence) WriteTo(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for {
		buf, err := cs.Next(ctx)
		if err == io.EOF {
			return written, nil
		} else if err != nil {
			return written, err
		}
		n, err := w.Write(buf)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
}
