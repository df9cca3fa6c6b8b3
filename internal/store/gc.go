package store

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Sweeper reclaims orphaned chunks: rows whose owning record is failed,
// tombstoned, or absent. Records still uploading are left alone until they
// are older than the grace period, at which point they are treated as
// crashed uploads and failed first. Sweeping is idempotent.
type Sweeper struct {
	index Index
	blobs BlobStore
	grace time.Duration
}

// NewSweeper creates a sweeper with the given grace period for in-flight
// uploads.
func NewSweeper(index Index, blobs BlobStore, grace time.Duration) *Sweeper {
	return &Sweeper{index: index, blobs: blobs, grace: grace}
}

// Sweep performs one pass and returns the number of chunks reclaimed.
// A blob that cannot be deleted keeps its row so the next sweep retries it.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "gc.sweep")
	defer span.End()

	stale, err := s.index.MarkStaleFailed(ctx, time.Now().Add(-s.grace))
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	if stale > 0 {
		log.Warn().Int64("count", stale).Msg("failed stale uploads past grace period")
	}

	orphans, err := s.index.OrphanChunks(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}

	reclaimed := 0
	for _, c := range orphans {
		if err := s.blobs.Delete(ctx, c.ObjectKey); err != nil && !errors.Is(err, ErrNotFound) {
			log.Warn().Err(err).Str("object_key", c.ObjectKey).Msg("failed to delete orphaned blob, will retry next sweep")
			continue
		}
		if err := s.index.DeleteChunkRow(ctx, c.ID); err != nil {
			log.Warn().Err(err).Str("chunk_id", c.ID).Msg("failed to delete orphaned chunk row, will retry next sweep")
			continue
		}
		reclaimed++
	}

	span.SetAttributes(
		attribute.Int64("stale_uploads", stale),
		attribute.Int("reclaimed", reclaimed),
	)
	if reclaimed > 0 {
		log.Info().Int("reclaimed", reclaimed).Msg("sweep reclaimed orphaned chunks")
	}
	return reclaimed, nil
}

// Run sweeps at the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("sweep failed")
			}
		}
	}
}
