package storage

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/store"
)

// SQLBlobStore keeps chunk bytes in a BLOB table, for the embedded
// single-binary deployment where the index and the blobs share one SQLite
// database. Works on MySQL too, though MinIO is the intended production
// blob backend.
type SQLBlobStore struct {
	db *sql.DB
}

// NewSQLBlobStore creates the blob table if needed.
func NewSQLBlobStore(db *sql.DB) (*SQLBlobStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS chunk_blobs (
		object_key VARCHAR(255) PRIMARY KEY,
		data BLOB NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob table: %w", err)
	}
	return &SQLBlobStore{db: db}, nil
}

func (bs *SQLBlobStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "sqlblob.put_chunk",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := bs.db.ExecContext(ctx,
		`INSERT INTO chunk_blobs (object_key, data) VALUES (?, ?)`, key, data)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to store blob: %w", err)
	}
	return nil
}

func (bs *SQLBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "sqlblob.get_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	var data []byte
	err := bs.db.QueryRowContext(ctx,
		`SELECT data FROM chunk_blobs WHERE object_key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("blob %s: %w", key, store.ErrNotFound)
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	span.SetAttributes(attribute.Int("size_bytes", len(data)))
	return data, nil
}

func (bs *SQLBlobStore) Delete(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "sqlblob.delete_chunk",
		trace.WithAttributes(attribute.String("object_key", key)),
	)
	defer span.End()

	if _, err := bs.db.ExecContext(ctx,
		`DELETE FROM chunk_blobs WHERE object_key = ?`, key); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}
