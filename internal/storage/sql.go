package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	sqlite3 "modernc.org/sqlite"

	"github.com/ssawhney/gridvault/internal/models"
	"github.com/ssawhney/gridvault/internal/store"
)

var tracer = otel.Tracer("gridvault-storage")

// DDL kept portable between MySQL/TiDB and SQLite where it can be: one
// statement per Exec, "?" placeholders. active_name mirrors filename for
// non-tombstoned records and is NULLed on tombstone, so the unique
// constraint only binds live names and the insert itself arbitrates
// concurrent collisions.
//
// Listing must follow insertion order, and DATETIME is only second-granular
// on MySQL, so ordering needs a monotonic counter: an AUTO_INCREMENT
// position column on MySQL, the implicit rowid on SQLite. That is the one
// dialect-specific part of the schema.
var filesDDL = map[string]string{
	"mysql": `CREATE TABLE IF NOT EXISTS files (
		id VARCHAR(36) PRIMARY KEY,
		position BIGINT NOT NULL AUTO_INCREMENT,
		filename VARCHAR(255) NOT NULL,
		active_name VARCHAR(255) NULL,
		content_type VARCHAR(128) NOT NULL,
		length BIGINT NOT NULL DEFAULT 0,
		chunk_size BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (position),
		UNIQUE (active_name)
	)`,
	"sqlite": `CREATE TABLE IF NOT EXISTS files (
		id VARCHAR(36) PRIMARY KEY,
		filename VARCHAR(255) NOT NULL,
		active_name VARCHAR(255) NULL,
		content_type VARCHAR(128) NOT NULL,
		length BIGINT NOT NULL DEFAULT 0,
		chunk_size BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (active_name)
	)`,
}

var orderColumn = map[string]string{
	"mysql":  "position",
	"sqlite": "rowid",
}

const chunksDDL = `CREATE TABLE IF NOT EXISTS chunks (
		id VARCHAR(36) PRIMARY KEY,
		file_id VARCHAR(36) NOT NULL,
		seq INT NOT NULL,
		hash CHAR(64) NOT NULL,
		object_key VARCHAR(255) NOT NULL,
		size BIGINT NOT NULL,
		UNIQUE (file_id, seq)
	)`

// OpenDB opens and pings a database handle with the pool settings shared by
// every SQL-backed component. driver is "mysql" or "sqlite".
func OpenDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// SQLIndex is the file metadata index and chunk row registry on a SQL
// database. Status transitions are conditional single-row updates, which is
// the only atomicity the store requires.
type SQLIndex struct {
	db      *sql.DB
	orderBy string
}

// NewSQLIndex creates the schema if needed and returns a ready index.
// driver is "mysql" or "sqlite", matching the handle passed in.
func NewSQLIndex(db *sql.DB, driver string) (*SQLIndex, error) {
	ddl, ok := filesDDL[driver]
	if !ok {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	for _, stmt := range []string{ddl, chunksDDL} {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return &SQLIndex{db: db, orderBy: orderColumn[driver]}, nil
}

// isDuplicate reports whether err is a unique-constraint violation on
// either supported driver.
func isDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == 19 // SQLITE_CONSTRAINT
	}
	return false
}

func (s *SQLIndex) Create(ctx context.Context, filename, contentType string, chunkSize int64) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.create_file",
		trace.WithAttributes(attribute.String("file_name", filename)),
	)
	defer span.End()

	query := `INSERT INTO files (id, filename, active_name, content_type, length, chunk_size, status, created_at)
			  VALUES (?, ?, ?, ?, 0, ?, ?, ?)`

	name := filename
	for attempt := 0; ; attempt++ {
		rec := &models.FileRecord{
			ID:          uuid.New().String(),
			Filename:    name,
			ContentType: contentType,
			ChunkSize:   chunkSize,
			Status:      models.StatusUploading,
			CreatedAt:   time.Now().UTC(),
		}

		_, err := s.db.ExecContext(ctx, query,
			rec.ID, rec.Filename, rec.Filename, rec.ContentType, rec.ChunkSize, rec.Status, rec.CreatedAt)
		if err == nil {
			span.SetAttributes(
				attribute.String("file_id", rec.ID),
				attribute.String("stored_name", rec.Filename),
				attribute.Bool("renamed", name != filename),
			)
			return rec, nil
		}
		if !isDuplicate(err) || attempt >= 5 {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to insert file: %w", err)
		}

		// Name taken by a live record: pick a fresh random one and retry.
		name, err = store.FreshName(filename)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
	}
}

func (s *SQLIndex) Finalize(ctx context.Context, id string, length int64) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.finalize_file",
		trace.WithAttributes(
			attribute.String("file_id", id),
			attribute.Int64("length", length),
		),
	)
	defer span.End()

	if err := s.transition(ctx,
		`UPDATE files SET status = ?, length = ? WHERE id = ? AND status = ?`,
		id, models.StatusComplete, length, id, models.StatusUploading); err != nil {
		span.RecordError(err)
		return nil, err
	}
	return s.FindByID(ctx, id)
}

func (s *SQLIndex) MarkFailed(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sql.mark_failed",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	err := s.transition(ctx,
		`UPDATE files SET status = ? WHERE id = ? AND status = ?`,
		id, models.StatusFailed, id, models.StatusUploading)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *SQLIndex) Tombstone(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "sql.tombstone_file",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, active_name = NULL WHERE id = ? AND status = ?`,
		models.StatusTombstoned, id, models.StatusComplete)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to tombstone file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Absent, still uploading, or already tombstoned: all invisible.
		return fmt.Errorf("file %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// transition runs a conditional status update; zero rows affected means the
// record is absent (ErrNotFound) or in the wrong state (ErrInvalidState).
func (s *SQLIndex) transition(ctx context.Context, query, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var status models.Status
	err = s.db.QueryRowContext(ctx, `SELECT status FROM files WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return fmt.Errorf("file %s: %w", id, store.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("failed to query file status: %w", err)
	}
	return fmt.Errorf("file %s is %s: %w", id, status, store.ErrInvalidState)
}

const fileColumns = `id, filename, content_type, length, chunk_size, status, created_at`

func (s *SQLIndex) FindByID(ctx context.Context, id string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.find_file_by_id",
		trace.WithAttributes(attribute.String("file_id", id)),
	)
	defer span.End()

	return s.scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
}

func (s *SQLIndex) FindByFilename(ctx context.Context, name string) (*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.find_file_by_name",
		trace.WithAttributes(attribute.String("file_name", name)),
	)
	defer span.End()

	// active_name is NULL once tombstoned, so tombstoned records are
	// unreachable by name.
	return s.scanFile(s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE active_name = ?`, name))
}

func (s *SQLIndex) scanFile(row *sql.Row) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := row.Scan(&rec.ID, &rec.Filename, &rec.ContentType, &rec.Length, &rec.ChunkSize, &rec.Status, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	return &rec, nil
}

func (s *SQLIndex) ListAll(ctx context.Context) ([]*models.FileRecord, error) {
	ctx, span := tracer.Start(ctx, "sql.list_files")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE status != ? ORDER BY `+s.orderBy,
		models.StatusTombstoned)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var records []*models.FileRecord
	for rows.Next() {
		var rec models.FileRecord
		if err := rows.Scan(&rec.ID, &rec.Filename, &rec.ContentType, &rec.Length, &rec.ChunkSize, &rec.Status, &rec.CreatedAt); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("file_count", len(records)))
	return records, nil
}

func (s *SQLIndex) RegisterChunk(ctx context.Context, chunk *models.Chunk) error {
	ctx, span := tracer.Start(ctx, "sql.register_chunk",
		trace.WithAttributes(
			attribute.String("file_id", chunk.FileID),
			attribute.Int("sequence", chunk.Sequence),
		),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, file_id, seq, hash, object_key, size) VALUES (?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.FileID, chunk.Sequence, chunk.Hash, chunk.ObjectKey, chunk.Size)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert chunk: %w", err)
	}
	return nil
}

const chunkColumns = `id, file_id, seq, hash, object_key, size`

func (s *SQLIndex) ChunkForSequence(ctx context.Context, fileID string, seq int) (*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "sql.get_chunk",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
			attribute.Int("sequence", seq),
		),
	)
	defer span.End()

	var c models.Chunk
	err := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? AND seq = ?`, fileID, seq).
		Scan(&c.ID, &c.FileID, &c.Sequence, &c.Hash, &c.ObjectKey, &c.Size)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	} else if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunk: %w", err)
	}
	return &c, nil
}

func (s *SQLIndex) ChunksForFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "sql.get_chunks",
		trace.WithAttributes(attribute.String("file_id", fileID)),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE file_id = ? ORDER BY seq ASC`, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

func (s *SQLIndex) DeleteChunkRow(ctx context.Context, chunkID string) error {
	ctx, span := tracer.Start(ctx, "sql.delete_chunk",
		trace.WithAttributes(attribute.String("chunk_id", chunkID)),
	)
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, chunkID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

func (s *SQLIndex) MarkStaleFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "sql.mark_stale_failed")
	defer span.End()

	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ? WHERE status = ? AND created_at < ?`,
		models.StatusFailed, models.StatusUploading, cutoff.UTC())
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("failed to mark stale uploads: %w", err)
	}
	n, _ := res.RowsAffected()
	span.SetAttributes(attribute.Int64("stale_count", n))
	return n, nil
}

func (s *SQLIndex) OrphanChunks(ctx context.Context) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "sql.orphan_chunks")
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.file_id, c.seq, c.hash, c.object_key, c.size
		 FROM chunks c LEFT JOIN files f ON f.id = c.file_id
		 WHERE f.id IS NULL OR f.status IN (?, ?)`,
		models.StatusFailed, models.StatusTombstoned)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query orphaned chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("orphan_count", len(chunks)))
	return chunks, nil
}

func scanChunks(rows *sql.Rows) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	for rows.Next() {
		var c models.Chunk
		if err := rows.Scan(&c.ID, &c.FileID, &c.Sequence, &c.Hash, &c.ObjectKey, &c.Size); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}
