package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ssawhney/gridvault/internal/models"
	"github.com/ssawhney/gridvault/internal/store"
)

// MemoryIndex is a map-backed metadata index for tests and the dev backend.
// It mirrors the SQL index's transition semantics exactly.
type MemoryIndex struct {
	mu    sync.RWMutex
	files map[string]*models.FileRecord
	order []string                 // insertion order of file ids
	names map[string]string        // active filename -> file id
	rows  map[string]*models.Chunk // chunk id -> row
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		files: make(map[string]*models.FileRecord),
		names: make(map[string]string),
		rows:  make(map[string]*models.Chunk),
	}
}

func (m *MemoryIndex) Create(ctx context.Context, filename, contentType string, chunkSize int64) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := filename
	if _, taken := m.names[name]; taken {
		fresh, err := store.FreshName(filename)
		if err != nil {
			return nil, err
		}
		name = fresh
	}

	rec := &models.FileRecord{
		ID:          uuid.New().String(),
		Filename:    name,
		ContentType: contentType,
		ChunkSize:   chunkSize,
		Status:      models.StatusUploading,
		CreatedAt:   time.Now().UTC(),
	}
	m.files[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	m.names[name] = rec.ID
	return copyRecord(rec), nil
}

func (m *MemoryIndex) Finalize(ctx context.Context, id string, length int64) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, store.ErrNotFound)
	}
	if rec.Status != models.StatusUploading {
		return nil, fmt.Errorf("file %s is %s: %w", id, rec.Status, store.ErrInvalidState)
	}
	rec.Status = models.StatusComplete
	rec.Length = length
	return copyRecord(rec), nil
}

func (m *MemoryIndex) MarkFailed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok {
		return fmt.Errorf("file %s: %w", id, store.ErrNotFound)
	}
	if rec.Status != models.StatusUploading {
		return fmt.Errorf("file %s is %s: %w", id, rec.Status, store.ErrInvalidState)
	}
	rec.Status = models.StatusFailed
	return nil
}

func (m *MemoryIndex) Tombstone(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.files[id]
	if !ok || rec.Status != models.StatusComplete {
		return fmt.Errorf("file %s: %w", id, store.ErrNotFound)
	}
	rec.Status = models.StatusTombstoned
	delete(m.names, rec.Filename)
	return nil
}

func (m *MemoryIndex) FindByID(ctx context.Context, id string) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.files[id]
	if !ok {
		return nil, fmt.Errorf("file %s: %w", id, store.ErrNotFound)
	}
	return copyRecord(rec), nil
}

func (m *MemoryIndex) FindByFilename(ctx context.Context, name string) (*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.names[name]
	if !ok {
		return nil, fmt.Errorf("file %q: %w", name, store.ErrNotFound)
	}
	return copyRecord(m.files[id]), nil
}

func (m *MemoryIndex) ListAll(ctx context.Context) ([]*models.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []*models.FileRecord
	for _, id := range m.order {
		if rec := m.files[id]; rec.Status != models.StatusTombstoned {
			records = append(records, copyRecord(rec))
		}
	}
	return records, nil
}

func (m *MemoryIndex) RegisterChunk(ctx context.Context, chunk *models.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *chunk
	m.rows[c.ID] = &c
	return nil
}

func (m *MemoryIndex) ChunkForSequence(ctx context.Context, fileID string, seq int) (*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.rows {
		if c.FileID == fileID && c.Sequence == seq {
			cc := *c
			return &cc, nil
		}
	}
	return nil, fmt.Errorf("chunk %d of %s: %w", seq, fileID, store.ErrNotFound)
}

func (m *MemoryIndex) ChunksForFile(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chunks []*models.Chunk
	for _, c := range m.rows {
		if c.FileID == fileID {
			cc := *c
			chunks = append(chunks, &cc)
		}
	}
	return chunks, nil
}

func (m *MemoryIndex) DeleteChunkRow(ctx context.Context, chunkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.rows, chunkID)
	return nil
}

func (m *MemoryIndex) MarkStaleFailed(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, rec := range m.files {
		if rec.Status == models.StatusUploading && rec.CreatedAt.Before(cutoff) {
			rec.Status = models.StatusFailed
			n++
		}
	}
	return n, nil
}

func (m *MemoryIndex) OrphanChunks(ctx context.Context) ([]*models.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var orphans []*models.Chunk
	for _, c := range m.rows {
		rec, ok := m.files[c.FileID]
		if !ok || rec.Status == models.StatusFailed || rec.Status == models.StatusTombstoned {
			cc := *c
			orphans = append(orphans, &cc)
		}
	}
	return orphans, nil
}

func copyRecord(rec *models.FileRecord) *models.FileRecord {
	cc := *rec
	return &cc
}

// MemoryBlobStore is a map-backed blob store for tests and the dev backend.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	m.blobs[key] = buf
	return nil
}

func (m *MemoryBlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", key, store.ErrNotFound)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (m *MemoryBlobStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)
	return nil
}

// Len reports the number of stored blobs. Test helper.
func (m *MemoryBlobStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
