package models

import "time"

// Status is the lifecycle state of a FileRecord.
//
// Transitions: uploading -> complete (finalize), uploading -> failed (error),
// complete -> tombstoned (delete). failed and tombstoned are terminal.
type Status string

const (
	StatusUploading  Status = "uploading"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusTombstoned Status = "tombstoned"
)

// FileRecord is the metadata entry for one logical uploaded file.
type FileRecord struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Length is the total byte length; zero until the record is finalized.
	Length    int64     `json:"length"`
	ChunkSize int64     `json:"chunk_size"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Chunk is the stored record for one chunk of a file. The chunk bytes live
// in the blob store under ObjectKey; this row indexes them by owning file
// and sequence number.
type Chunk struct {
	ID        string `json:"id"`
	FileID    string `json:"file_id"`
	Sequence  int    `json:"sequence"`
	Hash      string `json:"hash"`
	ObjectKey string `json:"object_key"`
	Size      int64  `json:"size"`
}

// NumChunks returns the number of chunks a complete file of this record's
// length occupies.
func (f *FileRecord) NumChunks() int {
	if f.Length == 0 {
		return 0
	}
	return int((f.Length + f.ChunkSize - 1) / f.ChunkSize)
}
