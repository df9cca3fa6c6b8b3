package store

import "errors"

// Typed errors surfaced by the store. Callers match them with errors.Is;
// the HTTP layer maps them onto status codes.
var (
	// ErrNotFound: the id or filename does not resolve, or resolves to a
	// record that is not complete (uploading, failed, tombstoned).
	ErrNotFound = errors.New("file not found")

	// ErrInvalidState: a lifecycle transition was requested out of
	// sequence, e.g. finalizing a record that is no longer uploading.
	ErrInvalidState = errors.New("invalid record state")

	// ErrIOFailure: the persistence substrate rejected a read or write.
	ErrIOFailure = errors.New("storage i/o failure")

	// ErrCorruptStore: a chunk expected inside a complete file's sequence
	// range is missing, or its bytes do not match the recorded hash.
	ErrCorruptStore = errors.New("corrupt chunk store")

	// ErrNotAnImage: the record's content type is not a renderable image.
	ErrNotAnImage = errors.New("not an image")
)
