package handlers

import (
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/store"
)

// WriteHandler serves the upload and delete routes.
type WriteHandler struct {
	store *store.Store
}

// NewWriteHandler creates a new write handler.
func NewWriteHandler(st *store.Store) *WriteHandler {
	return &WriteHandler{store: st}
}

// Upload handles POST /upload with a multipart form carrying the file in
// field "file". The part is streamed straight into the store: the payload
// is never held in memory or spooled to disk. On success the client is
// redirected to the listing.
func (wh *WriteHandler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expected multipart/form-data", http.StatusBadRequest)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if err != nil {
			span.RecordError(err)
			http.Error(w, "malformed multipart body", http.StatusBadRequest)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		filename := sanitizeFilename(part.FileName())
		contentType := part.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		span.SetAttributes(
			attribute.String("file_name", filename),
			attribute.String("content_type", contentType),
		)

		rec, err := wh.store.Upload(ctx, filename, contentType, part, 0)
		part.Close()
		if err != nil {
			span.RecordError(err)
			writeError(w, err, "No file exist")
			return
		}

		span.SetAttributes(
			attribute.String("file_id", rec.ID),
			attribute.Int64("file_size", rec.Length),
		)
		http.Redirect(w, r, "/files", http.StatusSeeOther)
		return
	}

	http.Error(w, "missing 'file' form field", http.StatusBadRequest)
}

// Delete handles DELETE /files/{id}.
func (wh *WriteHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "delete_file",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	id := mux.Vars(r)["id"]
	span.SetAttributes(attribute.String("file_id", id))

	if err := wh.store.Delete(ctx, id); err != nil {
		span.RecordError(err)
		writeError(w, err, "No file exist")
		return
	}

	log.Info().Str("file_id", id).Msg("file deleted via http")
	http.Redirect(w, r, "/files", http.StatusSeeOther)
}

// sanitizeFilename reduces a client-supplied filename to a safe base name:
// path components and control characters are stripped. An empty result
// becomes "file".
func sanitizeFilename(name string) string {
	// Clients on Windows send backslash-separated paths.
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "file"
	}
	return name
}
