package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssawhney/gridvault/internal/store"
)

// imageTypes are the MIME types the image endpoint will stream.
var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ReadHandler serves the listing, metadata, and content routes.
type ReadHandler struct {
	store *store.Store
}

// NewReadHandler creates a new read handler.
func NewReadHandler(st *store.Store) *ReadHandler {
	return &ReadHandler{store: st}
}

// List handles GET /files.
func (rh *ReadHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "list_files",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	records, err := rh.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		writeError(w, err, "No files exist")
		return
	}
	if len(records) == 0 {
		writeJSONError(w, http.StatusNotFound, "No files exist")
		return
	}

	span.SetAttributes(attribute.Int("file_count", len(records)))
	writeJSON(w, http.StatusOK, records)
}

// Metadata handles GET /files/{filename}.
func (rh *ReadHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "file_metadata",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := mux.Vars(r)["filename"]
	span.SetAttributes(attribute.String("file_name", filename))

	rec, err := rh.store.FetchMetadata(ctx, filename)
	if err != nil {
		span.RecordError(err)
		writeError(w, err, "No file exist")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Image handles GET /image/{filename}: metadata lookup, content-type check,
// then a chunk-by-chunk stream of the payload. A single bytes=a-b Range
// header is honored with a 206 response.
func (rh *ReadHandler) Image(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "read_image",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	filename := mux.Vars(r)["filename"]
	span.SetAttributes(attribute.String("file_name", filename))

	rec, err := rh.store.FetchMetadata(ctx, filename)
	if err != nil {
		span.RecordError(err)
		writeError(w, err, "No file exist")
		return
	}
	if !imageTypes[rec.ContentType] {
		span.SetAttributes(attribute.String("content_type", rec.ContentType))
		writeError(w, store.ErrNotAnImage, "")
		return
	}

	offset, length, partial := parseRange(r.Header.Get("Range"), rec.Length)

	_, seq, err := rh.store.FetchContentRange(ctx, rec.ID, offset, length)
	if err != nil {
		span.RecordError(err)
		writeError(w, err, "No file exist")
		return
	}

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(seq.Length(), 10))
	if partial {
		w.Header().Set("Content-Range",
			fmt.Sprintf("bytes %d-%d/%d", offset, offset+seq.Length()-1, rec.Length))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	// Pull one chunk at a time so the client connection, not the store,
	// sets the pace. A consumer disconnect just abandons the sequence.
	flusher, _ := w.(http.Flusher)
	for {
		buf, err := seq.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			// Headers are gone; log and drop the connection.
			span.RecordError(err)
			log.Error().Err(err).Str("file_id", rec.ID).Msg("streaming aborted")
			return
		}
		if _, err := w.Write(buf); err != nil {
			span.SetAttributes(attribute.Bool("client_disconnected", true))
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// parseRange parses a single "bytes=a-b" range against total. Returns the
// full range when the header is absent or malformed.
func parseRange(header string, total int64) (offset, length int64, partial bool) {
	full := func() (int64, int64, bool) { return 0, total, false }

	if !strings.HasPrefix(header, "bytes=") || strings.Contains(header, ",") {
		return full()
	}
	spec := strings.TrimPrefix(header, "bytes=")
	dash := strings.Index(spec, "-")
	if dash < 0 {
		return full()
	}
	startStr, endStr := spec[:dash], spec[dash+1:]

	if startStr == "" {
		// Suffix range: last N bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return full()
		}
		if n > total {
			n = total
		}
		if n == 0 {
			return full()
		}
		return total - n, n, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= total {
		return full()
	}
	end := total - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return full()
		}
		if end >= total {
			end = total - 1
		}
	}
	return start, end - start + 1, true
}
