package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"

	"github.com/ssawhney/gridvault/internal/store"
)

var tracer = otel.Tracer("gridvault-handlers")

// NewRouter builds the HTTP surface over the store:
//
//	GET    /files            JSON listing
//	GET    /files/{filename} JSON metadata
//	GET    /image/{filename} binary stream, image MIME types only
//	POST   /upload           multipart upload, field "file"
//	DELETE /files/{id}       delete by id
//	GET    /health           liveness
//
// POST /files/{id}?_method=DELETE is accepted for clients that cannot send
// DELETE directly.
func NewRouter(st *store.Store) http.Handler {
	read := NewReadHandler(st)
	write := NewWriteHandler(st)

	router := mux.NewRouter()

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/files", otelhttp.NewHandler(http.HandlerFunc(read.List), "GET /files")).Methods("GET")
	router.Handle("/files/{filename}", otelhttp.NewHandler(http.HandlerFunc(read.Metadata), "GET /files/{filename}")).Methods("GET")
	router.Handle("/image/{filename}", otelhttp.NewHandler(http.HandlerFunc(read.Image), "GET /image/{filename}")).Methods("GET")
	router.Handle("/upload", otelhttp.NewHandler(http.HandlerFunc(write.Upload), "POST /upload")).Methods("POST")
	router.Handle("/files/{id}", otelhttp.NewHandler(http.HandlerFunc(write.Delete), "DELETE /files/{id}")).Methods("DELETE")

	return methodOverride(router)
}

// methodOverride rewrites POST requests carrying ?_method=DELETE into real
// DELETE requests before routing.
func methodOverride(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Query().Get("_method") == http.MethodDelete {
			r.Method = http.MethodDelete
		}
		next.ServeHTTP(w, r)
	})
}

// writeError translates store errors into the HTTP surface: 404 for
// NotFound/NotAnImage, 409 for InvalidState, 500 otherwise. Bodies are
// {"err": "..."} JSON.
func writeError(w http.ResponseWriter, err error, notFoundMsg string) {
	switch {
	case errors.Is(err, store.ErrNotAnImage):
		writeJSONError(w, http.StatusNotFound, "Not an image")
	case errors.Is(err, store.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, notFoundMsg)
	case errors.Is(err, store.ErrInvalidState):
		writeJSONError(w, http.StatusConflict, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"err": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
