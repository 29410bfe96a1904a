package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/config"
	"github.com/Suprimir/gihon/internal/library"
	"github.com/Suprimir/gihon/internal/metrics"
	"github.com/Suprimir/gihon/internal/viewer"
)

// Library is the slice of the comic library the API serves.
type Library interface {
	List(ctx context.Context) ([]string, error)
	Summaries(ctx context.Context) ([]library.Summary, error)
	Add(ctx context.Context, src string) (string, error)
	Delete(ctx context.Context, name string) error
	Metadata(name string) (archive.ComicInfo, error)
	EditMetadata(name string, info archive.ComicInfo) error
	Cover(name string) (archive.Image, error)
}

// Viewer is the reading session driven by the viewer routes.
type Viewer interface {
	Open(ctx context.Context, document string) (viewer.Page, error)
	Next(ctx context.Context) (viewer.Page, error)
	Previous(ctx context.Context) (viewer.Page, error)
	Seek(ctx context.Context, page int) (viewer.Page, error)
	Close()
	Snapshot() viewer.Snapshot
	Displayed() (viewer.Page, bool)
	SetLookahead(k int) error
}

// Settings persists the user preferences behind /api/config.
type Settings interface {
	Load() config.Settings
	Save(config.Settings) error
}

// API bundles the components the HTTP routes dispatch to.
type API struct {
	Library  Library
	Pages    archive.Reader
	Viewer   Viewer
	Settings Settings
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

// NewHandler builds the HTTP routing facade over api. Every route is
// instrumented with request metrics.
func NewHandler(api API) http.Handler {
	logger := api.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{api: api, logger: logger.With(slog.String("agent", "http"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.Handle("GET /metrics", api.Metrics.Handler())

	mux.HandleFunc("GET /api/files", h.listFiles)
	mux.HandleFunc("POST /api/files", h.addFile)
	mux.HandleFunc("DELETE /api/files/{name}", h.deleteFile)
	mux.HandleFunc("GET /api/files/{name}/metadata", h.metadata)
	mux.HandleFunc("PUT /api/files/{name}/metadata", h.editMetadata)
	mux.HandleFunc("GET /api/files/{name}/cover", h.cover)
	mux.HandleFunc("GET /api/files/{name}/pages", h.pageCount)
	mux.HandleFunc("GET /api/files/{name}/pages/{index}", h.page)

	mux.HandleFunc("GET /api/config", h.loadConfig)
	mux.HandleFunc("PUT /api/config", h.saveConfig)

	mux.HandleFunc("GET /api/viewer", h.snapshot)
	mux.HandleFunc("GET /api/viewer/page", h.displayedPage)
	mux.HandleFunc("POST /api/viewer/open", h.open)
	mux.HandleFunc("POST /api/viewer/next", h.next)
	mux.HandleFunc("POST /api/viewer/previous", h.previous)
	mux.HandleFunc("POST /api/viewer/seek", h.seek)
	mux.HandleFunc("POST /api/viewer/close", h.closeViewer)

	return instrument(mux, api.Metrics)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func instrument(mux *http.ServeMux, rec *metrics.Recorder) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusRecorder{ResponseWriter: w}
		mux.ServeHTTP(sw, r)
		// ServeMux records the matched pattern on the request it was given.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		rec.ObserveRequest(route, status, time.Since(start))
	})
}
