package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Suprimir/gihon/internal/archive"
	"github.com/Suprimir/gihon/internal/config"
	"github.com/Suprimir/gihon/internal/library"
	"github.com/Suprimir/gihon/internal/viewer"
)

const maxBodyBytes = 1 << 20

var errBadRequest = errors.New("server: bad request")

type handlers struct {
	api    API
	logger *slog.Logger
}

type pageInfo struct {
	Document    string `json:"document"`
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	ContentType string `json:"contentType,omitempty"`
	Size        int    `json:"size"`
	FromCache   bool   `json:"fromCache"`
}

type navigationResponse struct {
	Session viewer.Snapshot `json:"session"`
	Page    *pageInfo       `json:"page,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	snap := h.api.Viewer.Snapshot()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"session":    snap.ID,
		"viewer":     snap.State,
		"observedAt": time.Now().UTC(),
	})
}

func (h *handlers) listFiles(w http.ResponseWriter, r *http.Request) {
	if details, _ := strconv.ParseBool(r.URL.Query().Get("details")); details {
		summaries, err := h.api.Library.Summaries(r.Context())
		if err != nil {
			h.writeFailure(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, summaries)
		return
	}
	names, err := h.api.Library.List(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, names)
}

func (h *handlers) addFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourcePath string `json:"sourcePath"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.SourcePath) == "" {
		h.writeFailure(w, fmt.Errorf("%w: sourcePath required", errBadRequest))
		return
	}
	name, err := h.api.Library.Add(r.Context(), req.SourcePath)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	// The archive behind an open session was replaced; its page count and
	// decoded pages no longer apply.
	if h.api.Viewer.Snapshot().Document == name {
		h.api.Viewer.Close()
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (h *handlers) deleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if h.api.Viewer.Snapshot().Document == name {
		h.api.Viewer.Close()
	}
	if err := h.api.Library.Delete(r.Context(), name); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) metadata(w http.ResponseWriter, r *http.Request) {
	info, err := h.api.Library.Metadata(r.PathValue("name"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, info)
}

func (h *handlers) editMetadata(w http.ResponseWriter, r *http.Request) {
	var info archive.ComicInfo
	if err := decodeBody(r, &info); err != nil {
		h.writeFailure(w, err)
		return
	}
	if err := h.api.Library.EditMetadata(r.PathValue("name"), info); err != nil {
		h.writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) cover(w http.ResponseWriter, r *http.Request) {
	img, err := h.api.Library.Cover(r.PathValue("name"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeImage(w, img)
}

func (h *handlers) pageCount(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	n, err := h.api.Pages.PageCount(r.Context(), name)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"document": name, "count": n})
}

func (h *handlers) page(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		h.writeFailure(w, fmt.Errorf("%w: page index %q", errBadRequest, r.PathValue("index")))
		return
	}
	img, err := h.api.Pages.Page(r.Context(), r.PathValue("name"), index)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeImage(w, img)
}

func (h *handlers) loadConfig(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.api.Settings.Load())
}

func (h *handlers) saveConfig(w http.ResponseWriter, r *http.Request) {
	var settings config.Settings
	if err := decodeBody(r, &settings); err != nil {
		h.writeFailure(w, err)
		return
	}
	if err := settings.Validate(); err != nil {
		h.writeFailure(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if err := h.api.Settings.Save(settings); err != nil {
		h.writeFailure(w, err)
		return
	}
	if err := h.api.Viewer.SetLookahead(settings.PreloadOffset); err != nil {
		h.writeFailure(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, settings)
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.api.Viewer.Snapshot())
}

func (h *handlers) displayedPage(w http.ResponseWriter, r *http.Request) {
	page, ok := h.api.Viewer.Displayed()
	if !ok {
		h.writeError(w, http.StatusNotFound, "no page displayed")
		return
	}
	h.writeImage(w, page.Image)
}

func (h *handlers) open(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document string `json:"document"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeFailure(w, err)
		return
	}
	if strings.TrimSpace(req.Document) == "" {
		h.writeFailure(w, fmt.Errorf("%w: document required", errBadRequest))
		return
	}
	h.navigate(w, r, func(ctx context.Context) (viewer.Page, error) {
		return h.api.Viewer.Open(ctx, req.Document)
	})
}

func (h *handlers) next(w http.ResponseWriter, r *http.Request) {
	h.navigate(w, r, h.api.Viewer.Next)
}

func (h *handlers) previous(w http.ResponseWriter, r *http.Request) {
	h.navigate(w, r, h.api.Viewer.Previous)
}

func (h *handlers) seek(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Page *int `json:"page"`
	}
	if err := decodeBody(r, &req); err != nil {
		h.writeFailure(w, err)
		return
	}
	if req.Page == nil {
		h.writeFailure(w, fmt.Errorf("%w: page required", errBadRequest))
		return
	}
	h.navigate(w, r, func(ctx context.Context) (viewer.Page, error) {
		return h.api.Viewer.Seek(ctx, *req.Page)
	})
}

func (h *handlers) closeViewer(w http.ResponseWriter, r *http.Request) {
	h.api.Viewer.Close()
	h.writeJSON(w, http.StatusOK, navigationResponse{Session: h.api.Viewer.Snapshot()})
}

func (h *handlers) navigate(w http.ResponseWriter, r *http.Request, intent func(context.Context) (viewer.Page, error)) {
	page, err := intent(r.Context())
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	resp := navigationResponse{Session: h.api.Viewer.Snapshot()}
	if page.Document != "" {
		resp.Page = &pageInfo{
			Document:    page.Document,
			Index:       page.Index,
			Total:       page.Total,
			ContentType: page.Image.ContentType,
			Size:        len(page.Image.Data),
			FromCache:   page.FromCache,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", errBadRequest, err)
	}
	return nil
}

// statusFor maps component errors onto HTTP status codes. Not found and bad
// input are checked before the viewer wrappers so an open of a missing
// document reports 404.
func statusFor(err error) int {
	switch {
	case errors.Is(err, library.ErrNotFound),
		errors.Is(err, archive.ErrDocumentNotFound),
		errors.Is(err, archive.ErrPageOutOfRange):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, library.ErrUnsupportedFormat),
		errors.Is(err, library.ErrInvalidName),
		errors.Is(err, archive.ErrUnsupportedFormat),
		errors.Is(err, viewer.ErrInvalidLookahead):
		return http.StatusBadRequest
	case errors.Is(err, viewer.ErrNotReady),
		errors.Is(err, viewer.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, viewer.ErrDecode),
		errors.Is(err, viewer.ErrDocumentOpen):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.Int("http_status", status), slog.Any("error", err))
	} else {
		h.logger.Debug("request rejected", slog.Int("http_status", status), slog.Any("error", err))
	}
	h.writeError(w, status, err.Error())
}

func (h *handlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("response encode failed", slog.Any("error", err))
	}
}

func (h *handlers) writeImage(w http.ResponseWriter, img archive.Image) {
	ct := img.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(img.Data); err != nil {
		h.logger.Debug("image write failed", slog.Any("error", err))
	}
}
