package app

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"success/api/internal/media"
	"success/api/internal/rbac"
	"success/api/internal/store"
)

// multipartOverhead leaves room for form fields and part headers on top of
// the file size limit.
const multipartOverhead = 1 << 20

func (s *HTTPServer) mediaRoutes(r chi.Router) {
	r.Use(s.require(rbac.ActionMedia))
	r.Use(s.available("media", s.service.media != nil))
	r.Get("/", s.handleListMedia)
	r.Post("/", s.handleUploadMedia)
	r.Get("/{id}", s.handleGetMedia)
	r.Patch("/{id}", s.handleUpdateMedia)
	r.Delete("/{id}", s.handleDeleteMedia)
}

func (s *HTTPServer) handleUploadMedia(w http.ResponseWriter, r *http.Request) {
	svc := s.service.media
	r.Body = http.MaxBytesReader(w, r.Body, svc.MaxBytes()+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, r, media.ErrTooLarge)
			return
		}
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "expected multipart form with a file field", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		s.fail(w, r, validationError("file", "is required"))
		return
	}
	defer file.Close()

	item, err := svc.Upload(r.Context(), media.Upload{
		Filename:   header.Filename,
		Body:       file,
		Size:       header.Size,
		Alt:        r.FormValue("alt"),
		Caption:    r.FormValue("caption"),
		UploadedBy: mustSession(r).UserID,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, mediaPayload(item))
}

func (s *HTTPServer) handleListMedia(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}
	items, err := s.service.media.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("type")), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		out = append(out, mediaPayload(item))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": out, "limit": limit, "offset": offset})
}

func (s *HTTPServer) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	item, err := s.service.media.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, mediaPayload(item))
}

func (s *HTTPServer) handleUpdateMedia(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Alt     string `json:"alt"`
		Caption string `json:"caption"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	item, err := s.service.media.Update(r.Context(), chi.URLParam(r, "id"), body.Alt, body.Caption)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, mediaPayload(item))
}

func (s *HTTPServer) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	if err := s.service.media.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

func mediaPayload(item store.Media) map[string]any {
	return map[string]any{
		"id":         item.ID,
		"filename":   item.Filename,
		"mimeType":   item.MimeType,
		"sizeBytes":  item.SizeBytes,
		"url":        item.URL,
		"alt":        item.Alt,
		"caption":    item.Caption,
		"width":      item.Width,
		"height":     item.Height,
		"uploadedBy": item.UploadedBy,
		"createdAt":  item.CreatedAt.UTC().Format(time.RFC3339),
	}
}
