package app

import (
	"encoding/json"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"success/api/internal/blocks"
	"success/api/internal/rbac"
	"success/api/internal/revision"
	"success/api/internal/store"
	"success/api/internal/util"
)

const (
	visitorHeader = "X-Visitor-ID"
	visitorCookie = "visitor_id"
)

// available answers 503 for every route of the group when an optional
// service is not configured.
func (s *HTTPServer) available(name string, ok bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				s.fail(w, r, unavailable(name))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *HTTPServer) postRoutes(r chi.Router) {
	r.Use(s.require(rbac.ActionWrite))
	r.Get("/", s.handleListPosts)
	r.Post("/", s.handleCreatePost)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetPost)
		r.Put("/", s.handleUpdatePost)
		r.Delete("/", s.handleDeletePost)
		r.Put("/autosave", s.handleAutosavePost)
		r.Post("/autosave", s.handleAutosavePost)
		r.Post("/blocks", s.handleBlockOps)
		r.Get("/export", s.handleExportPost)
		r.Get("/revisions", s.handleRevisions(revision.KindPost))
		r.Get("/revisions/{hash}", s.handleRevision(revision.KindPost))
		r.Post("/revisions/{hash}/restore", s.handleRestoreRevision(revision.KindPost))

		r.Group(func(r chi.Router) {
			r.Use(s.require(rbac.ActionPublish))
			r.Post("/publish", s.handlePublishPost)
			r.Post("/unpublish", s.handleUnpublishPost)
			r.Post("/schedule", s.handleSchedulePost)
		})
	})
}

func (s *HTTPServer) pageRoutes(r chi.Router) {
	r.Use(s.require(rbac.ActionWrite))
	r.Get("/", s.handleListPages)
	r.Get("/{id}", s.handleGetPage)
	r.Get("/{id}/revisions", s.handleRevisions(revision.KindPage))
	r.Get("/{id}/revisions/{hash}", s.handleRevision(revision.KindPage))

	r.Group(func(r chi.Router) {
		r.Use(s.require(rbac.ActionPublish))
		r.Post("/", s.handleCreatePage)
		r.Put("/{id}", s.handleUpdatePage)
		r.Delete("/{id}", s.handleDeletePage)
		r.Post("/{id}/revisions/{hash}/restore", s.handleRestoreRevision(revision.KindPage))
	})
}

func (s *HTTPServer) blockRoutes(r chi.Router) {
	r.Use(s.require(rbac.ActionWrite))
	r.Get("/", s.handleBlockSpecs)
	r.Post("/create", s.handleCreateBlock)
	r.Post("/render", s.handleRenderBlocks)
	r.Post("/parse", s.handleParseBlocks)
}

// Posts

func contentFilter(r *http.Request) store.ContentFilter {
	query := r.URL.Query()
	return store.ContentFilter{
		Status:   strings.TrimSpace(query.Get("status")),
		Category: strings.TrimSpace(query.Get("category")),
		Tag:      strings.TrimSpace(query.Get("tag")),
		AuthorID: strings.TrimSpace(query.Get("author")),
		Query:    strings.TrimSpace(query.Get("q")),
		Limit:    queryInt(r, "limit", 20),
		Offset:   queryInt(r, "offset", 0),
	}
}

func (s *HTTPServer) handleListPosts(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListPosts(r.Context(), mustSession(r), contentFilter(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	var in PostInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreatePost(r.Context(), mustSession(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, payload)
}

func (s *HTTPServer) handleGetPost(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	var in PostInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdatePost(r.Context(), mustSession(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePost(r.Context(), mustSession(r), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleAutosavePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content     json.RawMessage `json:"content"`
		ContentHTML string          `json:"contentHtml"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.AutosavePost(r.Context(), mustSession(r), chi.URLParam(r, "id"), body.Content, body.ContentHTML)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleBlockOps(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Ops []BlockOp `json:"ops"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if len(body.Ops) == 0 {
		s.fail(w, r, validationError("ops", "at least one operation is required"))
		return
	}
	payload, err := s.service.ApplyBlockOps(r.Context(), mustSession(r), chi.URLParam(r, "id"), body.Ops)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handlePublishPost(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.PublishPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleUnpublishPost(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.UnpublishPost(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleSchedulePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ScheduledAt time.Time `json:"scheduledAt"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.ScheduledAt.IsZero() {
		s.fail(w, r, validationError("scheduledAt", "is required"))
		return
	}
	payload, err := s.service.SchedulePost(r.Context(), chi.URLParam(r, "id"), body.ScheduledAt)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleExportPost(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.ExportPost(r.Context(), chi.URLParam(r, "id"), r.URL.Query().Get("format"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

// Revisions

func (s *HTTPServer) handleRevisions(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := s.service.Revisions(r.Context(), kind, chi.URLParam(r, "id"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, payload)
	}
}

func (s *HTTPServer) handleRevision(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := s.service.Revision(r.Context(), kind, chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, payload)
	}
}

func (s *HTTPServer) handleRestoreRevision(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := s.service.RestoreRevision(r.Context(), mustSession(r), kind, chi.URLParam(r, "id"), chi.URLParam(r, "hash"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, payload)
	}
}

// Pages

func (s *HTTPServer) handleListPages(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.ListPages(r.Context(), contentFilter(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleGetPage(w http.ResponseWriter, r *http.Request) {
	payload, err := s.service.GetPage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleCreatePage(w http.ResponseWriter, r *http.Request) {
	var in PageInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.CreatePage(r.Context(), mustSession(r), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, payload)
}

func (s *HTTPServer) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	var in PageInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.UpdatePage(r.Context(), mustSession(r), chi.URLParam(r, "id"), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

func (s *HTTPServer) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeletePage(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

// Blocks

func (s *HTTPServer) handleBlockSpecs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{"items": s.service.blocks.Specs()})
}

func (s *HTTPServer) handleCreateBlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type  string         `json:"type"`
		Attrs map[string]any `json:"attrs"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	node, err := s.service.blocks.Create(body.Type, body.Attrs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, node)
}

func (s *HTTPServer) handleRenderBlocks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content json.RawMessage `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	rendered, err := s.service.prepareDocument(body.Content, "")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"html":        rendered.html,
		"wordCount":   rendered.words,
		"readingTime": rendered.readingTime,
	})
}

func (s *HTTPServer) handleParseBlocks(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HTML string `json:"html"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	doc, err := blocks.ParseHTML(s.service.blocks, body.HTML)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"content": doc})
}

// Public reads

func (s *HTTPServer) handlePublicPost(w http.ResponseWriter, r *http.Request) {
	viewer := Viewer{VisitorKey: visitorKey(w, r)}
	if session, ok := currentSession(r); ok {
		viewer.Session = &session
	}
	payload, err := s.service.PublicPost(r.Context(), chi.URLParam(r, "slug"), viewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, payload)
}

// visitorKey identifies an anonymous reader for metering. A key is issued
// as a cookie the first time a reader shows up without one.
func visitorKey(w http.ResponseWriter, r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(visitorHeader)); key != "" {
		return key
	}
	if cookie, err := r.Cookie(visitorCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	key := util.NewID("vis")
	http.SetCookie(w, &http.Cookie{
		Name:     visitorCookie,
		Value:    key,
		Path:     "/",
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return key
}
