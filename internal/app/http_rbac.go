package app

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"success/api/internal/rbac"
	"success/api/internal/search"
)

func (s *HTTPServer) adminRoutes(r chi.Router) {
	r.Use(s.require(rbac.ActionAdmin))
	r.Get("/users", s.handleAdminUsers)
	r.Put("/users/{id}/role", s.handleAdminUserRole)
	r.Post("/users/{id}/deactivate", s.handleAdminDeactivateUser)
}

func (s *HTTPServer) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.ListUsers(r.Context(), r.URL.Query().Get("q"))
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleAdminUserRole(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Role string `json:"role"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	result, err := s.service.UpdateUserRole(r.Context(), mustSession(r), chi.URLParam(r, "id"), body.Role)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleAdminDeactivateUser(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.DeactivateUser(r.Context(), mustSession(r), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleDashboard(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.Dashboard(r.Context())
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeJSON(w, r, http.StatusOK, search.Response{Results: []search.Result{}, Query: text})
		return
	}

	var filterType search.ResultType
	switch strings.TrimSpace(query.Get("type")) {
	case "":
	case string(search.ResultPost):
		filterType = search.ResultPost
	case string(search.ResultPage):
		filterType = search.ResultPage
	case string(search.ResultContact):
		filterType = search.ResultContact
	default:
		s.fail(w, r, validationError("type", "must be post, page or contact"))
		return
	}

	writeJSON(w, r, http.StatusOK, s.service.Search(r.Context(), mustSession(r), search.Query{
		Text:       text,
		FilterType: filterType,
		Status:     strings.TrimSpace(query.Get("status")),
		Limit:      queryInt(r, "limit", 20),
		Offset:     queryInt(r, "offset", 0),
	}))
}
