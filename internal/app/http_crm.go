package app

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"success/api/internal/crm"
	"success/api/internal/rbac"
	"success/api/internal/store"
)

func (s *HTTPServer) crmRoutes(r chi.Router) {
	r.Use(s.require(rbac.ActionCRM))
	r.Use(s.available("crm", s.service.crm != nil))

	r.Route("/contacts", func(r chi.Router) {
		r.Get("/", s.handleListContacts)
		r.Post("/", s.handleCreateContact)
		r.Post("/import", s.handleImportContacts)
		r.Get("/{id}", s.handleGetContact)
		r.Put("/{id}", s.handleUpdateContact)
		r.Delete("/{id}", s.handleDeleteContact)
		r.Post("/{id}/tags", s.handleTagContact)
		r.Delete("/{id}/tags", s.handleUntagContact)
	})

	r.Route("/deals", func(r chi.Router) {
		r.Get("/", s.handleListDeals)
		r.Post("/", s.handleCreateDeal)
		r.Get("/pipeline", s.handlePipeline)
		r.Get("/{id}", s.handleGetDeal)
		r.Put("/{id}", s.handleUpdateDeal)
		r.Post("/{id}/stage", s.handleMoveDealStage)
		r.Delete("/{id}", s.handleDeleteDeal)
	})

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", s.handleListCampaigns)
		r.Post("/", s.handleCreateCampaign)
		r.Get("/{id}", s.handleGetCampaign)
		r.Put("/{id}", s.handleUpdateCampaign)
		r.Delete("/{id}", s.handleDeleteCampaign)
		r.Post("/{id}/send", s.handleSendCampaign)
		r.Get("/{id}/deliveries", s.handleCampaignDeliveries)
	})

	r.Get("/pipeline", s.handlePipeline)

	r.Route("/tickets", func(r chi.Router) {
		r.Get("/", s.handleListTickets)
		r.Post("/", s.handleCreateTicket)
		r.Get("/{id}", s.handleGetTicket)
		r.Put("/{id}", s.handleUpdateTicket)
		r.Delete("/{id}", s.handleDeleteTicket)
		r.Post("/{id}/assign", s.handleAssignTicket)
		r.Post("/{id}/status", s.handleTicketStatus)
		r.Post("/{id}/comments", s.handleTicketComment)
	})

	r.Route("/sequences", func(r chi.Router) {
		r.Get("/", s.handleListSequences)
		r.Post("/", s.handleCreateSequence)
		r.Get("/{id}", s.handleGetSequence)
		r.Put("/{id}", s.handleUpdateSequence)
		r.Delete("/{id}", s.handleDeleteSequence)
		r.Get("/{id}/enrollments", s.handleListEnrollments)
		r.Post("/{id}/enrollments", s.handleEnroll)
		r.Delete("/{id}/enrollments/{contactID}", s.handleUnenroll)
		r.Post("/{id}/enroll", s.handleEnroll)
		r.Post("/{id}/unenroll", s.handleUnenroll)
	})
}

// respond writes payload or maps err. Most CRM handlers end this way.
func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, status, payload)
}

func (s *HTTPServer) decodeOrFail(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	return true
}

func okOrErr(err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}

func listPayload[T any](list []T, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []T{}
	}
	return map[string]any{"items": list}, nil
}

// Contacts

func (s *HTTPServer) handleListContacts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := s.service.crm.ListContacts(r.Context(), store.ContactFilter{
		Query:  strings.TrimSpace(query.Get("q")),
		Tag:    strings.TrimSpace(query.Get("tag")),
		Status: strings.TrimSpace(query.Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	})
	s.respond(w, r, http.StatusOK, page, err)
}

func (s *HTTPServer) handleGetContact(w http.ResponseWriter, r *http.Request) {
	contact, err := s.service.crm.GetContact(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, contact, err)
}

func (s *HTTPServer) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var in crm.ContactInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	contact, err := s.service.crm.CreateContact(r.Context(), in)
	s.respond(w, r, http.StatusCreated, contact, err)
}

func (s *HTTPServer) handleUpdateContact(w http.ResponseWriter, r *http.Request) {
	var in crm.ContactInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	contact, err := s.service.crm.UpdateContact(r.Context(), chi.URLParam(r, "id"), in)
	s.respond(w, r, http.StatusOK, contact, err)
}

func (s *HTTPServer) handleDeleteContact(w http.ResponseWriter, r *http.Request) {
	payload, err := okOrErr(s.service.crm.DeleteContact(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

type tagsBody struct {
	Tags []string `json:"tags"`
}

func (s *HTTPServer) handleTagContact(w http.ResponseWriter, r *http.Request) {
	var body tagsBody
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	contact, err := s.service.crm.TagContact(r.Context(), chi.URLParam(r, "id"), body.Tags)
	s.respond(w, r, http.StatusOK, contact, err)
}

func (s *HTTPServer) handleUntagContact(w http.ResponseWriter, r *http.Request) {
	var body tagsBody
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	contact, err := s.service.crm.UntagContact(r.Context(), chi.URLParam(r, "id"), body.Tags)
	s.respond(w, r, http.StatusOK, contact, err)
}

func (s *HTTPServer) handleImportContacts(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Contacts []crm.ContactInput `json:"contacts"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	result, err := s.service.crm.ImportContacts(r.Context(), body.Contacts)
	s.respond(w, r, http.StatusOK, result, err)
}

func (s *HTTPServer) handlePublicUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.service.crm == nil {
		s.fail(w, r, unavailable("crm"))
		return
	}
	var body struct {
		ContactID string `json:"contactId"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.ContactID) == "" {
		s.fail(w, r, validationError("contactId", "is required"))
		return
	}
	if _, err := s.service.crm.Unsubscribe(r.Context(), body.ContactID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"ok": true})
}

// Deals

func (s *HTTPServer) handleListDeals(w http.ResponseWriter, r *http.Request) {
	payload, err := listPayload(s.service.crm.ListDeals(r.Context(), strings.TrimSpace(r.URL.Query().Get("stage"))))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handlePipeline(w http.ResponseWriter, r *http.Request) {
	payload, err := listPayload(s.service.crm.Pipeline(r.Context()))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	deal, err := s.service.crm.GetDeal(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, deal, err)
}

func (s *HTTPServer) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var in crm.DealInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	if in.OwnerID == "" {
		in.OwnerID = mustSession(r).UserID
	}
	deal, err := s.service.crm.CreateDeal(r.Context(), in)
	s.respond(w, r, http.StatusCreated, deal, err)
}

func (s *HTTPServer) handleUpdateDeal(w http.ResponseWriter, r *http.Request) {
	var in crm.DealInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	deal, err := s.service.crm.UpdateDeal(r.Context(), chi.URLParam(r, "id"), in)
	s.respond(w, r, http.StatusOK, deal, err)
}

func (s *HTTPServer) handleMoveDealStage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stage string `json:"stage"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	deal, err := s.service.crm.MoveDealStage(r.Context(), chi.URLParam(r, "id"), body.Stage)
	s.respond(w, r, http.StatusOK, deal, err)
}

func (s *HTTPServer) handleDeleteDeal(w http.ResponseWriter, r *http.Request) {
	payload, err := okOrErr(s.service.crm.DeleteDeal(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

// Campaigns

func (s *HTTPServer) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	payload, err := listPayload(s.service.crm.ListCampaigns(r.Context()))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.service.crm.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, campaign, err)
}

func (s *HTTPServer) handleCampaignDeliveries(w http.ResponseWriter, r *http.Request) {
	payload, err := listPayload(s.service.crm.CampaignDeliveries(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in crm.CampaignInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	campaign, err := s.service.crm.CreateCampaign(r.Context(), mustSession(r).UserID, in)
	s.respond(w, r, http.StatusCreated, campaign, err)
}

func (s *HTTPServer) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var in crm.CampaignInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	campaign, err := s.service.crm.UpdateCampaign(r.Context(), chi.URLParam(r, "id"), in)
	s.respond(w, r, http.StatusOK, campaign, err)
}

func (s *HTTPServer) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	payload, err := okOrErr(s.service.crm.DeleteCampaign(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleSendCampaign(w http.ResponseWriter, r *http.Request) {
	campaign, err := s.service.crm.SendCampaign(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusAccepted, campaign, err)
}

// Tickets

func (s *HTTPServer) handleListTickets(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	assignee := strings.TrimSpace(query.Get("assignee"))
	if assignee == "me" {
		assignee = mustSession(r).UserID
	}
	payload, err := listPayload(s.service.crm.ListTickets(r.Context(), strings.TrimSpace(query.Get("status")), assignee))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.crm.GetTicket(r.Context(), chi.URLParam(r, "id"), true)
	s.respond(w, r, http.StatusOK, detail, err)
}

func (s *HTTPServer) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var in crm.TicketInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	ticket, err := s.service.crm.CreateTicket(r.Context(), in)
	s.respond(w, r, http.StatusCreated, ticket, err)
}

func (s *HTTPServer) handleUpdateTicket(w http.ResponseWriter, r *http.Request) {
	var in crm.TicketInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	ticket, err := s.service.crm.UpdateTicket(r.Context(), chi.URLParam(r, "id"), in)
	s.respond(w, r, http.StatusOK, ticket, err)
}

func (s *HTTPServer) handleAssignTicket(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AssigneeID string `json:"assigneeId"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	ticket, err := s.service.crm.AssignTicket(r.Context(), chi.URLParam(r, "id"), body.AssigneeID)
	s.respond(w, r, http.StatusOK, ticket, err)
}

func (s *HTTPServer) handleTicketStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	ticket, err := s.service.crm.SetTicketStatus(r.Context(), chi.URLParam(r, "id"), body.Status)
	s.respond(w, r, http.StatusOK, ticket, err)
}

func (s *HTTPServer) handleTicketComment(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Body     string `json:"body"`
		Internal bool   `json:"internal"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	comment, err := s.service.crm.AddTicketComment(r.Context(), chi.URLParam(r, "id"), mustSession(r).UserID, body.Body, body.Internal)
	s.respond(w, r, http.StatusCreated, comment, err)
}

func (s *HTTPServer) handleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	payload, err := okOrErr(s.service.crm.DeleteTicket(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

// Sequences

func (s *HTTPServer) handleListSequences(w http.ResponseWriter, r *http.Request) {
	payload, err := listPayload(s.service.crm.ListSequences(r.Context()))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	sequence, err := s.service.crm.GetSequence(r.Context(), chi.URLParam(r, "id"))
	s.respond(w, r, http.StatusOK, sequence, err)
}

func (s *HTTPServer) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var in crm.SequenceInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	sequence, err := s.service.crm.CreateSequence(r.Context(), in)
	s.respond(w, r, http.StatusCreated, sequence, err)
}

func (s *HTTPServer) handleUpdateSequence(w http.ResponseWriter, r *http.Request) {
	var in crm.SequenceInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	sequence, err := s.service.crm.UpdateSequence(r.Context(), chi.URLParam(r, "id"), in)
	s.respond(w, r, http.StatusOK, sequence, err)
}

func (s *HTTPServer) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	payload, err := okOrErr(s.service.crm.DeleteSequence(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	payload, err := listPayload(s.service.crm.ListEnrollments(r.Context(), chi.URLParam(r, "id")))
	s.respond(w, r, http.StatusOK, payload, err)
}

func (s *HTTPServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ContactID string `json:"contactId"`
	}
	if !s.decodeOrFail(w, r, &body) {
		return
	}
	enrollment, err := s.service.crm.Enroll(r.Context(), chi.URLParam(r, "id"), body.ContactID)
	s.respond(w, r, http.StatusCreated, enrollment, err)
}

// handleUnenroll takes the contact from the path or, on POST .../unenroll, from
// the body.
func (s *HTTPServer) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	contactID := chi.URLParam(r, "contactID")
	if contactID == "" {
		var body struct {
			ContactID string `json:"contactId"`
		}
		if !s.decodeOrFail(w, r, &body) {
			return
		}
		contactID = body.ContactID
	}
	payload, err := okOrErr(s.service.crm.Unenroll(r.Context(), chi.URLParam(r, "id"), contactID))
	s.respond(w, r, http.StatusOK, payload, err)
}
