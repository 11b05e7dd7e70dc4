package crm

import (
	"context"
	"strings"

	"success/api/internal/events"
	"success/api/internal/store"
	"success/api/internal/util"
)

var (
	ticketStatuses   = []string{"open", "pending", "resolved", "closed"}
	ticketPriorities = []string{"low", "normal", "high", "urgent"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if a == v {
			return true
		}
	}
	return false
}

type TicketInput struct {
	Subject     string  `json:"subject"`
	Description string  `json:"description"`
	ContactID   *string `json:"contactId"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	AssigneeID  string  `json:"assigneeId"`
}

// TicketDetail is a ticket with its comment thread.
type TicketDetail struct {
	store.Ticket
	Comments []store.TicketComment `json:"comments"`
}

func (s *Service) ticketFromInput(ctx context.Context, id string, in TicketInput) (store.Ticket, error) {
	subject := strings.TrimSpace(in.Subject)
	if subject == "" {
		return store.Ticket{}, invalid("subject", "is required")
	}
	status := strings.ToLower(strings.TrimSpace(in.Status))
	if status == "" {
		status = "open"
	}
	if !oneOf(status, ticketStatuses) {
		return store.Ticket{}, invalid("status", "must be one of "+strings.Join(ticketStatuses, ", "))
	}
	priority := strings.ToLower(strings.TrimSpace(in.Priority))
	if priority == "" {
		priority = "normal"
	}
	if !oneOf(priority, ticketPriorities) {
		return store.Ticket{}, invalid("priority", "must be one of "+strings.Join(ticketPriorities, ", "))
	}
	contactID, err := s.optionalContact(ctx, in.ContactID)
	if err != nil {
		return store.Ticket{}, err
	}
	return store.Ticket{
		ID:          id,
		Subject:     subject,
		Description: in.Description,
		ContactID:   contactID,
		Status:      status,
		Priority:    priority,
		AssigneeID:  strings.TrimSpace(in.AssigneeID),
	}, nil
}

func (s *Service) ListTickets(ctx context.Context, status, assigneeID string) ([]store.Ticket, error) {
	if status != "" && !oneOf(status, ticketStatuses) {
		return nil, invalid("status", "unknown ticket status")
	}
	return s.store.ListTickets(ctx, status, assigneeID)
}

func (s *Service) GetTicket(ctx context.Context, id string, includeInternal bool) (TicketDetail, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return TicketDetail{}, notFound(err)
	}
	comments, err := s.store.ListTicketComments(ctx, id, includeInternal)
	if err != nil {
		return TicketDetail{}, err
	}
	return TicketDetail{Ticket: t, Comments: comments}, nil
}

func (s *Service) CreateTicket(ctx context.Context, in TicketInput) (store.Ticket, error) {
	t, err := s.ticketFromInput(ctx, util.NewID("tkt"), in)
	if err != nil {
		return store.Ticket{}, err
	}
	if err := s.store.InsertTicket(ctx, t); err != nil {
		return store.Ticket{}, err
	}
	created, err := s.store.GetTicket(ctx, t.ID)
	if err != nil {
		return store.Ticket{}, notFound(err)
	}
	s.publish(ctx, events.TicketCreated, created.ID, created)
	return created, nil
}

func (s *Service) UpdateTicket(ctx context.Context, id string, in TicketInput) (store.Ticket, error) {
	t, err := s.ticketFromInput(ctx, id, in)
	if err != nil {
		return store.Ticket{}, err
	}
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return store.Ticket{}, notFound(err)
	}
	updated, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return store.Ticket{}, notFound(err)
	}
	s.publish(ctx, events.TicketUpdated, id, updated)
	return updated, nil
}

// AssignTicket sets or clears (empty id) the assignee.
func (s *Service) AssignTicket(ctx context.Context, id, assigneeID string) (store.Ticket, error) {
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return store.Ticket{}, notFound(err)
	}
	t.AssigneeID = strings.TrimSpace(assigneeID)
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return store.Ticket{}, notFound(err)
	}
	s.publish(ctx, events.TicketAssigned, id, map[string]string{"id": id, "assigneeId": t.AssigneeID})
	return t, nil
}

func (s *Service) SetTicketStatus(ctx context.Context, id, status string) (store.Ticket, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !oneOf(status, ticketStatuses) {
		return store.Ticket{}, invalid("status", "must be one of "+strings.Join(ticketStatuses, ", "))
	}
	t, err := s.store.GetTicket(ctx, id)
	if err != nil {
		return store.Ticket{}, notFound(err)
	}
	if t.Status == status {
		return t, nil
	}
	from := t.Status
	t.Status = status
	if err := s.store.UpdateTicket(ctx, t); err != nil {
		return store.Ticket{}, notFound(err)
	}
	s.publish(ctx, events.TicketStatus, id, stageChange{ID: id, From: from, To: status})
	return t, nil
}

func (s *Service) AddTicketComment(ctx context.Context, ticketID, authorID, body string, internal bool) (store.TicketComment, error) {
	if strings.TrimSpace(body) == "" {
		return store.TicketComment{}, invalid("body", "is required")
	}
	if _, err := s.store.GetTicket(ctx, ticketID); err != nil {
		return store.TicketComment{}, notFound(err)
	}
	c := store.TicketComment{
		ID:        util.NewID("cmt"),
		TicketID:  ticketID,
		AuthorID:  authorID,
		Body:      body,
		Internal:  internal,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.InsertTicketComment(ctx, c); err != nil {
		return store.TicketComment{}, err
	}
	s.publish(ctx, events.TicketCommented, ticketID, c)
	return c, nil
}

func (s *Service) DeleteTicket(ctx context.Context, id string) error {
	if err := deleted(s.store.DeleteTicket(ctx, id)); err != nil {
		return err
	}
	s.publish(ctx, events.TicketDeleted, id, map[string]string{"id": id})
	return nil
}
