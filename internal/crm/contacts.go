package crm

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"github.com/lib/pq"

	"success/api/internal/events"
	"success/api/internal/search"
	"success/api/internal/store"
	"success/api/internal/util"
)

const (
	ContactLead         = "lead"
	ContactCustomer     = "customer"
	ContactSubscriber   = "subscriber"
	ContactUnsubscribed = "unsubscribed"
)

const maxImportBatch = 1000

type ContactInput struct {
	Email     string   `json:"email"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Company   string   `json:"company"`
	Phone     string   `json:"phone"`
	Tags      []string `json:"tags"`
	Source    string   `json:"source"`
	Status    string   `json:"status"`
	Notes     string   `json:"notes"`
}

type ContactPage struct {
	Items []store.Contact `json:"items"`
	Total int             `json:"total"`
}

func validContactStatus(s string) bool {
	switch s {
	case ContactLead, ContactCustomer, ContactSubscriber, ContactUnsubscribed:
		return true
	}
	return false
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", invalid("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", invalid("email", "is not a valid address")
	}
	return email, nil
}

// NormalizeTags trims, lowercases, dedupes and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (in ContactInput) toContact(id string) (store.Contact, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return store.Contact{}, err
	}
	status := strings.ToLower(strings.TrimSpace(in.Status))
	if status == "" {
		status = ContactLead
	}
	if !validContactStatus(status) {
		return store.Contact{}, invalid("status", "must be lead, customer, subscriber or unsubscribed")
	}
	source := strings.TrimSpace(in.Source)
	if source == "" {
		source = "manual"
	}
	return store.Contact{
		ID:        id,
		Email:     email,
		FirstName: strings.TrimSpace(in.FirstName),
		LastName:  strings.TrimSpace(in.LastName),
		Company:   strings.TrimSpace(in.Company),
		Phone:     strings.TrimSpace(in.Phone),
		Tags:      pq.StringArray(NormalizeTags(in.Tags)),
		Source:    source,
		Status:    status,
		Notes:     in.Notes,
	}, nil
}

func contactRecord(c store.Contact) search.ContactRecord {
	return search.ContactRecord{
		ID:      c.ID,
		Email:   c.Email,
		Name:    c.Name(),
		Company: c.Company,
		Tags:    []string(c.Tags),
		Status:  c.Status,
	}
}

func (s *Service) reindex(c store.Contact) {
	if s.index != nil {
		s.index.IndexContact(contactRecord(c))
	}
}

func (s *Service) ListContacts(ctx context.Context, filter store.ContactFilter) (ContactPage, error) {
	filter.Tag = strings.ToLower(strings.TrimSpace(filter.Tag))
	if filter.Status != "" && !validContactStatus(filter.Status) {
		return ContactPage{}, invalid("status", "unknown contact status")
	}
	items, total, err := s.store.ListContacts(ctx, filter)
	if err != nil {
		return ContactPage{}, err
	}
	return ContactPage{Items: items, Total: total}, nil
}

func (s *Service) GetContact(ctx context.Context, id string) (store.Contact, error) {
	c, err := s.store.GetContact(ctx, id)
	return c, notFound(err)
}

func (s *Service) CreateContact(ctx context.Context, in ContactInput) (store.Contact, error) {
	c, err := in.toContact(util.NewID("con"))
	if err != nil {
		return store.Contact{}, err
	}
	if err := s.store.InsertContact(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Contact{}, ErrDuplicateEmail
		}
		return store.Contact{}, err
	}
	created, err := s.store.GetContact(ctx, c.ID)
	if err != nil {
		return store.Contact{}, notFound(err)
	}
	s.publish(ctx, events.ContactCreated, created.ID, created)
	s.reindex(created)
	return created, nil
}

func (s *Service) UpdateContact(ctx context.Context, id string, in ContactInput) (store.Contact, error) {
	c, err := in.toContact(id)
	if err != nil {
		return store.Contact{}, err
	}
	if err := s.store.UpdateContact(ctx, c); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return store.Contact{}, ErrDuplicateEmail
		}
		return store.Contact{}, notFound(err)
	}
	updated, err := s.store.GetContact(ctx, id)
	if err != nil {
		return store.Contact{}, notFound(err)
	}
	s.publish(ctx, events.ContactUpdated, id, updated)
	s.reindex(updated)
	return updated, nil
}

func (s *Service) DeleteContact(ctx context.Context, id string) error {
	if err := deleted(s.store.DeleteContact(ctx, id)); err != nil {
		return err
	}
	s.publish(ctx, events.ContactDeleted, id, map[string]string{"id": id})
	if s.index != nil {
		s.index.Remove(search.ResultContact, id)
	}
	return nil
}

// TagContact adds tags; UntagContact removes them. Both return the contact.
func (s *Service) TagContact(ctx context.Context, id string, tags []string) (store.Contact, error) {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return store.Contact{}, invalid("tags", "at least one tag is required")
	}
	c, err := s.store.AddContactTags(ctx, id, tags)
	if err != nil {
		return store.Contact{}, notFound(err)
	}
	s.publish(ctx, events.ContactTagged, id, map[string]any{"id": id, "tags": tags})
	s.reindex(c)
	return c, nil
}

func (s *Service) UntagContact(ctx context.Context, id string, tags []string) (store.Contact, error) {
	tags = NormalizeTags(tags)
	if len(tags) == 0 {
		return store.Contact{}, invalid("tags", "at least one tag is required")
	}
	c, err := s.store.RemoveContactTags(ctx, id, tags)
	if err != nil {
		return store.Contact{}, notFound(err)
	}
	s.publish(ctx, events.ContactUntagged, id, map[string]any{"id": id, "tags": tags})
	s.reindex(c)
	return c, nil
}

type ImportError struct {
	Index   int    `json:"index"`
	Email   string `json:"email"`
	Message string `json:"message"`
}

type ImportResult struct {
	Created int           `json:"created"`
	Updated int           `json:"updated"`
	Skipped []ImportError `json:"skipped"`
}

// ImportContacts upserts a JSON list keyed by e-mail. Invalid rows are
// skipped and reported; duplicates within the batch keep the last row.
func (s *Service) ImportContacts(ctx context.Context, rows []ContactInput) (ImportResult, error) {
	if len(rows) == 0 {
		return ImportResult{}, invalid("contacts", "at least one contact is required")
	}
	if len(rows) > maxImportBatch {
		return ImportResult{}, invalid("contacts", fmt.Sprintf("at most %d contacts per import", maxImportBatch))
	}
	result := ImportResult{Skipped: []ImportError{}}
	byEmail := map[string]int{}
	batch := make([]store.Contact, 0, len(rows))
	for i, row := range rows {
		if row.Source == "" {
			row.Source = "import"
		}
		c, err := row.toContact(util.NewID("con"))
		if err != nil {
			result.Skipped = append(result.Skipped, ImportError{Index: i, Email: row.Email, Message: err.Error()})
			continue
		}
		if prev, ok := byEmail[c.Email]; ok {
			batch[prev] = c
			continue
		}
		byEmail[c.Email] = len(batch)
		batch = append(batch, c)
	}
	if len(batch) == 0 {
		return result, nil
	}
	created, updated, err := s.store.UpsertContacts(ctx, batch)
	if err != nil {
		return ImportResult{}, err
	}
	result.Created, result.Updated = created, updated
	s.publish(ctx, events.ContactsImported, "import", map[string]int{"created": created, "updated": updated})
	if s.index != nil {
		for _, c := range batch {
			if fresh, err := s.store.GetContactByEmail(ctx, c.Email); err == nil {
				s.reindex(fresh)
			}
		}
	}
	return result, nil
}

// Unsubscribe marks a contact unsubscribed. Campaign audiences exclude it and
// its sequence enrollments stop at the next step.
func (s *Service) Unsubscribe(ctx context.Context, id string) (store.Contact, error) {
	c, err := s.store.GetContact(ctx, id)
	if err != nil {
		return store.Contact{}, notFound(err)
	}
	if c.Status == ContactUnsubscribed {
		return c, nil
	}
	c.Status = ContactUnsubscribed
	if err := s.store.UpdateContact(ctx, c); err != nil {
		return store.Contact{}, notFound(err)
	}
	s.publish(ctx, events.ContactUpdated, id, c)
	s.reindex(c)
	return c, nil
}
