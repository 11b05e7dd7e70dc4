package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"sync"
	"testing"

	"success/api/internal/crm"
	"success/api/internal/revision"
	"success/api/internal/store"
)

// crmStoreStub implements the slice of crm.Store the HTTP tests reach.
// Any other method panics on the nil embedded interface.
type crmStoreStub struct {
	crm.Store

	mu          sync.Mutex
	contacts    map[string]store.Contact
	enrollments map[string]bool
	cancelled   []string
}

func newCRMStoreStub() *crmStoreStub {
	return &crmStoreStub{
		contacts:    map[string]store.Contact{},
		enrollments: map[string]bool{},
	}
}

func (c *crmStoreStub) enroll(sequenceID, contactID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrollments[sequenceID+"/"+contactID] = true
}

func (c *crmStoreStub) InsertContact(_ context.Context, contact store.Contact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.contacts {
		if strings.EqualFold(existing.Email, contact.Email) {
			return store.ErrDuplicate
		}
	}
	c.contacts[contact.ID] = contact
	return nil
}

func (c *crmStoreStub) GetContact(_ context.Context, id string) (store.Contact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	contact, ok := c.contacts[id]
	if !ok {
		return store.Contact{}, sql.ErrNoRows
	}
	return contact, nil
}

func (c *crmStoreStub) ListContacts(_ context.Context, _ store.ContactFilter) ([]store.Contact, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]store.Contact, 0, len(c.contacts))
	for _, contact := range c.contacts {
		out = append(out, contact)
	}
	return out, len(out), nil
}

func (c *crmStoreStub) CancelEnrollment(_ context.Context, sequenceID, contactID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := sequenceID + "/" + contactID
	if !c.enrollments[key] {
		return false, nil
	}
	delete(c.enrollments, key)
	c.cancelled = append(c.cancelled, key)
	return true, nil
}

func newCRMServer(t *testing.T, fs *fakeStore, crmStore *crmStoreStub) (*HTTPServer, *Service) {
	t.Helper()
	svc := New(testConfig(), Deps{
		Store:     fs,
		Revisions: revision.New(t.TempDir()),
		CRM:       crm.NewService(crmStore, nil, crm.Options{}),
	})
	return NewHTTPServer(svc, "*", nil), svc
}

func TestCRMWritesRequireCRMRole(t *testing.T) {
	fs := newFakeStore()
	server, svc := newCRMServer(t, fs, newCRMStoreStub())

	cases := []struct {
		role   string
		email  string
		status int
	}{
		{role: "subscriber", email: "sub@example.com", status: http.StatusForbidden},
		{role: "author", email: "author@example.com", status: http.StatusForbidden},
		{role: "editor", email: "editor@example.com", status: http.StatusCreated},
		{role: "admin", email: "admin@example.com", status: http.StatusCreated},
	}
	for _, tc := range cases {
		session := sessionFor(t, svc, fs, "user-"+tc.role, tc.role)
		rr := doRequest(t, server, http.MethodPost, "/api/crm/contacts", session.Token, map[string]any{
			"email":     tc.email,
			"firstName": "Ada",
		})
		if rr.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d body=%s", tc.role, tc.status, rr.Code, rr.Body.String())
		}
		if tc.status == http.StatusForbidden {
			if code := decodeResponse(t, rr)["code"]; code != "FORBIDDEN" {
				t.Fatalf("%s: expected FORBIDDEN, got %v", tc.role, code)
			}
			continue
		}
		if got := decodeResponse(t, rr)["email"]; got != tc.email {
			t.Fatalf("%s: expected email %s, got %v", tc.role, tc.email, got)
		}
	}
}

func TestCRMReadsAreGatedToo(t *testing.T) {
	fs := newFakeStore()
	server, svc := newCRMServer(t, fs, newCRMStoreStub())
	author := sessionFor(t, svc, fs, "user-1", "author")
	editor := sessionFor(t, svc, fs, "user-2", "editor")

	rr := doRequest(t, server, http.MethodGet, "/api/crm/contacts", author.Token, nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
	rr = doRequest(t, server, http.MethodGet, "/api/crm/contacts", editor.Token, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestCreateContactDuplicateEmailConflicts(t *testing.T) {
	fs := newFakeStore()
	server, svc := newCRMServer(t, fs, newCRMStoreStub())
	editor := sessionFor(t, svc, fs, "user-1", "editor")

	body := map[string]any{"email": "ada@example.com"}
	rr := doRequest(t, server, http.MethodPost, "/api/crm/contacts", editor.Token, body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, server, http.MethodPost, "/api/crm/contacts", editor.Token, map[string]any{"email": "ADA@example.com"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d body=%s", rr.Code, rr.Body.String())
	}
	rr = doRequest(t, server, http.MethodPost, "/api/crm/contacts", editor.Token, map[string]any{"email": "not-an-email"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestUnenrollTakesContactFromPathOrBody(t *testing.T) {
	fs := newFakeStore()
	crmStore := newCRMStoreStub()
	crmStore.enroll("seq-1", "con-1")
	crmStore.enroll("seq-1", "con-2")
	server, svc := newCRMServer(t, fs, crmStore)
	editor := sessionFor(t, svc, fs, "user-1", "editor")

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "path", method: http.MethodDelete, path: "/api/crm/sequences/seq-1/enrollments/con-1", status: http.StatusOK},
		{name: "body", method: http.MethodPost, path: "/api/crm/sequences/seq-1/unenroll", body: map[string]any{"contactId": "con-2"}, status: http.StatusOK},
		{name: "not enrolled", method: http.MethodPost, path: "/api/crm/sequences/seq-1/unenroll", body: map[string]any{"contactId": "con-9"}, status: http.StatusNotFound},
		{name: "bad body", method: http.MethodPost, path: "/api/crm/sequences/seq-1/unenroll", body: "{", status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		rr := doRequest(t, server, tc.method, tc.path, editor.Token, tc.body)
		if rr.Code != tc.status {
			t.Fatalf("%s: expected status %d, got %d body=%s", tc.name, tc.status, rr.Code, rr.Body.String())
		}
	}

	crmStore.mu.Lock()
	defer crmStore.mu.Unlock()
	if len(crmStore.cancelled) != 2 || crmStore.cancelled[0] != "seq-1/con-1" || crmStore.cancelled[1] != "seq-1/con-2" {
		t.Fatalf("unexpected cancellations: %v", crmStore.cancelled)
	}
}
