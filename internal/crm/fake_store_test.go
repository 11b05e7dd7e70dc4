package crm

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"success/api/internal/events"
	"success/api/internal/search"
	"success/api/internal/store"
)

// memStore is an in-memory Store for service tests.
type memStore struct {
	mu          sync.Mutex
	contacts    map[string]store.Contact
	deals       map[string]store.Deal
	campaigns   map[string]store.Campaign
	deliveries  map[string][]store.CampaignDelivery
	tickets     map[string]store.Ticket
	comments    map[string][]store.TicketComment
	sequences   map[string]store.Sequence
	enrollments map[string]store.Enrollment
}

func newMemStore() *memStore {
	return &memStore{
		contacts:    map[string]store.Contact{},
		deals:       map[string]store.Deal{},
		campaigns:   map[string]store.Campaign{},
		deliveries:  map[string][]store.CampaignDelivery{},
		tickets:     map[string]store.Ticket{},
		comments:    map[string][]store.TicketComment{},
		sequences:   map[string]store.Sequence{},
		enrollments: map[string]store.Enrollment{},
	}
}

func (m *memStore) ListContacts(_ context.Context, f store.ContactFilter) ([]store.Contact, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Contact{}
	for _, c := range m.contacts {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Tag != "" && !hasAny(c.Tags, []string{f.Tag}) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, len(out), nil
}

func (m *memStore) GetContact(_ context.Context, id string) (store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return store.Contact{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) GetContactByEmail(_ context.Context, email string) (store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.contacts {
		if c.Email == email {
			return c, nil
		}
	}
	return store.Contact{}, sql.ErrNoRows
}

func (m *memStore) emailTaken(email, exceptID string) bool {
	for _, c := range m.contacts {
		if c.Email == email && c.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *memStore) InsertContact(_ context.Context, c store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emailTaken(c.Email, "") {
		return store.ErrDuplicate
	}
	c.CreatedAt, c.UpdatedAt = time.Now(), time.Now()
	m.contacts[c.ID] = c
	return nil
}

func (m *memStore) UpdateContact(_ context.Context, c store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.contacts[c.ID]
	if !ok {
		return sql.ErrNoRows
	}
	if m.emailTaken(c.Email, c.ID) {
		return store.ErrDuplicate
	}
	c.CreatedAt = prev.CreatedAt
	m.contacts[c.ID] = c
	return nil
}

func (m *memStore) DeleteContact(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.contacts[id]
	delete(m.contacts, id)
	return ok, nil
}

func (m *memStore) AddContactTags(_ context.Context, id string, tags []string) (store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return store.Contact{}, sql.ErrNoRows
	}
	c.Tags = pq.StringArray(NormalizeTags(append([]string(c.Tags), tags...)))
	m.contacts[id] = c
	return c, nil
}

func (m *memStore) RemoveContactTags(_ context.Context, id string, tags []string) (store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return store.Contact{}, sql.ErrNoRows
	}
	kept := []string{}
	for _, t := range c.Tags {
		if !hasAny([]string{t}, tags) {
			kept = append(kept, t)
		}
	}
	c.Tags = kept
	m.contacts[id] = c
	return c, nil
}

func (m *memStore) UpsertContacts(_ context.Context, contacts []store.Contact) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created, updated := 0, 0
	for _, c := range contacts {
		var existing *store.Contact
		for id, e := range m.contacts {
			if e.Email == c.Email {
				e := m.contacts[id]
				existing = &e
				break
			}
		}
		if existing == nil {
			m.contacts[c.ID] = c
			created++
			continue
		}
		if c.FirstName != "" {
			existing.FirstName = c.FirstName
		}
		existing.Tags = pq.StringArray(NormalizeTags(append([]string(existing.Tags), c.Tags...)))
		m.contacts[existing.ID] = *existing
		updated++
	}
	return created, updated, nil
}

func hasAny(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

func (m *memStore) AudienceContacts(_ context.Context, tags []string) ([]store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Contact{}
	for _, c := range m.contacts {
		if c.Status == ContactUnsubscribed {
			continue
		}
		if len(tags) > 0 && !hasAny(c.Tags, tags) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ListDeals(_ context.Context, stage string) ([]store.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Deal{}
	for _, d := range m.deals {
		if stage == "" || d.Stage == stage {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) GetDeal(_ context.Context, id string) (store.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return store.Deal{}, sql.ErrNoRows
	}
	return d, nil
}

func (m *memStore) InsertDeal(_ context.Context, d store.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deals[d.ID] = d
	return nil
}

func (m *memStore) UpdateDeal(_ context.Context, d store.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deals[d.ID]; !ok {
		return sql.ErrNoRows
	}
	m.deals[d.ID] = d
	return nil
}

func (m *memStore) SetDealStage(_ context.Context, id, stage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return sql.ErrNoRows
	}
	d.Stage = stage
	m.deals[id] = d
	return nil
}

func (m *memStore) DeleteDeal(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.deals[id]
	delete(m.deals, id)
	return ok, nil
}

func (m *memStore) Pipeline(_ context.Context) ([]store.PipelineStage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	by := map[string]*store.PipelineStage{}
	for _, d := range m.deals {
		p := by[d.Stage]
		if p == nil {
			p = &store.PipelineStage{Stage: d.Stage, Total: decimal.Zero}
			by[d.Stage] = p
		}
		p.Count++
		p.Total = p.Total.Add(d.Amount)
	}
	out := []store.PipelineStage{}
	for _, p := range by {
		out = append(out, *p)
	}
	return out, nil
}

func (m *memStore) ListCampaigns(_ context.Context) ([]store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Campaign{}
	for _, c := range m.campaigns {
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) GetCampaign(_ context.Context, id string) (store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return store.Campaign{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memStore) InsertCampaign(_ context.Context, c store.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return nil
}

func (m *memStore) UpdateCampaign(_ context.Context, c store.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.campaigns[c.ID]
	if !ok {
		return sql.ErrNoRows
	}
	c.CreatedBy = prev.CreatedBy
	m.campaigns[c.ID] = c
	return nil
}

func (m *memStore) DeleteCampaign(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.campaigns[id]
	delete(m.campaigns, id)
	return ok, nil
}

func (m *memStore) StartCampaign(_ context.Context, id string, recipients []store.Contact) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok || (c.Status != CampaignDraft && c.Status != CampaignScheduled) {
		return false, nil
	}
	c.Status = CampaignSending
	c.Recipients = len(recipients)
	for _, r := range recipients {
		m.deliveries[id] = append(m.deliveries[id], store.CampaignDelivery{CampaignID: id, ContactID: r.ID, Email: r.Email, Status: "queued"})
	}
	if len(recipients) == 0 {
		c.Status = CampaignSent
	}
	m.campaigns[id] = c
	return true, nil
}

func (m *memStore) RecordDelivery(_ context.Context, campaignID, contactID string, sendErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.deliveries[campaignID]
	for i := range list {
		if list[i].ContactID != contactID || list[i].Status != "queued" {
			continue
		}
		c := m.campaigns[campaignID]
		if sendErr != nil {
			list[i].Status, list[i].Error = "failed", sendErr.Error()
			c.FailedCount++
		} else {
			list[i].Status = "sent"
			c.SentCount++
		}
		if c.SentCount+c.FailedCount >= c.Recipients {
			c.Status = CampaignSent
		}
		m.campaigns[campaignID] = c
	}
	return nil
}

func (m *memStore) ListDeliveries(_ context.Context, campaignID string) ([]store.CampaignDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.CampaignDelivery(nil), m.deliveries[campaignID]...), nil
}

func (m *memStore) DueCampaigns(_ context.Context, now time.Time) ([]store.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Campaign{}
	for _, c := range m.campaigns {
		if c.Status == CampaignScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(now) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListTickets(_ context.Context, status, assigneeID string) ([]store.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Ticket{}
	for _, t := range m.tickets {
		if (status == "" || t.Status == status) && (assigneeID == "" || t.AssigneeID == assigneeID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) GetTicket(_ context.Context, id string) (store.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return store.Ticket{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) InsertTicket(_ context.Context, t store.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickets[t.ID] = t
	return nil
}

func (m *memStore) UpdateTicket(_ context.Context, t store.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; !ok {
		return sql.ErrNoRows
	}
	m.tickets[t.ID] = t
	return nil
}

func (m *memStore) DeleteTicket(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tickets[id]
	delete(m.tickets, id)
	return ok, nil
}

func (m *memStore) InsertTicketComment(_ context.Context, c store.TicketComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.comments[c.TicketID] = append(m.comments[c.TicketID], c)
	return nil
}

func (m *memStore) ListTicketComments(_ context.Context, ticketID string, includeInternal bool) ([]store.TicketComment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.TicketComment{}
	for _, c := range m.comments[ticketID] {
		if includeInternal || !c.Internal {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ListSequences(_ context.Context) ([]store.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Sequence{}
	for _, s := range m.sequences {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) GetSequence(_ context.Context, id string) (store.Sequence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sequences[id]
	if !ok {
		return store.Sequence{}, sql.ErrNoRows
	}
	return s, nil
}

func (m *memStore) InsertSequence(_ context.Context, seq store.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequences[seq.ID] = seq
	return nil
}

func (m *memStore) UpdateSequence(_ context.Context, seq store.Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sequences[seq.ID]; !ok {
		return sql.ErrNoRows
	}
	m.sequences[seq.ID] = seq
	return nil
}

func (m *memStore) DeleteSequence(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sequences[id]
	delete(m.sequences, id)
	return ok, nil
}

func (m *memStore) InsertEnrollment(_ context.Context, e store.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.enrollments {
		if x.SequenceID == e.SequenceID && x.ContactID == e.ContactID && x.Status == EnrollmentActive {
			return store.ErrAlreadyEnrolled
		}
	}
	m.enrollments[e.ID] = e
	return nil
}

func (m *memStore) CancelEnrollment(_ context.Context, sequenceID, contactID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, e := range m.enrollments {
		if e.SequenceID == sequenceID && e.ContactID == contactID && e.Status == EnrollmentActive {
			e.Status = EnrollmentCanceled
			m.enrollments[id] = e
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) GetEnrollment(_ context.Context, id string) (store.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return store.Enrollment{}, sql.ErrNoRows
	}
	return e, nil
}

func (m *memStore) ListEnrollments(_ context.Context, sequenceID string) ([]store.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Enrollment{}
	for _, e := range m.enrollments {
		if e.SequenceID == sequenceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) DueEnrollments(_ context.Context, now time.Time, limit int) ([]store.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []store.Enrollment{}
	for _, e := range m.enrollments {
		if e.Status == EnrollmentActive && m.sequences[e.SequenceID].Active && !e.NextRunAt.After(now) {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) AdvanceEnrollment(_ context.Context, id string, from int, nextRunAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != EnrollmentActive || e.CurrentStep != from {
		return false, nil
	}
	e.CurrentStep = from + 1
	e.NextRunAt = nextRunAt
	m.enrollments[id] = e
	return true, nil
}

func (m *memStore) CompleteEnrollment(_ context.Context, id string, from int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Status != EnrollmentActive || e.CurrentStep != from {
		return false, nil
	}
	e.CurrentStep = from + 1
	e.Status = EnrollmentCompleted
	m.enrollments[id] = e
	return true, nil
}

func (m *memStore) Counts(_ context.Context) (store.CRMCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return store.CRMCounts{Contacts: len(m.contacts)}, nil
}

// recorder captures published envelopes.
type recorder struct {
	mu     sync.Mutex
	events []events.Envelope
	err    error
}

func (r *recorder) Publish(_ context.Context, evts ...events.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, evts...)
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) ofType(t string) []events.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Envelope
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type sentMail struct {
	to, firstName, subject, body, unsubscribe string
}

type fakeMailer struct {
	mu     sync.Mutex
	sent   []sentMail
	failTo map[string]bool
}

func (f *fakeMailer) SendMarketing(to, firstName, subject, body, unsubscribeURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failTo[to] {
		return sql.ErrConnDone
	}
	f.sent = append(f.sent, sentMail{to, firstName, subject, body, unsubscribeURL})
	return nil
}

type fakeIndex struct {
	indexed []search.ContactRecord
	removed []string
}

func (f *fakeIndex) IndexContact(c search.ContactRecord) { f.indexed = append(f.indexed, c) }

func (f *fakeIndex) Remove(_ search.ResultType, id string) { f.removed = append(f.removed, id) }

type fixture struct {
	svc    *Service
	store  *memStore
	events *recorder
	mailer *fakeMailer
	index  *fakeIndex
	now    time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store:  newMemStore(),
		events: &recorder{},
		mailer: &fakeMailer{failTo: map[string]bool{}},
		index:  &fakeIndex{},
		now:    time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.store, f.events, Options{
		Mailer:         f.mailer,
		Index:          f.index,
		UnsubscribeURL: "https://success.test/unsubscribe",
	})
	f.svc.now = func() time.Time { return f.now }
	return f
}
