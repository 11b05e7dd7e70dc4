// Package crm implements contacts, deals, campaigns, tickets and e-mail
// sequences on top of the sqlx-backed CRM store. Every mutation publishes a
// domain event.
package crm

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"success/api/internal/events"
	"success/api/internal/search"
	"success/api/internal/store"
)

var (
	ErrNotFound         = errors.New("crm record not found")
	ErrDuplicateEmail   = errors.New("a contact with this email already exists")
	ErrAlreadyEnrolled  = errors.New("contact already enrolled in sequence")
	ErrInvalidState     = errors.New("operation not allowed in the current state")
	ErrSequenceInactive = errors.New("sequence is not active")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

type Store interface {
	ListContacts(ctx context.Context, filter store.ContactFilter) ([]store.Contact, int, error)
	GetContact(ctx context.Context, id string) (store.Contact, error)
	GetContactByEmail(ctx context.Context, email string) (store.Contact, error)
	InsertContact(ctx context.Context, c store.Contact) error
	UpdateContact(ctx context.Context, c store.Contact) error
	DeleteContact(ctx context.Context, id string) (bool, error)
	AddContactTags(ctx context.Context, id string, tags []string) (store.Contact, error)
	RemoveContactTags(ctx context.Context, id string, tags []string) (store.Contact, error)
	UpsertContacts(ctx context.Context, contacts []store.Contact) (int, int, error)
	AudienceContacts(ctx context.Context, tags []string) ([]store.Contact, error)

	ListDeals(ctx context.Context, stage string) ([]store.Deal, error)
	GetDeal(ctx context.Context, id string) (store.Deal, error)
	InsertDeal(ctx context.Context, d store.Deal) error
	UpdateDeal(ctx context.Context, d store.Deal) error
	SetDealStage(ctx context.Context, id, stage string) error
	DeleteDeal(ctx context.Context, id string) (bool, error)
	Pipeline(ctx context.Context) ([]store.PipelineStage, error)

	ListCampaigns(ctx context.Context) ([]store.Campaign, error)
	GetCampaign(ctx context.Context, id string) (store.Campaign, error)
	InsertCampaign(ctx context.Context, c store.Campaign) error
	UpdateCampaign(ctx context.Context, c store.Campaign) error
	DeleteCampaign(ctx context.Context, id string) (bool, error)
	StartCampaign(ctx context.Context, id string, recipients []store.Contact) (bool, error)
	RecordDelivery(ctx context.Context, campaignID, contactID string, sendErr error) error
	ListDeliveries(ctx context.Context, campaignID string) ([]store.CampaignDelivery, error)
	DueCampaigns(ctx context.Context, now time.Time) ([]store.Campaign, error)

	ListTickets(ctx context.Context, status, assigneeID string) ([]store.Ticket, error)
	GetTicket(ctx context.Context, id string) (store.Ticket, error)
	InsertTicket(ctx context.Context, t store.Ticket) error
	UpdateTicket(ctx context.Context, t store.Ticket) error
	DeleteTicket(ctx context.Context, id string) (bool, error)
	InsertTicketComment(ctx context.Context, c store.TicketComment) error
	ListTicketComments(ctx context.Context, ticketID string, includeInternal bool) ([]store.TicketComment, error)

	ListSequences(ctx context.Context) ([]store.Sequence, error)
	GetSequence(ctx context.Context, id string) (store.Sequence, error)
	InsertSequence(ctx context.Context, seq store.Sequence) error
	UpdateSequence(ctx context.Context, seq store.Sequence) error
	DeleteSequence(ctx context.Context, id string) (bool, error)
	InsertEnrollment(ctx context.Context, e store.Enrollment) error
	CancelEnrollment(ctx context.Context, sequenceID, contactID string) (bool, error)
	GetEnrollment(ctx context.Context, id string) (store.Enrollment, error)
	ListEnrollments(ctx context.Context, sequenceID string) ([]store.Enrollment, error)
	DueEnrollments(ctx context.Context, now time.Time, limit int) ([]store.Enrollment, error)
	AdvanceEnrollment(ctx context.Context, id string, from int, nextRunAt time.Time) (bool, error)
	CompleteEnrollment(ctx context.Context, id string, from int) (bool, error)

	Counts(ctx context.Context) (store.CRMCounts, error)
}

// Mailer sends campaign and sequence e-mail.
type Mailer interface {
	SendMarketing(to, firstName, subject, body, unsubscribeURL string) error
}

// ContactIndex keeps the contact search index current.
type ContactIndex interface {
	IndexContact(contact search.ContactRecord)
	Remove(kind search.ResultType, id string)
}

type Options struct {
	Mailer Mailer
	Index  ContactIndex
	// UnsubscribeURL is the public page that handles opt-outs; the contact id
	// is appended as the "contact" query parameter.
	UnsubscribeURL string
	Logger         *zap.Logger
}

type Service struct {
	store          Store
	events         events.Publisher
	mailer         Mailer
	index          ContactIndex
	unsubscribeURL string
	logger         *zap.Logger
	now            func() time.Time
}

func NewService(st Store, publisher events.Publisher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = events.LogPublisher{Logger: logger}
	}
	return &Service{
		store:          st,
		events:         publisher,
		mailer:         opts.Mailer,
		index:          opts.Index,
		unsubscribeURL: opts.UnsubscribeURL,
		logger:         logger.Named("crm"),
		now:            time.Now,
	}
}

// publish emits a domain event. The mutation has already committed, so a
// failed publish is logged rather than returned.
func (s *Service) publish(ctx context.Context, eventType, key string, payload any) {
	evt, err := events.FromContext(ctx, eventType, key, payload)
	if err == nil {
		err = s.events.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Warn("publish domain event failed", zap.String("type", eventType), zap.String("key", key), zap.Error(err))
	}
}

func (s *Service) unsubscribeLink(contactID string) string {
	if s.unsubscribeURL == "" {
		return ""
	}
	u, err := url.Parse(s.unsubscribeURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("contact", contactID)
	u.RawQuery = q.Encode()
	return u.String()
}

// notFound maps store misses onto ErrNotFound and leaves other errors alone.
func notFound(err error) error {
	if store.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

func deleted(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Counts feeds the dashboard.
func (s *Service) Counts(ctx context.Context) (store.CRMCounts, error) {
	counts, err := s.store.Counts(ctx)
	if err != nil {
		return store.CRMCounts{}, fmt.Errorf("crm counts: %w", err)
	}
	return counts, nil
}
