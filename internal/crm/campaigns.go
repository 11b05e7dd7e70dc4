package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"success/api/internal/events"
	"success/api/internal/store"
	"success/api/internal/util"
)

const (
	CampaignDraft     = "draft"
	CampaignScheduled = "scheduled"
	CampaignSending   = "sending"
	CampaignSent      = "sent"
)

// publishBatch bounds how many delivery jobs go into one Kafka write.
const publishBatch = 200

var errUnsubscribed = errors.New("contact unsubscribed")

type CampaignInput struct {
	Name         string     `json:"name"`
	Subject      string     `json:"subject"`
	Body         string     `json:"body"`
	AudienceTags []string   `json:"audienceTags"`
	ScheduledAt  *time.Time `json:"scheduledAt"`
}

func (s *Service) campaignFromInput(in CampaignInput) (store.Campaign, error) {
	c := store.Campaign{
		Name:         strings.TrimSpace(in.Name),
		Subject:      strings.TrimSpace(in.Subject),
		Body:         in.Body,
		AudienceTags: pq.StringArray(NormalizeTags(in.AudienceTags)),
		Status:       CampaignDraft,
	}
	switch {
	case c.Name == "":
		return store.Campaign{}, invalid("name", "is required")
	case c.Subject == "":
		return store.Campaign{}, invalid("subject", "is required")
	case strings.TrimSpace(c.Body) == "":
		return store.Campaign{}, invalid("body", "is required")
	}
	if in.ScheduledAt != nil {
		if !in.ScheduledAt.After(s.now()) {
			return store.Campaign{}, invalid("scheduledAt", "must be in the future")
		}
		at := in.ScheduledAt.UTC()
		c.ScheduledAt = &at
		c.Status = CampaignScheduled
	}
	return c, nil
}

func (s *Service) ListCampaigns(ctx context.Context) ([]store.Campaign, error) {
	return s.store.ListCampaigns(ctx)
}

func (s *Service) GetCampaign(ctx context.Context, id string) (store.Campaign, error) {
	c, err := s.store.GetCampaign(ctx, id)
	return c, notFound(err)
}

func (s *Service) CampaignDeliveries(ctx context.Context, id string) ([]store.CampaignDelivery, error) {
	if _, err := s.GetCampaign(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListDeliveries(ctx, id)
}

func (s *Service) CreateCampaign(ctx context.Context, createdBy string, in CampaignInput) (store.Campaign, error) {
	c, err := s.campaignFromInput(in)
	if err != nil {
		return store.Campaign{}, err
	}
	c.ID = util.NewID("cmp")
	c.CreatedBy = createdBy
	if err := s.store.InsertCampaign(ctx, c); err != nil {
		return store.Campaign{}, err
	}
	created, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		return store.Campaign{}, err
	}
	s.publish(ctx, events.CampaignCreated, created.ID, created)
	return created, nil
}

// UpdateCampaign edits a campaign that has not started sending.
func (s *Service) UpdateCampaign(ctx context.Context, id string, in CampaignInput) (store.Campaign, error) {
	current, err := s.GetCampaign(ctx, id)
	if err != nil {
		return store.Campaign{}, err
	}
	if current.Status != CampaignDraft && current.Status != CampaignScheduled {
		return store.Campaign{}, ErrInvalidState
	}
	c, err := s.campaignFromInput(in)
	if err != nil {
		return store.Campaign{}, err
	}
	c.ID = id
	if err := s.store.UpdateCampaign(ctx, c); err != nil {
		return store.Campaign{}, notFound(err)
	}
	updated, err := s.GetCampaign(ctx, id)
	if err != nil {
		return store.Campaign{}, err
	}
	s.publish(ctx, events.CampaignUpdated, id, updated)
	return updated, nil
}

func (s *Service) DeleteCampaign(ctx context.Context, id string) error {
	current, err := s.GetCampaign(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == CampaignSending {
		return ErrInvalidState
	}
	if err := deleted(s.store.DeleteCampaign(ctx, id)); err != nil {
		return err
	}
	s.publish(ctx, events.CampaignDeleted, id, map[string]string{"id": id})
	return nil
}

// SendCampaign resolves the audience, marks the campaign sending and queues
// one delivery job per recipient. Calling it again while the campaign is
// still sending re-queues deliveries that have no outcome yet.
func (s *Service) SendCampaign(ctx context.Context, id string) (store.Campaign, error) {
	c, err := s.GetCampaign(ctx, id)
	if err != nil {
		return store.Campaign{}, err
	}

	var contactIDs []string
	switch c.Status {
	case CampaignSent:
		return store.Campaign{}, ErrInvalidState
	case CampaignSending:
		deliveries, err := s.store.ListDeliveries(ctx, id)
		if err != nil {
			return store.Campaign{}, err
		}
		for _, d := range deliveries {
			if d.Status == "queued" {
				contactIDs = append(contactIDs, d.ContactID)
			}
		}
	default:
		recipients, err := s.store.AudienceContacts(ctx, []string(c.AudienceTags))
		if err != nil {
			return store.Campaign{}, err
		}
		started, err := s.store.StartCampaign(ctx, id, recipients)
		if err != nil {
			return store.Campaign{}, err
		}
		if !started {
			return store.Campaign{}, ErrInvalidState
		}
		for _, r := range recipients {
			contactIDs = append(contactIDs, r.ID)
		}
		s.publish(ctx, events.CampaignStarted, id, map[string]any{"id": id, "recipients": len(recipients)})
	}

	if err := s.queueDeliveries(ctx, id, contactIDs); err != nil {
		return store.Campaign{}, err
	}
	s.logger.Info("campaign queued", zap.String("campaign_id", id), zap.Int("recipients", len(contactIDs)))
	return s.GetCampaign(ctx, id)
}

func (s *Service) queueDeliveries(ctx context.Context, campaignID string, contactIDs []string) error {
	for start := 0; start < len(contactIDs); start += publishBatch {
		end := start + publishBatch
		if end > len(contactIDs) {
			end = len(contactIDs)
		}
		batch := make([]events.Envelope, 0, end-start)
		for _, contactID := range contactIDs[start:end] {
			evt, err := events.FromContext(ctx, events.JobCampaignDelivery, campaignID,
				events.CampaignDeliveryJob{CampaignID: campaignID, ContactID: contactID})
			if err != nil {
				return err
			}
			batch = append(batch, evt)
		}
		if err := s.events.Publish(ctx, batch...); err != nil {
			return fmt.Errorf("queue campaign deliveries: %w", err)
		}
	}
	return nil
}

// DispatchDueCampaigns starts every scheduled campaign whose time has come.
func (s *Service) DispatchDueCampaigns(ctx context.Context) (int, error) {
	due, err := s.store.DueCampaigns(ctx, s.now())
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range due {
		if _, err := s.SendCampaign(ctx, c.ID); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return sent, fmt.Errorf("send campaign %s: %w", c.ID, err)
		}
		sent++
	}
	return sent, nil
}

// DeliverCampaign handles one delivery job: it mails the recipient and
// records the outcome. Jobs for campaigns that are no longer sending are
// dropped.
func (s *Service) DeliverCampaign(ctx context.Context, job events.CampaignDeliveryJob) error {
	c, err := s.GetCampaign(ctx, job.CampaignID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if c.Status != CampaignSending {
		return nil
	}
	contact, err := s.store.GetContact(ctx, job.ContactID)
	if err != nil {
		if store.IsNotFound(err) {
			return s.store.RecordDelivery(ctx, job.CampaignID, job.ContactID, ErrNotFound)
		}
		return err
	}

	var sendErr error
	switch {
	case contact.Status == ContactUnsubscribed:
		sendErr = errUnsubscribed
	case s.mailer == nil:
		sendErr = errors.New("mailer not configured")
	default:
		sendErr = s.mailer.SendMarketing(contact.Email, contact.FirstName, c.Subject, c.Body, s.unsubscribeLink(contact.ID))
	}
	if sendErr != nil {
		s.logger.Warn("campaign delivery failed",
			zap.String("campaign_id", c.ID), zap.String("contact_id", contact.ID), zap.Error(sendErr))
	}
	return s.store.RecordDelivery(ctx, job.CampaignID, job.ContactID, sendErr)
}
