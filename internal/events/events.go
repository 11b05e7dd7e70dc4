// Package events carries CRM domain events and background jobs over Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"success/api/internal/util"
)

// Domain events.
const (
	ContactCreated     = "contact.created"
	ContactUpdated     = "contact.updated"
	ContactDeleted     = "contact.deleted"
	ContactTagged      = "contact.tagged"
	ContactUntagged    = "contact.untagged"
	ContactsImported   = "contact.imported"
	DealCreated        = "deal.created"
	DealUpdated        = "deal.updated"
	DealStageChanged   = "deal.stage_changed"
	DealDeleted        = "deal.deleted"
	CampaignCreated    = "campaign.created"
	CampaignUpdated    = "campaign.updated"
	CampaignDeleted    = "campaign.deleted"
	CampaignStarted    = "campaign.started"
	TicketCreated      = "ticket.created"
	TicketUpdated      = "ticket.updated"
	TicketAssigned     = "ticket.assigned"
	TicketStatus       = "ticket.status_changed"
	TicketCommented    = "ticket.commented"
	TicketDeleted      = "ticket.deleted"
	SequenceCreated    = "sequence.created"
	SequenceUpdated    = "sequence.updated"
	SequenceDeleted    = "sequence.deleted"
	SequenceEnrolled   = "sequence.enrolled"
	SequenceUnenrolled = "sequence.unenrolled"
)

// Jobs consumed by the worker.
const (
	JobCampaignDelivery = "campaign.delivery"
	JobSequenceStep     = "sequence.step"
)

// Envelope is the JSON value of every message on the topic. Key is the
// aggregate id and doubles as the Kafka partition key.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurredAt"`
	ActorID    string          `json:"actorId,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// FromContext is New with the actor taken from ctx.
func FromContext(ctx context.Context, eventType, key string, payload any) (Envelope, error) {
	evt, err := New(eventType, key, payload)
	if err != nil {
		return Envelope{}, err
	}
	evt.ActorID = ActorFromContext(ctx)
	return evt, nil
}

// New builds an envelope with payload encoded as JSON.
func New(eventType, key string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		ID:         util.NewID("evt"),
		Type:       eventType,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Publisher delivers envelopes to the bus.
type Publisher interface {
	Publish(ctx context.Context, events ...Envelope) error
}

// CampaignDeliveryJob asks the worker to mail one campaign recipient.
type CampaignDeliveryJob struct {
	CampaignID string `json:"campaignId"`
	ContactID  string `json:"contactId"`
}

// SequenceStepJob asks the worker to send the enrollment's current step.
type SequenceStepJob struct {
	EnrollmentID string `json:"enrollmentId"`
	Step         int    `json:"step"`
}
