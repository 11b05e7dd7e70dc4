package store

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

type Contact struct {
	ID        string         `db:"id" json:"id"`
	Email     string         `db:"email" json:"email"`
	FirstName string         `db:"first_name" json:"firstName"`
	LastName  string         `db:"last_name" json:"lastName"`
	Company   string         `db:"company" json:"company"`
	Phone     string         `db:"phone" json:"phone"`
	Tags      pq.StringArray `db:"tags" json:"tags"`
	Source    string         `db:"source" json:"source"`
	Status    string         `db:"status" json:"status"`
	Notes     string         `db:"notes" json:"notes"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

func (c Contact) Name() string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}

type ContactFilter struct {
	Query  string
	Tag    string
	Status string
	Limit  int
	Offset int
}

type Deal struct {
	ID                string          `db:"id" json:"id"`
	Title             string          `db:"title" json:"title"`
	ContactID         *string         `db:"contact_id" json:"contactId"`
	Amount            decimal.Decimal `db:"amount" json:"amount"`
	Currency          string          `db:"currency" json:"currency"`
	Stage             string          `db:"stage" json:"stage"`
	ExpectedCloseDate *time.Time      `db:"expected_close_date" json:"expectedCloseDate"`
	OwnerID           string          `db:"owner_id" json:"ownerId"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updatedAt"`
}

type PipelineStage struct {
	Stage string          `db:"stage" json:"stage"`
	Count int             `db:"count" json:"count"`
	Total decimal.Decimal `db:"total" json:"total"`
}

type Campaign struct {
	ID           string         `db:"id" json:"id"`
	Name         string         `db:"name" json:"name"`
	Subject      string         `db:"subject" json:"subject"`
	Body         string         `db:"body" json:"body"`
	Status       string         `db:"status" json:"status"`
	AudienceTags pq.StringArray `db:"audience_tags" json:"audienceTags"`
	ScheduledAt  *time.Time     `db:"scheduled_at" json:"scheduledAt"`
	SentAt       *time.Time     `db:"sent_at" json:"sentAt"`
	Recipients   int            `db:"recipients" json:"recipients"`
	SentCount    int            `db:"sent_count" json:"sent"`
	FailedCount  int            `db:"failed_count" json:"failed"`
	CreatedBy    string         `db:"created_by" json:"createdBy"`
	CreatedAt    time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updatedAt"`
}

type CampaignDelivery struct {
	CampaignID string    `db:"campaign_id" json:"campaignId"`
	ContactID  string    `db:"contact_id" json:"contactId"`
	Email      string    `db:"email" json:"email"`
	Status     string    `db:"status" json:"status"`
	Error      string    `db:"error" json:"error,omitempty"`
	UpdatedAt  time.Time `db:"updated_at" json:"updatedAt"`
}

type Ticket struct {
	ID          string    `db:"id" json:"id"`
	Subject     string    `db:"subject" json:"subject"`
	Description string    `db:"description" json:"description"`
	ContactID   *string   `db:"contact_id" json:"contactId"`
	Status      string    `db:"status" json:"status"`
	Priority    string    `db:"priority" json:"priority"`
	AssigneeID  string    `db:"assignee_id" json:"assigneeId"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time `db:"updated_at" json:"updatedAt"`
}

type TicketComment struct {
	ID        string    `db:"id" json:"id"`
	TicketID  string    `db:"ticket_id" json:"ticketId"`
	AuthorID  string    `db:"author_id" json:"authorId"`
	Body      string    `db:"body" json:"body"`
	Internal  bool      `db:"internal" json:"internal"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type SequenceStep struct {
	DelayHours int    `json:"delayHours"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
}

// SequenceSteps is stored as a JSONB array.
type SequenceSteps []SequenceStep

func (s SequenceSteps) Value() (driver.Value, error) {
	if s == nil {
		s = SequenceSteps{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode sequence steps")
	}
	return string(raw), nil
}

func (s *SequenceSteps) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*s = SequenceSteps{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("unsupported sequence steps type %T", src)
	}
	steps := SequenceSteps{}
	if err := json.Unmarshal(raw, &steps); err != nil {
		return errors.Wrap(err, "decode sequence steps")
	}
	*s = steps
	return nil
}

type Sequence struct {
	ID        string        `db:"id" json:"id"`
	Name      string        `db:"name" json:"name"`
	Steps     SequenceSteps `db:"steps" json:"steps"`
	Active    bool          `db:"active" json:"active"`
	CreatedAt time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time     `db:"updated_at" json:"updatedAt"`
}

type Enrollment struct {
	ID          string     `db:"id" json:"id"`
	SequenceID  string     `db:"sequence_id" json:"sequenceId"`
	ContactID   string     `db:"contact_id" json:"contactId"`
	Status      string     `db:"status" json:"status"`
	CurrentStep int        `db:"current_step" json:"currentStep"`
	NextRunAt   time.Time  `db:"next_run_at" json:"nextRunAt"`
	EnrolledAt  time.Time  `db:"enrolled_at" json:"enrolledAt"`
	CompletedAt *time.Time `db:"completed_at" json:"completedAt"`
}

type CRMCounts struct {
	Contacts       int             `db:"contacts"`
	OpenTickets    int             `db:"open_tickets"`
	OpenDeals      int             `db:"open_deals"`
	OpenDealsValue decimal.Decimal `db:"open_deals_value"`
}
