package crm

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"success/api/internal/events"
	"success/api/internal/store"
	"success/api/internal/util"
)

// Deal stages in pipeline order.
var DealStages = []string{"lead", "qualified", "proposal", "negotiation", "won", "lost"}

func validStage(stage string) bool {
	for _, s := range DealStages {
		if s == stage {
			return true
		}
	}
	return false
}

type DealInput struct {
	Title             string          `json:"title"`
	ContactID         *string         `json:"contactId"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Stage             string          `json:"stage"`
	ExpectedCloseDate *time.Time      `json:"expectedCloseDate"`
	OwnerID           string          `json:"ownerId"`
}

func (s *Service) dealFromInput(ctx context.Context, id string, in DealInput) (store.Deal, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Deal{}, invalid("title", "is required")
	}
	if in.Amount.IsNegative() {
		return store.Deal{}, invalid("amount", "must not be negative")
	}
	stage := strings.ToLower(strings.TrimSpace(in.Stage))
	if stage == "" {
		stage = DealStages[0]
	}
	if !validStage(stage) {
		return store.Deal{}, invalid("stage", "must be one of "+strings.Join(DealStages, ", "))
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return store.Deal{}, invalid("currency", "must be a 3-letter code")
	}
	contactID, err := s.optionalContact(ctx, in.ContactID)
	if err != nil {
		return store.Deal{}, err
	}
	return store.Deal{
		ID:                id,
		Title:             title,
		ContactID:         contactID,
		Amount:            in.Amount.Round(2),
		Currency:          currency,
		Stage:             stage,
		ExpectedCloseDate: in.ExpectedCloseDate,
		OwnerID:           strings.TrimSpace(in.OwnerID),
	}, nil
}

// optionalContact checks a referenced contact exists. Empty ids mean none.
func (s *Service) optionalContact(ctx context.Context, id *string) (*string, error) {
	if id == nil || strings.TrimSpace(*id) == "" {
		return nil, nil
	}
	trimmed := strings.TrimSpace(*id)
	if _, err := s.store.GetContact(ctx, trimmed); err != nil {
		if store.IsNotFound(err) {
			return nil, invalid("contactId", "unknown contact")
		}
		return nil, err
	}
	return &trimmed, nil
}

func (s *Service) ListDeals(ctx context.Context, stage string) ([]store.Deal, error) {
	if stage != "" && !validStage(stage) {
		return nil, invalid("stage", "unknown stage")
	}
	return s.store.ListDeals(ctx, stage)
}

func (s *Service) GetDeal(ctx context.Context, id string) (store.Deal, error) {
	d, err := s.store.GetDeal(ctx, id)
	return d, notFound(err)
}

func (s *Service) CreateDeal(ctx context.Context, in DealInput) (store.Deal, error) {
	d, err := s.dealFromInput(ctx, util.NewID("del"), in)
	if err != nil {
		return store.Deal{}, err
	}
	if err := s.store.InsertDeal(ctx, d); err != nil {
		return store.Deal{}, err
	}
	created, err := s.GetDeal(ctx, d.ID)
	if err != nil {
		return store.Deal{}, err
	}
	s.publish(ctx, events.DealCreated, created.ID, created)
	return created, nil
}

func (s *Service) UpdateDeal(ctx context.Context, id string, in DealInput) (store.Deal, error) {
	before, err := s.GetDeal(ctx, id)
	if err != nil {
		return store.Deal{}, err
	}
	d, err := s.dealFromInput(ctx, id, in)
	if err != nil {
		return store.Deal{}, err
	}
	if err := s.store.UpdateDeal(ctx, d); err != nil {
		return store.Deal{}, notFound(err)
	}
	updated, err := s.GetDeal(ctx, id)
	if err != nil {
		return store.Deal{}, err
	}
	s.publish(ctx, events.DealUpdated, id, updated)
	if before.Stage != updated.Stage {
		s.publish(ctx, events.DealStageChanged, id, stageChange{ID: id, From: before.Stage, To: updated.Stage})
	}
	return updated, nil
}

type stageChange struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// MoveDealStage moves a deal along the pipeline. Moving to the current stage
// is a no-op and publishes nothing.
func (s *Service) MoveDealStage(ctx context.Context, id, stage string) (store.Deal, error) {
	stage = strings.ToLower(strings.TrimSpace(stage))
	if !validStage(stage) {
		return store.Deal{}, invalid("stage", "must be one of "+strings.Join(DealStages, ", "))
	}
	d, err := s.GetDeal(ctx, id)
	if err != nil {
		return store.Deal{}, err
	}
	if d.Stage == stage {
		return d, nil
	}
	if err := s.store.SetDealStage(ctx, id, stage); err != nil {
		return store.Deal{}, notFound(err)
	}
	from := d.Stage
	d.Stage = stage
	d.UpdatedAt = s.now().UTC()
	s.publish(ctx, events.DealStageChanged, id, stageChange{ID: id, From: from, To: stage})
	return d, nil
}

func (s *Service) DeleteDeal(ctx context.Context, id string) error {
	if err := deleted(s.store.DeleteDeal(ctx, id)); err != nil {
		return err
	}
	s.publish(ctx, events.DealDeleted, id, map[string]string{"id": id})
	return nil
}

// Pipeline returns every stage in order, including empty ones.
func (s *Service) Pipeline(ctx context.Context) ([]store.PipelineStage, error) {
	rows, err := s.store.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	byStage := make(map[string]store.PipelineStage, len(rows))
	for _, r := range rows {
		byStage[r.Stage] = r
	}
	out := make([]store.PipelineStage, 0, len(DealStages))
	for _, stage := range DealStages {
		row, ok := byStage[stage]
		if !ok {
			row = store.PipelineStage{Stage: stage, Total: decimal.Zero}
		}
		row.Total = row.Total.Round(2)
		out = append(out, row)
	}
	return out, nil
}
