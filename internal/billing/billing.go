// Package billing owns plans, member subscriptions and the payment-provider
// webhook.
package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"success/api/internal/store"
	"success/api/internal/util"
)

var (
	ErrNotFound         = errors.New("subscription not found")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrInvalidState     = errors.New("subscription cannot change in its current state")
	ErrInvalidPlan      = errors.New("invalid plan")
)

const (
	StatusTrialing = "trialing"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
	StatusExpired  = "expired"

	IntervalMonth = "month"
	IntervalYear  = "year"
)

// Webhook event types.
const (
	EventSubscriptionCreated  = "subscription.created"
	EventSubscriptionUpdated  = "subscription.updated"
	EventSubscriptionCanceled = "subscription.canceled"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

type Store interface {
	ListPlans(ctx context.Context, includeInactive bool) ([]store.Plan, error)
	GetPlan(ctx context.Context, id string) (store.Plan, error)
	InsertPlan(ctx context.Context, plan store.Plan) error
	GetSubscriptionByUser(ctx context.Context, userID string) (store.Subscription, error)
	GetSubscriptionByProviderRef(ctx context.Context, ref string) (store.Subscription, error)
	UpsertSubscription(ctx context.Context, sub store.Subscription) error
	SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error
	ListActiveSubscriptions(ctx context.Context) ([]store.ActiveSubscription, error)
	RecordPaymentEvent(ctx context.Context, id, eventType string) (bool, error)
	ForgetPaymentEvent(ctx context.Context, id string) error
}

type Service struct {
	store  Store
	secret []byte
	logger *zap.Logger
	now    func() time.Time
}

func NewService(st Store, webhookSecret string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, secret: []byte(webhookSecret), logger: logger.Named("billing"), now: time.Now}
}

// Plans

type PlanInput struct {
	Name     string          `json:"name"`
	Interval string          `json:"interval"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	Active   *bool           `json:"active"`
}

func (s *Service) ListPlans(ctx context.Context, includeInactive bool) ([]store.Plan, error) {
	return s.store.ListPlans(ctx, includeInactive)
}

func (s *Service) CreatePlan(ctx context.Context, in PlanInput) (store.Plan, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Plan{}, fmt.Errorf("%w: name is required", ErrInvalidPlan)
	}
	interval := strings.ToLower(strings.TrimSpace(in.Interval))
	if interval != IntervalMonth && interval != IntervalYear {
		return store.Plan{}, fmt.Errorf("%w: interval must be month or year", ErrInvalidPlan)
	}
	if in.Price.IsNegative() {
		return store.Plan{}, fmt.Errorf("%w: price must not be negative", ErrInvalidPlan)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return store.Plan{}, fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidPlan)
	}
	plan := store.Plan{
		ID:       util.NewID("pln"),
		Name:     name,
		Interval: interval,
		Price:    in.Price.Round(2),
		Currency: currency,
		Active:   in.Active == nil || *in.Active,
	}
	if err := s.store.InsertPlan(ctx, plan); err != nil {
		return store.Plan{}, err
	}
	plan.CreatedAt = s.now().UTC()
	return plan, nil
}

// Member subscriptions

// MemberSubscription is a subscription with its plan attached.
type MemberSubscription struct {
	store.Subscription
	Plan *store.Plan
}

func (s *Service) MySubscription(ctx context.Context, userID string) (MemberSubscription, error) {
	sub, err := s.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return MemberSubscription{}, ErrNotFound
		}
		return MemberSubscription{}, err
	}
	out := MemberSubscription{Subscription: sub}
	plan, err := s.store.GetPlan(ctx, sub.PlanID)
	if err == nil {
		out.Plan = &plan
	} else if !store.IsNotFound(err) {
		return MemberSubscription{}, err
	}
	return out, nil
}

// HasActiveSubscription reports whether the user currently has paid access.
func (s *Service) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	sub, err := s.store.GetSubscriptionByUser(ctx, userID)
	if err != nil {
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return grantsAccess(sub, s.now()), nil
}

func grantsAccess(sub store.Subscription, now time.Time) bool {
	if sub.Status != StatusActive && sub.Status != StatusTrialing {
		return false
	}
	return sub.CurrentPeriodEnd == nil || sub.CurrentPeriodEnd.After(now)
}

// Cancel schedules the member's subscription to end with the current period.
func (s *Service) Cancel(ctx context.Context, userID string) (MemberSubscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, true)
}

// Resume undoes a pending cancellation.
func (s *Service) Resume(ctx context.Context, userID string) (MemberSubscription, error) {
	return s.setCancelAtPeriodEnd(ctx, userID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, userID string, cancel bool) (MemberSubscription, error) {
	current, err := s.MySubscription(ctx, userID)
	if err != nil {
		return MemberSubscription{}, err
	}
	switch current.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
	default:
		return MemberSubscription{}, ErrInvalidState
	}
	if current.CancelAtPeriodEnd == cancel {
		return current, nil
	}
	if err := s.store.SetCancelAtPeriodEnd(ctx, current.ID, cancel); err != nil {
		if store.IsNotFound(err) {
			return MemberSubscription{}, ErrNotFound
		}
		return MemberSubscription{}, err
	}
	current.CancelAtPeriodEnd = cancel
	current.UpdatedAt = s.now().UTC()
	return current, nil
}

// Webhook

// WebhookEvent is the provider's notification body.
type WebhookEvent struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Data WebhookData `json:"data"`
}

type WebhookData struct {
	SubscriptionID    string     `json:"subscriptionId"`
	UserID            string     `json:"userId"`
	PlanID            string     `json:"planId"`
	Status            string     `json:"status"`
	CurrentPeriodEnd  *time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd *bool      `json:"cancelAtPeriodEnd"`
}

// VerifySignature checks signature against the HMAC-SHA256 of body. A
// "sha256=" prefix is accepted. An empty secret rejects everything.
func (s *Service) VerifySignature(body []byte, signature string) error {
	if len(s.secret) == 0 {
		return ErrInvalidSignature
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, Sign(s.secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// WebhookResult reports what HandleWebhook did.
type WebhookResult struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	Handled   bool   `json:"handled"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Status    string `json:"status,omitempty"`
}

// HandleWebhook verifies and applies one provider event. Unknown event types
// are acknowledged without changes. Redelivered event ids are ignored.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) (WebhookResult, error) {
	if err := s.VerifySignature(body, signature); err != nil {
		return WebhookResult{}, err
	}
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if evt.ID == "" || evt.Type == "" {
		return WebhookResult{}, fmt.Errorf("%w: id and type are required", ErrInvalidPayload)
	}
	result := WebhookResult{EventID: evt.ID, Type: evt.Type}

	if !knownEvent(evt.Type) {
		s.logger.Info("ignoring webhook event", zap.String("event_id", evt.ID), zap.String("type", evt.Type))
		return result, nil
	}
	if evt.Data.SubscriptionID == "" {
		return WebhookResult{}, fmt.Errorf("%w: data.subscriptionId is required", ErrInvalidPayload)
	}

	fresh, err := s.store.RecordPaymentEvent(ctx, evt.ID, evt.Type)
	if err != nil {
		return WebhookResult{}, err
	}
	if !fresh {
		result.Duplicate = true
		return result, nil
	}

	sub, err := s.apply(ctx, evt)
	if err != nil {
		// Release the event id so the provider's retry is applied, not
		// skipped as a duplicate.
		if forgetErr := s.store.ForgetPaymentEvent(ctx, evt.ID); forgetErr != nil {
			s.logger.Error("release webhook event failed",
				zap.String("event_id", evt.ID), zap.Error(forgetErr))
			return WebhookResult{}, errors.Join(err, forgetErr)
		}
		return WebhookResult{}, err
	}
	result.Handled = true
	result.Status = sub.Status
	s.logger.Info("webhook applied",
		zap.String("event_id", evt.ID),
		zap.String("type", evt.Type),
		zap.String("subscription", sub.ProviderRef),
		zap.String("status", sub.Status),
	)
	return result, nil
}

func knownEvent(t string) bool {
	switch t {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCanceled,
		EventInvoicePaid, EventInvoicePaymentFailed:
		return true
	}
	return false
}

func (s *Service) apply(ctx context.Context, evt WebhookEvent) (store.Subscription, error) {
	d := evt.Data
	sub, err := s.store.GetSubscriptionByProviderRef(ctx, d.SubscriptionID)
	exists := err == nil
	if err != nil && !store.IsNotFound(err) {
		return store.Subscription{}, err
	}
	if !exists {
		if d.UserID == "" || d.PlanID == "" {
			return store.Subscription{}, fmt.Errorf("%w: unknown subscription needs userId and planId", ErrInvalidPayload)
		}
		sub = store.Subscription{ID: util.NewID("sub"), ProviderRef: d.SubscriptionID, UserID: d.UserID}
	}
	if d.PlanID != "" {
		if _, err := s.store.GetPlan(ctx, d.PlanID); err != nil {
			if store.IsNotFound(err) {
				return store.Subscription{}, fmt.Errorf("%w: %s", ErrPlanNotFound, d.PlanID)
			}
			return store.Subscription{}, err
		}
		sub.PlanID = d.PlanID
	}
	if d.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = d.CurrentPeriodEnd
	}
	if d.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *d.CancelAtPeriodEnd
	}

	next, err := nextStatus(evt.Type, sub.Status, d.Status)
	if err != nil {
		return store.Subscription{}, err
	}
	sub.Status = next
	if err := s.store.UpsertSubscription(ctx, sub); err != nil {
		return store.Subscription{}, err
	}
	return sub, nil
}

// nextStatus maps an event onto the subscription state machine.
func nextStatus(eventType, current, reported string) (string, error) {
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		if reported == "" {
			if current != "" {
				return current, nil
			}
			return StatusActive, nil
		}
		if !validStatus(reported) {
			return "", fmt.Errorf("%w: unknown status %q", ErrInvalidPayload, reported)
		}
		return reported, nil
	case EventSubscriptionCanceled:
		return StatusCanceled, nil
	case EventInvoicePaid:
		if current == StatusCanceled || current == StatusExpired {
			return current, nil
		}
		return StatusActive, nil
	case EventInvoicePaymentFailed:
		if current == StatusCanceled || current == StatusExpired {
			return current, nil
		}
		return StatusPastDue, nil
	}
	return current, nil
}

func validStatus(s string) bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Revenue

type PlanRevenue struct {
	PlanID      string          `json:"planId"`
	Name        string          `json:"name"`
	Interval    string          `json:"interval"`
	Currency    string          `json:"currency"`
	Subscribers int             `json:"subscribers"`
	MRR         decimal.Decimal `json:"mrr"`
}

type Summary struct {
	ActiveSubscribers int                        `json:"activeSubscribers"`
	Trialing          int                        `json:"trialing"`
	PastDue           int                        `json:"pastDue"`
	MRR               map[string]decimal.Decimal `json:"mrr"`
	Plans             []PlanRevenue              `json:"plans"`
}

var twelve = decimal.NewFromInt(12)

// MonthlyAmount normalizes a plan price to one month.
func MonthlyAmount(plan store.Plan) decimal.Decimal {
	if plan.Interval == IntervalYear {
		return plan.Price.Div(twelve)
	}
	return plan.Price
}

// Summary counts live subscribers and computes MRR per currency. Only active
// subscriptions contribute revenue; trialing members count as subscribers.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return Summary{}, err
	}
	out := Summary{MRR: map[string]decimal.Decimal{}}
	byPlan := map[string]*PlanRevenue{}
	for _, sub := range subs {
		switch sub.Status {
		case StatusActive:
			out.ActiveSubscribers++
		case StatusTrialing:
			out.ActiveSubscribers++
			out.Trialing++
		case StatusPastDue:
			out.PastDue++
			continue
		default:
			continue
		}
		pr := byPlan[sub.Plan.ID]
		if pr == nil {
			pr = &PlanRevenue{PlanID: sub.Plan.ID, Name: sub.Plan.Name, Interval: sub.Plan.Interval, Currency: sub.Plan.Currency}
			byPlan[sub.Plan.ID] = pr
		}
		pr.Subscribers++
		if sub.Status != StatusActive {
			continue
		}
		monthly := MonthlyAmount(sub.Plan)
		pr.MRR = pr.MRR.Add(monthly)
		out.MRR[sub.Plan.Currency] = out.MRR[sub.Plan.Currency].Add(monthly)
	}
	for cur, v := range out.MRR {
		out.MRR[cur] = v.Round(2)
	}
	out.Plans = make([]PlanRevenue, 0, len(byPlan))
	for _, pr := range byPlan {
		pr.MRR = pr.MRR.Round(2)
		out.Plans = append(out.Plans, *pr)
	}
	sort.Slice(out.Plans, func(i, j int) bool {
		if !out.Plans[i].MRR.Equal(out.Plans[j].MRR) {
			return out.Plans[i].MRR.GreaterThan(out.Plans[j].MRR)
		}
		return out.Plans[i].PlanID < out.Plans[j].PlanID
	})
	return out, nil
}
