package app

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"success/api/internal/billing"
	"success/api/internal/logging"
	"success/api/internal/store"
)

const maxWebhookBody = 1 << 20

func (s *HTTPServer) handleListPlans(w http.ResponseWriter, r *http.Request) {
	if s.service.billing == nil {
		s.fail(w, r, unavailable("billing"))
		return
	}
	plans, err := s.service.billing.ListPlans(r.Context(), false)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(plans))
	for _, plan := range plans {
		out = append(out, planPayload(plan))
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"items": out})
}

func (s *HTTPServer) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	if s.service.billing == nil {
		s.fail(w, r, unavailable("billing"))
		return
	}
	var in billing.PlanInput
	if !s.decodeOrFail(w, r, &in) {
		return
	}
	plan, err := s.service.billing.CreatePlan(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, planPayload(plan))
}

func (s *HTTPServer) handleMySubscription(w http.ResponseWriter, r *http.Request) {
	s.subscriptionAction(w, r, s.service.billing.MySubscription)
}

func (s *HTTPServer) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	s.subscriptionAction(w, r, s.service.billing.Cancel)
}

func (s *HTTPServer) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	s.subscriptionAction(w, r, s.service.billing.Resume)
}

type subscriptionFunc func(ctx context.Context, userID string) (billing.MemberSubscription, error)

func (s *HTTPServer) subscriptionAction(w http.ResponseWriter, r *http.Request, fn subscriptionFunc) {
	if s.service.billing == nil {
		s.fail(w, r, unavailable("billing"))
		return
	}
	sub, err := fn(r.Context(), mustSession(r).UserID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, subscriptionPayload(sub))
}

// handlePaymentWebhook receives provider events. The raw body is needed
// for the signature check, so it is read before any decoding.
func (s *HTTPServer) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.service.billing == nil {
		s.fail(w, r, unavailable("billing"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "could not read body", nil)
		return
	}
	result, err := s.service.billing.HandleWebhook(r.Context(), body, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		logging.FromContext(r.Context()).Warn("payment webhook rejected", zap.Error(err))
		s.fail(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, result)
}

func (s *HTTPServer) handleBillingSummary(w http.ResponseWriter, r *http.Request) {
	if s.service.billing == nil {
		s.fail(w, r, unavailable("billing"))
		return
	}
	summary, err := s.service.billing.Summary(r.Context())
	s.respond(w, r, http.StatusOK, summary, err)
}

func planPayload(plan store.Plan) map[string]any {
	return map[string]any{
		"id":        plan.ID,
		"name":      plan.Name,
		"interval":  plan.Interval,
		"price":     plan.Price.StringFixed(2),
		"currency":  plan.Currency,
		"active":    plan.Active,
		"createdAt": plan.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func subscriptionPayload(sub billing.MemberSubscription) map[string]any {
	payload := map[string]any{
		"id":                sub.ID,
		"planId":            sub.PlanID,
		"status":            sub.Status,
		"currentPeriodEnd":  timeValue(sub.CurrentPeriodEnd),
		"cancelAtPeriodEnd": sub.CancelAtPeriodEnd,
		"plan":              nil,
	}
	if sub.Plan != nil {
		payload["plan"] = planPayload(*sub.Plan)
	}
	return payload
}
