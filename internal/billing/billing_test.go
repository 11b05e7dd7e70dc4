package billing

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"success/api/internal/store"
)

type fakeStore struct {
	plans  map[string]store.Plan
	subs   map[string]store.Subscription // keyed by provider ref
	events map[string]bool

	listActiveFn func(ctx context.Context) ([]store.ActiveSubscription, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans: map[string]store.Plan{
			"pln_month": {ID: "pln_month", Name: "Monthly", Interval: IntervalMonth, Price: decimal.RequireFromString("10.00"), Currency: "USD", Active: true},
			"pln_year":  {ID: "pln_year", Name: "Yearly", Interval: IntervalYear, Price: decimal.RequireFromString("100.00"), Currency: "USD", Active: true},
		},
		subs:   map[string]store.Subscription{},
		events: map[string]bool{},
	}
}

func (f *fakeStore) ListPlans(_ context.Context, includeInactive bool) ([]store.Plan, error) {
	var out []store.Plan
	for _, p := range f.plans {
		if p.Active || includeInactive {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetPlan(_ context.Context, id string) (store.Plan, error) {
	p, ok := f.plans[id]
	if !ok {
		return store.Plan{}, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakeStore) InsertPlan(_ context.Context, plan store.Plan) error {
	f.plans[plan.ID] = plan
	return nil
}

func (f *fakeStore) GetSubscriptionByUser(_ context.Context, userID string) (store.Subscription, error) {
	for _, s := range f.subs {
		if s.UserID == userID {
			return s, nil
		}
	}
	return store.Subscription{}, sql.ErrNoRows
}

func (f *fakeStore) GetSubscriptionByProviderRef(_ context.Context, ref string) (store.Subscription, error) {
	s, ok := f.subs[ref]
	if !ok {
		return store.Subscription{}, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeStore) UpsertSubscription(_ context.Context, sub store.Subscription) error {
	if existing, ok := f.subs[sub.ProviderRef]; ok {
		sub.ID = existing.ID
		sub.UserID = existing.UserID
	}
	f.subs[sub.ProviderRef] = sub
	return nil
}

func (f *fakeStore) SetCancelAtPeriodEnd(_ context.Context, id string, cancel bool) error {
	for ref, s := range f.subs {
		if s.ID == id {
			s.CancelAtPeriodEnd = cancel
			f.subs[ref] = s
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) ListActiveSubscriptions(ctx context.Context) ([]store.ActiveSubscription, error) {
	if f.listActiveFn != nil {
		return f.listActiveFn(ctx)
	}
	var out []store.ActiveSubscription
	for _, s := range f.subs {
		out = append(out, store.ActiveSubscription{Subscription: s, Plan: f.plans[s.PlanID]})
	}
	return out, nil
}

func (f *fakeStore) RecordPaymentEvent(_ context.Context, id, _ string) (bool, error) {
	if f.events[id] {
		return false, nil
	}
	f.events[id] = true
	return true, nil
}

func (f *fakeStore) ForgetPaymentEvent(_ context.Context, id string) error {
	delete(f.events, id)
	return nil
}

const testSecret = "whsec_test"

func signed(t *testing.T, evt any) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(evt)
	require.NoError(t, err)
	return body, hex.EncodeToString(Sign([]byte(testSecret), body))
}

func TestVerifySignature(t *testing.T) {
	svc := NewService(newFakeStore(), testSecret, nil)
	body := []byte(`{"id":"evt_1"}`)
	sig := hex.EncodeToString(Sign([]byte(testSecret), body))

	assert.NoError(t, svc.VerifySignature(body, sig))
	assert.NoError(t, svc.VerifySignature(body, "sha256="+sig))
	assert.ErrorIs(t, svc.VerifySignature(body, ""), ErrInvalidSignature)
	assert.ErrorIs(t, svc.VerifySignature(body, "zz"), ErrInvalidSignature)
	assert.ErrorIs(t, svc.VerifySignature([]byte(`{"id":"evt_2"}`), sig), ErrInvalidSignature)

	unsigned := NewService(newFakeStore(), "", nil)
	assert.ErrorIs(t, unsigned.VerifySignature(body, sig), ErrInvalidSignature)
}

func TestWebhookLifecycle(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, testSecret, nil)
	ctx := context.Background()
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC().Truncate(time.Second)

	steps := []struct {
		evt        WebhookEvent
		wantStatus string
	}{
		{WebhookEvent{ID: "evt_1", Type: EventSubscriptionCreated, Data: WebhookData{SubscriptionID: "ps_1", UserID: "usr_1", PlanID: "pln_month", Status: StatusTrialing, CurrentPeriodEnd: &periodEnd}}, StatusTrialing},
		{WebhookEvent{ID: "evt_2", Type: EventInvoicePaid, Data: WebhookData{SubscriptionID: "ps_1"}}, StatusActive},
		{WebhookEvent{ID: "evt_3", Type: EventInvoicePaymentFailed, Data: WebhookData{SubscriptionID: "ps_1"}}, StatusPastDue},
		{WebhookEvent{ID: "evt_4", Type: EventSubscriptionUpdated, Data: WebhookData{SubscriptionID: "ps_1", PlanID: "pln_year", Status: StatusActive}}, StatusActive},
		{WebhookEvent{ID: "evt_5", Type: EventSubscriptionCanceled, Data: WebhookData{SubscriptionID: "ps_1"}}, StatusCanceled},
		{WebhookEvent{ID: "evt_6", Type: EventInvoicePaid, Data: WebhookData{SubscriptionID: "ps_1"}}, StatusCanceled},
	}
	for _, step := range steps {
		body, sig := signed(t, step.evt)
		res, err := svc.HandleWebhook(ctx, body, sig)
		require.NoError(t, err, step.evt.ID)
		assert.True(t, res.Handled, step.evt.ID)
		assert.Equal(t, step.wantStatus, st.subs["ps_1"].Status, step.evt.ID)
	}
	assert.Equal(t, "pln_year", st.subs["ps_1"].PlanID)
	assert.Equal(t, "usr_1", st.subs["ps_1"].UserID)
}

func TestWebhookDuplicateAndUnknown(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, testSecret, nil)
	ctx := context.Background()

	body, sig := signed(t, WebhookEvent{ID: "evt_1", Type: EventSubscriptionCreated, Data: WebhookData{SubscriptionID: "ps_1", UserID: "usr_1", PlanID: "pln_month"}})
	_, err := svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	res, err := svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, res.Handled)

	body, sig = signed(t, WebhookEvent{ID: "evt_2", Type: "customer.updated"})
	res, err = svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.False(t, res.Handled)
	assert.False(t, st.events["evt_2"])
}

func TestWebhookRetryAfterFailedApply(t *testing.T) {
	st := newFakeStore()
	svc := NewService(st, testSecret, nil)
	ctx := context.Background()

	body, sig := signed(t, WebhookEvent{ID: "evt_1", Type: EventSubscriptionCreated, Data: WebhookData{SubscriptionID: "ps_1", UserID: "usr_1", PlanID: "pln_new"}})
	_, err := svc.HandleWebhook(ctx, body, sig)
	require.ErrorIs(t, err, ErrPlanNotFound)
	assert.False(t, st.events["evt_1"])

	st.plans["pln_new"] = store.Plan{ID: "pln_new", Name: "New", Interval: IntervalMonth, Price: decimal.RequireFromString("5.00"), Currency: "USD", Active: true}
	res, err := svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, res.Handled)
	assert.False(t, res.Duplicate)
	assert.Equal(t, "pln_new", st.subs["ps_1"].PlanID)

	res, err = svc.HandleWebhook(ctx, body, sig)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	svc := NewService(newFakeStore(), testSecret, nil)
	ctx := context.Background()

	_, err := svc.HandleWebhook(ctx, []byte(`{}`), "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	body := []byte(`not json`)
	_, err = svc.HandleWebhook(ctx, body, hex.EncodeToString(Sign([]byte(testSecret), body)))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	body, sig := signed(t, WebhookEvent{ID: "evt_9", Type: EventSubscriptionCreated, Data: WebhookData{SubscriptionID: "ps_new"}})
	_, err = svc.HandleWebhook(ctx, body, sig)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	body, sig = signed(t, WebhookEvent{ID: "evt_10", Type: EventSubscriptionCreated, Data: WebhookData{SubscriptionID: "ps_new", UserID: "u", PlanID: "pln_missing"}})
	_, err = svc.HandleWebhook(ctx, body, sig)
	assert.ErrorIs(t, err, ErrPlanNotFound)

	body, sig = signed(t, WebhookEvent{ID: "evt_11", Type: EventSubscriptionUpdated, Data: WebhookData{SubscriptionID: "ps_new", UserID: "u", PlanID: "pln_month", Status: "paused"}})
	_, err = svc.HandleWebhook(ctx, body, sig)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestCancelAndResume(t *testing.T) {
	st := newFakeStore()
	st.subs["ps_1"] = store.Subscription{ID: "sub_1", UserID: "usr_1", PlanID: "pln_month", Status: StatusActive, ProviderRef: "ps_1"}
	st.subs["ps_2"] = store.Subscription{ID: "sub_2", UserID: "usr_2", PlanID: "pln_month", Status: StatusCanceled, ProviderRef: "ps_2"}
	svc := NewService(st, testSecret, nil)
	ctx := context.Background()

	sub, err := svc.Cancel(ctx, "usr_1")
	require.NoError(t, err)
	assert.True(t, sub.CancelAtPeriodEnd)
	require.NotNil(t, sub.Plan)
	assert.Equal(t, "Monthly", sub.Plan.Name)
	assert.True(t, st.subs["ps_1"].CancelAtPeriodEnd)

	sub, err = svc.Resume(ctx, "usr_1")
	require.NoError(t, err)
	assert.False(t, sub.CancelAtPeriodEnd)

	_, err = svc.Cancel(ctx, "usr_2")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = svc.Cancel(ctx, "usr_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasActiveSubscription(t *testing.T) {
	st := newFakeStore()
	past := time.Now().Add(-time.Hour)
	st.subs["ps_1"] = store.Subscription{ID: "sub_1", UserID: "usr_1", Status: StatusActive, ProviderRef: "ps_1"}
	st.subs["ps_2"] = store.Subscription{ID: "sub_2", UserID: "usr_2", Status: StatusActive, ProviderRef: "ps_2", CurrentPeriodEnd: &past}
	st.subs["ps_3"] = store.Subscription{ID: "sub_3", UserID: "usr_3", Status: StatusPastDue, ProviderRef: "ps_3"}
	svc := NewService(st, testSecret, nil)
	ctx := context.Background()

	for user, want := range map[string]bool{"usr_1": true, "usr_2": false, "usr_3": false, "usr_none": false, "": false} {
		got, err := svc.HasActiveSubscription(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, want, got, user)
	}
}

func TestCreatePlanValidation(t *testing.T) {
	svc := NewService(newFakeStore(), testSecret, nil)
	ctx := context.Background()

	plan, err := svc.CreatePlan(ctx, PlanInput{Name: "Pro", Interval: "Year", Price: decimal.RequireFromString("119.999"), Currency: "eur"})
	require.NoError(t, err)
	assert.Equal(t, IntervalYear, plan.Interval)
	assert.Equal(t, "EUR", plan.Currency)
	assert.True(t, plan.Price.Equal(decimal.RequireFromString("120.00")))
	assert.True(t, plan.Active)

	for _, in := range []PlanInput{
		{Interval: "month"},
		{Name: "x", Interval: "week"},
		{Name: "x", Interval: "month", Price: decimal.NewFromInt(-1)},
		{Name: "x", Interval: "month", Currency: "EURO"},
	} {
		_, err := svc.CreatePlan(ctx, in)
		assert.ErrorIs(t, err, ErrInvalidPlan)
	}
}

func TestSummaryComputesMRR(t *testing.T) {
	st := newFakeStore()
	st.plans["pln_eur"] = store.Plan{ID: "pln_eur", Name: "Euro", Interval: IntervalMonth, Price: decimal.RequireFromString("5.50"), Currency: "EUR"}
	st.subs = map[string]store.Subscription{
		"a": {UserID: "u1", PlanID: "pln_month", Status: StatusActive},
		"b": {UserID: "u2", PlanID: "pln_month", Status: StatusActive},
		"c": {UserID: "u3", PlanID: "pln_year", Status: StatusActive},
		"d": {UserID: "u4", PlanID: "pln_year", Status: StatusTrialing},
		"e": {UserID: "u5", PlanID: "pln_month", Status: StatusPastDue},
		"f": {UserID: "u6", PlanID: "pln_eur", Status: StatusActive},
	}
	svc := NewService(st, testSecret, nil)

	sum, err := svc.Summary(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.ActiveSubscribers)
	assert.Equal(t, 1, sum.Trialing)
	assert.Equal(t, 1, sum.PastDue)
	// 10 + 10 + 100/12 = 28.33
	assert.Equal(t, "28.33", sum.MRR["USD"].StringFixed(2))
	assert.Equal(t, "5.50", sum.MRR["EUR"].StringFixed(2))
	require.Len(t, sum.Plans, 3)
	assert.Equal(t, "pln_month", sum.Plans[0].PlanID)
	assert.Equal(t, "pln_year", sum.Plans[1].PlanID)
	assert.Equal(t, 2, sum.Plans[1].Subscribers)
	assert.Equal(t, "8.33", sum.Plans[1].MRR.StringFixed(2))
}

func TestSummaryPropagatesStoreError(t *testing.T) {
	st := newFakeStore()
	st.listActiveFn = func(context.Context) ([]store.ActiveSubscription, error) {
		return nil, errors.New("db down")
	}
	_, err := NewService(st, testSecret, nil).Summary(context.Background())
	assert.Error(t, err)
}
