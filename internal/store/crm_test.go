package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequenceStepsScan(t *testing.T) {
	var steps SequenceSteps
	require.NoError(t, steps.Scan([]byte(`[{"delayHours":24,"subject":"Welcome","body":"Hi"}]`)))
	require.Len(t, steps, 1)
	assert.Equal(t, 24, steps[0].DelayHours)

	require.NoError(t, steps.Scan(nil))
	assert.Empty(t, steps)

	assert.Error(t, steps.Scan(42))
	assert.Error(t, steps.Scan("not json"))

	value, err := SequenceSteps(nil).Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", value)
}

func TestContactName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", Contact{FirstName: "Ada", LastName: "Lovelace"}.Name())
	assert.Equal(t, "Ada", Contact{FirstName: "Ada"}.Name())
	assert.Equal(t, "Lovelace", Contact{LastName: "Lovelace"}.Name())
}

func openCRMForTest(t *testing.T) *CRMStore {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SUCCESS_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SUCCESS_TEST_DATABASE_URL is not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	require.NoError(t, err)
	require.NoError(t, ApplyMigrations(db))

	crmDB, err := OpenCRM(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = crmDB.Close() })
	return NewCRMStore(crmDB)
}

func TestCRMStoreContactsAndCampaignPostgres(t *testing.T) {
	s := openCRMForTest(t)
	ctx := context.Background()

	created, updated, err := s.UpsertContacts(ctx, []Contact{
		{ID: "con_1", Email: "Ada@Example.com", FirstName: "Ada", Tags: []string{"vip"}, Status: "lead"},
		{ID: "con_2", Email: "bob@example.com", FirstName: "Bob", Tags: []string{"news"}, Status: "subscriber"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, 0, updated)

	created, updated, err = s.UpsertContacts(ctx, []Contact{
		{ID: "con_3", Email: "ada@example.com", LastName: "Lovelace", Tags: []string{"news"}, Status: "lead"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 1, updated)

	ada, err := s.GetContactByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, "con_1", ada.ID)
	assert.Equal(t, "Ada Lovelace", ada.Name())
	assert.ElementsMatch(t, []string{"news", "vip"}, []string(ada.Tags))

	err = s.InsertContact(ctx, Contact{ID: "con_4", Email: "ADA@example.com", Status: "lead"})
	assert.True(t, errors.Is(err, ErrDuplicate))

	page, total, err := s.ListContacts(ctx, ContactFilter{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, 2, total)

	audience, err := s.AudienceContacts(ctx, []string{"news"})
	require.NoError(t, err)
	assert.Len(t, audience, 2)

	require.NoError(t, s.InsertCampaign(ctx, Campaign{ID: "cmp_1", Name: "Launch", Subject: "Hello", Status: "draft"}))
	started, err := s.StartCampaign(ctx, "cmp_1", audience)
	require.NoError(t, err)
	assert.True(t, started)

	again, err := s.StartCampaign(ctx, "cmp_1", audience)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, s.RecordDelivery(ctx, "cmp_1", "con_1", nil))
	require.NoError(t, s.RecordDelivery(ctx, "cmp_1", "con_1", nil))
	require.NoError(t, s.RecordDelivery(ctx, "cmp_1", "con_2", errors.New("mailbox full")))

	campaign, err := s.GetCampaign(ctx, "cmp_1")
	require.NoError(t, err)
	assert.Equal(t, "sent", campaign.Status)
	assert.Equal(t, 1, campaign.SentCount)
	assert.Equal(t, 1, campaign.FailedCount)
	assert.NotNil(t, campaign.SentAt)
}

func TestCRMStoreDealsAndSequencesPostgres(t *testing.T) {
	s := openCRMForTest(t)
	ctx := context.Background()

	require.NoError(t, s.InsertContact(ctx, Contact{ID: "con_1", Email: "ada@example.com", Status: "lead"}))
	require.NoError(t, s.InsertDeal(ctx, Deal{ID: "deal_1", Title: "Big", Amount: decimal.RequireFromString("1200.50"), Currency: "USD", Stage: "lead"}))
	require.NoError(t, s.InsertDeal(ctx, Deal{ID: "deal_2", Title: "Small", Amount: decimal.RequireFromString("99.50"), Currency: "USD", Stage: "lead"}))
	require.NoError(t, s.SetDealStage(ctx, "deal_2", "won"))

	pipeline, err := s.Pipeline(ctx)
	require.NoError(t, err)
	totals := map[string]string{}
	for _, stage := range pipeline {
		totals[stage.Stage] = stage.Total.StringFixed(2)
	}
	assert.Equal(t, "1200.50", totals["lead"])
	assert.Equal(t, "99.50", totals["won"])

	counts, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Contacts)
	assert.Equal(t, 1, counts.OpenDeals)

	require.NoError(t, s.InsertSequence(ctx, Sequence{ID: "seq_1", Name: "Onboarding", Active: true, Steps: SequenceSteps{
		{DelayHours: 0, Subject: "Welcome"},
		{DelayHours: 24, Subject: "Tips"},
	}}))
	now := time.Now().UTC()
	require.NoError(t, s.InsertEnrollment(ctx, Enrollment{ID: "enr_1", SequenceID: "seq_1", ContactID: "con_1", Status: "active", NextRunAt: now}))
	err = s.InsertEnrollment(ctx, Enrollment{ID: "enr_2", SequenceID: "seq_1", ContactID: "con_1", Status: "active", NextRunAt: now})
	assert.True(t, errors.Is(err, ErrAlreadyEnrolled))

	due, err := s.DueEnrollments(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := s.AdvanceEnrollment(ctx, "enr_1", 0, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AdvanceEnrollment(ctx, "enr_1", 0, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompleteEnrollment(ctx, "enr_1", 1)
	require.NoError(t, err)
	assert.True(t, ok)
	enrollment, err := s.GetEnrollment(ctx, "enr_1")
	require.NoError(t, err)
	assert.Equal(t, "completed", enrollment.Status)
	assert.Equal(t, 2, enrollment.CurrentStep)
}
