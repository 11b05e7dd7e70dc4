package store

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openPostgresForTest(t *testing.T) *PostgresStore {
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
	return NewPostgresStore(db)
}

func TestListPostsTotalPastLastPagePostgres(t *testing.T) {
	s := openPostgresForTest(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, User{ID: "usr_1", DisplayName: "Ada", Email: "ada@example.com", Role: "author"}))
	for i := 1; i <= 3; i++ {
		require.NoError(t, s.InsertPost(ctx, Post{
			ID:         fmt.Sprintf("pst_%d", i),
			Title:      fmt.Sprintf("Post %d", i),
			Slug:       fmt.Sprintf("post-%d", i),
			Status:     "draft",
			Visibility: "public",
			AuthorID:   "usr_1",
		}))
	}

	items, total, err := s.ListPosts(ctx, ContentFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, items, 1)
	assert.Equal(t, 3, total)

	items, total, err = s.ListPosts(ctx, ContentFilter{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, 3, total)

	items, total, err = s.ListPosts(ctx, ContentFilter{Status: "published", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Zero(t, total)
}

func TestRecordPaymentEventPostgres(t *testing.T) {
	s := openPostgresForTest(t)
	ctx := context.Background()

	fresh, err := s.RecordPaymentEvent(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = s.RecordPaymentEvent(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.False(t, fresh)

	require.NoError(t, s.ForgetPaymentEvent(ctx, "evt_1"))
	fresh, err = s.RecordPaymentEvent(ctx, "evt_1", "invoice.paid")
	require.NoError(t, err)
	assert.True(t, fresh)
}
