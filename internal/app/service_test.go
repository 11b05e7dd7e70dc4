package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"success/api/internal/auth"
	"success/api/internal/blocks"
	"success/api/internal/config"
	"success/api/internal/revision"
	"success/api/internal/store"
)

// fakeStore keeps users, posts and pages in memory. The Fn fields override
// single methods when a test needs a failure.
type fakeStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	posts      map[string]store.Post
	pages      map[string]store.Page
	refresh    map[string]string
	revokedJTI map[string]bool

	pingFn         func(context.Context) error
	insertPostFn   func(context.Context, store.Post) error
	autosavePostFn func(context.Context, string) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:      map[string]store.User{},
		posts:      map[string]store.Post{},
		pages:      map[string]store.Page{},
		refresh:    map[string]string{},
		revokedJTI: map[string]bool{},
	}
}

func (f *fakeStore) addUser(user store.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if user.DisplayName == "" {
		user.DisplayName = user.ID
	}
	if user.Email == "" {
		user.Email = user.ID + "@example.com"
	}
	user.IsEmailVerified = true
	f.users[user.ID] = user
}

func (f *fakeStore) post(id string) store.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[id]
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

// Sessions

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.refresh[hash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeStore) RevokeUserSessions(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, owner := range f.refresh {
		if owner == userID {
			delete(f.refresh, hash)
		}
	}
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokedJTI[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revokedJTI[jti], nil
}

// Users

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) ListUsers(context.Context) ([]store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.User, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateUserRole(_ context.Context, id, role string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return false, nil
	}
	user.Role = role
	f.users[id] = user
	return true, nil
}

func (f *fakeStore) DeactivateUser(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return false, nil
	}
	now := time.Now().UTC()
	user.DeactivatedAt = &now
	f.users[id] = user
	return true, nil
}

// Posts

func (f *fakeStore) ListPosts(_ context.Context, filter store.ContentFilter) ([]store.Post, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Post{}
	for _, post := range f.posts {
		if filter.Status != "" && post.Status != filter.Status {
			continue
		}
		if filter.AuthorID != "" && post.AuthorID != filter.AuthorID {
			continue
		}
		out = append(out, post)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (f *fakeStore) GetPost(_ context.Context, id string) (store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[id]
	if !ok {
		return store.Post{}, sql.ErrNoRows
	}
	return post, nil
}

func (f *fakeStore) GetPostBySlug(_ context.Context, slug string) (store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, post := range f.posts {
		if post.Slug == slug {
			return post, nil
		}
	}
	return store.Post{}, sql.ErrNoRows
}

func (f *fakeStore) PostSlugTaken(_ context.Context, slug, excludeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, post := range f.posts {
		if post.Slug == slug && post.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertPost(ctx context.Context, post store.Post) error {
	if f.insertPostFn != nil {
		if err := f.insertPostFn(ctx, post); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	post.CreatedAt, post.UpdatedAt = now, now
	f.posts[post.ID] = post
	return nil
}

func (f *fakeStore) UpdatePost(_ context.Context, post store.Post) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[post.ID]; !ok {
		return sql.ErrNoRows
	}
	post.UpdatedAt = time.Now().UTC()
	f.posts[post.ID] = post
	return nil
}

func (f *fakeStore) AutosavePost(ctx context.Context, id string, content json.RawMessage, html string, words, reading int) (time.Time, error) {
	if f.autosavePostFn != nil {
		if err := f.autosavePostFn(ctx, id); err != nil {
			return time.Time{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[id]
	if !ok {
		return time.Time{}, sql.ErrNoRows
	}
	now := time.Now().UTC()
	post.Content, post.ContentHTML = content, html
	post.WordCount, post.ReadingTime = words, reading
	post.AutosavedAt = &now
	f.posts[id] = post
	return now, nil
}

func (f *fakeStore) SetPostStatus(_ context.Context, id, status string, publishedAt, scheduledAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[id]
	if !ok {
		return sql.ErrNoRows
	}
	post.Status = status
	if publishedAt != nil || status != StatusPublished {
		post.PublishedAt = publishedAt
	}
	post.ScheduledAt = scheduledAt
	f.posts[id] = post
	return nil
}

func (f *fakeStore) DeletePost(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[id]; !ok {
		return false, nil
	}
	delete(f.posts, id)
	return true, nil
}

func (f *fakeStore) DuePosts(_ context.Context, now time.Time) ([]store.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Post
	for _, post := range f.posts {
		if post.Status == StatusScheduled && post.ScheduledAt != nil && !post.ScheduledAt.After(now) {
			out = append(out, post)
		}
	}
	return out, nil
}

// Pages

func (f *fakeStore) ListPages(_ context.Context, filter store.ContentFilter) ([]store.Page, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []store.Page{}
	for _, page := range f.pages {
		if filter.Status != "" && page.Status != filter.Status {
			continue
		}
		out = append(out, page)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (f *fakeStore) GetPage(_ context.Context, id string) (store.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	page, ok := f.pages[id]
	if !ok {
		return store.Page{}, sql.ErrNoRows
	}
	return page, nil
}

func (f *fakeStore) PageSlugTaken(_ context.Context, slug, excludeID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, page := range f.pages {
		if page.Slug == slug && page.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertPage(_ context.Context, page store.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	page.CreatedAt, page.UpdatedAt = now, now
	f.pages[page.ID] = page
	return nil
}

func (f *fakeStore) UpdatePage(_ context.Context, page store.Page) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[page.ID]; !ok {
		return sql.ErrNoRows
	}
	page.UpdatedAt = time.Now().UTC()
	f.pages[page.ID] = page
	return nil
}

func (f *fakeStore) DeletePage(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pages[id]; !ok {
		return false, nil
	}
	delete(f.pages, id)
	return true, nil
}

func (f *fakeStore) ContentCounts(context.Context) (store.ContentCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := store.ContentCounts{PostsByStatus: map[string]int{}, Pages: len(f.pages)}
	for _, post := range f.posts {
		counts.PostsByStatus[post.Status]++
	}
	return counts, nil
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:     "test-secret",
		AccessTTL:     time.Hour,
		RefreshTTL:    24 * time.Hour,
		PublicBaseURL: "http://localhost:5173",
	}
}

func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	return New(testConfig(), Deps{
		Store:     fs,
		Revisions: revision.New(t.TempDir()),
	})
}

func sessionFor(t *testing.T, svc *Service, fs *fakeStore, id, role string) Session {
	t.Helper()
	fs.addUser(store.User{ID: id, Role: role})
	session, err := svc.CreateSession(context.Background(), id)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return session
}

func paragraphDoc(texts ...string) json.RawMessage {
	nodes := make([]blocks.Node, 0, len(texts))
	for _, text := range texts {
		nodes = append(nodes, blocks.Paragraph(blocks.Text(text)))
	}
	raw, _ := json.Marshal(blocks.NewDoc(nodes...))
	return raw
}

func createPost(t *testing.T, svc *Service, session Session, in PostInput) string {
	t.Helper()
	payload, err := svc.CreatePost(context.Background(), session, in)
	if err != nil {
		t.Fatalf("create post: %v", err)
	}
	id, _ := payload["id"].(string)
	if id == "" {
		t.Fatalf("expected post id in %v", payload)
	}
	return id
}

func expectDomainError(t *testing.T, err error, status int) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError with status %d, got %v", status, err)
	}
	if domainErr.Status != status {
		t.Fatalf("expected status %d, got %d (%s)", status, domainErr.Status, domainErr.Message)
	}
}

func TestCreatePostRendersDocumentAndCommitsRevision(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	id := createPost(t, svc, author, PostInput{
		Title:   "  Hello World  ",
		Content: paragraphDoc("Hello world from the editor"),
		Tags:    []string{"news", " news ", ""},
	})

	post := fs.post(id)
	if post.Slug != "hello-world" {
		t.Fatalf("expected slug hello-world, got %q", post.Slug)
	}
	if post.Status != StatusDraft {
		t.Fatalf("expected draft status, got %q", post.Status)
	}
	if !strings.Contains(post.ContentHTML, "<p>Hello world from the editor</p>") {
		t.Fatalf("expected rendered paragraph, got %q", post.ContentHTML)
	}
	if post.WordCount != 5 {
		t.Fatalf("expected 5 words, got %d", post.WordCount)
	}
	if post.Excerpt != "Hello world from the editor" {
		t.Fatalf("expected derived excerpt, got %q", post.Excerpt)
	}
	if len(post.Tags) != 1 || post.Tags[0] != "news" {
		t.Fatalf("expected normalized tags [news], got %v", post.Tags)
	}

	history, err := svc.Revisions(context.Background(), revision.KindPost, id)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if items, _ := history["items"].([]revision.Revision); len(items) != 1 {
		t.Fatalf("expected 1 revision, got %d", len(items))
	}
}

func TestCreatePostMakesSlugUnique(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	first := createPost(t, svc, author, PostInput{Title: "Launch Day"})
	second := createPost(t, svc, author, PostInput{Title: "Launch Day"})

	if fs.post(first).Slug != "launch-day" {
		t.Fatalf("expected first slug launch-day, got %q", fs.post(first).Slug)
	}
	if fs.post(second).Slug != "launch-day-2" {
		t.Fatalf("expected second slug launch-day-2, got %q", fs.post(second).Slug)
	}
}

func TestCreatePostRequiresTitle(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	_, err := svc.CreatePost(context.Background(), author, PostInput{Title: "   "})
	expectDomainError(t, err, 422)
}

func TestCreatePostParsesHTMLWhenContentMissing(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	id := createPost(t, svc, author, PostInput{
		Title:       "Imported",
		ContentHTML: "<h2>Intro</h2><p>Imported body text</p>",
	})

	doc, err := blocks.Decode(fs.post(id).Content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(doc.Content) != 2 || doc.Content[0].Type != "heading" {
		t.Fatalf("expected heading and paragraph, got %+v", doc.Content)
	}
}

func TestUpdatePostRejectsOtherAuthors(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	owner := sessionFor(t, svc, fs, "user-1", "author")
	other := sessionFor(t, svc, fs, "user-2", "author")
	editor := sessionFor(t, svc, fs, "user-3", "editor")

	id := createPost(t, svc, owner, PostInput{Title: "Mine"})

	_, err := svc.UpdatePost(context.Background(), other, id, PostInput{Title: "Stolen"})
	expectDomainError(t, err, 403)

	if _, err := svc.UpdatePost(context.Background(), editor, id, PostInput{Title: "Edited"}); err != nil {
		t.Fatalf("editor update: %v", err)
	}
	if fs.post(id).Title != "Edited" {
		t.Fatalf("expected editor change to be saved")
	}
}

func TestUpdatePostKeepsContentWhenOmitted(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	id := createPost(t, svc, author, PostInput{Title: "Keep", Content: paragraphDoc("Original body")})
	if _, err := svc.UpdatePost(context.Background(), author, id, PostInput{Title: "Keep renamed"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	post := fs.post(id)
	if !strings.Contains(post.ContentHTML, "Original body") {
		t.Fatalf("expected content to survive, got %q", post.ContentHTML)
	}
	if post.Slug != "keep" {
		t.Fatalf("expected slug to stay keep, got %q", post.Slug)
	}
}

func TestSchedulePostRejectsPastTime(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "editor")
	id := createPost(t, svc, author, PostInput{Title: "Later"})

	_, err := svc.SchedulePost(context.Background(), id, time.Now().Add(-time.Minute))
	expectDomainError(t, err, 422)
}

func TestPublishDuePostsPublishesScheduledPosts(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	editor := sessionFor(t, svc, fs, "user-1", "editor")
	id := createPost(t, svc, editor, PostInput{Title: "Soon"})

	at := time.Now().Add(time.Hour)
	if _, err := svc.SchedulePost(context.Background(), id, at); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	count, err := svc.PublishDuePosts(context.Background())
	if err != nil || count != 0 {
		t.Fatalf("expected nothing due yet, got %d, %v", count, err)
	}

	svc.now = func() time.Time { return at.Add(time.Second) }
	count, err = svc.PublishDuePosts(context.Background())
	if err != nil {
		t.Fatalf("publish due: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 published post, got %d", count)
	}
	post := fs.post(id)
	if post.Status != StatusPublished || post.PublishedAt == nil {
		t.Fatalf("expected published post with publishedAt, got %+v", post)
	}
	if !post.PublishedAt.Equal(at.UTC()) {
		t.Fatalf("expected publishedAt %v, got %v", at.UTC(), post.PublishedAt)
	}
}

func TestPublishPostKeepsOriginalPublishDate(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	editor := sessionFor(t, svc, fs, "user-1", "editor")
	id := createPost(t, svc, editor, PostInput{Title: "Again"})

	if _, err := svc.PublishPost(context.Background(), id); err != nil {
		t.Fatalf("publish: %v", err)
	}
	first := *fs.post(id).PublishedAt

	svc.now = func() time.Time { return first.Add(48 * time.Hour) }
	if _, err := svc.PublishPost(context.Background(), id); err != nil {
		t.Fatalf("republish: %v", err)
	}
	if !fs.post(id).PublishedAt.Equal(first) {
		t.Fatalf("expected publishedAt to stay %v, got %v", first, fs.post(id).PublishedAt)
	}
}

func TestAutosaveDoesNotCreateRevision(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Draft"})

	payload, err := svc.AutosavePost(context.Background(), author, id, paragraphDoc("Autosaved words here"), "")
	if err != nil {
		t.Fatalf("autosave: %v", err)
	}
	if payload["wordCount"] != 3 {
		t.Fatalf("expected wordCount 3, got %v", payload["wordCount"])
	}
	if fs.post(id).AutosavedAt == nil {
		t.Fatalf("expected autosavedAt to be set")
	}

	history, err := svc.Revisions(context.Background(), revision.KindPost, id)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if items, _ := history["items"].([]revision.Revision); len(items) != 1 {
		t.Fatalf("expected autosave to add no revision, got %d", len(items))
	}
}

func TestApplyBlockOpsRunsInOrder(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Blocks", Content: paragraphDoc("first", "second")})

	index := 0
	_, err := svc.ApplyBlockOps(context.Background(), author, id, []BlockOp{
		{Op: "insert", Parent: blocks.Path{}, Index: &index, Type: "divider"},
		{Op: "moveDown", Path: blocks.Path{0}},
		{Op: "duplicate", Path: blocks.Path{2}},
	})
	if err != nil {
		t.Fatalf("apply ops: %v", err)
	}

	doc, err := blocks.Decode(fs.post(id).Content)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got []string
	for _, node := range doc.Content {
		if node.Type == "paragraph" {
			got = append(got, blocks.PlainText(blocks.NewDoc(node)))
			continue
		}
		got = append(got, node.Type)
	}
	want := []string{"first", "divider", "second", "second"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestApplyBlockOpsStoresNothingOnFailure(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Blocks", Content: paragraphDoc("only")})
	before := string(fs.post(id).Content)

	_, err := svc.ApplyBlockOps(context.Background(), author, id, []BlockOp{
		{Op: "delete", Path: blocks.Path{0}},
		{Op: "delete", Path: blocks.Path{5}},
	})
	if err == nil {
		t.Fatalf("expected error for out of range path")
	}
	if !strings.Contains(err.Error(), "operation 1") {
		t.Fatalf("expected failing operation index in error, got %v", err)
	}
	if string(fs.post(id).Content) != before {
		t.Fatalf("expected content unchanged after failed ops")
	}
}

func TestRestoreRevisionBringsBackOldContent(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Original title", Content: paragraphDoc("first version")})

	history, err := svc.Revisions(context.Background(), revision.KindPost, id)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	items := history["items"].([]revision.Revision)
	firstHash := items[0].Hash

	if _, err := svc.UpdatePost(context.Background(), author, id, PostInput{
		Title:   "Changed title",
		Content: paragraphDoc("second version"),
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	detail, err := svc.Revision(context.Background(), revision.KindPost, id, firstHash)
	if err != nil {
		t.Fatalf("revision: %v", err)
	}
	if changes, _ := detail["changes"].([]revision.FieldChange); len(changes) == 0 {
		t.Fatalf("expected changes against the current post")
	}

	if _, err := svc.RestoreRevision(context.Background(), author, revision.KindPost, id, firstHash); err != nil {
		t.Fatalf("restore: %v", err)
	}
	post := fs.post(id)
	if post.Title != "Original title" || !strings.Contains(post.ContentHTML, "first version") {
		t.Fatalf("expected original content back, got %q / %q", post.Title, post.ContentHTML)
	}

	history, err = svc.Revisions(context.Background(), revision.KindPost, id)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if items := history["items"].([]revision.Revision); len(items) != 3 {
		t.Fatalf("expected 3 revisions after restore, got %d", len(items))
	}
}

func TestDeletePostRemovesHistory(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Gone"})

	if err := svc.DeletePost(context.Background(), author, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.GetPost(context.Background(), id); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected post to be gone, got %v", err)
	}
}

func TestPageRejectsSelfParent(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	editor := sessionFor(t, svc, fs, "user-1", "editor")

	payload, err := svc.CreatePage(context.Background(), editor, PageInput{Title: "About"})
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	id := payload["id"].(string)

	_, err = svc.UpdatePage(context.Background(), editor, id, PageInput{Title: "About", ParentID: &id})
	expectDomainError(t, err, 422)
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	session := sessionFor(t, svc, fs, "user-1", "subscriber")

	next, err := svc.Refresh(context.Background(), session.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if next.RefreshToken == session.RefreshToken {
		t.Fatalf("expected a new refresh token")
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected reused refresh token to fail, got %v", err)
	}
}

func TestSessionFromTokenUsesCurrentRole(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	admin := sessionFor(t, svc, fs, "admin-1", "admin")
	session := sessionFor(t, svc, fs, "user-1", "author")

	if _, err := svc.UpdateUserRole(context.Background(), admin, "user-1", "editor"); err != nil {
		t.Fatalf("update role: %v", err)
	}
	current, err := svc.SessionFromToken(context.Background(), session.Token)
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	if current.Role != "editor" {
		t.Fatalf("expected role editor, got %q", current.Role)
	}
}

func TestDeactivateUserEndsSessions(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	admin := sessionFor(t, svc, fs, "admin-1", "admin")
	session := sessionFor(t, svc, fs, "user-1", "author")

	if _, err := svc.DeactivateUser(context.Background(), admin, "user-1"); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected access token to stop working, got %v", err)
	}
	if _, err := svc.Refresh(context.Background(), session.RefreshToken); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected refresh token to be revoked, got %v", err)
	}
}

func TestAdminCannotChangeOwnRole(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	admin := sessionFor(t, svc, fs, "admin-1", "admin")

	_, err := svc.UpdateUserRole(context.Background(), admin, "admin-1", "subscriber")
	expectDomainError(t, err, 422)
}

func TestDashboardCountsContent(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(t, fs)
	editor := sessionFor(t, svc, fs, "user-1", "editor")
	id := createPost(t, svc, editor, PostInput{Title: "One"})
	createPost(t, svc, editor, PostInput{Title: "Two"})
	if _, err := svc.PublishPost(context.Background(), id); err != nil {
		t.Fatalf("publish: %v", err)
	}

	payload, err := svc.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	posts, _ := payload["posts"].(map[string]int)
	if posts["draft"] != 1 || posts["published"] != 1 || posts["archived"] != 0 {
		t.Fatalf("unexpected post counts %v", payload["posts"])
	}
	if payload["totalPosts"] != 2 {
		t.Fatalf("expected totalPosts 2, got %v", payload["totalPosts"])
	}
}
