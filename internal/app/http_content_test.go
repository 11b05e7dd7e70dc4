package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"success/api/internal/paywall"
	"success/api/internal/revision"
	"success/api/internal/store"
)

func newPaywalledServer(t *testing.T, fs *fakeStore, freeArticles int) (*HTTPServer, *Service) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	meter := paywall.NewMeter(client, paywall.Config{FreeArticles: freeArticles, Window: time.Hour, KeyPrefix: "test:meter:"})
	svc := New(testConfig(), Deps{
		Store:     fs,
		Revisions: revision.New(t.TempDir()),
		Paywall:   paywall.NewService(meter, nil),
	})
	return NewHTTPServer(svc, "*", nil), svc
}

func publishedPost(t *testing.T, svc *Service, session Session, title, visibility string) string {
	t.Helper()
	id := createPost(t, svc, session, PostInput{
		Title:      title,
		Excerpt:    "Teaser for " + title,
		Content:    paragraphDoc("Full body of " + title),
		Visibility: visibility,
	})
	if _, err := svc.PublishPost(context.Background(), id); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return id
}

func readPublic(t *testing.T, server *HTTPServer, slug, visitor, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/public/posts/"+slug, nil)
	if visitor != "" {
		req.Header.Set("X-Visitor-ID", visitor)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	return rr
}

func TestPublicPostMetersPaidArticles(t *testing.T) {
	fs := newFakeStore()
	server, svc := newPaywalledServer(t, fs, 1)
	editor := sessionFor(t, svc, fs, "editor-1", "editor")
	publishedPost(t, svc, editor, "First Paid", paywall.VisibilityPaid)
	publishedPost(t, svc, editor, "Second Paid", paywall.VisibilityPaid)

	rr := readPublic(t, server, "first-paid", "visitor-1", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if html, _ := payload["contentHtml"].(string); !strings.Contains(html, "Full body of First Paid") {
		t.Fatalf("expected full content on the free article, got %v", payload)
	}

	rr = readPublic(t, server, "second-paid", "visitor-1", "")
	payload = decodeResponse(t, rr)
	if _, ok := payload["contentHtml"]; ok {
		t.Fatalf("expected content to be withheld once the meter is used up")
	}
	if payload["teaser"] != "Teaser for Second Paid" {
		t.Fatalf("expected teaser, got %v", payload["teaser"])
	}
	decision, _ := payload["paywall"].(map[string]any)
	if decision["reason"] != paywall.ReasonExhausted {
		t.Fatalf("expected meter_exhausted, got %v", decision["reason"])
	}

	rr = readPublic(t, server, "first-paid", "visitor-1", "")
	if _, ok := decodeResponse(t, rr)["contentHtml"]; !ok {
		t.Fatalf("expected re-reading a counted article to be allowed")
	}
}

func TestPublicPostMembersOnlyForSignedIn(t *testing.T) {
	fs := newFakeStore()
	server, svc := newPaywalledServer(t, fs, 0)
	editor := sessionFor(t, svc, fs, "editor-1", "editor")
	member := sessionFor(t, svc, fs, "member-1", "subscriber")
	publishedPost(t, svc, editor, "Members Note", paywall.VisibilityMembers)

	rr := readPublic(t, server, "members-note", "visitor-1", "")
	if _, ok := decodeResponse(t, rr)["contentHtml"]; ok {
		t.Fatalf("expected anonymous reader to get the teaser only")
	}

	rr = readPublic(t, server, "members-note", "", member.Token)
	payload := decodeResponse(t, rr)
	if _, ok := payload["contentHtml"]; !ok {
		t.Fatalf("expected signed-in member to read the post, got %v", payload)
	}
	decision, _ := payload["paywall"].(map[string]any)
	if decision["reason"] != paywall.ReasonMember {
		t.Fatalf("expected member reason, got %v", decision["reason"])
	}
}

func TestPublicPostHidesDrafts(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	createPost(t, svc, author, PostInput{Title: "Secret Draft"})

	rr := readPublic(t, server, "secret-draft", "visitor-1", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestPublicPostIssuesVisitorCookie(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	editor := sessionFor(t, svc, fs, "editor-1", "editor")
	publishedPost(t, svc, editor, "Open Post", paywall.VisibilityPublic)

	rr := readPublic(t, server, "open-post", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if cookie := rr.Header().Get("Set-Cookie"); !strings.HasPrefix(cookie, visitorCookie+"=vis_") {
		t.Fatalf("expected visitor cookie, got %q", cookie)
	}
}

func TestUpdatePostOverHTTP(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Before"})

	rr := doRequest(t, server, http.MethodPut, "/api/posts/"+id, author.Token, map[string]any{
		"title":       "After",
		"contentHtml": "<p>Rewritten</p>",
		"visibility":  "members",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	payload := decodeResponse(t, rr)
	if payload["title"] != "After" || payload["visibility"] != "members" {
		t.Fatalf("unexpected payload %v", payload)
	}

	rr = doRequest(t, server, http.MethodPut, "/api/posts/"+id, author.Token, map[string]any{
		"title":      "After",
		"visibility": "vip",
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for bad visibility, got %d", rr.Code)
	}
}

func TestGetMissingPostReturnsNotFound(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	rr := doRequest(t, server, http.MethodGet, "/api/posts/post_missing", author.Token, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestStoreFailureIsHidden(t *testing.T) {
	fs := newFakeStore()
	fs.insertPostFn = func(context.Context, store.Post) error {
		return errors.New("pq: connection reset by peer")
	}
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	rr := doRequest(t, server, http.MethodPost, "/api/posts", author.Token, map[string]any{"title": "Boom"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
	payload := decodeResponse(t, rr)
	if payload["code"] != "SERVER_ERROR" || strings.Contains(rr.Body.String(), "pq:") {
		t.Fatalf("expected generic server error, got %s", rr.Body.String())
	}
}

func TestAutosaveStoreFailureReturnsServerError(t *testing.T) {
	fs := newFakeStore()
	fs.autosavePostFn = func(context.Context, string) error {
		return errors.New("disk full")
	}
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Autosave"})

	rr := doRequest(t, server, http.MethodPut, "/api/posts/"+id+"/autosave", author.Token, map[string]any{
		"content": paragraphDoc("changed"),
	})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rr.Code)
	}
}

func TestBlockOpsOverHTTP(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Ops", Content: paragraphDoc("one", "two")})

	rr := doRequest(t, server, http.MethodPost, "/api/posts/"+id+"/blocks", author.Token, map[string]any{"ops": []any{}})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for empty ops, got %d", rr.Code)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/posts/"+id+"/blocks", author.Token, map[string]any{
		"ops": []map[string]any{{"op": "moveUp", "path": []int{1}}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	html, _ := decodeResponse(t, rr)["contentHtml"].(string)
	if strings.Index(html, "two") > strings.Index(html, "one") {
		t.Fatalf("expected second paragraph first, got %q", html)
	}

	rr = doRequest(t, server, http.MethodPost, "/api/posts/"+id+"/blocks", author.Token, map[string]any{
		"ops": []map[string]any{{"op": "explode", "path": []int{0}}},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 for unknown op, got %d", rr.Code)
	}
}

func TestScheduleOverHTTP(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	editor := sessionFor(t, svc, fs, "user-1", "editor")
	id := createPost(t, svc, editor, PostInput{Title: "Scheduled"})

	rr := doRequest(t, server, http.MethodPost, "/api/posts/"+id+"/schedule", editor.Token, map[string]any{})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422 without scheduledAt, got %d", rr.Code)
	}

	at := time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second)
	rr = doRequest(t, server, http.MethodPost, "/api/posts/"+id+"/schedule", editor.Token, map[string]any{
		"scheduledAt": at.Format(time.RFC3339),
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if status := decodeResponse(t, rr)["status"]; status != StatusScheduled {
		t.Fatalf("expected scheduled status, got %v", status)
	}
}

func TestExportUnavailableWithoutExporter(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")
	id := createPost(t, svc, author, PostInput{Title: "Export me"})

	rr := doRequest(t, server, http.MethodGet, "/api/posts/"+id+"/export?format=html", author.Token, nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestBlockRenderAndParseRoundTrip(t *testing.T) {
	fs := newFakeStore()
	server, svc := newTestServer(t, fs)
	author := sessionFor(t, svc, fs, "user-1", "author")

	rr := doRequest(t, server, http.MethodPost, "/api/blocks/parse", author.Token, map[string]string{
		"html": `<h2>Title</h2><p>Body <strong>bold</strong></p>`,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	content := decodeResponse(t, rr)["content"]

	rr = doRequest(t, server, http.MethodPost, "/api/blocks/render", author.Token, map[string]any{"content": content})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	html, _ := decodeResponse(t, rr)["html"].(string)
	if !strings.Contains(html, "<strong>bold</strong>") || !strings.Contains(html, "Title") {
		t.Fatalf("unexpected html %q", html)
	}

	rr = doRequest(t, server, http.MethodGet, "/api/blocks", author.Token, nil)
	items, _ := decodeResponse(t, rr)["items"].([]any)
	if len(items) == 0 {
		t.Fatalf("expected block specs")
	}
}
