package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"success/api/internal/blocks"
	"success/api/internal/export"
	"success/api/internal/logging"
	"success/api/internal/paywall"
	"success/api/internal/rbac"
	"success/api/internal/revision"
	"success/api/internal/search"
	"success/api/internal/store"
	"success/api/internal/util"
)

const (
	StatusDraft     = "draft"
	StatusPublished = "published"
	StatusScheduled = "scheduled"
	StatusArchived  = "archived"

	excerptLength   = 160
	revisionsLimit  = 50
	defaultTemplate = "default"
)

var allowedVisibility = map[string]struct{}{
	paywall.VisibilityPublic:  {},
	paywall.VisibilityMembers: {},
	paywall.VisibilityPaid:    {},
}

var allowedPageStatus = map[string]struct{}{
	StatusDraft:     {},
	StatusPublished: {},
	StatusArchived:  {},
}

// PostInput is the editable part of a post. Content is a block document;
// ContentHTML is parsed into one when Content is empty.
type PostInput struct {
	Title          string          `json:"title"`
	Slug           string          `json:"slug"`
	Excerpt        string          `json:"excerpt"`
	Content        json.RawMessage `json:"content"`
	ContentHTML    string          `json:"contentHtml"`
	Visibility     string          `json:"visibility"`
	FeaturedImage  string          `json:"featuredImage"`
	Categories     []string        `json:"categories"`
	Tags           []string        `json:"tags"`
	SEOTitle       string          `json:"seoTitle"`
	SEODescription string          `json:"seoDescription"`
	Status         string          `json:"status"`
	Message        string          `json:"message"`
}

type PageInput struct {
	Title          string          `json:"title"`
	Slug           string          `json:"slug"`
	Excerpt        string          `json:"excerpt"`
	Content        json.RawMessage `json:"content"`
	ContentHTML    string          `json:"contentHtml"`
	Status         string          `json:"status"`
	Template       string          `json:"template"`
	ParentID       *string         `json:"parentId"`
	FeaturedImage  string          `json:"featuredImage"`
	SEOTitle       string          `json:"seoTitle"`
	SEODescription string          `json:"seoDescription"`
	Message        string          `json:"message"`
}

// BlockOp is one structural edit. Paths are child indexes from the root.
type BlockOp struct {
	Op     string         `json:"op"`
	Path   blocks.Path    `json:"path"`
	To     blocks.Path    `json:"to"`
	Parent blocks.Path    `json:"parent"`
	Index  *int           `json:"index"`
	Type   string         `json:"type"`
	Attrs  map[string]any `json:"attrs"`
	Node   *blocks.Node   `json:"node"`
}

// renderedDoc is a validated document with everything derived from it.
type renderedDoc struct {
	doc         blocks.Node
	raw         json.RawMessage
	html        string
	words       int
	readingTime int
}

func (s *Service) prepareDocument(raw json.RawMessage, sourceHTML string) (renderedDoc, error) {
	var (
		doc blocks.Node
		err error
	)
	if len(strings.TrimSpace(string(raw))) == 0 && strings.TrimSpace(sourceHTML) != "" {
		doc, err = blocks.ParseHTML(s.blocks, sourceHTML)
	} else {
		doc, err = blocks.Decode(raw)
	}
	if err != nil {
		return renderedDoc{}, err
	}
	return s.renderDocument(doc)
}

func (s *Service) renderDocument(doc blocks.Node) (renderedDoc, error) {
	if err := blocks.Validate(s.blocks, doc); err != nil {
		return renderedDoc{}, err
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return renderedDoc{}, fmt.Errorf("encode document: %w", err)
	}
	words := blocks.WordCount(doc)
	return renderedDoc{
		doc:         doc,
		raw:         encoded,
		html:        blocks.RenderHTML(s.blocks, doc),
		words:       words,
		readingTime: blocks.ReadingTime(words),
	}, nil
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func (s *Service) canEditPost(session Session, post store.Post) bool {
	role := rbac.Normalize(session.Role)
	if !rbac.Can(role, rbac.ActionWrite) {
		return false
	}
	return rbac.CanEditAny(role) || post.AuthorID == session.UserID
}

// Posts

func (s *Service) ListPosts(ctx context.Context, session Session, filter store.ContentFilter) (map[string]any, error) {
	if filter.AuthorID == "mine" {
		filter.AuthorID = session.UserID
	}
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	posts, total, err := s.store.ListPosts(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(posts))
	for _, post := range posts {
		items = append(items, postSummary(post))
	}
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	}, nil
}

func (s *Service) GetPost(ctx context.Context, id string) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	return postPayload(post), nil
}

func (s *Service) CreatePost(ctx context.Context, session Session, in PostInput) (map[string]any, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationError("title", "is required")
	}
	visibility, err := postVisibility(in.Visibility)
	if err != nil {
		return nil, err
	}
	rendered, err := s.prepareDocument(in.Content, in.ContentHTML)
	if err != nil {
		return nil, err
	}

	id := util.NewID("post")
	slug, err := util.UniqueSlug(util.Slugify(firstNonBlank(in.Slug, title)), func(candidate string) (bool, error) {
		return s.store.PostSlugTaken(ctx, candidate, id)
	})
	if err != nil {
		return nil, err
	}

	post := store.Post{
		ID:             id,
		Title:          title,
		Slug:           slug,
		Excerpt:        firstNonBlank(in.Excerpt, blocks.Excerpt(rendered.doc, excerptLength)),
		Content:        rendered.raw,
		ContentHTML:    rendered.html,
		Status:         StatusDraft,
		Visibility:     visibility,
		FeaturedImage:  strings.TrimSpace(in.FeaturedImage),
		AuthorID:       session.UserID,
		AuthorName:     session.UserName,
		Categories:     normalizeList(in.Categories),
		Tags:           normalizeList(in.Tags),
		SEOTitle:       strings.TrimSpace(in.SEOTitle),
		SEODescription: strings.TrimSpace(in.SEODescription),
		ReadingTime:    rendered.readingTime,
		WordCount:      rendered.words,
	}
	if err := s.store.InsertPost(ctx, post); err != nil {
		return nil, err
	}

	rev, err := s.commitPost(ctx, post, session, firstNonBlank(in.Message, "Create post"))
	if err != nil {
		return nil, err
	}
	s.indexPost(post)

	saved, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := postPayload(saved)
	payload["revision"] = rev
	return payload, nil
}

func (s *Service) UpdatePost(ctx context.Context, session Session, id string, in PostInput) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canEditPost(session, post) {
		return nil, errForbidden
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, validationError("title", "is required")
	}
	visibility, err := postVisibility(firstNonBlank(in.Visibility, post.Visibility))
	if err != nil {
		return nil, err
	}
	if status := strings.TrimSpace(in.Status); status != "" && status != post.Status {
		if status != StatusArchived && status != StatusDraft {
			return nil, validationError("status", "must change through publish, unpublish or schedule")
		}
		if !s.Can(session.Role, rbac.ActionPublish) {
			return nil, errForbidden
		}
		post.Status = status
		if status == StatusDraft {
			post.ScheduledAt = nil
		}
	}

	content := in.Content
	if len(content) == 0 && strings.TrimSpace(in.ContentHTML) == "" {
		content = post.Content
	}
	rendered, err := s.prepareDocument(content, in.ContentHTML)
	if err != nil {
		return nil, err
	}

	slug := post.Slug
	if requested := util.Slugify(firstNonBlank(in.Slug, post.Slug, title)); requested != post.Slug {
		slug, err = util.UniqueSlug(requested, func(candidate string) (bool, error) {
			return s.store.PostSlugTaken(ctx, candidate, id)
		})
		if err != nil {
			return nil, err
		}
	}

	post.Title = title
	post.Slug = slug
	post.Excerpt = firstNonBlank(in.Excerpt, blocks.Excerpt(rendered.doc, excerptLength))
	post.Content = rendered.raw
	post.ContentHTML = rendered.html
	post.Visibility = visibility
	post.FeaturedImage = strings.TrimSpace(in.FeaturedImage)
	post.Categories = normalizeList(in.Categories)
	post.Tags = normalizeList(in.Tags)
	post.SEOTitle = strings.TrimSpace(in.SEOTitle)
	post.SEODescription = strings.TrimSpace(in.SEODescription)
	post.ReadingTime = rendered.readingTime
	post.WordCount = rendered.words

	if err := s.store.UpdatePost(ctx, post); err != nil {
		return nil, err
	}
	rev, err := s.commitPost(ctx, post, session, firstNonBlank(in.Message, "Update post"))
	if err != nil {
		return nil, err
	}
	s.indexPost(post)

	saved, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	payload := postPayload(saved)
	payload["revision"] = rev
	return payload, nil
}

func (s *Service) DeletePost(ctx context.Context, session Session, id string) error {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	if !s.canEditPost(session, post) {
		return errForbidden
	}
	deleted, err := s.store.DeletePost(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound
	}
	s.search.Remove(search.ResultPost, id)
	if err := s.revisions.Remove(revision.KindPost, id); err != nil {
		logging.FromContext(ctx).Warn("remove post history failed", zap.String("post_id", id), zap.Error(err))
	}
	return nil
}

func (s *Service) PublishPost(ctx context.Context, id string) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	publishedAt := post.PublishedAt
	if publishedAt == nil {
		now := s.now().UTC()
		publishedAt = &now
	}
	if err := s.store.SetPostStatus(ctx, id, StatusPublished, publishedAt, nil); err != nil {
		return nil, err
	}
	return s.reloadAndIndex(ctx, id)
}

func (s *Service) UnpublishPost(ctx context.Context, id string) (map[string]any, error) {
	if _, err := s.store.GetPost(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.SetPostStatus(ctx, id, StatusDraft, nil, nil); err != nil {
		return nil, err
	}
	return s.reloadAndIndex(ctx, id)
}

func (s *Service) SchedulePost(ctx context.Context, id string, at time.Time) (map[string]any, error) {
	if at.IsZero() {
		return nil, validationError("scheduledAt", "is required")
	}
	if !at.After(s.now()) {
		return nil, validationError("scheduledAt", "must be in the future")
	}
	if _, err := s.store.GetPost(ctx, id); err != nil {
		return nil, err
	}
	scheduledAt := at.UTC()
	if err := s.store.SetPostStatus(ctx, id, StatusScheduled, nil, &scheduledAt); err != nil {
		return nil, err
	}
	return s.reloadAndIndex(ctx, id)
}

// PublishDuePosts publishes scheduled posts whose time has come.
func (s *Service) PublishDuePosts(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.DuePosts(ctx, now)
	if err != nil {
		return 0, err
	}
	published := 0
	for _, post := range due {
		publishedAt := now
		if post.ScheduledAt != nil {
			publishedAt = post.ScheduledAt.UTC()
		}
		if err := s.store.SetPostStatus(ctx, post.ID, StatusPublished, &publishedAt, nil); err != nil {
			return published, fmt.Errorf("publish %s: %w", post.ID, err)
		}
		post.Status = StatusPublished
		s.indexPost(post)
		published++
	}
	return published, nil
}

func (s *Service) reloadAndIndex(ctx context.Context, id string) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	s.indexPost(post)
	return postPayload(post), nil
}

// AutosavePost stores draft content without creating a revision.
func (s *Service) AutosavePost(ctx context.Context, session Session, id string, content json.RawMessage, contentHTML string) (map[string]any, error) {
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canEditPost(session, post) {
		return nil, errForbidden
	}
	rendered, err := s.prepareDocument(content, contentHTML)
	if err != nil {
		return nil, err
	}
	return s.autosave(ctx, id, rendered)
}

func (s *Service) autosave(ctx context.Context, id string, rendered renderedDoc) (map[string]any, error) {
	savedAt, err := s.store.AutosavePost(ctx, id, rendered.raw, rendered.html, rendered.words, rendered.readingTime)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":          id,
		"content":     rendered.raw,
		"contentHtml": rendered.html,
		"wordCount":   rendered.words,
		"readingTime": rendered.readingTime,
		"autosavedAt": savedAt.UTC().Format(time.RFC3339),
	}, nil
}

// ApplyBlockOps runs structural edits against the stored content in order
// and saves the result the way autosave does. Nothing is stored if any
// operation fails.
func (s *Service) ApplyBlockOps(ctx context.Context, session Session, id string, ops []BlockOp) (map[string]any, error) {
	if len(ops) == 0 {
		return nil, validationError("ops", "at least one operation is required")
	}
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canEditPost(session, post) {
		return nil, errForbidden
	}
	doc, err := blocks.Decode(post.Content)
	if err != nil {
		return nil, err
	}
	for i, op := range ops {
		doc, err = s.applyBlockOp(doc, op)
		if err != nil {
			return nil, fmt.Errorf("operation %d (%s): %w", i, op.Op, err)
		}
	}
	rendered, err := s.renderDocument(doc)
	if err != nil {
		return nil, err
	}
	return s.autosave(ctx, id, rendered)
}

func (s *Service) applyBlockOp(doc blocks.Node, op BlockOp) (blocks.Node, error) {
	switch op.Op {
	case "insert":
		node, err := s.blockFromOp(op)
		if err != nil {
			return blocks.Node{}, err
		}
		index := -1
		if op.Index != nil {
			index = *op.Index
		}
		return blocks.Insert(doc, op.Parent, index, node)
	case "delete":
		return blocks.Delete(doc, op.Path)
	case "duplicate":
		return blocks.Duplicate(doc, op.Path)
	case "move":
		return blocks.Move(doc, op.Path, op.To)
	case "moveUp":
		return blocks.MoveUp(doc, op.Path)
	case "moveDown":
		return blocks.MoveDown(doc, op.Path)
	default:
		return blocks.Node{}, validationError("op", "must be one of insert, delete, duplicate, move, moveUp, moveDown")
	}
}

func (s *Service) blockFromOp(op BlockOp) (blocks.Node, error) {
	if op.Type != "" {
		return s.blocks.Create(op.Type, op.Attrs)
	}
	if op.Node != nil {
		return *op.Node, nil
	}
	return blocks.Node{}, validationError("type", "insert needs a block type or node")
}

// Revisions

func (s *Service) commitPost(ctx context.Context, post store.Post, session Session, message string) (map[string]any, error) {
	rev, created, err := s.revisions.Commit(revision.KindPost, post.ID, postSnapshot(post), firstNonBlank(session.UserName, session.UserID), message)
	if err != nil {
		return nil, fmt.Errorf("commit post revision: %w", err)
	}
	if !created {
		logging.FromContext(ctx).Debug("post unchanged, no revision", zap.String("post_id", post.ID))
	}
	return revisionPayload(rev, created), nil
}

func (s *Service) commitPage(ctx context.Context, page store.Page, session Session, message string) (map[string]any, error) {
	rev, created, err := s.revisions.Commit(revision.KindPage, page.ID, pageSnapshot(page), firstNonBlank(session.UserName, session.UserID), message)
	if err != nil {
		return nil, fmt.Errorf("commit page revision: %w", err)
	}
	if !created {
		logging.FromContext(ctx).Debug("page unchanged, no revision", zap.String("page_id", page.ID))
	}
	return revisionPayload(rev, created), nil
}

func (s *Service) Revisions(ctx context.Context, kind, id string) (map[string]any, error) {
	if err := s.ensureExists(ctx, kind, id); err != nil {
		return nil, err
	}
	history, err := s.revisions.History(kind, id, revisionsLimit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"items": history}, nil
}

// Revision returns one snapshot and what changed between it and the
// current content.
func (s *Service) Revision(ctx context.Context, kind, id, hash string) (map[string]any, error) {
	current, err := s.currentSnapshot(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	snap, rev, err := s.revisions.Get(kind, id, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"revision": rev,
		"snapshot": snap,
		"changes":  revision.Changes(snap, current),
	}, nil
}

// RestoreRevision writes an old snapshot back as the current content. The
// restore is itself a new revision.
func (s *Service) RestoreRevision(ctx context.Context, session Session, kind, id, hash string) (map[string]any, error) {
	snap, rev, err := s.revisions.Get(kind, id, hash)
	if err != nil {
		return nil, err
	}
	message := "Restore revision " + shortHash(rev.Hash)

	switch kind {
	case revision.KindPost:
		post, err := s.store.GetPost(ctx, id)
		if err != nil {
			return nil, err
		}
		if !s.canEditPost(session, post) {
			return nil, errForbidden
		}
		return s.UpdatePost(ctx, session, id, PostInput{
			Title:          snap.Title,
			Slug:           snap.Slug,
			Excerpt:        snap.Excerpt,
			Content:        snap.Content,
			Visibility:     post.Visibility,
			FeaturedImage:  snap.FeaturedImage,
			Categories:     snap.Categories,
			Tags:           snap.Tags,
			SEOTitle:       snap.SEOTitle,
			SEODescription: snap.SEODescription,
			Message:        message,
		})
	case revision.KindPage:
		page, err := s.store.GetPage(ctx, id)
		if err != nil {
			return nil, err
		}
		return s.UpdatePage(ctx, session, id, PageInput{
			Title:          snap.Title,
			Slug:           snap.Slug,
			Excerpt:        snap.Excerpt,
			Content:        snap.Content,
			Status:         page.Status,
			Template:       firstNonBlank(snap.Template, page.Template),
			ParentID:       page.ParentID,
			FeaturedImage:  snap.FeaturedImage,
			SEOTitle:       snap.SEOTitle,
			SEODescription: snap.SEODescription,
			Message:        message,
		})
	}
	return nil, errNotFound
}

func (s *Service) ensureExists(ctx context.Context, kind, id string) error {
	_, err := s.currentSnapshot(ctx, kind, id)
	return err
}

func (s *Service) currentSnapshot(ctx context.Context, kind, id string) (revision.Snapshot, error) {
	switch kind {
	case revision.KindPost:
		post, err := s.store.GetPost(ctx, id)
		if err != nil {
			return revision.Snapshot{}, err
		}
		return postSnapshot(post), nil
	case revision.KindPage:
		page, err := s.store.GetPage(ctx, id)
		if err != nil {
			return revision.Snapshot{}, err
		}
		return pageSnapshot(page), nil
	}
	return revision.Snapshot{}, errNotFound
}

func postSnapshot(post store.Post) revision.Snapshot {
	return revision.Snapshot{
		Title:          post.Title,
		Slug:           post.Slug,
		Excerpt:        post.Excerpt,
		SEOTitle:       post.SEOTitle,
		SEODescription: post.SEODescription,
		FeaturedImage:  post.FeaturedImage,
		Categories:     post.Categories,
		Tags:           post.Tags,
		Content:        post.Content,
	}
}

func pageSnapshot(page store.Page) revision.Snapshot {
	return revision.Snapshot{
		Title:          page.Title,
		Slug:           page.Slug,
		Excerpt:        page.Excerpt,
		SEOTitle:       page.SEOTitle,
		SEODescription: page.SEODescription,
		FeaturedImage:  page.FeaturedImage,
		Template:       page.Template,
		Content:        page.Content,
	}
}

func revisionPayload(rev revision.Revision, created bool) map[string]any {
	return map[string]any{
		"hash":      rev.Hash,
		"message":   rev.Message,
		"author":    rev.Author,
		"createdAt": rev.CreatedAt.UTC().Format(time.RFC3339),
		"created":   created,
	}
}

func shortHash(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

// Export

func (s *Service) ExportPost(ctx context.Context, id, rawFormat string) (*export.Result, error) {
	if s.export == nil {
		return nil, unavailable("export")
	}
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, err
	}
	post, err := s.store.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	doc, err := blocks.Decode(post.Content)
	if err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Document{
		Title:         post.Title,
		Excerpt:       post.Excerpt,
		Author:        post.AuthorName,
		FeaturedImage: post.FeaturedImage,
		Categories:    post.Categories,
		Tags:          post.Tags,
		PublishedAt:   post.PublishedAt,
		UpdatedAt:     post.UpdatedAt,
		Content:       doc,
	}, format)
}

// Pages

func (s *Service) ListPages(ctx context.Context, filter store.ContentFilter) (map[string]any, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 20
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	pages, total, err := s.store.ListPages(ctx, filter)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(pages))
	for _, page := range pages {
		items = append(items, pageSummary(page))
	}
	return map[string]any{
		"items":  items,
		"total":  total,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	}, nil
}

func (s *Service) GetPage(ctx context.Context, id string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	return pagePayload(page), nil
}

func (s *Service) CreatePage(ctx context.Context, session Session, in PageInput) (map[string]any, error) {
	id := util.NewID("page")
	page, err := s.pageFromInput(ctx, store.Page{ID: id, AuthorID: session.UserID, Status: StatusDraft}, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertPage(ctx, page); err != nil {
		return nil, err
	}
	return s.afterPageSave(ctx, session, page, firstNonBlank(in.Message, "Create page"))
}

func (s *Service) UpdatePage(ctx context.Context, session Session, id string, in PageInput) (map[string]any, error) {
	existing, err := s.store.GetPage(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(in.Content) == 0 && strings.TrimSpace(in.ContentHTML) == "" {
		in.Content = existing.Content
	}
	page, err := s.pageFromInput(ctx, existing, in)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePage(ctx, page); err != nil {
		return nil, err
	}
	return s.afterPageSave(ctx, session, page, firstNonBlank(in.Message, "Update page"))
}

func (s *Service) pageFromInput(ctx context.Context, page store.Page, in PageInput) (store.Page, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Page{}, validationError("title", "is required")
	}
	status := firstNonBlank(in.Status, page.Status, StatusDraft)
	if _, ok := allowedPageStatus[status]; !ok {
		return store.Page{}, validationError("status", "must be draft, published or archived")
	}
	if in.ParentID != nil && *in.ParentID != "" {
		if *in.ParentID == page.ID {
			return store.Page{}, validationError("parentId", "cannot be the page itself")
		}
		if _, err := s.store.GetPage(ctx, *in.ParentID); err != nil {
			if store.IsNotFound(err) {
				return store.Page{}, validationError("parentId", "does not exist")
			}
			return store.Page{}, err
		}
	} else {
		in.ParentID = nil
	}
	rendered, err := s.prepareDocument(in.Content, in.ContentHTML)
	if err != nil {
		return store.Page{}, err
	}

	slug := page.Slug
	if requested := util.Slugify(firstNonBlank(in.Slug, page.Slug, title)); requested != page.Slug {
		slug, err = util.UniqueSlug(requested, func(candidate string) (bool, error) {
			return s.store.PageSlugTaken(ctx, candidate, page.ID)
		})
		if err != nil {
			return store.Page{}, err
		}
	}

	if status == StatusPublished && page.PublishedAt == nil {
		now := s.now().UTC()
		page.PublishedAt = &now
	}
	page.Title = title
	page.Slug = slug
	page.Excerpt = firstNonBlank(in.Excerpt, blocks.Excerpt(rendered.doc, excerptLength))
	page.Content = rendered.raw
	page.ContentHTML = rendered.html
	page.Status = status
	page.Template = firstNonBlank(in.Template, page.Template, defaultTemplate)
	page.ParentID = in.ParentID
	page.FeaturedImage = strings.TrimSpace(in.FeaturedImage)
	page.SEOTitle = strings.TrimSpace(in.SEOTitle)
	page.SEODescription = strings.TrimSpace(in.SEODescription)
	return page, nil
}

func (s *Service) afterPageSave(ctx context.Context, session Session, page store.Page, message string) (map[string]any, error) {
	rev, err := s.commitPage(ctx, page, session, message)
	if err != nil {
		return nil, err
	}
	s.search.IndexPage(search.PageRecord{
		ID:     page.ID,
		Title:  page.Title,
		Slug:   page.Slug,
		Body:   plainText(page.Content),
		Status: page.Status,
	})
	saved, err := s.store.GetPage(ctx, page.ID)
	if err != nil {
		return nil, err
	}
	payload := pagePayload(saved)
	payload["revision"] = rev
	return payload, nil
}

func (s *Service) DeletePage(ctx context.Context, id string) error {
	deleted, err := s.store.DeletePage(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound
	}
	s.search.Remove(search.ResultPage, id)
	if err := s.revisions.Remove(revision.KindPage, id); err != nil {
		logging.FromContext(ctx).Warn("remove page history failed", zap.String("page_id", id), zap.Error(err))
	}
	return nil
}

// Public reads

// Viewer describes who is reading a public post.
type Viewer struct {
	Session    *Session
	VisitorKey string
}

// PublicPost returns a published post, or only its teaser when the paywall
// denies the read.
func (s *Service) PublicPost(ctx context.Context, slug string, viewer Viewer) (map[string]any, error) {
	post, err := s.store.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if post.Status != StatusPublished || post.PublishedAt == nil || post.PublishedAt.After(s.now()) {
		return nil, errNotFound
	}

	pv := paywall.Viewer{VisitorKey: viewer.VisitorKey}
	if viewer.Session != nil {
		pv.UserID = viewer.Session.UserID
		pv.Role = rbac.Normalize(viewer.Session.Role)
		if s.billing != nil && post.Visibility == paywall.VisibilityPaid {
			active, err := s.billing.HasActiveSubscription(ctx, viewer.Session.UserID)
			if err != nil {
				return nil, err
			}
			pv.ActiveSubscription = active
		}
	}
	decision := s.paywall.Decide(ctx, post.Visibility, post.ID, pv)

	payload := map[string]any{
		"id":             post.ID,
		"title":          post.Title,
		"slug":           post.Slug,
		"excerpt":        post.Excerpt,
		"visibility":     post.Visibility,
		"featuredImage":  post.FeaturedImage,
		"authorName":     post.AuthorName,
		"categories":     nonNilList(post.Categories),
		"tags":           nonNilList(post.Tags),
		"seoTitle":       firstNonBlank(post.SEOTitle, post.Title),
		"seoDescription": firstNonBlank(post.SEODescription, post.Excerpt),
		"readingTime":    post.ReadingTime,
		"publishedAt":    timeValue(post.PublishedAt),
		"paywall":        decision,
	}
	if decision.Allowed {
		payload["contentHtml"] = post.ContentHTML
	} else {
		payload["teaser"] = post.Excerpt
	}
	return payload, nil
}

// Search indexing

func (s *Service) indexPost(post store.Post) {
	s.search.IndexPost(search.PostRecord{
		ID:         post.ID,
		Title:      post.Title,
		Slug:       post.Slug,
		Excerpt:    post.Excerpt,
		Body:       plainText(post.Content),
		Status:     post.Status,
		Visibility: post.Visibility,
		AuthorID:   post.AuthorID,
		Categories: post.Categories,
		Tags:       post.Tags,
	})
}

func plainText(raw json.RawMessage) string {
	doc, err := blocks.Decode(raw)
	if err != nil {
		return ""
	}
	return blocks.PlainText(doc)
}

func postVisibility(value string) (string, error) {
	visibility := strings.ToLower(firstNonBlank(value, paywall.VisibilityPublic))
	if _, ok := allowedVisibility[visibility]; !ok {
		return "", validationError("visibility", "must be public, members or paid")
	}
	return visibility, nil
}

// Payloads

func postSummary(post store.Post) map[string]any {
	return map[string]any{
		"id":            post.ID,
		"title":         post.Title,
		"slug":          post.Slug,
		"excerpt":       post.Excerpt,
		"status":        post.Status,
		"visibility":    post.Visibility,
		"featuredImage": post.FeaturedImage,
		"authorId":      post.AuthorID,
		"authorName":    post.AuthorName,
		"categories":    nonNilList(post.Categories),
		"tags":          nonNilList(post.Tags),
		"readingTime":   post.ReadingTime,
		"publishedAt":   timeValue(post.PublishedAt),
		"scheduledAt":   timeValue(post.ScheduledAt),
		"updatedAt":     post.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func postPayload(post store.Post) map[string]any {
	payload := postSummary(post)
	payload["content"] = rawOrEmptyDoc(post.Content)
	payload["contentHtml"] = post.ContentHTML
	payload["seoTitle"] = post.SEOTitle
	payload["seoDescription"] = post.SEODescription
	payload["wordCount"] = post.WordCount
	payload["autosavedAt"] = timeValue(post.AutosavedAt)
	payload["createdAt"] = post.CreatedAt.UTC().Format(time.RFC3339)
	return payload
}

func pageSummary(page store.Page) map[string]any {
	return map[string]any{
		"id":          page.ID,
		"title":       page.Title,
		"slug":        page.Slug,
		"excerpt":     page.Excerpt,
		"status":      page.Status,
		"template":    page.Template,
		"parentId":    page.ParentID,
		"authorId":    page.AuthorID,
		"publishedAt": timeValue(page.PublishedAt),
		"updatedAt":   page.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func pagePayload(page store.Page) map[string]any {
	payload := pageSummary(page)
	payload["content"] = rawOrEmptyDoc(page.Content)
	payload["contentHtml"] = page.ContentHTML
	payload["featuredImage"] = page.FeaturedImage
	payload["seoTitle"] = page.SEOTitle
	payload["seoDescription"] = page.SEODescription
	payload["createdAt"] = page.CreatedAt.UTC().Format(time.RFC3339)
	return payload
}

func rawOrEmptyDoc(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{"type":"doc","content":[]}`)
	}
	return raw
}

func nonNilList(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
