package search

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Service tries the search engine first and falls back to Postgres FTS.
type Service struct {
	engine   Engine
	fallback Searcher
	loader   RecordLoader
	logger   *zap.Logger
	pending  sync.WaitGroup
}

// RecordLoader reads every searchable entity for a full reindex.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]PostRecord, []PageRecord, []ContactRecord, error)
}

// NewService creates a search service. engine may be nil when Meilisearch is
// not configured.
func NewService(engine Engine, pgfts *PgFTS, logger *zap.Logger) *Service {
	s := &Service{engine: engine, logger: logger.Named("search")}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.engineReady() {
		results, total, err := s.engine.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn("meilisearch error, falling back to postgres", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text, Engine: "none"}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("postgres search failed", zap.Error(err))
		return Response{Results: []Result{}, Query: q.Text, Engine: "postgres"}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexPost pushes a post to the engine in the background.
func (s *Service) IndexPost(post PostRecord) {
	s.async("index post", post.ID, func(e Engine) error { return e.IndexPosts([]PostRecord{post}) })
}

func (s *Service) IndexPage(page PageRecord) {
	s.async("index page", page.ID, func(e Engine) error { return e.IndexPages([]PageRecord{page}) })
}

func (s *Service) IndexContact(contact ContactRecord) {
	s.async("index contact", contact.ID, func(e Engine) error { return e.IndexContacts([]ContactRecord{contact}) })
}

func (s *Service) Remove(kind ResultType, id string) {
	s.async("remove "+string(kind), id, func(e Engine) error { return e.Delete(kind, id) })
}

// ReindexAll loads every record from Postgres and pushes it to the engine.
func (s *Service) ReindexAll(ctx context.Context) error {
	if !s.engineReady() || s.loader == nil {
		return nil
	}
	posts, pages, contacts, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	if err := s.engine.IndexPosts(posts); err != nil {
		return err
	}
	if err := s.engine.IndexPages(pages); err != nil {
		return err
	}
	if err := s.engine.IndexContacts(contacts); err != nil {
		return err
	}
	s.logger.Info("reindexed search engine",
		zap.Int("posts", len(posts)), zap.Int("pages", len(pages)), zap.Int("contacts", len(contacts)))
	return nil
}

// Wait blocks until background index updates have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) engineReady() bool {
	return s.engine != nil && s.engine.Healthy()
}

func (s *Service) async(op, id string, fn func(Engine) error) {
	if !s.engineReady() {
		return
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if err := fn(s.engine); err != nil {
			s.logger.Warn(op+" failed", zap.String("id", id), zap.Error(err))
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
