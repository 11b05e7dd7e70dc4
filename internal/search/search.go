package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultPost    ResultType = "post"
	ResultPage    ResultType = "page"
	ResultContact ResultType = "contact"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	Slug    string     `json:"slug,omitempty"`
	Status  string     `json:"status,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Status     string
	Limit      int
	Offset     int
	// IncludeContacts is set only for callers allowed to see CRM data.
	IncludeContacts bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexPosts(posts []PostRecord) error
	IndexPages(pages []PageRecord) error
	IndexContacts(contacts []ContactRecord) error
	Delete(kind ResultType, id string) error
}

// Engine is a search backend that also maintains its own index.
type Engine interface {
	Searcher
	Indexer
}

type PostRecord struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Slug       string   `json:"slug"`
	Excerpt    string   `json:"excerpt"`
	Body       string   `json:"body"`
	Status     string   `json:"status"`
	Visibility string   `json:"visibility"`
	AuthorID   string   `json:"authorId"`
	Categories []string `json:"categories"`
	Tags       []string `json:"tags"`
}

type PageRecord struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Slug   string `json:"slug"`
	Body   string `json:"body"`
	Status string `json:"status"`
}

type ContactRecord struct {
	ID      string   `json:"id"`
	Email   string   `json:"email"`
	Name    string   `json:"name"`
	Company string   `json:"company"`
	Tags    []string `json:"tags"`
	Status  string   `json:"status"`
}

func includes(q Query, typ ResultType) bool {
	if typ == ResultContact && !q.IncludeContacts {
		return false
	}
	return q.FilterType == "" || q.FilterType == typ
}
