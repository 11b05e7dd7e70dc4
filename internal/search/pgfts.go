package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"success/api/internal/blocks"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL across posts and pages ranked with ts_rank.
// Contacts have no tsvector and match by substring with a fixed low rank.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "websearch_to_tsquery('english', $1)"
	args := []any{q.Text}
	statusFilter := ""
	if q.Status != "" && (includes(q, ResultPost) || includes(q, ResultPage)) {
		args = append(args, q.Status)
		statusFilter = fmt.Sprintf(" AND status = $%d", len(args))
	}

	var subQueries []string
	if includes(q, ResultPost) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'post'::text AS type, id, title,
				ts_headline('english', coalesce(excerpt, ''), %[1]s, 'MaxFragments=1,MaxWords=30') AS snippet,
				slug, status, ts_rank(search_vector, %[1]s) AS rank
			FROM posts
			WHERE search_vector @@ %[1]s%[2]s`, tsQuery, statusFilter))
	}
	if includes(q, ResultPage) {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'page'::text AS type, id, title,
				ts_headline('english', regexp_replace(coalesce(content_html, ''), '<[^>]+>', ' ', 'g'), %[1]s,
					'MaxFragments=1,MaxWords=30') AS snippet,
				slug, status, ts_rank(search_vector, %[1]s) AS rank
			FROM pages
			WHERE search_vector @@ %[1]s%[2]s`, tsQuery, statusFilter))
	}
	if includes(q, ResultContact) {
		subQueries = append(subQueries, `
			SELECT 'contact'::text AS type, id,
				coalesce(nullif(trim(first_name || ' ' || last_name), ''), email) AS title,
				trim(email || ' ' || company) AS snippet,
				''::text AS slug, status, 0.01::real AS rank
			FROM contacts
			WHERE email ILIKE '%' || $1::text || '%'
				OR (first_name || ' ' || last_name) ILIKE '%' || $1::text || '%'
				OR company ILIKE '%' || $1::text || '%'`)
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	var total int
	if err := p.db.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM (%s) sub", union), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT type, id, title, snippet, slug, status
		FROM (%s) sub
		ORDER BY rank DESC, title
		LIMIT %d OFFSET %d`, union, limit, offset), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r   Result
			typ string
		)
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Slug, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every searchable record for a full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PostRecord, []PageRecord, []ContactRecord, error) {
	postRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, slug, excerpt, content, status, visibility, author_id, categories, tags FROM posts
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load posts: %w", err)
	}
	defer postRows.Close()

	posts := make([]PostRecord, 0)
	for postRows.Next() {
		var (
			r                PostRecord
			content          []byte
			categories, tags []byte
		)
		if err := postRows.Scan(&r.ID, &r.Title, &r.Slug, &r.Excerpt, &content, &r.Status, &r.Visibility, &r.AuthorID, &categories, &tags); err != nil {
			return nil, nil, nil, fmt.Errorf("scan post: %w", err)
		}
		r.Body = plainText(content)
		_ = json.Unmarshal(categories, &r.Categories)
		_ = json.Unmarshal(tags, &r.Tags)
		posts = append(posts, r)
	}
	if err := postRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate posts: %w", err)
	}

	pageRows, err := p.db.QueryContext(ctx, `SELECT id, title, slug, content, status FROM pages`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load pages: %w", err)
	}
	defer pageRows.Close()

	pages := make([]PageRecord, 0)
	for pageRows.Next() {
		var (
			r       PageRecord
			content []byte
		)
		if err := pageRows.Scan(&r.ID, &r.Title, &r.Slug, &content, &r.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan page: %w", err)
		}
		r.Body = plainText(content)
		pages = append(pages, r)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate pages: %w", err)
	}

	contactRows, err := p.db.QueryContext(ctx, `
		SELECT id, email, trim(first_name || ' ' || last_name), company, array_to_json(tags)::text, status FROM contacts
	`)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load contacts: %w", err)
	}
	defer contactRows.Close()

	contacts := make([]ContactRecord, 0)
	for contactRows.Next() {
		var (
			r    ContactRecord
			tags string
		)
		if err := contactRows.Scan(&r.ID, &r.Email, &r.Name, &r.Company, &tags, &r.Status); err != nil {
			return nil, nil, nil, fmt.Errorf("scan contact: %w", err)
		}
		_ = json.Unmarshal([]byte(tags), &r.Tags)
		contacts = append(contacts, r)
	}
	if err := contactRows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("iterate contacts: %w", err)
	}

	return posts, pages, contacts, nil
}

func plainText(content []byte) string {
	doc, err := blocks.Decode(content)
	if err != nil {
		return ""
	}
	return blocks.PlainText(doc)
}
