package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func encodeList(items []string) []byte {
	if items == nil {
		items = []string{}
	}
	raw, _ := json.Marshal(items)
	return raw
}

func decodeList(raw []byte) []string {
	items := make([]string, 0)
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &items)
	}
	return items
}

func documentJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{"type":"doc"}`)
	}
	return raw
}

// Users

const userColumns = `id, display_name, email, password_hash, role, is_email_verified,
	verification_token, verification_expires_at, deactivated_at, created_at, updated_at`

func scanUser(row scanner) (User, error) {
	var (
		user        User
		token       sql.NullString
		expiresAt   sql.NullTime
		deactivated sql.NullTime
	)
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified,
		&token, &expiresAt, &deactivated, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	user.VerificationToken = token.String
	user.VerificationExpiresAt = nullTime(expiresAt)
	user.DeactivatedAt = nullTime(deactivated)
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	var token any
	if user.VerificationToken != "" {
		token = user.VerificationToken
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, token)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email=LOWER($1)`, email))
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateUserRole(ctx context.Context, id, role string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role=$2, updated_at=NOW() WHERE id=$1`, id, role)
	if err != nil {
		return false, fmt.Errorf("update user role: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) DeactivateUser(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET deactivated_at=COALESCE(deactivated_at, NOW()), updated_at=NOW() WHERE id=$1
	`, id)
	if err != nil {
		return false, fmt.Errorf("deactivate user: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE user_id=$1 AND revoked_at IS NULL`, id); err != nil {
		return false, fmt.Errorf("revoke sessions: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW() WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at) VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// Sessions

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// RevokeUserSessions revokes every live refresh session of a user.
func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE user_id=$1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.password_hash, u.role, u.is_email_verified,
			u.verification_token, u.verification_expires_at, u.deactivated_at, u.created_at, u.updated_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
			AND u.deactivated_at IS NULL
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Posts

const postColumns = `p.id, p.title, p.slug, p.excerpt, p.content, p.content_html, p.status, p.visibility,
	p.featured_image, p.author_id, COALESCE(u.display_name, ''), p.categories, p.tags, p.seo_title,
	p.seo_description, p.reading_time, p.word_count, p.published_at, p.scheduled_at, p.autosaved_at,
	p.created_at, p.updated_at`

func scanPost(row scanner, extra ...any) (Post, error) {
	var (
		post        Post
		content     []byte
		categories  []byte
		tags        []byte
		publishedAt sql.NullTime
		scheduledAt sql.NullTime
		autosavedAt sql.NullTime
	)
	dest := []any{&post.ID, &post.Title, &post.Slug, &post.Excerpt, &content, &post.ContentHTML, &post.Status, &post.Visibility,
		&post.FeaturedImage, &post.AuthorID, &post.AuthorName, &categories, &tags, &post.SEOTitle,
		&post.SEODescription, &post.ReadingTime, &post.WordCount, &publishedAt, &scheduledAt, &autosavedAt,
		&post.CreatedAt, &post.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Post{}, err
	}
	post.Content = json.RawMessage(content)
	post.Categories = decodeList(categories)
	post.Tags = decodeList(tags)
	post.PublishedAt = nullTime(publishedAt)
	post.ScheduledAt = nullTime(scheduledAt)
	post.AutosavedAt = nullTime(autosavedAt)
	return post, nil
}

// filterClause builds the WHERE clause shared by post and page listings.
func filterClause(filter ContentFilter, alias string, withTaxonomy bool) (string, []any) {
	conds := make([]string, 0)
	args := make([]any, 0)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Status != "" {
		add(alias+".status = $%d", filter.Status)
	}
	if filter.AuthorID != "" {
		add(alias+".author_id = $%d", filter.AuthorID)
	}
	if withTaxonomy && filter.Category != "" {
		add(alias+".categories ? $%d", filter.Category)
	}
	if withTaxonomy && filter.Tag != "" {
		add(alias+".tags ? $%d", filter.Tag)
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		add(alias+".search_vector @@ websearch_to_tsquery('english', $%d)", q)
	}

	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func pageBounds(filter ContentFilter) (int, int) {
	limit := filter.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListPosts returns one page of posts plus the total number of matches.
func (s *PostgresStore) ListPosts(ctx context.Context, filter ContentFilter) ([]Post, int, error) {
	where, args := filterClause(filter, "p", true)
	limit, offset := pageBounds(filter)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER()
		FROM posts p
		LEFT JOIN users u ON u.id = p.author_id
		%s
		ORDER BY p.updated_at DESC
		LIMIT $%d OFFSET $%d
	`, postColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	total := 0
	for rows.Next() {
		post, err := scanPost(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan post: %w", err)
		}
		items = append(items, post)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate posts: %w", err)
	}
	if len(items) == 0 && offset > 0 {
		// The window count is missing when the page is past the end.
		countQuery := `SELECT COUNT(*) FROM posts p LEFT JOIN users u ON u.id = p.author_id ` + where
		if err := s.db.QueryRowContext(ctx, countQuery, args[:len(args)-2]...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count posts: %w", err)
		}
	}
	return items, total, nil
}

func (s *PostgresStore) GetPost(ctx context.Context, id string) (Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+` FROM posts p LEFT JOIN users u ON u.id = p.author_id WHERE p.id=$1
	`, id))
}

func (s *PostgresStore) GetPostBySlug(ctx context.Context, slug string) (Post, error) {
	return scanPost(s.db.QueryRowContext(ctx, `
		SELECT `+postColumns+` FROM posts p LEFT JOIN users u ON u.id = p.author_id WHERE p.slug=$1
	`, slug))
}

// PostSlugTaken reports whether slug belongs to a post other than excludeID.
func (s *PostgresStore) PostSlugTaken(ctx context.Context, slug, excludeID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM posts WHERE slug=$1 AND id<>$2)`, slug, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check post slug: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (id, title, slug, excerpt, content, content_html, status, visibility, featured_image,
			author_id, categories, tags, seo_title, seo_description, reading_time, word_count, published_at, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, post.ID, post.Title, post.Slug, post.Excerpt, documentJSON(post.Content), post.ContentHTML, post.Status, post.Visibility,
		post.FeaturedImage, post.AuthorID, encodeList(post.Categories), encodeList(post.Tags), post.SEOTitle, post.SEODescription,
		post.ReadingTime, post.WordCount, post.PublishedAt, post.ScheduledAt)
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

// UpdatePost overwrites every editable column of an existing post.
func (s *PostgresStore) UpdatePost(ctx context.Context, post Post) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET title=$2, slug=$3, excerpt=$4, content=$5, content_html=$6, status=$7, visibility=$8,
			featured_image=$9, categories=$10, tags=$11, seo_title=$12, seo_description=$13, reading_time=$14,
			word_count=$15, published_at=$16, scheduled_at=$17, autosaved_at=NULL, updated_at=NOW()
		WHERE id=$1
	`, post.ID, post.Title, post.Slug, post.Excerpt, documentJSON(post.Content), post.ContentHTML, post.Status, post.Visibility,
		post.FeaturedImage, encodeList(post.Categories), encodeList(post.Tags), post.SEOTitle, post.SEODescription,
		post.ReadingTime, post.WordCount, post.PublishedAt, post.ScheduledAt)
	if err != nil {
		return fmt.Errorf("update post: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AutosavePost stores draft content without touching status or timestamps
// used for listings.
func (s *PostgresStore) AutosavePost(ctx context.Context, id string, content json.RawMessage, contentHTML string, wordCount, readingTime int) (time.Time, error) {
	var savedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE posts SET content=$2, content_html=$3, word_count=$4, reading_time=$5, autosaved_at=NOW()
		WHERE id=$1
		RETURNING autosaved_at
	`, id, documentJSON(content), contentHTML, wordCount, readingTime).Scan(&savedAt)
	if err != nil {
		return time.Time{}, err
	}
	return savedAt, nil
}

func (s *PostgresStore) SetPostStatus(ctx context.Context, id, status string, publishedAt, scheduledAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE posts SET status=$2, published_at=$3, scheduled_at=$4, updated_at=NOW() WHERE id=$1
	`, id, status, publishedAt, scheduledAt)
	if err != nil {
		return fmt.Errorf("set post status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeletePost(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete post: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DuePosts lists scheduled posts whose publish time has passed.
func (s *PostgresStore) DuePosts(ctx context.Context, now time.Time) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+postColumns+`
		FROM posts p LEFT JOIN users u ON u.id = p.author_id
		WHERE p.status='scheduled' AND p.scheduled_at <= $1
		ORDER BY p.scheduled_at
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due posts: %w", err)
	}
	defer rows.Close()

	items := make([]Post, 0)
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due post: %w", err)
		}
		items = append(items, post)
	}
	return items, rows.Err()
}

// Pages

const pageColumns = `g.id, g.title, g.slug, g.excerpt, g.content, g.content_html, g.status, g.template, g.parent_id,
	g.featured_image, g.author_id, g.seo_title, g.seo_description, g.published_at, g.created_at, g.updated_at`

func scanPage(row scanner, extra ...any) (Page, error) {
	var (
		page        Page
		content     []byte
		parentID    sql.NullString
		publishedAt sql.NullTime
	)
	dest := []any{&page.ID, &page.Title, &page.Slug, &page.Excerpt, &content, &page.ContentHTML, &page.Status, &page.Template,
		&parentID, &page.FeaturedImage, &page.AuthorID, &page.SEOTitle, &page.SEODescription, &publishedAt,
		&page.CreatedAt, &page.UpdatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return Page{}, err
	}
	page.Content = json.RawMessage(content)
	page.ParentID = nullString(parentID)
	page.PublishedAt = nullTime(publishedAt)
	return page, nil
}

func (s *PostgresStore) ListPages(ctx context.Context, filter ContentFilter) ([]Page, int, error) {
	where, args := filterClause(filter, "g", false)
	limit, offset := pageBounds(filter)
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) OVER()
		FROM pages g
		%s
		ORDER BY g.updated_at DESC
		LIMIT $%d OFFSET $%d
	`, pageColumns, where, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	total := 0
	for rows.Next() {
		page, err := scanPage(rows, &total)
		if err != nil {
			return nil, 0, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, page)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pages: %w", err)
	}
	if len(items) == 0 && offset > 0 {
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages g `+where, args[:len(args)-2]...).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count pages: %w", err)
		}
	}
	return items, total, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, id string) (Page, error) {
	return scanPage(s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages g WHERE g.id=$1`, id))
}

func (s *PostgresStore) PageSlugTaken(ctx context.Context, slug, excludeID string) (bool, error) {
	var taken bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM pages WHERE slug=$1 AND id<>$2)`, slug, excludeID).Scan(&taken)
	if err != nil {
		return false, fmt.Errorf("check page slug: %w", err)
	}
	return taken, nil
}

func (s *PostgresStore) InsertPage(ctx context.Context, page Page) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pages (id, title, slug, excerpt, content, content_html, status, template, parent_id,
			featured_image, author_id, seo_title, seo_description, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, page.ID, page.Title, page.Slug, page.Excerpt, documentJSON(page.Content), page.ContentHTML, page.Status, page.Template,
		page.ParentID, page.FeaturedImage, page.AuthorID, page.SEOTitle, page.SEODescription, page.PublishedAt)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePage(ctx context.Context, page Page) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pages SET title=$2, slug=$3, excerpt=$4, content=$5, content_html=$6, status=$7, template=$8,
			parent_id=$9, featured_image=$10, seo_title=$11, seo_description=$12, published_at=$13, updated_at=NOW()
		WHERE id=$1
	`, page.ID, page.Title, page.Slug, page.Excerpt, documentJSON(page.Content), page.ContentHTML, page.Status, page.Template,
		page.ParentID, page.FeaturedImage, page.SEOTitle, page.SEODescription, page.PublishedAt)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeletePage(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete page: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Media

const mediaColumns = `id, filename, object_key, mime_type, size_bytes, url, alt, caption, width, height, uploaded_by, created_at`

func scanMedia(row scanner) (Media, error) {
	var (
		item   Media
		width  sql.NullInt64
		height sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.Filename, &item.ObjectKey, &item.MimeType, &item.SizeBytes, &item.URL, &item.Alt,
		&item.Caption, &width, &height, &item.UploadedBy, &item.CreatedAt)
	if err != nil {
		return Media{}, err
	}
	if width.Valid {
		w := int(width.Int64)
		item.Width = &w
	}
	if height.Valid {
		h := int(height.Int64)
		item.Height = &h
	}
	return item, nil
}

func (s *PostgresStore) InsertMedia(ctx context.Context, item Media) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (id, filename, object_key, mime_type, size_bytes, url, alt, caption, width, height, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, item.ID, item.Filename, item.ObjectKey, item.MimeType, item.SizeBytes, item.URL, item.Alt, item.Caption,
		item.Width, item.Height, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMedia(ctx context.Context, id string) (Media, error) {
	return scanMedia(s.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media WHERE id=$1`, id))
}

// ListMedia filters by MIME prefix ("image/", "video/") when one is given.
func (s *PostgresStore) ListMedia(ctx context.Context, mimePrefix string, limit, offset int) ([]Media, error) {
	limit, offset = pageBounds(ContentFilter{Limit: limit, Offset: offset})
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mediaColumns+`
		FROM media
		WHERE $1 = '' OR mime_type LIKE $1 || '%'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, mimePrefix, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	items := make([]Media, 0)
	for rows.Next() {
		item, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMedia(ctx context.Context, id, alt, caption string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE media SET alt=$2, caption=$3 WHERE id=$1`, id, alt, caption)
	if err != nil {
		return false, fmt.Errorf("update media: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) DeleteMedia(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM media WHERE id=$1`, id)
	if err != nil {
		return false, fmt.Errorf("delete media: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Plans and subscriptions

const planColumns = `id, name, interval, price, currency, active, created_at`

func scanPlan(row scanner) (Plan, error) {
	var plan Plan
	err := row.Scan(&plan.ID, &plan.Name, &plan.Interval, &plan.Price, &plan.Currency, &plan.Active, &plan.CreatedAt)
	return plan, err
}

func (s *PostgresStore) ListPlans(ctx context.Context, includeInactive bool) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans WHERE active OR $1 ORDER BY price, name
	`, includeInactive)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	items := make([]Plan, 0)
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		items = append(items, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id string) (Plan, error) {
	return scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=$1`, id))
}

func (s *PostgresStore) InsertPlan(ctx context.Context, plan Plan) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, interval, price, currency, active) VALUES ($1, $2, $3, $4, $5, $6)
	`, plan.ID, plan.Name, plan.Interval, plan.Price, plan.Currency, plan.Active)
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

const subscriptionColumns = `id, user_id, plan_id, status, current_period_end, cancel_at_period_end, provider_ref, created_at, updated_at`

func scanSubscription(row scanner) (Subscription, error) {
	var (
		sub       Subscription
		periodEnd sql.NullTime
	)
	err := row.Scan(&sub.ID, &sub.UserID, &sub.PlanID, &sub.Status, &periodEnd, &sub.CancelAtPeriodEnd, &sub.ProviderRef,
		&sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return Subscription{}, err
	}
	sub.CurrentPeriodEnd = nullTime(periodEnd)
	return sub, nil
}

// GetSubscriptionByUser returns the user's most recently updated subscription.
func (s *PostgresStore) GetSubscriptionByUser(ctx context.Context, userID string) (Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id=$1 ORDER BY updated_at DESC LIMIT 1
	`, userID))
}

func (s *PostgresStore) GetSubscriptionByProviderRef(ctx context.Context, ref string) (Subscription, error) {
	return scanSubscription(s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_ref=$1
	`, ref))
}

// UpsertSubscription inserts or replaces the subscription keyed by provider reference.
func (s *PostgresStore) UpsertSubscription(ctx context.Context, sub Subscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, user_id, plan_id, status, current_period_end, cancel_at_period_end, provider_ref)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_ref) DO UPDATE SET
			plan_id=EXCLUDED.plan_id,
			status=EXCLUDED.status,
			current_period_end=EXCLUDED.current_period_end,
			cancel_at_period_end=EXCLUDED.cancel_at_period_end,
			updated_at=NOW()
	`, sub.ID, sub.UserID, sub.PlanID, sub.Status, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.ProviderRef)
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET cancel_at_period_end=$2, updated_at=NOW() WHERE id=$1
	`, id, cancel)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) ListActiveSubscriptions(ctx context.Context) ([]ActiveSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.plan_id, s.status, s.current_period_end, s.cancel_at_period_end, s.provider_ref,
			s.created_at, s.updated_at,
			p.id, p.name, p.interval, p.price, p.currency, p.active, p.created_at
		FROM subscriptions s
		JOIN plans p ON p.id = s.plan_id
		WHERE s.status IN ('active', 'trialing', 'past_due')
	`)
	if err != nil {
		return nil, fmt.Errorf("list active subscriptions: %w", err)
	}
	defer rows.Close()

	items := make([]ActiveSubscription, 0)
	for rows.Next() {
		var (
			item      ActiveSubscription
			periodEnd sql.NullTime
		)
		err := rows.Scan(&item.ID, &item.UserID, &item.PlanID, &item.Status, &periodEnd, &item.CancelAtPeriodEnd,
			&item.ProviderRef, &item.CreatedAt, &item.UpdatedAt,
			&item.Plan.ID, &item.Plan.Name, &item.Plan.Interval, &item.Plan.Price, &item.Plan.Currency, &item.Plan.Active,
			&item.Plan.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan active subscription: %w", err)
		}
		item.CurrentPeriodEnd = nullTime(periodEnd)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active subscriptions: %w", err)
	}
	return items, nil
}

// RecordPaymentEvent stores a webhook event id and reports whether it was new.
func (s *PostgresStore) RecordPaymentEvent(ctx context.Context, id, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payment_events (id, type) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING
	`, id, eventType)
	if err != nil {
		return false, fmt.Errorf("record payment event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record payment event: %w", err)
	}
	return n > 0, nil
}

// ForgetPaymentEvent removes a recorded event id so a redelivery is processed.
func (s *PostgresStore) ForgetPaymentEvent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payment_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("forget payment event: %w", err)
	}
	return nil
}

// Dashboard

func (s *PostgresStore) ContentCounts(ctx context.Context) (ContentCounts, error) {
	counts := ContentCounts{PostsByStatus: map[string]int{}}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM posts GROUP BY status`)
	if err != nil {
		return ContentCounts{}, fmt.Errorf("count posts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return ContentCounts{}, fmt.Errorf("scan post count: %w", err)
		}
		counts.PostsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return ContentCounts{}, fmt.Errorf("iterate post counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `SELECT (SELECT COUNT(*) FROM pages), (SELECT COUNT(*) FROM media)`).
		Scan(&counts.Pages, &counts.Media)
	if err != nil {
		return ContentCounts{}, fmt.Errorf("count pages and media: %w", err)
	}
	return counts, nil
}

// IsNotFound reports whether err means the row does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
