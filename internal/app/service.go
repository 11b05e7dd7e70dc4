package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"success/api/internal/auth"
	"success/api/internal/authpw"
	"success/api/internal/billing"
	"success/api/internal/blocks"
	"success/api/internal/config"
	"success/api/internal/crm"
	"success/api/internal/export"
	"success/api/internal/logging"
	"success/api/internal/media"
	"success/api/internal/paywall"
	"success/api/internal/rbac"
	"success/api/internal/revision"
	"success/api/internal/search"
	"success/api/internal/store"
	"success/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// sessionStore holds refresh sessions and revoked access tokens. Redis is
// preferred; Postgres implements the same methods as a fallback.
type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeUserSessions(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

type dataStore interface {
	sessionStore
	Ping(ctx context.Context) error

	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserRole(context.Context, string, string) (bool, error)
	DeactivateUser(context.Context, string) (bool, error)

	ListPosts(context.Context, store.ContentFilter) ([]store.Post, int, error)
	GetPost(context.Context, string) (store.Post, error)
	GetPostBySlug(context.Context, string) (store.Post, error)
	PostSlugTaken(context.Context, string, string) (bool, error)
	InsertPost(context.Context, store.Post) error
	UpdatePost(context.Context, store.Post) error
	AutosavePost(context.Context, string, json.RawMessage, string, int, int) (time.Time, error)
	SetPostStatus(context.Context, string, string, *time.Time, *time.Time) error
	DeletePost(context.Context, string) (bool, error)
	DuePosts(context.Context, time.Time) ([]store.Post, error)

	ListPages(context.Context, store.ContentFilter) ([]store.Page, int, error)
	GetPage(context.Context, string) (store.Page, error)
	PageSlugTaken(context.Context, string, string) (bool, error)
	InsertPage(context.Context, store.Page) error
	UpdatePage(context.Context, store.Page) error
	DeletePage(context.Context, string) (bool, error)

	ContentCounts(context.Context) (store.ContentCounts, error)
}

type revisionService interface {
	Commit(kind, id string, snap revision.Snapshot, author, message string) (revision.Revision, bool, error)
	History(kind, id string, limit int) ([]revision.Revision, error)
	Get(kind, id, hash string) (revision.Snapshot, revision.Revision, error)
	Remove(kind, id string) error
}

// accountMailer sends the transactional account e-mails.
type accountMailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

// Deps are the collaborators of Service. Store, Revisions and Search are
// required; the rest may be nil, in which case their routes answer 503.
type Deps struct {
	Store     dataStore
	Sessions  sessionStore
	Revisions revisionService
	Search    *search.Service
	Media     *media.Service
	CRM       *crm.Service
	Billing   *billing.Service
	Paywall   *paywall.Service
	Export    *export.Service
	Auth      *authpw.Service
	Mailer    accountMailer
	Blocks    *blocks.Registry
	Logger    *zap.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	revisions revisionService
	search    *search.Service
	media     *media.Service
	crm       *crm.Service
	billing   *billing.Service
	paywall   *paywall.Service
	export    *export.Service
	authpw    *authpw.Service
	mailer    accountMailer
	blocks    *blocks.Registry
	logger    *zap.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		revisions: deps.Revisions,
		search:    deps.Search,
		media:     deps.Media,
		crm:       deps.CRM,
		billing:   deps.Billing,
		paywall:   deps.Paywall,
		export:    deps.Export,
		authpw:    deps.Auth,
		mailer:    deps.Mailer,
		blocks:    deps.Blocks,
		logger:    deps.Logger,
		now:       time.Now,
	}
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if s.blocks == nil {
		s.blocks = blocks.DefaultRegistry()
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.search == nil {
		s.search = search.NewService(nil, nil, s.logger)
	}
	if s.paywall == nil {
		s.paywall = paywall.NewService(nil, s.logger)
	}
	return s
}

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	owner, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, owner.ID)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !user.Active() {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         string(rbac.Normalize(user.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. The role is read from the
// user row so role changes and deactivation apply before the token expires.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if store.IsNotFound(err) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !user.Active() {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      string(rbac.Normalize(user.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return err
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

// SignUp creates the account and mails the verification link. The token is
// returned so the handler can expose it when no mailer is configured.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (*authpw.SignUpResponse, error) {
	resp, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.SMTPConfigured() && resp.RequiresEmailVerify {
		link := s.publicURL("/verify-email", resp.VerificationToken)
		if err := s.mailer.SendVerificationEmail(resp.User.Email, resp.User.DisplayName, link); err != nil {
			logging.FromContext(ctx).Warn("verification email failed",
				logging.Email("email", resp.User.Email), zap.Error(err))
		}
	}
	return resp, nil
}

// RequestPasswordReset never reports whether the address exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	token, user, err := s.authpw.RequestPasswordReset(ctx, email)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}
	if s.SMTPConfigured() {
		link := s.publicURL("/reset-password", token)
		if err := s.mailer.SendPasswordResetEmail(user.Email, user.DisplayName, link); err != nil {
			logging.FromContext(ctx).Warn("password reset email failed",
				logging.Email("email", user.Email), zap.Error(err))
		}
	}
	return token, nil
}

// ResetPassword sets the new password and signs the user out everywhere.
func (s *Service) ResetPassword(ctx context.Context, req authpw.ResetPasswordRequest) error {
	userID, err := s.authpw.ResetPassword(ctx, req)
	if err != nil {
		return err
	}
	return s.sessions.RevokeUserSessions(ctx, userID)
}

func (s *Service) publicURL(path, token string) string {
	base := strings.TrimRight(s.cfg.PublicBaseURL, "/")
	return base + path + "?token=" + url.QueryEscape(token)
}

// Search runs a site search. Contacts are only searched for callers allowed
// to see CRM data; other non-staff callers only see published content.
func (s *Service) Search(ctx context.Context, session Session, q search.Query) search.Response {
	role := rbac.Normalize(session.Role)
	q.IncludeContacts = rbac.Can(role, rbac.ActionCRM)
	if !rbac.IsStaff(role) {
		q.Status = "published"
	}
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Dashboard(ctx context.Context) (map[string]any, error) {
	counts, err := s.store.ContentCounts(ctx)
	if err != nil {
		return nil, err
	}
	posts := map[string]int{"draft": 0, "published": 0, "scheduled": 0, "archived": 0}
	totalPosts := 0
	for status, n := range counts.PostsByStatus {
		posts[status] = n
		totalPosts += n
	}

	result := map[string]any{
		"posts":      posts,
		"totalPosts": totalPosts,
		"pages":      counts.Pages,
		"media":      counts.Media,
	}

	if s.crm != nil {
		crmCounts, err := s.crm.Counts(ctx)
		if err != nil {
			return nil, err
		}
		result["contacts"] = crmCounts.Contacts
		result["openTickets"] = crmCounts.OpenTickets
		result["openDeals"] = crmCounts.OpenDeals
		result["openDealsValue"] = crmCounts.OpenDealsValue
	}

	if s.billing != nil {
		summary, err := s.billing.Summary(ctx)
		if err != nil {
			return nil, err
		}
		result["activeSubscribers"] = summary.ActiveSubscribers
		result["mrr"] = summary.MRR
	}
	return result, nil
}

func unavailable(name string) error {
	return domainError(http.StatusServiceUnavailable, strings.ToUpper(name)+"_UNAVAILABLE", name+" is not configured", nil)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func timeValue(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339)
}
