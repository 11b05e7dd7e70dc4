package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	DeactivatedAt         *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (u User) Active() bool {
	return u.DeactivatedAt == nil
}

type Post struct {
	ID             string
	Title          string
	Slug           string
	Excerpt        string
	Content        json.RawMessage
	ContentHTML    string
	Status         string
	Visibility     string
	FeaturedImage  string
	AuthorID       string
	AuthorName     string
	Categories     []string
	Tags           []string
	SEOTitle       string
	SEODescription string
	ReadingTime    int
	WordCount      int
	PublishedAt    *time.Time
	ScheduledAt    *time.Time
	AutosavedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Page struct {
	ID             string
	Title          string
	Slug           string
	Excerpt        string
	Content        json.RawMessage
	ContentHTML    string
	Status         string
	Template       string
	ParentID       *string
	FeaturedImage  string
	AuthorID       string
	SEOTitle       string
	SEODescription string
	PublishedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ContentFilter narrows post and page listings. Zero values match everything.
type ContentFilter struct {
	Status   string
	Category string
	Tag      string
	AuthorID string
	Query    string
	Limit    int
	Offset   int
}

type Media struct {
	ID         string
	Filename   string
	ObjectKey  string
	MimeType   string
	SizeBytes  int64
	URL        string
	Alt        string
	Caption    string
	Width      *int
	Height     *int
	UploadedBy string
	CreatedAt  time.Time
}

type Plan struct {
	ID        string
	Name      string
	Interval  string
	Price     decimal.Decimal
	Currency  string
	Active    bool
	CreatedAt time.Time
}

type Subscription struct {
	ID                string
	UserID            string
	PlanID            string
	Status            string
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
	ProviderRef       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ActiveSubscription pairs a live subscription with its plan for revenue math.
type ActiveSubscription struct {
	Subscription
	Plan Plan
}

type ContentCounts struct {
	PostsByStatus map[string]int
	Pages         int
	Media         int
}
