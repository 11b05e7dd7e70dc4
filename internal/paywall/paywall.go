// Package paywall decides whether a reader sees a full post or a teaser.
package paywall

import (
	"context"

	"go.uber.org/zap"

	"success/api/internal/rbac"
)

const (
	VisibilityPublic  = "public"
	VisibilityMembers = "members"
	VisibilityPaid    = "paid"
)

// Decision reasons.
const (
	ReasonPublic     = "public"
	ReasonStaff      = "staff"
	ReasonMember     = "member"
	ReasonSubscriber = "subscriber"
	ReasonMetered    = "metered"
	ReasonExhausted  = "meter_exhausted"
	ReasonNoMeter    = "meter_unavailable"
)

// Viewer describes who is reading. VisitorKey identifies anonymous readers
// and is ignored for signed-in ones.
type Viewer struct {
	UserID             string
	Role               rbac.Role
	ActiveSubscription bool
	VisitorKey         string
}

func (v Viewer) signedIn() bool {
	return v.UserID != ""
}

func (v Viewer) meterKey() string {
	if v.signedIn() {
		return "user:" + v.UserID
	}
	if v.VisitorKey == "" {
		return ""
	}
	return "anon:" + v.VisitorKey
}

// Decision is the outcome for one read. Remaining is -1 when the read was not
// metered.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason"`
	Metered   bool   `json:"metered"`
	Remaining int    `json:"remaining"`
	Limit     int    `json:"limit,omitempty"`
}

type counter interface {
	Record(ctx context.Context, visitor, postID string) (bool, int, error)
	Limit() int
}

type Service struct {
	meter  counter
	logger *zap.Logger
}

// NewService builds the paywall. A nil meter fails open for metered reads.
func NewService(meter *Meter, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{logger: logger.Named("paywall")}
	if meter != nil {
		s.meter = meter
	}
	return s
}

// Decide applies the visibility rules for postID and, when the read is
// metered, counts it.
func (s *Service) Decide(ctx context.Context, visibility, postID string, viewer Viewer) Decision {
	unmetered := func(reason string) Decision {
		return Decision{Allowed: true, Reason: reason, Remaining: -1}
	}

	switch {
	case visibility == VisibilityPublic || visibility == "":
		return unmetered(ReasonPublic)
	case rbac.IsStaff(viewer.Role):
		return unmetered(ReasonStaff)
	case visibility == VisibilityMembers && viewer.signedIn():
		return unmetered(ReasonMember)
	case viewer.ActiveSubscription:
		return unmetered(ReasonSubscriber)
	}

	if s.meter == nil {
		return unmetered(ReasonNoMeter)
	}
	key := viewer.meterKey()
	limit := s.meter.Limit()
	if key == "" {
		return Decision{Allowed: false, Reason: ReasonExhausted, Metered: true, Remaining: 0, Limit: limit}
	}

	allowed, used, err := s.meter.Record(ctx, key, postID)
	if err != nil {
		s.logger.Warn("meter unavailable, allowing read", zap.String("post_id", postID), zap.Error(err))
		return unmetered(ReasonNoMeter)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	if !allowed {
		return Decision{Allowed: false, Reason: ReasonExhausted, Metered: true, Remaining: 0, Limit: limit}
	}
	return Decision{Allowed: true, Reason: ReasonMetered, Metered: true, Remaining: remaining, Limit: limit}
}
