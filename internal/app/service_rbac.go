package app

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"success/api/internal/logging"
	"success/api/internal/rbac"
	"success/api/internal/store"
)

func (s *Service) ListUsers(ctx context.Context, query string) (map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		if needle != "" &&
			!strings.Contains(strings.ToLower(user.DisplayName), needle) &&
			!strings.Contains(strings.ToLower(user.Email), needle) {
			continue
		}
		items = append(items, userPayload(user))
	}
	return map[string]any{"items": items, "total": len(items)}, nil
}

// UpdateUserRole changes a user's role. Admins cannot change their own role
// so the last admin cannot lock everyone out by accident.
func (s *Service) UpdateUserRole(ctx context.Context, actor Session, userID, role string) (map[string]any, error) {
	role = strings.ToLower(strings.TrimSpace(role))
	if !rbac.Valid(role) {
		return nil, validationError("role", "must be subscriber, author, editor or admin")
	}
	if userID == actor.UserID {
		return nil, validationError("role", "cannot change your own role")
	}
	updated, err := s.store.UpdateUserRole(ctx, userID, role)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound
	}
	logging.FromContext(ctx).Info("user role changed",
		zap.String("user_id", userID), zap.String("role", role), zap.String("by", actor.UserID))
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

// DeactivateUser blocks sign-in and ends every session of the user.
func (s *Service) DeactivateUser(ctx context.Context, actor Session, userID string) (map[string]any, error) {
	if userID == actor.UserID {
		return nil, validationError("id", "cannot deactivate yourself")
	}
	updated, err := s.store.DeactivateUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, errNotFound
	}
	if err := s.sessions.RevokeUserSessions(ctx, userID); err != nil {
		return nil, err
	}
	logging.FromContext(ctx).Info("user deactivated", zap.String("user_id", userID), zap.String("by", actor.UserID))
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return userPayload(user), nil
}

func userPayload(user store.User) map[string]any {
	var deactivatedAt any
	if user.DeactivatedAt != nil {
		deactivatedAt = user.DeactivatedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"id":              user.ID,
		"displayName":     user.DisplayName,
		"email":           user.Email,
		"role":            string(rbac.Normalize(user.Role)),
		"isEmailVerified": user.IsEmailVerified,
		"active":          user.Active(),
		"deactivatedAt":   deactivatedAt,
		"createdAt":       user.CreatedAt.UTC().Format(time.RFC3339),
	}
}
