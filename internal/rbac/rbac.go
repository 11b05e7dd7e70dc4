package rbac

type Role string
type Action string

const (
	RoleSubscriber Role = "subscriber"
	RoleAuthor     Role = "author"
	RoleEditor     Role = "editor"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionPublish Action = "publish"
	ActionMedia   Action = "media"
	ActionCRM     Action = "crm"
	ActionBilling Action = "billing"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite || action == ActionPublish ||
			action == ActionMedia || action == ActionCRM
	case RoleAuthor:
		return action == ActionRead || action == ActionWrite || action == ActionMedia
	case RoleSubscriber:
		return action == ActionRead
	default:
		return false
	}
}

// IsStaff reports whether role works in the back office (author and above).
func IsStaff(role Role) bool {
	return role == RoleAuthor || role == RoleEditor || role == RoleAdmin
}

// CanEditAny reports whether role may edit content owned by someone else.
func CanEditAny(role Role) bool {
	return role == RoleEditor || role == RoleAdmin
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleSubscriber, RoleAuthor, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleSubscriber
	}
}

func Valid(role string) bool {
	switch Role(role) {
	case RoleSubscriber, RoleAuthor, RoleEditor, RoleAdmin:
		return true
	}
	return false
}
