package rbac

type Role string
type Action string

const (
	RoleViewer  Role = "viewer"
	RoleMember  Role = "member"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead Action = "read"
	// ActionWrite covers chain edits: create, update, delete, segments, merge, split, layout.
	ActionWrite Action = "write"
	// ActionApprove covers approve, reject, and the review queue.
	ActionApprove Action = "approve"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleManager:
		return action == ActionRead || action == ActionWrite || action == ActionApprove
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleMember, RoleManager, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
