package rbac

type Role string
type Action string

const (
	RoleCitizen   Role = "citizen"
	RoleAuthority Role = "authority"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead      Action = "read"
	ActionReport    Action = "report"
	ActionVote      Action = "vote"
	ActionModerate  Action = "moderate"
	ActionAnalytics Action = "analytics"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleAuthority:
		return action == ActionRead || action == ActionModerate || action == ActionAnalytics
	case RoleCitizen:
		return action == ActionRead || action == ActionReport || action == ActionVote
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleCitizen, RoleAuthority, RoleAdmin:
		return Role(role)
	default:
		return RoleCitizen
	}
}
