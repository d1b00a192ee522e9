// Package rbac is the capability table for a caller's relation to a document.
package rbac

type Role string
type Action string

const (
	RoleNone         Role = ""
	RoleInvited      Role = "invited"
	RoleCollaborator Role = "collaborator"
	RoleOwner        Role = "owner"
)

const (
	ActionRead    Action = "read"
	ActionComment Action = "comment"
	ActionWrite   Action = "write"
	ActionInvite  Action = "invite"
	ActionDelete  Action = "delete"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleCollaborator:
		return action == ActionRead || action == ActionComment || action == ActionWrite || action == ActionInvite
	case RoleInvited:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleInvited, RoleCollaborator, RoleOwner:
		return Role(role)
	default:
		return RoleNone
	}
}
