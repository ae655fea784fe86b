package messaging

import "strings"

// Role is the closed set of roles the messaging core understands.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleStaff         Role = "staff"
	RoleGuardian      Role = "guardian"
	// RoleUnknown marks a missing role tag.
	RoleUnknown Role = ""
)

// ParseRole normalizes a role string coming from the identity provider.
// Unrecognized values are returned verbatim so the policy can reject them.
func ParseRole(raw string) Role {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	switch normalized {
	case "administrator", "admin", "principal":
		return RoleAdministrator
	case "staff", "teacher":
		return RoleStaff
	case "guardian", "parent":
		return RoleGuardian
	case "":
		return RoleUnknown
	default:
		return Role(normalized)
	}
}

// Known reports whether r is one of administrator, staff or guardian.
func (r Role) Known() bool {
	switch r {
	case RoleAdministrator, RoleStaff, RoleGuardian:
		return true
	default:
		return false
	}
}

func (r Role) String() string {
	return string(r)
}
