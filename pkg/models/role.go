package models

import "fmt"

// CollaboratorRole is a normalized repository role as resolved by a forge
// adapter (GitHub/GitLab/Bitbucket). The core never talks to a forge; it
// receives the role at the API boundary and validates it exactly once there.
type CollaboratorRole string

const (
	RoleRead     CollaboratorRole = "read"
	RoleTriage   CollaboratorRole = "triage"
	RoleWrite    CollaboratorRole = "write"
	RoleMaintain CollaboratorRole = "maintain"
	RoleAdmin    CollaboratorRole = "admin"
)

// roleOrder is the single total order over collaborator roles, low to high.
// Every role comparison in the codebase goes through HasLevel; the ordering
// must not be duplicated anywhere else.
var roleOrder = []CollaboratorRole{RoleRead, RoleTriage, RoleWrite, RoleMaintain, RoleAdmin}

func (r CollaboratorRole) level() int {
	for i, candidate := range roleOrder {
		if candidate == r {
			return i
		}
	}
	return -1
}

// Valid reports whether r is one of the five known roles.
func (r CollaboratorRole) Valid() bool {
	return r.level() >= 0
}

// HasLevel reports whether r ranks at or above required in the role order.
// Unknown roles never satisfy any requirement.
func (r CollaboratorRole) HasLevel(required CollaboratorRole) bool {
	actual := r.level()
	want := required.level()
	if actual < 0 || want < 0 {
		return false
	}
	return actual >= want
}

// ParseRole validates a raw role string from the system boundary.
func ParseRole(s string) (CollaboratorRole, error) {
	r := CollaboratorRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown collaborator role %q", s)
	}
	return r, nil
}
