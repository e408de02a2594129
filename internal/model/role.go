package model

import (
	"fmt"
	"slices"
)

// Role is the operator role carried in a verified token.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSupervisor Role = "supervisor"
	RoleOfficer    Role = "officer"
	RoleViewer     Role = "viewer"
)

// roleOrder lists roles from least to most privileged.
var roleOrder = []Role{RoleViewer, RoleOfficer, RoleSupervisor, RoleAdmin}

// RoleRank is 1 for viewer up to 4 for admin, and 0 for anything unknown.
func RoleRank(r Role) int {
	return slices.Index(roleOrder, r) + 1
}

// RoleAtLeast reports whether r carries every privilege of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ParseRole accepts the four operator role names.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if RoleRank(r) == 0 {
		return "", fmt.Errorf("unknown role %q: want admin, supervisor, officer or viewer", s)
	}
	return r, nil
}
