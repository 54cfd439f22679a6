package model

import "fmt"

// Role represents a user's permission level.
type Role int

const (
	RoleUser      Role = iota // Default role, can join channels, talk, and stream
	RoleModerator             // Can provision new channels
	RoleAdmin                 // Full control: create and delete channels
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleModerator:
		return "moderator"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// LookupRole converts a role name to a Role. Unknown names are an error.
func LookupRole(s string) (Role, error) {
	switch s {
	case "user", "":
		return RoleUser, nil
	case "moderator":
		return RoleModerator, nil
	case "admin":
		return RoleAdmin, nil
	default:
		return RoleUser, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid returns true if the role is a recognised value (User, Moderator, or Admin).
func (r Role) Valid() bool {
	return r >= RoleUser && r <= RoleAdmin
}
