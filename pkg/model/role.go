package model

import "fmt"

// Role represents an account's authorization class.
type Role int

const (
	RoleUser  Role = iota // Default role, read-only access to records
	RoleAdmin             // Full control: records and accounts
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAdmin:
		return "admin"
	default:
		return "unknown"
	}
}

// ParseRole converts a role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "admin":
		return RoleAdmin, nil
	case "user":
		return RoleUser, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Valid returns true if the role is a recognised value (User or Admin).
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Roles returns every valid role.
func Roles() []Role {
	return []Role{RoleUser, RoleAdmin}
}

// MarshalText encodes the role by name so JSON and YAML carry "admin"/"user".
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, ErrInvalidRole
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
