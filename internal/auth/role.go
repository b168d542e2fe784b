package auth

import (
	"fmt"
	"strings"
)

// Role represents an authorisation tier. The zero value is not a role.
type Role uint8

const (
	// RoleViewer can read public views only.
	RoleViewer Role = iota + 1

	// RoleUser is the default tier for any signed-in identity that does not
	// carry an explicit role.
	RoleUser

	// RoleEditor can change shared records.
	RoleEditor

	// RoleModerator can act on other identities' records.
	RoleModerator

	// RoleAdmin has full control, including the admin panel.
	RoleAdmin
)

// roleNames is the single source of truth for the wire form of each role.
var roleNames = map[Role]string{
	RoleViewer:    "viewer",
	RoleUser:      "user",
	RoleEditor:    "editor",
	RoleModerator: "moderator",
	RoleAdmin:     "admin",
}

// Roles returns every role in ascending rank order.
func Roles() []Role {
	return []Role{RoleViewer, RoleUser, RoleEditor, RoleModerator, RoleAdmin}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	_, ok := roleNames[r]
	return ok
}

// Rank returns the ordinal rank of r (1..5), or 0 for an invalid role.
func (r Role) Rank() int {
	if !r.Valid() {
		return 0
	}
	return int(r)
}

func (r Role) String() string {
	if name, ok := roleNames[r]; ok {
		return name
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// AtLeast reports whether r meets the required tier.
//
// An invalid r (no role, or one this build does not know) never meets any
// requirement. An invalid required role is a programming error and panics
// with ErrMisconfiguredRole.
func (r Role) AtLeast(required Role) bool {
	MustBeValid(required)
	if !r.Valid() {
		return false
	}
	return r >= required
}

// MustBeValid panics with ErrMisconfiguredRole when r is not a defined role.
// Use it where a role is fixed at wiring time.
func MustBeValid(r Role) {
	if !r.Valid() {
		panic(fmt.Errorf("%w: %s", ErrMisconfiguredRole, r))
	}
}

// ParseRole converts a configured role name to a Role. Matching ignores
// case and surrounding whitespace. Names read from identity metadata go
// through LookupRole instead.
func ParseRole(s string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// LookupRole returns the role whose wire name is exactly name.
func LookupRole(name string) (Role, error) {
	for role, n := range roleNames {
		if n == name {
			return role, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRole, name)
}

// MustParseRole is ParseRole for role names fixed in code. It panics with
// ErrMisconfiguredRole on an unknown name.
func MustParseRole(s string) Role {
	r, err := ParseRole(s)
	if err != nil {
		panic(fmt.Errorf("%w: %w", ErrMisconfiguredRole, err))
	}
	return r
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
