package session

import (
	"github.com/nerrad567/baas-console/internal/auth"
)

// Status tells whether the provider has learnt the session yet.
type Status uint8

const (
	// StatusLoading is the state before the first fetch or change completes.
	StatusLoading Status = iota
	// StatusReady means Session and Role reflect the identity service.
	StatusReady
)

// String returns "loading" or "ready".
func (s Status) String() string {
	if s == StatusReady {
		return "ready"
	}
	return "loading"
}

// State is a snapshot of the provider. Session and Role always describe
// the same identity.
type State struct {
	Status  Status
	Session *auth.Session

	// Role is zero when there is no session or the identity carries an
	// unrecognised role, in which case RoleErr says why.
	Role    auth.Role
	RoleErr error

	// Version increases with every applied write.
	Version uint64
}

// Loading reports whether the provider is still waiting for its first answer.
func (s State) Loading() bool { return s.Status == StatusLoading }

// Authenticated reports whether a session exists.
func (s State) Authenticated() bool { return s.Session != nil }

// UserID returns the session's identity id, or "".
func (s State) UserID() string {
	if s.Session == nil || s.Session.User == nil {
		return ""
	}
	return s.Session.User.ID
}

// HasRole reports whether the session's role ranks at least required.
// It is false while loading, without a session, or when the identity's
// role is not recognised. It panics with auth.ErrMisconfiguredRole when
// required is not a role.
func (s State) HasRole(required auth.Role) bool {
	auth.MustBeValid(required)
	if s.Status != StatusReady || s.Session == nil || s.RoleErr != nil {
		return false
	}
	return s.Role.AtLeast(required)
}

func (s State) clone() State {
	s.Session = s.Session.Clone()
	return s
}

// stateFor derives a ready State from sess.
func stateFor(sess *auth.Session, version uint64) State {
	st := State{Status: StatusReady, Session: sess.Clone(), Version: version}
	if sess != nil {
		st.Role, st.RoleErr = sess.User.Role()
	}
	return st
}
