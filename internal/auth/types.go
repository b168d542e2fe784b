package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Metadata keys interpreted by the console. Everything else in the
// metadata maps is carried through untouched.
const (
	MetadataRole     = "role"
	MetadataFullName = "full_name"
	MetadataProvider = "provider"
)

// Identity is the user record held by the identity service.
type Identity struct {
	ID               string         `json:"id"`
	Email            string         `json:"email,omitempty"`
	Phone            string         `json:"phone,omitempty"`
	UserMetadata     map[string]any `json:"user_metadata,omitempty"`
	AppMetadata      map[string]any `json:"app_metadata,omitempty"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	LastSignInAt     *time.Time     `json:"last_sign_in_at,omitempty"`
}

// Role derives the identity's role from user metadata.
//
// A missing or empty role means RoleUser. The name must match a role
// exactly; anything else, including a differently cased name, returns
// ErrUnknownRole.
func (i *Identity) Role() (Role, error) {
	if i == nil {
		return 0, ErrUnauthenticated
	}
	raw, ok := i.UserMetadata[MetadataRole]
	if !ok || raw == nil {
		return RoleUser, nil
	}
	name, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrUnknownRole, raw)
	}
	if name == "" {
		return RoleUser, nil
	}
	return LookupRole(name)
}

// FullName returns the display name from user metadata, or "".
func (i *Identity) FullName() string {
	if i == nil {
		return ""
	}
	name, _ := i.UserMetadata[MetadataFullName].(string)
	return name
}

// Provider returns the sign-in provider recorded by the identity service.
func (i *Identity) Provider() string {
	if i == nil {
		return ""
	}
	p, _ := i.AppMetadata[MetadataProvider].(string)
	return p
}

// EmailVerified reports whether the identity service has confirmed the email.
func (i *Identity) EmailVerified() bool {
	return i != nil && i.EmailConfirmedAt != nil
}

// Clone returns a copy that shares no mutable state with i, nested
// metadata included.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	c := *i
	c.UserMetadata = cloneMap(i.UserMetadata)
	c.AppMetadata = cloneMap(i.AppMetadata)
	return &c
}

// Session is an authenticated session issued by the identity service.
// ExpiresAt is Unix seconds as issued on the wire.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in,omitempty"`
	ExpiresAt    int64     `json:"expires_at,omitempty"`
	User         *Identity `json:"user,omitempty"`
}

// Expiry returns the expiry as a time, or the zero time when unknown.
func (s *Session) Expiry() time.Time {
	if s == nil || s.ExpiresAt == 0 {
		return time.Time{}
	}
	return time.Unix(s.ExpiresAt, 0)
}

// Remaining returns how long the access token stays valid after now.
// Never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	exp := s.Expiry()
	if exp.IsZero() || !exp.After(now) {
		return 0
	}
	return exp.Sub(now)
}

// Expired reports whether the access token has expired at now. A session
// with no recorded expiry never expires locally.
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	exp := s.Expiry()
	return !exp.IsZero() && !exp.After(now)
}

// Clone returns a copy of s that shares no mutable state with it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.User = s.User.Clone()
	return &c
}

// Event is an identity change notification kind.
type Event string

// Identity events, named as the identity service names them.
const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
	EventUserUpdated    Event = "USER_UPDATED"
)

// Listener receives identity change notifications. session is nil after
// sign-out and is a copy the listener may keep.
type Listener func(event Event, session *Session)

// Subscription is a registration with an identity change stream.
// Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// Sentinel errors for identity and authorisation.
var (
	// ErrUnauthenticated means no session is present.
	ErrUnauthenticated = errors.New("auth: not authenticated")

	// ErrInsufficientRole means the session's role ranks below the requirement.
	ErrInsufficientRole = errors.New("auth: insufficient role")

	// ErrMisconfiguredRole means a required role is not part of the enumeration.
	ErrMisconfiguredRole = errors.New("auth: misconfigured role")

	// ErrUnknownRole means a role name could not be parsed.
	ErrUnknownRole = errors.New("auth: unknown role")

	// ErrTokenMalformed is returned when an access token cannot be decoded.
	ErrTokenMalformed = errors.New("auth: malformed access token")
)

// cloneMap copies m together with any maps and slices nested in it, the
// shapes JSON decoding produces.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(v)
	default:
		return v
	}
}
