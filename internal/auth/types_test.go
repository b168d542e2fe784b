package auth

import (
	"errors"
	"testing"
	"time"
)

func TestIdentityRole(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]any
		want     Role
		wantErr  error
	}{
		{"absent defaults to user", nil, RoleUser, nil},
		{"empty defaults to user", map[string]any{"role": ""}, RoleUser, nil},
		{"explicit editor", map[string]any{"role": "editor"}, RoleEditor, nil},
		{"explicit admin", map[string]any{"role": "admin"}, RoleAdmin, nil},
		{"unknown name", map[string]any{"role": "root"}, 0, ErrUnknownRole},
		{"upper case", map[string]any{"role": "ADMIN"}, 0, ErrUnknownRole},
		{"mixed case with spaces", map[string]any{"role": " Admin "}, 0, ErrUnknownRole},
		{"whitespace only", map[string]any{"role": "  "}, 0, ErrUnknownRole},
		{"wrong type", map[string]any{"role": 5}, 0, ErrUnknownRole},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := &Identity{ID: "u1", UserMetadata: tt.metadata}
			got, err := id.Role()
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Role() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Role() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Role() = %s, want %s", got, tt.want)
			}
		})
	}

	var nilID *Identity
	if _, err := nilID.Role(); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("nil identity Role() error = %v, want ErrUnauthenticated", err)
	}
}

func TestIdentityAccessors(t *testing.T) {
	confirmed := time.Now()
	id := &Identity{
		ID:               "u1",
		UserMetadata:     map[string]any{"full_name": "Ada Lovelace"},
		AppMetadata:      map[string]any{"provider": "email"},
		EmailConfirmedAt: &confirmed,
	}

	if got := id.FullName(); got != "Ada Lovelace" {
		t.Errorf("FullName() = %q", got)
	}
	if got := id.Provider(); got != "email" {
		t.Errorf("Provider() = %q", got)
	}
	if !id.EmailVerified() {
		t.Error("EmailVerified() = false, want true")
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s := &Session{
		AccessToken: "tok",
		User:        &Identity{ID: "u1", UserMetadata: map[string]any{"role": "admin"}},
	}
	c := s.Clone()
	c.User.UserMetadata["role"] = "viewer"

	if s.User.UserMetadata["role"] != "admin" {
		t.Error("mutating the clone changed the original metadata")
	}
}

func TestIdentityCloneCopiesNestedMetadata(t *testing.T) {
	id := &Identity{
		ID: "u1",
		UserMetadata: map[string]any{
			"prefs": map[string]any{"theme": "dark"},
			"tags":  []any{"ops", map[string]any{"team": "core"}},
		},
		AppMetadata: map[string]any{"providers": []string{"email"}},
	}
	c := id.Clone()
	c.UserMetadata["prefs"].(map[string]any)["theme"] = "light"
	c.UserMetadata["tags"].([]any)[0] = "dev"
	c.UserMetadata["tags"].([]any)[1].(map[string]any)["team"] = "edge"
	c.AppMetadata["providers"].([]string)[0] = "github"

	if got := id.UserMetadata["prefs"].(map[string]any)["theme"]; got != "dark" {
		t.Errorf("nested map changed through the clone: theme = %v", got)
	}
	tags := id.UserMetadata["tags"].([]any)
	if tags[0] != "ops" {
		t.Errorf("nested slice changed through the clone: tags[0] = %v", tags[0])
	}
	if got := tags[1].(map[string]any)["team"]; got != "core" {
		t.Errorf("map inside slice changed through the clone: team = %v", got)
	}
	if got := id.AppMetadata["providers"].([]string)[0]; got != "email" {
		t.Errorf("string slice changed through the clone: providers[0] = %v", got)
	}
}

func TestSessionExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	s := &Session{ExpiresAt: now.Add(10 * time.Minute).Unix()}
	if s.Expired(now) {
		t.Error("Expired() = true before expiry")
	}
	if got := s.Remaining(now); got != 10*time.Minute {
		t.Errorf("Remaining() = %v, want 10m", got)
	}

	later := now.Add(11 * time.Minute)
	if !s.Expired(later) {
		t.Error("Expired() = false after expiry")
	}
	if got := s.Remaining(later); got != 0 {
		t.Errorf("Remaining() after expiry = %v, want 0", got)
	}

	noExpiry := &Session{AccessToken: "tok"}
	if noExpiry.Expired(later) {
		t.Error("session without expiry should not expire locally")
	}

	var nilSession *Session
	if !nilSession.Expired(now) {
		t.Error("nil session should count as expired")
	}
}
