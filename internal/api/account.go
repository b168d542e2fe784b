package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"
	"time"

	validation "github.com/jellydator/validation"

	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/pipeline"
)

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Validate checks if the login request is valid.
func (r *loginRequest) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.Email,
			validation.Required,
			validation.Length(3, 320),
			emailAddress,
		),
		validation.Field(&r.Password,
			validation.Required,
			validation.Length(1, 1024),
		),
	)
}

// updateProfileRequest is the request body for PATCH /me. Absent fields
// are left unchanged.
type updateProfileRequest struct {
	FullName *string `json:"full_name"`
	Role     *string `json:"role"`
}

// Validate checks if the profile update is valid.
func (r *updateProfileRequest) Validate() error {
	if r.FullName == nil && r.Role == nil {
		return errors.New("nothing to update: set full_name or role")
	}
	return validation.ValidateStruct(r,
		validation.Field(&r.FullName, validation.Length(0, 200)),
		validation.Field(&r.Role, validation.NilOrNotEmpty, knownRole),
	)
}

var emailAddress = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil // Required handles empty strings
	}
	if _, err := mail.ParseAddress(s); err != nil {
		return validation.NewError("validation_email", "must be a valid email address")
	}
	return nil
})

var knownRole = validation.By(func(value any) error {
	var name string
	switch v := value.(type) {
	case string:
		name = v
	case *string:
		if v != nil {
			name = *v
		}
	}
	if name == "" {
		return nil
	}
	if _, err := auth.LookupRole(name); err != nil {
		return validation.NewError("validation_role", "must be one of viewer, user, editor, moderator, admin")
	}
	return nil
})

// profileResponse is the identity as shown on the profile page.
type profileResponse struct {
	ID            string     `json:"id"`
	Email         string     `json:"email,omitempty"`
	FullName      string     `json:"full_name,omitempty"`
	Role          string     `json:"role,omitempty"`
	RoleError     string     `json:"role_error,omitempty"`
	Provider      string     `json:"provider,omitempty"`
	EmailVerified bool       `json:"email_verified"`
	CreatedAt     time.Time  `json:"created_at"`
	LastSignInAt  *time.Time `json:"last_sign_in_at,omitempty"`
}

func profileView(id *auth.Identity) profileResponse {
	if id == nil {
		return profileResponse{}
	}
	p := profileResponse{
		ID:            id.ID,
		Email:         id.Email,
		FullName:      id.FullName(),
		Provider:      id.Provider(),
		EmailVerified: id.EmailVerified(),
		CreatedAt:     id.CreatedAt,
		LastSignInAt:  id.LastSignInAt,
	}
	if role, err := id.Role(); err != nil {
		p.RoleError = "unrecognised role"
	} else {
		p.Role = role.String()
	}
	return p
}

// loginResponse is the response body for POST /auth/login.
type loginResponse struct {
	User      profileResponse `json:"user"`
	ExpiresAt time.Time       `json:"expires_at,omitzero"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return false
		}
		writeBadRequest(w, "invalid JSON body")
		return false
	}
	return true
}

// handleLogin signs in with email and password through the identity service.
// The provider picks the new session up from the identity change stream.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	sess, err := s.identity.SignInWithPassword(r.Context(), req.Email, req.Password)
	if err != nil {
		if se, ok := pipeline.AsStatusError(err); ok && (se.Status == http.StatusBadRequest || se.Status == http.StatusUnauthorized) {
			msg := se.Message
			if msg == "" {
				msg = "invalid credentials"
			}
			writeUnauthorized(w, msg)
			return
		}
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		User:      profileView(sess.User),
		ExpiresAt: sess.Expiry(),
	})
}

// handleLogout signs out. The local session is always cleared; a failure
// of the remote sign-out is reported alongside the success.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "signed_out"}
	if err := s.provider.SignOut(r.Context()); err != nil {
		s.logger.Warn("remote sign-out failed, local session cleared", "error", err)
		resp["remote_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetMe returns the signed-in identity.
func (s *Server) handleGetMe(w http.ResponseWriter, _ *http.Request) {
	st := s.provider.State()
	if st.Session == nil {
		writeUnauthorized(w, "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, profileView(st.Session.User))
}

// handleUpdateMe updates the full_name and role metadata of the identity.
func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	var req updateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeValidationError(w, err)
		return
	}

	metadata := map[string]any{}
	if req.FullName != nil {
		metadata[auth.MetadataFullName] = *req.FullName
	}
	if req.Role != nil {
		metadata[auth.MetadataRole] = *req.Role
	}

	id, err := s.identity.UpdateUser(r.Context(), metadata)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileView(id))
}

// handleTokens shows the session's tokens, expiry and decoded claims.
func (s *Server) handleTokens(w http.ResponseWriter, _ *http.Request) {
	st := s.provider.State()
	if st.Session == nil {
		writeUnauthorized(w, "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, auth.DescribeSession(st.Session, time.Now()))
}
