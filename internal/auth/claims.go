package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields the console reads from an access token issued by
// the identity service.
type Claims struct {
	jwt.RegisteredClaims
	Email        string         `json:"email,omitempty"`
	DBRole       string         `json:"role,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	AAL          string         `json:"aal,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// DecodeClaims reads the claims of an access token WITHOUT verifying its
// signature. The console never holds the signing secret; the backend
// verifies every token it receives. Use the result for display only.
func DecodeClaims(token string) (*Claims, error) {
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	}
	return claims, nil
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c == nil || c.RegisteredClaims.ExpiresAt == nil {
		return time.Time{}
	}
	return c.RegisteredClaims.ExpiresAt.Time
}
