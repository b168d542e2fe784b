package auth

import "time"

// TokenInfo describes a session's tokens for display.
type TokenInfo struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token,omitempty"`
	TokenType        string    `json:"token_type,omitempty"`
	ExpiresAt        time.Time `json:"expires_at,omitzero"`
	MinutesRemaining int       `json:"minutes_remaining"`
	Expired          bool      `json:"expired"`

	// Claims is nil when the access token is not a readable JWT.
	Claims *Claims `json:"claims,omitempty"`
}

// DescribeSession builds the TokenInfo of s at now. Minutes are rounded
// down and never negative.
func DescribeSession(s *Session, now time.Time) TokenInfo {
	if s == nil {
		return TokenInfo{Expired: true}
	}
	info := TokenInfo{
		AccessToken:      s.AccessToken,
		RefreshToken:     s.RefreshToken,
		TokenType:        s.TokenType,
		ExpiresAt:        s.Expiry(),
		MinutesRemaining: int(s.Remaining(now) / time.Minute),
		Expired:          s.Expired(now),
	}
	if claims, err := DecodeClaims(s.AccessToken); err == nil {
		info.Claims = claims
		if info.ExpiresAt.IsZero() {
			info.ExpiresAt = claims.Expiry()
		}
	}
	return info
}
