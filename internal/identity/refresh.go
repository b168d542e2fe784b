package identity

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/pipeline"
)

// Refresh exchanges the refresh token for a new session and announces
// auth.EventTokenRefreshed. Concurrent callers share one request.
//
// When the service rejects the refresh token the local session is
// cleared and auth.EventSignedOut is announced. Transport failures leave
// the session in place while it is still valid; an already expired
// session is signed out.
func (c *Client) Refresh(ctx context.Context) (*auth.Session, error) {
	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*auth.Session).Clone(), nil
}

func (c *Client) refresh(ctx context.Context) (*auth.Session, error) {
	current, err := c.local(ctx)
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshToken == "" {
		return nil, ErrNoSession
	}

	sess, err := c.token(ctx, "refresh_token", map[string]string{
		"refresh_token": current.RefreshToken,
	})
	if err != nil {
		if rejected(err) {
			c.log.Warn("refresh token rejected, signing out", "error", err)
			c.apply(ctx, auth.EventSignedOut, nil)
		} else if current.Expired(c.now()) && ctx.Err() == nil {
			c.expire(ctx, current)
		}
		return nil, err
	}

	c.apply(ctx, auth.EventTokenRefreshed, sess)
	c.log.Debug("session refreshed", "user_id", sess.User.ID, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// rejected reports whether err is the service refusing the refresh token
// rather than failing to answer.
func rejected(err error) bool {
	se, ok := pipeline.AsStatusError(err)
	if !ok {
		return false
	}
	return errors.Is(err, pipeline.ErrCredentialExpiredOrInvalid) ||
		se.Status == http.StatusBadRequest || se.Status == http.StatusForbidden
}

// Run refreshes the session shortly before it expires until ctx is done.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		c.refreshIfDue(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) refreshIfDue(ctx context.Context) {
	sess, err := c.local(ctx)
	if err != nil {
		c.log.Error("reading session failed", "error", err)
		return
	}
	if sess == nil || sess.ExpiresAt == 0 {
		return
	}
	if sess.RefreshToken == "" {
		if sess.Expired(c.now()) {
			c.expire(ctx, sess)
		}
		return
	}
	if sess.Remaining(c.now()) > c.refreshMargin {
		return
	}
	if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.log.Warn("automatic refresh failed", "error", err)
	}
}
