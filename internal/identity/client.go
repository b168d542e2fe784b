package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/pipeline"
)

const (
	// DefaultRefreshMargin is how long before expiry a token is refreshed.
	DefaultRefreshMargin = time.Minute

	// DefaultRefreshInterval is how often Run checks the session.
	DefaultRefreshInterval = 15 * time.Second
)

// Logger is the logging surface the client needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Store           Store
	Logger          Logger
	RefreshMargin   time.Duration
	RefreshInterval time.Duration
}

// Client is the identity service adapter. It is safe for concurrent use.
type Client struct {
	http  *pipeline.Client
	store Store
	log   Logger
	now   func() time.Time

	refreshMargin   time.Duration
	refreshInterval time.Duration

	// transition serialises session changes with their announcement.
	transition sync.Mutex

	mu       sync.RWMutex
	session  *auth.Session
	loaded   bool
	revision int64

	subsMu sync.Mutex
	subs   map[uint64]auth.Listener
	nextID uint64

	refreshGroup singleflight.Group
}

// New creates a client for {backendURL}/auth/v1. doer must not attach
// credentials of its own; the client sets Authorization per call.
func New(backendURL string, doer pipeline.Doer, opts Options) (*Client, error) {
	hc, err := pipeline.NewClient(strings.TrimRight(backendURL, "/")+"/auth/v1", doer)
	if err != nil {
		return nil, err
	}

	c := &Client{
		http:            hc,
		store:           opts.Store,
		log:             opts.Logger,
		now:             time.Now,
		refreshMargin:   opts.RefreshMargin,
		refreshInterval: opts.RefreshInterval,
		subs:            make(map[uint64]auth.Listener),
	}
	if c.store == nil {
		c.store = &MemoryStore{}
	}
	if c.log == nil {
		c.log = noopLogger{}
	}
	if c.refreshMargin <= 0 {
		c.refreshMargin = DefaultRefreshMargin
	}
	if c.refreshInterval <= 0 {
		c.refreshInterval = DefaultRefreshInterval
	}
	return c, nil
}

// Session returns a copy of the local session, loading it from the store
// on first use and refreshing it when it has expired. It returns nil, nil
// when no session exists.
func (c *Client) Session(ctx context.Context) (*auth.Session, error) {
	sess, err := c.local(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	if sess.Expired(c.now()) {
		if sess.RefreshToken == "" {
			c.expire(ctx, sess)
			return nil, nil
		}
		return c.Refresh(ctx)
	}
	return sess, nil
}

// AccessToken implements pipeline.CredentialSource.
func (c *Client) AccessToken(ctx context.Context) (string, bool) {
	sess, err := c.Session(ctx)
	if err != nil || sess == nil {
		return "", false
	}
	return sess.AccessToken, true
}

// CurrentIdentity asks the identity service who the current session
// belongs to. It returns nil, nil when there is no session.
func (c *Client) CurrentIdentity(ctx context.Context) (*auth.Identity, error) {
	sess, err := c.CurrentSession(ctx)
	if err != nil || sess == nil {
		return nil, err
	}
	return sess.User, nil
}

// CurrentSession is Session with the identity re-read from the service,
// so role changes made elsewhere are seen. The cached identity is updated
// without emitting an event.
func (c *Client) CurrentSession(ctx context.Context) (*auth.Session, error) {
	sess, err := c.Session(ctx)
	if err != nil || sess == nil {
		return nil, err
	}

	user, err := c.fetchUser(ctx, sess.AccessToken)
	if err != nil {
		return nil, err
	}
	sess.User = user

	c.mu.Lock()
	if c.session != nil && c.session.AccessToken == sess.AccessToken {
		c.session.User = user.Clone()
	}
	c.mu.Unlock()

	return sess, nil
}

// SignInWithPassword exchanges credentials for a session and announces
// auth.EventSignedIn.
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error) {
	sess, err := c.token(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	c.apply(ctx, auth.EventSignedIn, sess)
	c.log.Info("signed in", "user_id", sess.User.ID)
	return sess.Clone(), nil
}

// SignOut revokes the session remotely and always clears it locally,
// announcing auth.EventSignedOut. The remote error, if any, is returned.
func (c *Client) SignOut(ctx context.Context) error {
	sess, loadErr := c.local(ctx)

	var remoteErr error
	if sess != nil {
		u := c.http.URL("logout")
		req, err := c.http.NewRequest(ctx, http.MethodPost, u, nil)
		if err == nil {
			req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
			err = c.http.Do(req, nil)
		}
		remoteErr = err
		if remoteErr != nil {
			c.log.Warn("remote sign-out failed, clearing local session anyway", "error", remoteErr)
		}
	}

	c.apply(ctx, auth.EventSignedOut, nil)
	return errors.Join(loadErr, remoteErr)
}

// UpdateUser merges metadata into the identity's user metadata and
// announces auth.EventUserUpdated.
func (c *Client) UpdateUser(ctx context.Context, metadata map[string]any) (*auth.Identity, error) {
	sess, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNoSession
	}

	req, err := c.http.NewRequest(ctx, http.MethodPut, c.http.URL("user"), map[string]any{"data": metadata})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+sess.AccessToken)

	var user auth.Identity
	if err := c.http.Do(req, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user without id", ErrInvalidResponse)
	}

	sess.User = &user
	c.apply(ctx, auth.EventUserUpdated, sess)
	return user.Clone(), nil
}

// Subscribe registers l for every subsequent identity change.
func (c *Client) Subscribe(l auth.Listener) auth.Subscription {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.nextID++
	id := c.nextID
	c.subs[id] = l
	return &subscription{client: c, id: id}
}

// subscription is the handle returned by Subscribe.
type subscription struct {
	client *Client
	id     uint64
	once   sync.Once
}

// Unsubscribe stops delivery. It is safe to call more than once and from
// inside a listener.
func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.subsMu.Lock()
		delete(s.client.subs, s.id)
		s.client.subsMu.Unlock()
	})
}

// Listeners returns the number of registered listeners.
func (c *Client) Listeners() int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return len(c.subs)
}

// local returns a copy of the in-memory session. The store is read on
// first use and again whenever another process has written to it.
func (c *Client) local(ctx context.Context) (*auth.Session, error) {
	rev, err := c.store.Revision(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	if c.loaded && c.revision == rev {
		s := c.session.Clone()
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	return c.reload(ctx)
}

// reload adopts the persisted session and announces how it differs from
// the one held in memory. When a transition is already under way, from
// this process or from a listener calling back in, the cached session is
// returned and the next call picks up the change.
func (c *Client) reload(ctx context.Context) (*auth.Session, error) {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()

	// Listeners only run after the first load, so waiting is safe until then.
	if !loaded {
		c.transition.Lock()
	} else if !c.transition.TryLock() {
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.session.Clone(), nil
	}
	defer c.transition.Unlock()

	// Revision first: a write landing between the two reads is seen again
	// on the next call rather than missed.
	rev, err := c.store.Revision(ctx)
	if err != nil {
		return nil, err
	}
	stored, err := c.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	prev, wasLoaded := c.session, c.loaded
	c.session = stored
	c.loaded = true
	c.revision = rev
	c.mu.Unlock()

	if wasLoaded {
		if event, ok := changeEvent(prev, stored); ok {
			c.log.Info("session changed by another process", "event", string(event))
			c.announce(event, stored)
		}
	}
	return stored.Clone(), nil
}

// changeEvent names the transition from prev to next, or reports false
// when nothing a listener cares about changed.
func changeEvent(prev, next *auth.Session) (auth.Event, bool) {
	switch {
	case prev == nil && next == nil:
		return "", false
	case next == nil:
		return auth.EventSignedOut, true
	case prev == nil, userID(prev) != userID(next):
		return auth.EventSignedIn, true
	case prev.AccessToken != next.AccessToken:
		return auth.EventTokenRefreshed, true
	case prev.User != nil && next.User != nil &&
		!reflect.DeepEqual(prev.User.UserMetadata, next.User.UserMetadata):
		return auth.EventUserUpdated, true
	}
	return "", false
}

func userID(s *auth.Session) string {
	if s == nil || s.User == nil {
		return ""
	}
	return s.User.ID
}

// expire signs out a session that has run out without a way to refresh
// it. Nothing happens when stale has already been replaced.
func (c *Client) expire(ctx context.Context, stale *auth.Session) {
	c.transition.Lock()
	defer c.transition.Unlock()

	c.mu.RLock()
	current := c.session
	c.mu.RUnlock()
	if current == nil || current.AccessToken != stale.AccessToken {
		return
	}

	c.log.Info("session expired, signing out", "user_id", userID(current))
	c.commit(ctx, auth.EventSignedOut, nil)
}

// apply replaces the session, persists it and announces event, as one
// step relative to other transitions.
func (c *Client) apply(ctx context.Context, event auth.Event, sess *auth.Session) {
	c.transition.Lock()
	defer c.transition.Unlock()
	c.commit(ctx, event, sess)
}

// commit is apply for callers already holding transition.
func (c *Client) commit(ctx context.Context, event auth.Event, sess *auth.Session) {
	c.mu.Lock()
	c.session = sess.Clone()
	c.loaded = true
	c.mu.Unlock()

	var (
		rev int64
		err error
	)
	if sess == nil {
		rev, err = c.store.Clear(context.WithoutCancel(ctx))
	} else {
		rev, err = c.store.Save(context.WithoutCancel(ctx), sess)
	}
	if err != nil {
		c.log.Error("persisting session failed", "event", string(event), "error", err)
	} else {
		c.mu.Lock()
		c.revision = rev
		c.mu.Unlock()
	}

	c.announce(event, sess)
}

// announce calls every listener in registration order. Callers hold
// transition.
func (c *Client) announce(event auth.Event, sess *auth.Session) {
	c.subsMu.Lock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	c.subsMu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		c.subsMu.Lock()
		l, ok := c.subs[id]
		c.subsMu.Unlock()
		if ok {
			l(event, sess.Clone())
		}
	}
}

// token calls POST /token?grant_type=<grant>.
func (c *Client) token(ctx context.Context, grant string, body any) (*auth.Session, error) {
	u := c.http.URL("token")
	u.RawQuery = url.Values{"grant_type": {grant}}.Encode()
	req, err := c.http.NewRequest(ctx, http.MethodPost, u, body)
	if err != nil {
		return nil, err
	}

	var sess auth.Session
	if err := c.http.Do(req, &sess); err != nil {
		return nil, err
	}
	if sess.AccessToken == "" || sess.User == nil || sess.User.ID == "" {
		return nil, fmt.Errorf("%w: session without access token or user", ErrInvalidResponse)
	}
	if sess.ExpiresAt == 0 && sess.ExpiresIn > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(sess.ExpiresIn) * time.Second).Unix()
	}
	return &sess, nil
}

func (c *Client) fetchUser(ctx context.Context, accessToken string) (*auth.Identity, error) {
	req, err := c.http.NewRequest(ctx, http.MethodGet, c.http.URL("user"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	var user auth.Identity
	if err := c.http.Do(req, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: user without id", ErrInvalidResponse)
	}
	return &user, nil
}
