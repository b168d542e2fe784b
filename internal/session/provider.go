package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/nerrad567/baas-console/internal/audit"
	"github.com/nerrad567/baas-console/internal/auth"
)

// ErrAlreadyAttached is returned by Attach while a previous attachment is live.
var ErrAlreadyAttached = errors.New("session: provider already attached")

// IdentityService is the part of the identity client the provider uses.
type IdentityService interface {
	CurrentSession(ctx context.Context) (*auth.Session, error)
	Subscribe(l auth.Listener) auth.Subscription
	SignOut(ctx context.Context) error
}

// Navigator moves the operator's view to another surface.
type Navigator interface {
	Navigate(path string)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(path string)

// Navigate calls f(path).
func (f NavigatorFunc) Navigate(path string) { f(path) }

// Auditor receives one entry per applied transition.
type Auditor interface {
	Create(ctx context.Context, e *audit.Entry) error
}

// Logger is the logging surface the provider needs.
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

// Options configures a Provider. Everything but the identity service is optional.
type Options struct {
	Navigator Navigator
	LoginPath string // default "/auth/login"
	Auditor   Auditor
	Logger    Logger
}

// Provider owns the session and role. All writes go through it.
type Provider struct {
	identity  IdentityService
	nav       Navigator
	loginPath string
	auditor   Auditor
	log       Logger

	// writeMu serialises writes together with their publication.
	writeMu sync.Mutex
	closed  bool

	mu    sync.RWMutex
	state State

	subsMu sync.Mutex
	subs   map[uint64]func(State)
	nextID uint64

	initMu   sync.Mutex
	initDone chan struct{}
	initErr  error

	attachMu sync.Mutex
	attached bool
}

// New creates a provider in the loading state.
func New(identity IdentityService, opts Options) *Provider {
	p := &Provider{
		identity:  identity,
		nav:       opts.Navigator,
		loginPath: opts.LoginPath,
		auditor:   opts.Auditor,
		log:       opts.Logger,
		subs:      make(map[uint64]func(State)),
	}
	if p.loginPath == "" {
		p.loginPath = "/auth/login"
	}
	if p.log == nil {
		p.log = noopLogger{}
	}
	return p
}

// State returns a copy of the current state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.clone()
}

// HasRole reports whether the current session's role ranks at least
// required. It panics with auth.ErrMisconfiguredRole for an invalid role.
func (p *Provider) HasRole(required auth.Role) bool {
	return p.State().HasRole(required)
}

// Initialize fetches the current session once. Later calls wait for the
// first to finish and return its error. A failed fetch still leaves the
// provider ready, with no session.
//
// The fetched session is dropped when an identity change was applied
// while the fetch was in flight.
func (p *Provider) Initialize(ctx context.Context) error {
	p.initMu.Lock()
	if p.initDone != nil {
		done := p.initDone
		p.initMu.Unlock()
		select {
		case <-done:
			return p.initErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	p.initDone = done
	p.initMu.Unlock()

	p.mu.RLock()
	startVersion := p.state.Version
	p.mu.RUnlock()

	sess, err := p.identity.CurrentSession(ctx)
	if err != nil {
		p.log.Warn("initial session fetch failed, continuing signed out", "error", err)
		sess = nil
	}

	p.writeMu.Lock()
	switch {
	case p.closed:
	case p.currentVersion() != startVersion:
		p.log.Debug("discarding stale initial session")
	default:
		p.write(context.WithoutCancel(ctx), audit.ActionInitialSession, sess)
	}
	p.writeMu.Unlock()

	p.initErr = err
	close(done)
	return err
}

// OnIdentityChanged applies an identity change notification. It is the
// listener registered by Attach and may also be called directly.
//
// Subscribers must not call OnIdentityChanged from their callback.
func (p *Provider) OnIdentityChanged(event auth.Event, sess *auth.Session) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.closed {
		return
	}
	if event == auth.EventSignedOut {
		sess = nil
	}
	p.write(context.Background(), actionFor(event), sess)
}

// SignOut asks the identity service to end the session, then always
// clears local state and navigates to the login surface. The remote error
// is returned but never prevents the local transition.
func (p *Provider) SignOut(ctx context.Context) error {
	err := p.identity.SignOut(ctx)
	if err != nil {
		p.log.Warn("identity service sign-out failed", "error", err)
	}

	p.writeMu.Lock()
	if !p.closed && (p.currentSession() || p.state.Status == StatusLoading) {
		p.write(context.WithoutCancel(ctx), audit.ActionSignedOut, nil)
	}
	p.writeMu.Unlock()

	if p.nav != nil {
		p.nav.Navigate(p.loginPath)
	}
	return err
}

// Subscribe registers fn for every applied write. Calls arrive in write
// order. The returned func removes the subscription and may be called
// more than once.
func (p *Provider) Subscribe(fn func(State)) (unsubscribe func()) {
	p.subsMu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.subsMu.Lock()
			delete(p.subs, id)
			p.subsMu.Unlock()
		})
	}
}

// Attach registers the provider with the identity change stream. The
// registration is released exactly once, by detach or when ctx is done,
// whichever happens first.
func (p *Provider) Attach(ctx context.Context) (detach func(), err error) {
	p.attachMu.Lock()
	defer p.attachMu.Unlock()
	if p.attached {
		return nil, ErrAlreadyAttached
	}
	p.attached = true

	sub := p.identity.Subscribe(p.OnIdentityChanged)

	var once sync.Once
	release := func() {
		once.Do(func() {
			sub.Unsubscribe()
			p.attachMu.Lock()
			p.attached = false
			p.attachMu.Unlock()
			p.log.Debug("session provider detached")
		})
	}
	stop := context.AfterFunc(ctx, release)

	return func() {
		stop()
		release()
	}, nil
}

// Close stops all further writes and notifications. Results arriving
// afterwards are discarded.
func (p *Provider) Close() {
	p.writeMu.Lock()
	p.closed = true
	p.writeMu.Unlock()

	p.subsMu.Lock()
	clear(p.subs)
	p.subsMu.Unlock()
}

// write replaces the state and publishes it. Callers hold writeMu.
func (p *Provider) write(ctx context.Context, action string, sess *auth.Session) {
	p.mu.Lock()
	next := stateFor(sess, p.state.Version+1)
	p.state = next
	p.mu.Unlock()

	if next.RoleErr != nil {
		p.log.Warn("identity carries an unrecognised role", "user_id", next.UserID(), "error", next.RoleErr)
	}
	p.record(ctx, action, next)
	p.publish(next)
}

func (p *Provider) publish(st State) {
	p.subsMu.Lock()
	ids := make([]uint64, 0, len(p.subs))
	for id := range p.subs {
		ids = append(ids, id)
	}
	p.subsMu.Unlock()
	slices.Sort(ids)

	for _, id := range ids {
		p.subsMu.Lock()
		fn, ok := p.subs[id]
		p.subsMu.Unlock()
		if ok {
			fn(st.clone())
		}
	}
}

func (p *Provider) record(ctx context.Context, action string, st State) {
	if p.auditor == nil || action == "" {
		return
	}
	e := &audit.Entry{
		Action:    action,
		UserID:    st.UserID(),
		CreatedAt: time.Now().UTC(),
	}
	if st.Authenticated() && st.RoleErr == nil {
		e.Role = st.Role.String()
	}
	if err := p.auditor.Create(ctx, e); err != nil {
		p.log.Error("recording audit entry failed", "action", action, "error", err)
	}
}

func (p *Provider) currentVersion() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Version
}

func (p *Provider) currentSession() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Session != nil
}

func actionFor(event auth.Event) string {
	switch event {
	case auth.EventInitialSession:
		return audit.ActionInitialSession
	case auth.EventSignedIn:
		return audit.ActionSignedIn
	case auth.EventSignedOut:
		return audit.ActionSignedOut
	case auth.EventTokenRefreshed:
		return audit.ActionTokenRefreshed
	case auth.EventUserUpdated:
		return audit.ActionUserUpdated
	default:
		return ""
	}
}
