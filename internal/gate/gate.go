// Package gate decides whether the current session may see a protected
// surface, and enforces that decision on HTTP handlers and long-lived
// views.
package gate

import (
	"context"
	"net/http"
	"sync"

	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/session"
)

// Decision is the outcome of evaluating a session against a required role.
type Decision uint8

const (
	// Pending means the session is not known yet. It is not a denial.
	Pending Decision = iota
	Allow
	DenyUnauthenticated
	DenyInsufficientRole
)

// String returns the decision's wire name.
func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyUnauthenticated:
		return "deny-unauthenticated"
	case DenyInsufficientRole:
		return "deny-insufficient-role"
	default:
		return "pending"
	}
}

// Err returns the error a denial stands for, or nil.
func (d Decision) Err() error {
	switch d {
	case DenyUnauthenticated:
		return auth.ErrUnauthenticated
	case DenyInsufficientRole:
		return auth.ErrInsufficientRole
	default:
		return nil
	}
}

// Evaluate decides st against required. It panics with
// auth.ErrMisconfiguredRole when required is not a role.
func Evaluate(st session.State, required auth.Role) Decision {
	auth.MustBeValid(required)
	switch {
	case st.Loading():
		return Pending
	case !st.Authenticated():
		return DenyUnauthenticated
	case !st.HasRole(required):
		return DenyInsufficientRole
	default:
		return Allow
	}
}

// StateSource is what the gate reads decisions from; *session.Provider
// satisfies it.
type StateSource interface {
	State() session.State
	Subscribe(fn func(session.State)) (unsubscribe func())
}

// Logger is the logging surface the gate needs.
type Logger interface {
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}

// Options configures a Gate.
type Options struct {
	LoginPath string // default "/auth/login"
	HomePath  string // default "/"
	Logger    Logger
}

// Gate enforces role requirements against a StateSource.
type Gate struct {
	src       StateSource
	loginPath string
	homePath  string
	log       Logger
}

// New creates a Gate.
func New(src StateSource, opts Options) *Gate {
	g := &Gate{
		src:       src,
		loginPath: opts.LoginPath,
		homePath:  opts.HomePath,
		log:       opts.Logger,
	}
	if g.loginPath == "" {
		g.loginPath = "/auth/login"
	}
	if g.homePath == "" {
		g.homePath = "/"
	}
	if g.log == nil {
		g.log = noopLogger{}
	}
	return g
}

// Decide evaluates the current state against required.
func (g *Gate) Decide(required auth.Role) Decision {
	return Evaluate(g.src.State(), required)
}

// Guard returns middleware that lets a request through only when the
// session holds at least required. While the session is loading it
// answers 503 with a placeholder body; denials redirect once (303) to the
// login or home surface and never reach next.
//
// Guard panics with auth.ErrMisconfiguredRole when required is not a role.
func (g *Gate) Guard(required auth.Role) func(http.Handler) http.Handler {
	auth.MustBeValid(required)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch d := g.Decide(required); d {
			case Allow:
				next.ServeHTTP(w, r)
			case Pending:
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"loading"}`)) //nolint:errcheck // best-effort placeholder
			case DenyUnauthenticated:
				g.log.Debug("gate denied request", "path", r.URL.Path, "decision", d.String())
				http.Redirect(w, r, g.loginPath, http.StatusSeeOther)
			default:
				g.log.Debug("gate denied request", "path", r.URL.Path, "decision", d.String())
				http.Redirect(w, r, g.homePath, http.StatusSeeOther)
			}
		})
	}
}

// Watch calls fn with the current decision and then every time a state
// change alters it, until ctx is done. fn runs on the writer's goroutine
// and must not block.
//
// Watch panics with auth.ErrMisconfiguredRole when required is not a role.
func (g *Gate) Watch(ctx context.Context, required auth.Role, fn func(Decision)) {
	auth.MustBeValid(required)

	var (
		mu       sync.Mutex
		last     Decision
		version  uint64
		reported bool
		stopped  bool
	)
	report := func(st session.State) {
		version = st.Version
		if d := Evaluate(st, required); !reported || d != last {
			reported = true
			last = d
			fn(d)
		}
	}
	deliver := func(st session.State) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || st.Version < version {
			return
		}
		report(st)
	}

	unsubscribe := g.src.Subscribe(deliver)

	// A change delivered since Subscribe already reported a decision at
	// least as new as the snapshot.
	mu.Lock()
	if !reported {
		report(g.src.State())
	}
	mu.Unlock()

	context.AfterFunc(ctx, func() {
		unsubscribe()
		mu.Lock()
		stopped = true
		mu.Unlock()
	})
}
