package identity

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/pipeline"
)

// fakeGoTrue implements the handful of identity endpoints the client uses.
type fakeGoTrue struct {
	mu        sync.Mutex
	password  string
	user      auth.Identity
	access    map[string]bool
	refresh   map[string]bool
	seq       int
	expiresIn int64

	refreshCalls int
	refreshGate  chan struct{} // when non-nil, refresh waits for it
	refreshSeen  chan struct{} // signalled on each refresh arrival
	logoutStatus int
}

func newFakeGoTrue() *fakeGoTrue {
	return &fakeGoTrue{
		password:  "hunter22",
		user:      auth.Identity{ID: "usr-1", Email: "ada@example.com", UserMetadata: map[string]any{"role": "editor"}},
		access:    map[string]bool{},
		refresh:   map[string]bool{},
		expiresIn: 3600,
	}
}

func (f *fakeGoTrue) issue() map[string]any {
	f.seq++
	at := fmt.Sprintf("access-%d", f.seq)
	rt := fmt.Sprintf("refresh-%d", f.seq)
	f.access[at] = true
	f.refresh[rt] = true
	return map[string]any{
		"access_token":  at,
		"refresh_token": rt,
		"token_type":    "bearer",
		"expires_in":    f.expiresIn,
		"user":          f.user,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // test server
}

func (f *fakeGoTrue) bearer(r *http.Request) (string, bool) {
	tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return tok, f.access[tok]
}

func (f *fakeGoTrue) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/auth/v1/")

	if path == "token" && r.URL.Query().Get("grant_type") == "refresh_token" {
		f.mu.Lock()
		f.refreshCalls++
		seen, gate := f.refreshSeen, f.refreshGate
		f.mu.Unlock()
		if seen != nil {
			seen <- struct{}{}
		}
		if gate != nil {
			<-gate
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	var body map[string]any
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck // test server
	}

	switch {
	case path == "token" && r.URL.Query().Get("grant_type") == "password":
		if body["email"] != f.user.Email || body["password"] != f.password {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid_grant", "error_description": "Invalid login credentials",
			})
			return
		}
		writeJSON(w, http.StatusOK, f.issue())
	case path == "token":
		rt, _ := body["refresh_token"].(string)
		if !f.refresh[rt] {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid_grant", "error_description": "Invalid Refresh Token: Refresh Token Not Found",
			})
			return
		}
		delete(f.refresh, rt)
		writeJSON(w, http.StatusOK, f.issue())
	case path == "user" && r.Method == http.MethodGet:
		if _, ok := f.bearer(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT"})
			return
		}
		writeJSON(w, http.StatusOK, f.user)
	case path == "user" && r.Method == http.MethodPut:
		if _, ok := f.bearer(r); !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "invalid JWT"})
			return
		}
		data, _ := body["data"].(map[string]any)
		if f.user.UserMetadata == nil {
			f.user.UserMetadata = map[string]any{}
		}
		for k, v := range data {
			f.user.UserMetadata[k] = v
		}
		writeJSON(w, http.StatusOK, f.user)
	case path == "logout":
		if f.logoutStatus != 0 {
			writeJSON(w, f.logoutStatus, map[string]string{"msg": "logout failed"})
			return
		}
		tok, _ := f.bearer(r)
		delete(f.access, tok)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeGoTrue) setRole(role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.user.UserMetadata["role"] = role
}

func (f *fakeGoTrue) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []auth.Event
	last   *auth.Session
}

func (r *recorder) listen(e auth.Event, s *auth.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	r.last = s
}

func (r *recorder) got() []auth.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]auth.Event(nil), r.events...)
}

func newTestClient(t *testing.T, store Store) (*Client, *fakeGoTrue) {
	t.Helper()
	fake := newFakeGoTrue()

	// Served in-process so no transport goroutines outlive a test.
	inProcess := pipeline.DoerFunc(func(req *http.Request) (*http.Response, error) {
		rec := httptest.NewRecorder()
		fake.ServeHTTP(rec, req)
		return rec.Result(), nil
	})
	c, err := New("http://identity.test", pipeline.New(pipeline.Options{
		Service:    "identity",
		APIKey:     "anon",
		HTTPClient: inProcess,
	}), Options{Store: store, RefreshInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, fake
}
