package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/nerrad567/baas-console/internal/audit"
	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/identity"
	"github.com/nerrad567/baas-console/internal/infrastructure/config"
	"github.com/nerrad567/baas-console/internal/infrastructure/database"
	"github.com/nerrad567/baas-console/internal/infrastructure/logging"
	"github.com/nerrad567/baas-console/internal/pipeline"
	"github.com/nerrad567/baas-console/internal/resource"
	"github.com/nerrad567/baas-console/internal/session"
	"github.com/nerrad567/baas-console/internal/storage"
	"github.com/nerrad567/baas-console/migrations"
)

const (
	testUserID   = "usr-1"
	testEmail    = "ada@example.com"
	testPassword = "hunter22"
)

// ─── Fake identity service ─────────────────────────────────────────

// fakeIdentity stands in for the identity client: it holds one session and
// announces every change to its listeners synchronously, in order.
type fakeIdentity struct {
	mu         sync.Mutex
	session    *auth.Session
	listeners  map[int]auth.Listener
	nextID     int
	signOutErr error
	signInErr  error
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{listeners: make(map[int]auth.Listener)}
}

type fakeSubscription struct {
	f  *fakeIdentity
	id int
}

func (s fakeSubscription) Unsubscribe() {
	s.f.mu.Lock()
	delete(s.f.listeners, s.id)
	s.f.mu.Unlock()
}

func (f *fakeIdentity) CurrentSession(context.Context) (*auth.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session.Clone(), nil
}

func (f *fakeIdentity) Subscribe(l auth.Listener) auth.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.listeners[f.nextID] = l
	return fakeSubscription{f: f, id: f.nextID}
}

func (f *fakeIdentity) SignOut(context.Context) error {
	f.apply(auth.EventSignedOut, nil)
	return f.signOutErr
}

func (f *fakeIdentity) SignInWithPassword(_ context.Context, email, password string) (*auth.Session, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	if password != testPassword {
		return nil, &pipeline.StatusError{
			Kind:    pipeline.ErrRequestFailed,
			Method:  http.MethodPost,
			URL:     "http://backend.test/auth/v1/token",
			Status:  http.StatusBadRequest,
			Code:    "invalid_grant",
			Message: "Invalid login credentials",
		}
	}
	sess := newSession(nil, "editor")
	sess.User.Email = email
	f.apply(auth.EventSignedIn, sess)
	return sess.Clone(), nil
}

func (f *fakeIdentity) UpdateUser(_ context.Context, metadata map[string]any) (*auth.Identity, error) {
	f.mu.Lock()
	if f.session == nil {
		f.mu.Unlock()
		return nil, identity.ErrNoSession
	}
	sess := f.session.Clone()
	f.mu.Unlock()

	if sess.User.UserMetadata == nil {
		sess.User.UserMetadata = map[string]any{}
	}
	for k, v := range metadata {
		sess.User.UserMetadata[k] = v
	}
	f.apply(auth.EventUserUpdated, sess)
	return sess.User.Clone(), nil
}

// setRole changes the role the way an administrator would, remotely.
func (f *fakeIdentity) setRole(t *testing.T, role string) {
	t.Helper()
	if _, err := f.UpdateUser(context.Background(), map[string]any{auth.MetadataRole: role}); err != nil {
		t.Fatalf("UpdateUser(role=%s) error = %v", role, err)
	}
}

func (f *fakeIdentity) apply(event auth.Event, sess *auth.Session) {
	f.mu.Lock()
	f.session = sess.Clone()
	ids := make([]int, 0, len(f.listeners))
	for id := range f.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]auth.Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, f.listeners[id])
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l(event, sess.Clone())
	}
}

// newSession builds a session whose access token is a real JWT for the
// test identity. An empty role leaves the metadata without one.
func newSession(t *testing.T, role string) *auth.Session {
	exp := time.Now().Add(time.Hour)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   testUserID,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email:  testEmail,
		DBRole: "authenticated",
	})
	signed, err := token.SignedString([]byte("backend-secret"))
	if err != nil && t != nil {
		t.Fatalf("SignedString() error = %v", err)
	}

	metadata := map[string]any{auth.MetadataFullName: "Ada Lovelace"}
	if role != "" {
		metadata[auth.MetadataRole] = role
	}
	return &auth.Session{
		AccessToken:  signed,
		RefreshToken: "refresh-1",
		TokenType:    "bearer",
		ExpiresIn:    3600,
		ExpiresAt:    exp.Unix(),
		User: &auth.Identity{
			ID:           testUserID,
			Email:        testEmail,
			UserMetadata: metadata,
			AppMetadata:  map[string]any{auth.MetadataProvider: "email"},
			CreatedAt:    time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		},
	}
}

// ─── Fake backend clients ──────────────────────────────────────────

// fakeRecords keeps collections in memory and remembers the last list options.
type fakeRecords struct {
	mu       sync.Mutex
	rows     map[string][]resource.Record
	seq      int
	lastList resource.ListOptions
	err      error
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{rows: make(map[string][]resource.Record)}
}

func (f *fakeRecords) List(_ context.Context, name string, opts resource.ListOptions) ([]resource.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = opts
	if f.err != nil {
		return nil, f.err
	}
	var out []resource.Record
	for _, r := range f.rows[name] {
		match := true
		for k, v := range opts.Filters {
			if fmt.Sprint(r[k]) != v {
				match = false
			}
		}
		if match {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRecords) GetByID(_ context.Context, name, id string) (resource.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.rows[name] {
		if r.ID() == id {
			return r, nil
		}
	}
	return nil, resource.ErrNotFound
}

func (f *fakeRecords) Create(_ context.Context, name string, rec resource.Record) (resource.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.seq++
	stored := resource.Record{"id": fmt.Sprintf("%d", f.seq)}
	for k, v := range rec {
		stored[k] = v
	}
	f.rows[name] = append(f.rows[name], stored)
	return stored, nil
}

func (f *fakeRecords) Update(_ context.Context, name, id string, partial resource.Record) (resource.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, r := range f.rows[name] {
		if r.ID() == id {
			for k, v := range partial {
				r[k] = v
			}
			return r, nil
		}
	}
	return nil, resource.ErrNotFound
}

func (f *fakeRecords) Delete(_ context.Context, name, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.rows[name] = slices.DeleteFunc(f.rows[name], func(r resource.Record) bool { return r.ID() == id })
	return nil
}

// fakeFiles keeps one bucket of objects in memory.
type fakeFiles struct {
	mu       sync.Mutex
	objects  []storage.Object
	uploaded map[string][]byte
	opts     storage.UploadOptions
	listOpts storage.ListOptions
	removed  []string
	err      error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{uploaded: make(map[string][]byte)}
}

func (f *fakeFiles) List(_ context.Context, _ string, opts storage.ListOptions) ([]storage.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	return slices.Clone(f.objects), nil
}

func (f *fakeFiles) Upload(_ context.Context, bucket, name string, content io.Reader, opts storage.UploadOptions) (string, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploaded[name] = data
	f.opts = opts
	return bucket + "/" + name, nil
}

func (f *fakeFiles) Remove(_ context.Context, _ string, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, names...)
	return nil
}

func (f *fakeFiles) PublicURL(bucket, name string) string {
	return "http://backend.test/storage/v1/object/public/" + bucket + "/" + name
}

// ─── Test environment ──────────────────────────────────────────────

type testEnv struct {
	srv      *Server
	router   http.Handler
	identity *fakeIdentity
	provider *session.Provider
	records  *fakeRecords
	files    *fakeFiles
	audit    *audit.SQLiteRepository
}

type envOption func(*Deps)

func withRateLimit(rpm, burst int) envOption {
	return func(d *Deps) {
		d.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: rpm, Burst: burst}
	}
}

func withMemberRole(role string) envOption {
	return func(d *Deps) { d.Gate.MemberRole = role }
}

// withViews serves a page that echoes its path.
func withViews() envOption {
	return func(d *Deps) {
		d.Views = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "page "+r.URL.Path) //nolint:errcheck // test handler
		})
	}
}

func testDeps() Deps {
	return Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Port:     0,
			Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Gate: config.GateConfig{
			LoginPath:  "/auth/login",
			HomePath:   "/",
			MemberRole: "user",
			AdminRole:  "admin",
		},
		Backend: config.BackendConfig{Schema: "public"},
		Resources: []config.ResourceConfig{
			{Name: "productos", ReadRole: "viewer", WriteRole: "editor", OrderBy: "-created_at", Realtime: true},
			{Name: "notes", ReadRole: "user", WriteRole: "user", OwnerColumn: "user_id", Realtime: true},
		},
		Storage: config.StorageConfig{
			Bucket:       "images",
			ReadRole:     "user",
			WriteRole:    "user",
			ListLimit:    100,
			CacheControl: 3600,
			MaxUploadMB:  1,
		},
		Version: "test",
	}
}

// newTestEnv builds a server over fakes. role "" starts signed out;
// otherwise the identity service already holds a session with that role.
// The provider is attached and initialised unless loading is true.
func newTestEnv(t *testing.T, role string, opts ...envOption) *testEnv {
	t.Helper()
	return buildTestEnv(t, role, false, opts...)
}

func newLoadingTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return buildTestEnv(t, "", true)
}

func buildTestEnv(t *testing.T, role string, loading bool, opts ...envOption) *testEnv {
	t.Helper()

	db, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), migrations.FS); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	log := logging.Discard()
	env := &testEnv{
		identity: newFakeIdentity(),
		records:  newFakeRecords(),
		files:    newFakeFiles(),
		audit:    audit.NewSQLiteRepository(db.DB),
	}
	if role != "" {
		env.identity.session = newSession(t, role)
	}

	env.provider = session.New(env.identity, session.Options{
		Navigator: session.NavigatorFunc(func(path string) {
			if env.srv != nil {
				env.srv.Navigate(path)
			}
		}),
		LoginPath: "/auth/login",
		Auditor:   env.audit,
		Logger:    log,
	})
	t.Cleanup(env.provider.Close)

	deps := testDeps()
	deps.Logger = log
	deps.Provider = env.provider
	deps.Identity = env.identity
	deps.Records = env.records
	deps.Files = env.files
	deps.Audit = env.audit
	deps.DB = db
	for _, o := range opts {
		o(&deps)
	}

	env.srv, err = New(deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	env.router = env.srv.Handler()

	detach, err := env.provider.Attach(context.Background())
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	t.Cleanup(detach)

	if !loading {
		if err := env.provider.Initialize(context.Background()); err != nil {
			t.Fatalf("Initialize() error = %v", err)
		}
	}
	return env
}

// do sends a request through the router. body is JSON-encoded unless it is
// already an io.Reader.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		r = b
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func (e *testEnv) auditActions(t *testing.T) []string {
	t.Helper()
	res, err := e.audit.List(context.Background(), audit.Filter{Limit: 200})
	if err != nil {
		t.Fatalf("audit List() error = %v", err)
	}
	actions := make([]string, 0, len(res.Entries))
	for i := len(res.Entries) - 1; i >= 0; i-- {
		actions = append(actions, res.Entries[i].Action)
	}
	return actions
}

// newHubClient registers a client without a connection, as the hub tests
// and relay tests need.
func newHubClient(srv *Server, channels ...string) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		hub:           srv.hub,
		srv:           srv,
		send:          make(chan []byte, wsSendBufferSize),
		ctx:           ctx,
		cancel:        cancel,
		subscriptions: make(map[string]context.CancelFunc),
	}
	for _, ch := range channels {
		c.subscriptions[ch] = func() {}
	}
	srv.hub.Register(c)
	return c
}

func receive(t *testing.T, c *WSClient) WSMessage {
	t.Helper()
	select {
	case data, ok := <-c.send:
		if !ok {
			t.Fatal("client send channel closed")
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return WSMessage{}
}

func expectNothing(t *testing.T, c *WSClient) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Errorf("unexpected message: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

var errBoom = errors.New("boom")
