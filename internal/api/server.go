// Package api provides the console's local HTTP API and WebSocket server.
//
// It exposes the signed-in session (sign-in, profile, tokens), the backend's
// collections and object storage, and the admin panel to the operator's
// browser. Every protected route sits behind the authorisation gate; change
// notifications from the backend are relayed to WebSocket clients so views
// re-fetch without polling.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/baas-console/internal/audit"
	"github.com/nerrad567/baas-console/internal/auth"
	"github.com/nerrad567/baas-console/internal/gate"
	"github.com/nerrad567/baas-console/internal/infrastructure/config"
	"github.com/nerrad567/baas-console/internal/infrastructure/database"
	"github.com/nerrad567/baas-console/internal/infrastructure/logging"
	"github.com/nerrad567/baas-console/internal/realtime"
	"github.com/nerrad567/baas-console/internal/resource"
	"github.com/nerrad567/baas-console/internal/session"
	"github.com/nerrad567/baas-console/internal/storage"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// SessionProvider is the session container the server reads and signs out
// through; *session.Provider satisfies it.
type SessionProvider interface {
	State() session.State
	Subscribe(fn func(session.State)) (unsubscribe func())
	SignOut(ctx context.Context) error
}

// IdentityService is the part of the identity client the handlers call.
type IdentityService interface {
	SignInWithPassword(ctx context.Context, email, password string) (*auth.Session, error)
	UpdateUser(ctx context.Context, metadata map[string]any) (*auth.Identity, error)
}

// RecordService is the generic collection client.
type RecordService interface {
	List(ctx context.Context, resource string, opts resource.ListOptions) ([]resource.Record, error)
	GetByID(ctx context.Context, resource, id string) (resource.Record, error)
	Create(ctx context.Context, resource string, record resource.Record) (resource.Record, error)
	Update(ctx context.Context, resource, id string, partial resource.Record) (resource.Record, error)
	Delete(ctx context.Context, resource, id string) error
}

// FileService is the object storage client.
type FileService interface {
	List(ctx context.Context, bucket string, opts storage.ListOptions) ([]storage.Object, error)
	Upload(ctx context.Context, bucket, name string, content io.Reader, opts storage.UploadOptions) (string, error)
	Remove(ctx context.Context, bucket string, names ...string) error
	PublicURL(bucket, name string) string
}

// ChangeFeed opens change-notification channels; *realtime.Transport
// satisfies it.
type ChangeFeed interface {
	SubscribeToTable(schema, table, filter string, onEvent func(realtime.Change)) (*realtime.Channel, error)
	Channels() int
}

// Connectivity reports whether an optional backing service is reachable.
// IsConnected is the last known state; HealthCheck asks the service.
type Connectivity interface {
	IsConnected() bool
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Gate      config.GateConfig
	Backend   config.BackendConfig
	Resources []config.ResourceConfig
	Storage   config.StorageConfig
	RateLimit config.RateLimitConfig

	Logger   *logging.Logger
	Provider SessionProvider
	Identity IdentityService
	Records  RecordService
	Files    FileService
	Audit    audit.Repository

	Changes  ChangeFeed   // optional: nil disables the WebSocket relay of backend changes
	DB       *database.DB // optional: pool statistics in /metrics
	MQTT     Connectivity // optional
	InfluxDB Connectivity // optional
	Views    http.Handler // optional: console pages, served behind the gate

	Version string
}

// resourceRoute is a configured collection with its parsed roles.
type resourceRoute struct {
	cfg   config.ResourceConfig
	read  auth.Role
	write auth.Role
}

// Server is the console's HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	gateCfg   config.GateConfig
	backend   config.BackendConfig
	storeCfg  config.StorageConfig
	rateLimit config.RateLimitConfig
	logger    *logging.Logger
	version   string
	startTime time.Time

	provider SessionProvider
	gate     *gate.Gate
	identity IdentityService
	records  RecordService
	files    FileService
	audit    audit.Repository
	changes  ChangeFeed
	db       *database.DB
	mqtt     Connectivity
	influx   Connectivity
	views    http.Handler

	resources  []resourceRoute
	adminRole  auth.Role
	memberRole auth.Role
	fileRead   auth.Role
	fileWrite  auth.Role

	server *http.Server
	hub    *Hub
	cancel context.CancelFunc // cancels background goroutines on Close()

	relayMu  sync.Mutex
	channels []*realtime.Channel
	unwatch  func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called. Role names are parsed
// here; configuration validation has normally rejected unknown ones already.
//
// Parameters:
//   - deps: Required dependencies (logger, session provider, backend clients, audit)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing or a role is unknown
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, fmt.Errorf("logger is required")
	case deps.Provider == nil:
		return nil, fmt.Errorf("session provider is required")
	case deps.Identity == nil:
		return nil, fmt.Errorf("identity service is required")
	case deps.Records == nil:
		return nil, fmt.Errorf("record service is required")
	case deps.Files == nil:
		return nil, fmt.Errorf("file service is required")
	case deps.Audit == nil:
		return nil, fmt.Errorf("audit repository is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		gateCfg:   deps.Gate,
		backend:   deps.Backend,
		storeCfg:  deps.Storage,
		rateLimit: deps.RateLimit,
		logger:    deps.Logger.With("component", "api"),
		version:   deps.Version,
		startTime: time.Now(),
		provider:  deps.Provider,
		identity:  deps.Identity,
		records:   deps.Records,
		files:     deps.Files,
		audit:     deps.Audit,
		changes:   deps.Changes,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		influx:    deps.InfluxDB,
		views:     deps.Views,
	}

	var err error
	if s.memberRole, err = auth.ParseRole(deps.Gate.MemberRole); err != nil {
		return nil, fmt.Errorf("gate.member_role: %w", err)
	}
	if s.adminRole, err = auth.ParseRole(deps.Gate.AdminRole); err != nil {
		return nil, fmt.Errorf("gate.admin_role: %w", err)
	}
	if s.fileRead, err = auth.ParseRole(deps.Storage.ReadRole); err != nil {
		return nil, fmt.Errorf("storage.read_role: %w", err)
	}
	if s.fileWrite, err = auth.ParseRole(deps.Storage.WriteRole); err != nil {
		return nil, fmt.Errorf("storage.write_role: %w", err)
	}
	for _, rc := range deps.Resources {
		route := resourceRoute{cfg: rc}
		if route.read, err = auth.ParseRole(rc.ReadRole); err != nil {
			return nil, fmt.Errorf("resource %q read_role: %w", rc.Name, err)
		}
		if route.write, err = auth.ParseRole(rc.WriteRole); err != nil {
			return nil, fmt.Errorf("resource %q write_role: %w", rc.Name, err)
		}
		s.resources = append(s.resources, route)
	}

	s.gate = gate.New(deps.Provider, gate.Options{
		LoginPath: deps.Gate.LoginPath,
		HomePath:  deps.Gate.HomePath,
		Logger:    s.logger,
	})
	s.hub = NewHub(s.wsCfg, s.logger)

	return s, nil
}

// Gate returns the authorisation gate the server guards its routes with.
func (s *Server) Gate() *gate.Gate {
	return s.gate
}

// Navigate tells every connected view to move to path. It is the session
// provider's navigator.
func (s *Server) Navigate(path string) {
	s.hub.Navigate(path)
}

// Handler builds the router. Start serves it; tests call it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, relays session changes and backend change
// notifications to WebSocket clients, and launches the HTTP listener in a
// background goroutine. The server can be stopped with Close().
//
// Parameters:
//   - ctx: Context for cancellation (not used for listener lifetime)
//
// Returns:
//   - error: If the relay cannot be set up
func (s *Server) Start(ctx context.Context) error {
	// Create internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)

	s.relaySession()
	if err := s.relayChanges(); err != nil {
		s.logger.Warn("failed to subscribe to backend changes for WebSocket relay", "error", err)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It releases the change relay, then waits up to 10 seconds for in-flight
// requests to complete before forcefully closing remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	relayErr := s.stopRelay()

	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return relayErr
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.Join(relayErr, fmt.Errorf("shutting down API server: %w", err))
	}
	return relayErr
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// relaySession pushes every provider state change to "session.changed".
func (s *Server) relaySession() {
	unsubscribe := s.provider.Subscribe(func(st session.State) {
		s.hub.Broadcast(ChannelSession, sessionView(st))
	})
	s.relayMu.Lock()
	s.unwatch = unsubscribe
	s.relayMu.Unlock()
}

// relayChanges opens one change channel per realtime resource and one for
// the storage bucket. Each change becomes a "<channel>" event carrying the
// change type; views re-fetch on receipt.
func (s *Server) relayChanges() error {
	if s.changes == nil {
		return nil
	}

	var errs []error
	open := func(schema, table, filter, channel string) {
		ch, err := s.changes.SubscribeToTable(schema, table, filter, func(c realtime.Change) {
			s.hub.Broadcast(channel, changeView(c))
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.%s: %w", schema, table, err))
			return
		}
		s.relayMu.Lock()
		s.channels = append(s.channels, ch)
		s.relayMu.Unlock()
	}

	for _, rr := range s.resources {
		if rr.cfg.Realtime {
			open(s.schema(), rr.cfg.Name, "", recordsChannel(rr.cfg.Name))
		}
	}
	open("storage", "objects", "bucket_id=eq."+s.storeCfg.Bucket, ChannelFiles)

	return errors.Join(errs...)
}

func (s *Server) stopRelay() error {
	s.relayMu.Lock()
	channels := s.channels
	s.channels = nil
	unwatch := s.unwatch
	s.unwatch = nil
	s.relayMu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	var errs []error
	for _, ch := range channels {
		if err := ch.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Server) schema() string {
	if s.backend.Schema == "" {
		return "public"
	}
	return s.backend.Schema
}

// channelRole returns the role a WebSocket client needs to subscribe to
// channel, and false for an unknown channel.
func (s *Server) channelRole(channel string) (auth.Role, bool) {
	switch channel {
	case ChannelSession:
		return auth.RoleViewer, true
	case ChannelFiles:
		return s.fileRead, true
	}
	for _, rr := range s.resources {
		if recordsChannel(rr.cfg.Name) == channel {
			return rr.read, true
		}
	}
	return 0, false
}

