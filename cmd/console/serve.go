package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/nerrad567/baas-console/internal/api"
	"github.com/nerrad567/baas-console/internal/audit"
	"github.com/nerrad567/baas-console/internal/infrastructure/mqtt"
	"github.com/nerrad567/baas-console/internal/realtime"
	"github.com/nerrad567/baas-console/internal/session"
	"github.com/nerrad567/baas-console/internal/views"
)

// serve runs the console until ctx is cancelled.
//
// Startup order: session provider attached to the identity stream, API
// server (its hub is the provider's navigator), change feed over MQTT when
// realtime is enabled, the initial session read, then the refresh loop.
// Shutdown runs the same steps in reverse through defers.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - a: Opened application
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func serve(ctx context.Context, a *app) error {
	log := a.log
	log.Info("starting console",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	auditRepo := audit.NewSQLiteRepository(a.db.DB)

	// The server's hub is the navigator but needs the provider first.
	var nav atomic.Pointer[api.Server]
	provider := session.New(a.identity, session.Options{
		Navigator: session.NavigatorFunc(func(path string) {
			if srv := nav.Load(); srv != nil {
				srv.Navigate(path)
			}
		}),
		LoginPath: a.cfg.Gate.LoginPath,
		Auditor:   auditRepo,
		Logger:    log.With("component", "session"),
	})
	defer provider.Close()

	detach, err := provider.Attach(ctx)
	if err != nil {
		return fmt.Errorf("attaching session provider: %w", err)
	}
	defer detach()

	deps := api.Deps{
		Config:    a.cfg.API,
		WS:        a.cfg.WebSocket,
		Gate:      a.cfg.Gate,
		Backend:   a.cfg.Backend,
		Resources: a.cfg.Resources,
		Storage:   a.cfg.Storage,
		RateLimit: a.cfg.Security.RateLimit,
		Logger:    log,
		Provider:  provider,
		Identity:  a.identity,
		Records:   a.records,
		Files:     a.files,
		Audit:     auditRepo,
		DB:        a.db,
		Views:     views.Handler(a.cfg.API.ViewsDir),
		Version:   version,
	}
	if a.influx != nil {
		deps.InfluxDB = a.influx
	}

	if a.cfg.Realtime.Enabled {
		mqttClient, feed, err := connectChangeFeed(a)
		if err != nil {
			// Views still work without live refresh.
			log.Warn("change feed unavailable, realtime refresh disabled", "error", err)
		} else {
			defer func() {
				if err := feed.Close(); err != nil {
					log.Error("error closing change feed", "error", err)
				}
				log.Info("disconnecting from MQTT")
				if err := mqttClient.Close(); err != nil {
					log.Error("error closing MQTT", "error", err)
				}
			}()
			deps.Changes = feed
			deps.MQTT = mqttClient
		}
	}

	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	nav.Store(srv)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}()
	log.Info("API listening", "address", net.JoinHostPort(a.cfg.API.Host, strconv.Itoa(a.cfg.API.Port)))

	checks := []namedCheck{{"database", a.db}, {"api", srv}}
	if deps.MQTT != nil {
		checks = append(checks, namedCheck{"mqtt", deps.MQTT})
	}
	if a.influx != nil {
		checks = append(checks, namedCheck{"influxdb", a.influx})
	}
	healthCtx, cancel := context.WithTimeout(ctx, startupHealthTimeout)
	err = healthCheck(healthCtx, checks)
	cancel()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("health check passed")

	if err := provider.Initialize(ctx); err != nil {
		log.Warn("continuing signed out", "error", err)
	}
	st := provider.State()
	log.Info("session ready", "authenticated", st.Authenticated(), "user_id", st.UserID())

	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		a.identity.Run(ctx)
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	<-refreshDone

	log.Info("console stopped")
	return nil
}

// startupHealthTimeout bounds the health check run once everything is up.
const startupHealthTimeout = 10 * time.Second

// checker is anything serve can health check.
type checker interface {
	HealthCheck(ctx context.Context) error
}

type namedCheck struct {
	name  string
	check checker
}

// healthCheck verifies every connection serve depends on.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - checks: Services to check, in order
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks []namedCheck) error {
	for _, c := range checks {
		if err := c.check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", c.name, err)
		}
	}
	return nil
}

// connectChangeFeed connects to the broker the backend's change bridge
// publishes to and builds the realtime transport over it.
func connectChangeFeed(a *app) (*mqtt.Client, *realtime.Transport, error) {
	client, err := mqtt.Connect(a.cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	log := a.log.With("component", "realtime")
	client.SetLogger(log)
	client.SetOnConnect(func() { log.Info("MQTT reconnected") })
	client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

	feed := realtime.New(client, realtime.Options{
		TopicPrefix: a.cfg.Realtime.TopicPrefix,
		QoS:         byte(a.cfg.MQTT.QoS),
		Logger:      log,
	})
	log.Info("change feed connected",
		"broker", net.JoinHostPort(a.cfg.MQTT.Broker.Host, strconv.Itoa(a.cfg.MQTT.Broker.Port)),
		"prefix", a.cfg.Realtime.TopicPrefix,
	)
	return client, feed, nil
}
