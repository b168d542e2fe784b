package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nerrad567/baas-console/internal/identity"
	"github.com/nerrad567/baas-console/internal/infrastructure/config"
	"github.com/nerrad567/baas-console/internal/infrastructure/database"
	"github.com/nerrad567/baas-console/internal/infrastructure/influxdb"
	"github.com/nerrad567/baas-console/internal/infrastructure/logging"
	"github.com/nerrad567/baas-console/internal/pipeline"
	"github.com/nerrad567/baas-console/internal/resource"
	"github.com/nerrad567/baas-console/internal/storage"
	"github.com/nerrad567/baas-console/migrations"
)

// configEnv names the environment variable holding the config file path.
const configEnv = "CONSOLE_CONFIG"

// app holds what every command needs: configuration, the local database
// and the backend clients, all sharing one identity.
type app struct {
	cfg *config.Config
	log *logging.Logger
	db  *database.DB

	identity *identity.Client
	records  *resource.Client
	files    *storage.Client
	influx   *influxdb.Client // nil when disabled
}

// openApp loads configuration, opens and migrates the database and builds
// the backend clients. The caller must Close the result.
//
// Parameters:
//   - ctx: Context for migrations and connection checks
//   - configPath: YAML file to load; empty uses defaults and CONSOLE_* variables only
//
// Returns:
//   - *app: Ready-to-use application
//   - error: If configuration, database or a client cannot be set up
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, version)
	a := &app{cfg: cfg, log: log}

	a.db, err = database.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := a.db.Migrate(ctx, migrations.FS); err != nil {
		a.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Debug("database ready", "path", a.db.Path())

	if cfg.InfluxDB.Enabled {
		a.influx, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		a.influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	if err := a.buildClients(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// buildClients wires the request pipelines. The identity client sets its
// own Authorization header per call; the REST and storage pipelines take
// the bearer token from it.
func (a *app) buildClients() error {
	backend := a.cfg.Backend.URL
	timeout := a.cfg.GetBackendTimeout()

	var err error
	a.identity, err = identity.New(backend, a.doer("identity", timeout, nil), identity.Options{
		Store:  identity.NewSQLiteStore(a.db.DB),
		Logger: a.log.With("component", "identity"),
	})
	if err != nil {
		return fmt.Errorf("creating identity client: %w", err)
	}

	if a.records, err = resource.New(backend, a.doer("rest", timeout, a.identity)); err != nil {
		return fmt.Errorf("creating resource client: %w", err)
	}
	if a.files, err = storage.New(backend, a.doer("storage", timeout, a.identity)); err != nil {
		return fmt.Errorf("creating storage client: %w", err)
	}
	return nil
}

func (a *app) doer(service string, timeout time.Duration, creds pipeline.CredentialSource) pipeline.Doer {
	opts := pipeline.Options{
		Service:     service,
		Timeout:     timeout,
		APIKey:      a.cfg.Backend.AnonKey,
		Credentials: creds,
		Logger:      a.log.With("component", "pipeline"),
	}
	if a.influx != nil {
		opts.Recorder = a.influx
	}
	return pipeline.New(opts)
}

// Close releases the InfluxDB writer and the database, in that order.
func (a *app) Close() {
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.log.Error("error closing InfluxDB", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("error closing database", "error", err)
		}
	}
}

// defaultConfigPath returns CONSOLE_CONFIG, or "" for defaults only.
func defaultConfigPath() string {
	return os.Getenv(configEnv)
}
