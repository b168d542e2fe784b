package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nerrad567/baas-console/internal/auth"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "CONSOLE_"

// Config is the root configuration structure for the console.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Backend   BackendConfig    `yaml:"backend"`
	Gate      GateConfig       `yaml:"gate"`
	Resources []ResourceConfig `yaml:"resources"`
	Storage   StorageConfig    `yaml:"storage"`
	Realtime  RealtimeConfig   `yaml:"realtime"`
	Database  DatabaseConfig   `yaml:"database"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	API       APIConfig        `yaml:"api"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
	InfluxDB  InfluxDBConfig   `yaml:"influxdb"`
	Logging   LoggingConfig    `yaml:"logging"`
	Security  SecurityConfig   `yaml:"security"`
}

// BackendConfig locates the hosted backend.
type BackendConfig struct {
	URL     string `yaml:"url"`
	AnonKey string `yaml:"anon_key"`
	Schema  string `yaml:"schema"`
	Timeout int    `yaml:"timeout"` // seconds, per request
}

// GateConfig contains the surfaces the authorisation gate redirects to and
// the roles it applies.
type GateConfig struct {
	LoginPath string `yaml:"login_path"`
	HomePath  string `yaml:"home_path"`

	// MemberRole is required by the profile, token and WebSocket routes and
	// by every console page that is neither public nor admin.
	MemberRole string `yaml:"member_role"`
	AdminRole  string `yaml:"admin_role"`
}

// ResourceConfig describes one remote collection exposed through the API.
type ResourceConfig struct {
	Name      string `yaml:"name"`
	ReadRole  string `yaml:"read_role"`
	WriteRole string `yaml:"write_role"`

	// OwnerColumn, when set, is stamped with the signed-in identity's id on create.
	OwnerColumn string `yaml:"owner_column"`

	// OrderBy is the default list ordering, "-column" for descending.
	OrderBy string `yaml:"order_by"`

	// Realtime subscribes the resource's table to change notifications.
	Realtime bool `yaml:"realtime"`
}

// StorageConfig contains object storage settings.
type StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	ReadRole     string `yaml:"read_role"`
	WriteRole    string `yaml:"write_role"`
	ListLimit    int    `yaml:"list_limit"`
	CacheControl int    `yaml:"cache_control"` // seconds
	MaxUploadMB  int    `yaml:"max_upload_mb"`
}

// RealtimeConfig contains change-notification settings.
type RealtimeConfig struct {
	Enabled     bool   `yaml:"enabled"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	ViewsDir string           `yaml:"views_dir"` // front-end bundle; empty serves the built-in shell
}

// APITimeoutConfig contains HTTP timeout settings.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. A .env file next to the config file or in a parent directory, if any
//     (never overrides variables already set in the process environment)
//  4. Environment variables (override file values)
//
// Environment variables follow the pattern: CONSOLE_SECTION_KEY
// For example: CONSOLE_BACKEND_URL, CONSOLE_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file. An empty path skips step 2.
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := loadDotEnv(path); err != nil {
		return nil, fmt.Errorf("loading .env file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// loadDotEnv walks up from the config file's directory (or the working
// directory) looking for a .env file and loads the first one found.
func loadDotEnv(configPath string) error {
	dir := "."
	if configPath != "" {
		dir = filepath.Dir(configPath)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}

	for {
		candidate := filepath.Join(dir, ".env")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return godotenv.Load(candidate)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil
		}
		dir = parent
	}
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Schema:  "public",
			Timeout: 15,
		},
		Gate: GateConfig{
			LoginPath:  "/auth/login",
			HomePath:   "/",
			MemberRole: "user",
			AdminRole:  "admin",
		},
		Resources: []ResourceConfig{
			{Name: "productos", ReadRole: "viewer", WriteRole: "editor", OrderBy: "-created_at", Realtime: true},
			{Name: "notes", ReadRole: "user", WriteRole: "user", OwnerColumn: "user_id", OrderBy: "-created_at", Realtime: true},
		},
		Storage: StorageConfig{
			Bucket:       "images",
			ReadRole:     "user",
			WriteRole:    "user",
			ListLimit:    100,
			CacheControl: 3600,
			MaxUploadMB:  10,
		},
		Realtime: RealtimeConfig{
			Enabled:     true,
			TopicPrefix: "console/changes",
		},
		Database: DatabaseConfig{
			Path:        "./data/console.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "baas-console",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "console",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerMinute: 300,
				Burst:             50,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CONSOLE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Backend
	setString(&cfg.Backend.URL, "BACKEND_URL")
	setString(&cfg.Backend.AnonKey, "BACKEND_ANON_KEY")

	// Database
	setString(&cfg.Database.Path, "DATABASE_PATH")

	// MQTT
	setString(&cfg.MQTT.Broker.Host, "MQTT_HOST")
	setInt(&cfg.MQTT.Broker.Port, "MQTT_PORT")
	setString(&cfg.MQTT.Auth.Username, "MQTT_USERNAME")
	setString(&cfg.MQTT.Auth.Password, "MQTT_PASSWORD")

	// API
	setString(&cfg.API.Host, "API_HOST")
	setInt(&cfg.API.Port, "API_PORT")
	setString(&cfg.API.ViewsDir, "API_VIEWS_DIR")

	// Storage
	setString(&cfg.Storage.Bucket, "STORAGE_BUCKET")

	// InfluxDB
	setString(&cfg.InfluxDB.Token, "INFLUXDB_TOKEN")

	// Logging
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the configuration for errors.
//
// Every role name is parsed here so a typo fails startup instead of
// surfacing as a panic when the gate is wired.
//
// Returns:
//   - error: Description of validation failure, or nil if valid. Wraps
//     auth.ErrMisconfiguredRole when any role name is unknown.
func (c *Config) Validate() error {
	var errs []string
	badRole := false

	checkRole := func(field, name string) {
		if _, err := auth.ParseRole(name); err != nil {
			errs = append(errs, fmt.Sprintf("%s: unknown role %q", field, name))
			badRole = true
		}
	}

	// Backend validation
	if c.Backend.URL == "" {
		errs = append(errs, "backend.url is required (set CONSOLE_BACKEND_URL environment variable)")
	} else if u, err := url.Parse(c.Backend.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, "backend.url must be an absolute http(s) URL")
	}
	if c.Backend.AnonKey == "" {
		errs = append(errs, "backend.anon_key is required (set CONSOLE_BACKEND_ANON_KEY environment variable)")
	}
	if c.Backend.Timeout < 1 {
		errs = append(errs, "backend.timeout must be at least 1 second")
	}

	// Gate validation
	if !strings.HasPrefix(c.Gate.LoginPath, "/") {
		errs = append(errs, "gate.login_path must start with /")
	}
	if !strings.HasPrefix(c.Gate.HomePath, "/") {
		errs = append(errs, "gate.home_path must start with /")
	}
	checkRole("gate.member_role", c.Gate.MemberRole)
	checkRole("gate.admin_role", c.Gate.AdminRole)

	// Resource validation
	seen := make(map[string]bool, len(c.Resources))
	for i, r := range c.Resources {
		field := fmt.Sprintf("resources[%d]", i)
		if r.Name == "" {
			errs = append(errs, field+".name is required")
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Sprintf("%s.name %q is duplicated", field, r.Name))
		}
		seen[r.Name] = true
		checkRole(field+".read_role", r.ReadRole)
		checkRole(field+".write_role", r.WriteRole)
	}

	// Storage validation
	if c.Storage.Bucket == "" {
		errs = append(errs, "storage.bucket is required")
	}
	checkRole("storage.read_role", c.Storage.ReadRole)
	checkRole("storage.write_role", c.Storage.WriteRole)
	if c.Storage.ListLimit < 1 {
		errs = append(errs, "storage.list_limit must be positive")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.Realtime.Enabled && c.Realtime.TopicPrefix == "" {
		errs = append(errs, "realtime.topic_prefix is required when realtime is enabled")
	}

	// API validation
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		err := fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
		if badRole {
			return errors.Join(auth.ErrMisconfiguredRole, err)
		}
		return err
	}

	return nil
}

// Resource returns the resource configuration with the given name.
func (c *Config) Resource(name string) (ResourceConfig, bool) {
	for _, r := range c.Resources {
		if r.Name == name {
			return r, true
		}
	}
	return ResourceConfig{}, false
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetBackendTimeout returns the per-request backend timeout as a Duration.
func (c *Config) GetBackendTimeout() time.Duration {
	return time.Duration(c.Backend.Timeout) * time.Second
}
