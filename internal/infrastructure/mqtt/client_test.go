package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/baas-console/internal/infrastructure/config"
)

// testConfig returns an MQTT configuration pointing at a local broker.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "console-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Info(string, ...any) {}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

// =============================================================================
// Options
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "console"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "console-test" {
		t.Errorf("ClientID = %q", opts.ClientID)
	}
	if opts.Username != "console" || opts.Password != "secret" {
		t.Error("credentials not applied")
	}
	if !opts.AutoReconnect || !opts.CleanSession {
		t.Error("expected auto-reconnect with a clean session")
	}
	if opts.TLSConfig != nil {
		t.Error("TLS should be off by default")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)
	if opts.Servers[0].String() != "ssl://127.0.0.1:8883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS config missing or below minimum version")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "console-test")

	if !opts.WillEnabled || opts.WillTopic != TopicSystemStatus || !opts.WillRetained {
		t.Errorf("will = enabled:%v topic:%q retained:%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
	var p map[string]string
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if p["status"] != "offline" || p["reason"] != "unexpected_disconnect" || p["client_id"] != "console-test" {
		t.Errorf("will payload = %v", p)
	}
}

func TestStatusPayload_EscapesClientID(t *testing.T) {
	raw := statusPayload(`odd"id`, "online", "")
	var p map[string]string
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatalf("payload %s is not JSON: %v", raw, err)
	}
	if p["client_id"] != `odd"id` {
		t.Errorf("client_id = %q", p["client_id"])
	}
	if _, ok := p["reason"]; ok {
		t.Error("empty reason should be omitted")
	}
}

// =============================================================================
// Disconnected client
// =============================================================================

func TestDisconnectedClient(t *testing.T) {
	c := &Client{cfg: testConfig(), subscriptions: map[string]subscription{}}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"subscribe empty topic", c.Subscribe("", 1, handler), ErrInvalidTopic},
		{"subscribe bad qos", c.Subscribe("a/b", 3, handler), ErrInvalidQoS},
		{"subscribe nil handler", c.Subscribe("a/b", 1, nil), ErrSubscribeFailed},
		{"subscribe disconnected", c.Subscribe("a/b", 1, handler), ErrNotConnected},
		{"unsubscribe empty topic", c.Unsubscribe(""), ErrInvalidTopic},
		{"unsubscribe disconnected", c.Unsubscribe("a/b"), ErrNotConnected},
		{"health check", c.HealthCheck(context.Background()), ErrNotConnected},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, tt.err, tt.want)
		}
	}

	if c.IsConnected() {
		t.Error("IsConnected() = true for a client that never connected")
	}
	if len(c.subscriptions) != 0 {
		t.Error("failed subscriptions must not be tracked")
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := (&Client{}).HealthCheck(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

// =============================================================================
// Handler dispatch
// =============================================================================

func TestDispatch(t *testing.T) {
	c := &Client{}
	logger := &mockLogger{}
	c.SetLogger(logger)

	var got string
	c.dispatch(func(topic string, payload []byte) error {
		got = topic + "=" + string(payload)
		return nil
	}, "console/changes/public/notes", []byte("{}"))
	if got != "console/changes/public/notes={}" {
		t.Errorf("handler saw %q", got)
	}

	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "t", nil)
	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)

	if len(logger.warns) != 1 || !strings.Contains(logger.warns[0], "returned error") {
		t.Errorf("warns = %v", logger.warns)
	}
	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("errors = %v", logger.errors)
	}
}

func TestDispatch_NoLogger(t *testing.T) {
	c := &Client{}
	// Must not panic without a logger.
	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
	c.dispatch(func(string, []byte) error { return errors.New("x") }, "t", nil)
}

// =============================================================================
// Topics
// =============================================================================

func TestTopics(t *testing.T) {
	topics := Topics{Prefix: "console/changes/"}

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"table", topics.Table("public", "productos"), "console/changes/public/productos"},
		{"schema", topics.Schema("storage"), "console/changes/storage/+"},
		{"all", topics.All(), "console/changes/#"},
		{"default prefix", Topics{}.Table("public", "notes"), "console/changes/public/notes"},
		{"custom prefix", Topics{Prefix: "acme/db"}.Table("public", "notes"), "acme/db/public/notes"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseTable(t *testing.T) {
	topics := Topics{Prefix: "console/changes"}

	tests := []struct {
		topic  string
		schema string
		table  string
		ok     bool
	}{
		{"console/changes/public/notes", "public", "notes", true},
		{"console/changes/storage/objects", "storage", "objects", true},
		{"console/changes/public", "", "", false},
		{"console/changes/public/notes/extra", "", "", false},
		{"other/public/notes", "", "", false},
	}
	for _, tt := range tests {
		schema, table, ok := topics.ParseTable(tt.topic)
		if schema != tt.schema || table != tt.table || ok != tt.ok {
			t.Errorf("ParseTable(%q) = %q, %q, %v", tt.topic, schema, table, ok)
		}
	}
}

func TestValidSegment(t *testing.T) {
	for s, want := range map[string]bool{
		"notes":    true,
		"my_table": true,
		"":         false,
		"a/b":      false,
		"+":        false,
		"#":        false,
	} {
		if got := ValidSegment(s); got != want {
			t.Errorf("ValidSegment(%q) = %v, want %v", s, got, want)
		}
	}
}
