package influxdb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/baas-console/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 100
	defaultFlushInterval = 10 * time.Second
)

// Client batches backend request metrics into one InfluxDB bucket.
// It is safe for concurrent use; writes never block the request path.
type Client struct {
	influx influxdb2.Client
	writer api.WriteAPI

	open atomic.Bool

	// closeMu orders Close after in-flight writes; the batch writer
	// panics on points queued after it has been closed.
	closeMu sync.RWMutex

	onErrorMu sync.RWMutex
	onError   func(error)
}

// Connect pings the server and starts the batch writer. It returns
// ErrDisabled when metrics are switched off in cfg.
func Connect(cfg config.InfluxDBConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, writeOptions(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := ping(ctx, influx); err != nil {
		influx.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &Client{
		influx: influx,
		writer: influx.WriteAPI(cfg.Org, cfg.Bucket),
	}
	c.open.Store(true)
	go c.forwardErrors(c.writer.Errors())
	return c, nil
}

// writeOptions maps the batch settings, replacing unset values with the
// defaults. FlushInterval is configured in seconds.
func writeOptions(cfg config.InfluxDBConfig) *influxdb2.Options {
	batch := uint(defaultBatchSize)
	if cfg.BatchSize > 0 {
		batch = uint(cfg.BatchSize) // #nosec G115 -- checked positive
	}
	flush := defaultFlushInterval
	if cfg.FlushInterval > 0 {
		flush = time.Duration(cfg.FlushInterval) * time.Second
	}
	return influxdb2.DefaultOptions().
		SetBatchSize(batch).
		SetFlushInterval(uint(flush.Milliseconds())) // #nosec G115 -- positive
}

func ping(ctx context.Context, influx influxdb2.Client) error {
	healthy, err := influx.Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("server not healthy")
	}
	return nil
}

// forwardErrors hands asynchronous batch failures to the error callback
// until the writer closes the channel.
func (c *Client) forwardErrors(errs <-chan error) {
	for err := range errs {
		c.onErrorMu.RLock()
		fn := c.onError
		c.onErrorMu.RUnlock()
		if fn != nil {
			fn(err)
		}
	}
}

// SetOnError registers fn for failed batch writes.
func (c *Client) SetOnError(fn func(error)) {
	c.onErrorMu.Lock()
	defer c.onErrorMu.Unlock()
	c.onError = fn
}

// IsConnected reports whether the client is open. It does not contact the
// server; HealthCheck does.
func (c *Client) IsConnected() bool {
	return c != nil && c.open.Load()
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := ping(ctx, c.influx); err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	return nil
}

// Flush sends buffered points now. It is a no-op once closed.
func (c *Client) Flush() {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.IsConnected() {
		c.writer.Flush()
	}
}

// Close flushes buffered points and releases the client. Later writes are
// dropped.
func (c *Client) Close() error {
	if c.influx == nil {
		return nil
	}
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if !c.open.Swap(false) {
		return nil
	}
	c.writer.Flush()
	c.influx.Close()
	return nil
}
