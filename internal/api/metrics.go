package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	Session       SessionMetrics  `json:"session"`
	WebSocket     WSMetrics       `json:"websocket"`
	Realtime      RealtimeMetrics `json:"realtime"`
	MQTT          ServiceMetrics  `json:"mqtt"`
	InfluxDB      ServiceMetrics  `json:"influxdb"`
	Database      DatabaseMetrics `json:"database"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// SessionMetrics describes the provider's state.
type SessionMetrics struct {
	Status        string `json:"status"`
	Authenticated bool   `json:"authenticated"`
	Version       uint64 `json:"version"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// RealtimeMetrics contains change-feed statistics.
type RealtimeMetrics struct {
	Enabled  bool `json:"enabled"`
	Channels int  `json:"channels"`
}

// ServiceMetrics reports an optional backing service.
type ServiceMetrics struct {
	Configured bool `json:"configured"`
	Connected  bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	st := s.provider.State()
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Session: SessionMetrics{
			Status:        st.Status.String(),
			Authenticated: st.Authenticated(),
			Version:       st.Version,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		MQTT:     serviceMetrics(s.mqtt),
		InfluxDB: serviceMetrics(s.influx),
	}

	if s.changes != nil {
		metrics.Realtime = RealtimeMetrics{Enabled: true, Channels: s.changes.Channels()}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func serviceMetrics(c Connectivity) ServiceMetrics {
	if c == nil {
		return ServiceMetrics{}
	}
	return ServiceMetrics{Configured: true, Connected: c.IsConnected()}
}
