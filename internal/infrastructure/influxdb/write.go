package influxdb

import (
	"strconv"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementBackendRequests holds one point per call to the hosted backend.
const MeasurementBackendRequests = "backend_requests"

// RecordRequest writes a backend_requests point. It implements
// pipeline.Recorder.
//
// Tags are the backend service ("rest", "storage", "identity"), the HTTP
// method and the status class ("2xx", "4xx", ..., or "error" when no
// response arrived). Fields are the status code and the duration in
// milliseconds. The write is non-blocking and dropped once the client is
// closed.
func (c *Client) RecordRequest(service, method string, status int, elapsed time.Duration) {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if !c.IsConnected() {
		return
	}

	c.writer.WritePoint(write.NewPoint(MeasurementBackendRequests,
		map[string]string{
			"service":      service,
			"method":       method,
			"status_class": statusClass(status),
		},
		map[string]any{
			"status":      status,
			"duration_ms": float64(elapsed.Microseconds()) / 1000,
		},
		time.Now(),
	))
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
