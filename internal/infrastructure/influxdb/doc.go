// Package influxdb records console metrics in InfluxDB.
//
// It wraps the official influxdb-client-go v2 library. The console writes
// one backend_requests point per call to the hosted backend, fed by the
// request pipeline's metrics stage (see RecordRequest).
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics off
//	}
//	defer client.Close()
//
//	doer := pipeline.New(pipeline.Options{Recorder: client, ...})
//
// # Thread Safety
//
// All methods are safe for concurrent use. Writes are batched according
// to batch_size and flush_interval and never block the caller; write
// errors are reported through SetOnError.
package influxdb
