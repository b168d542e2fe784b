// Package mqtt connects the console to the MQTT broker that carries
// change notifications for the backend's tables.
//
// A change-feed bridge publishes one JSON message per row change on
// {prefix}/{schema}/{table}; the realtime package subscribes to those
// topics through this client. The client handles:
//   - connection with auto-reconnect and exponential backoff
//   - subscription tracking so topics are restored after a reconnect
//   - a retained online/offline status with a Last Will
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := mqtt.Topics{Prefix: cfg.Realtime.TopicPrefix}
//	err = client.Subscribe(topics.Table("public", "productos"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(payload)
//	    })
//
// # Security Considerations
//
//   - Use TLS (cfg.Broker.TLS=true) for any broker that is not on localhost
//   - Payloads carry row data; restrict topic ACLs on the broker accordingly
package mqtt
