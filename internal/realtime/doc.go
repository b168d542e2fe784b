// Package realtime delivers row-change notifications for backend tables.
//
// Changes arrive over MQTT on {prefix}/{schema}/{table}. A Transport keeps
// one broker subscription per topic and fans each message out to every
// Channel watching that table, applying the channel's event and column
// filters. Delivery is at-least-once and in broker order; a Channel that
// has been unsubscribed never sees another event.
//
//	ch, err := transport.SubscribeToTable("storage", "objects",
//	    "bucket_id=eq.images", func(c realtime.Change) {
//	        refresh()
//	    })
//	...
//	ch.Unsubscribe()
package realtime
