package realtime

import "errors"

var (
	// ErrClosed is returned when subscribing on a closed transport.
	ErrClosed = errors.New("realtime: transport closed")

	// ErrInvalidFilter is returned for a filter other than "column=eq.value".
	ErrInvalidFilter = errors.New("realtime: invalid filter")

	// ErrInvalidEvent is returned for an unknown event type.
	ErrInvalidEvent = errors.New("realtime: invalid event type")

	// ErrInvalidTable is returned for an empty or malformed schema or table.
	ErrInvalidTable = errors.New("realtime: invalid schema or table")

	// ErrInvalidPayload is returned for a message that is not a change.
	ErrInvalidPayload = errors.New("realtime: invalid change payload")
)
