package identity

import "errors"

// Sentinel errors for identity operations.
var (
	// ErrNoSession is returned when an operation needs a session and none exists.
	ErrNoSession = errors.New("identity: no session")

	// ErrInvalidResponse is returned when the service answers with an
	// unusable session or user payload.
	ErrInvalidResponse = errors.New("identity: invalid response")
)
