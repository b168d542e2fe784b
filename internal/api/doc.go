// Package api implements the console's local HTTP API and WebSocket server.
//
// This package provides:
//   - sign-in, sign-out, profile and token endpoints over the identity service
//   - CRUD endpoints for each configured backend collection
//   - a file manager over the configured storage bucket
//   - an admin panel with the identity audit trail and metrics
//   - a WebSocket hub relaying session and backend change events
//
// # Authorisation
//
// Every protected route is wrapped by the gate with the role the route
// needs. While the session is loading the gate answers 503 with a
// placeholder; a missing session redirects to the login surface and an
// insufficient role redirects home. Collections carry their own read and
// write roles from configuration.
//
// WebSocket subscriptions are gated the same way and stay under watch: a
// role downgrade revokes the affected channels and a sign-out closes the
// connection, each preceded by a navigate message.
//
// # Errors
//
// Backend failures map onto the structured error body: an expired or
// invalid credential is 401 with code "reauthenticate", any other backend
// failure is 502.
package api
