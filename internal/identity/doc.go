// Package identity is the console's adapter to the hosted identity
// service (a GoTrue-compatible REST API under /auth/v1).
//
// A Client owns the one local session. It signs in with a password,
// refreshes the access token before it expires, updates user metadata and
// signs out. Every change is persisted through a Store and announced to
// listeners as an auth.Event.
//
// Ordering:
//
// Transitions are serialised: the session is replaced, persisted and
// announced under a single lock, so listeners observe events in exactly
// the order the session changed. Listeners run on the goroutine that made
// the change and must not call back into methods that change the session.
//
// Concurrent refreshes are coalesced with singleflight; a burst of
// requests that find an expired token triggers one refresh call.
package identity
