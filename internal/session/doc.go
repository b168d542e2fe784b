// Package session holds the console's single source of truth for who is
// signed in and with which role.
//
// The Provider is the only writer of that state. It is fed by the identity
// service's change stream (see Attach) and by one initial fetch
// (Initialize). Readers take copies through State or subscribe to every
// change in the order the changes were applied.
//
// Lifecycle:
//
//	p := session.New(identityClient, session.Options{...})
//	detach, err := p.Attach(ctx)
//	defer detach()
//	p.Initialize(ctx)
//	...
//	p.HasRole(auth.RoleEditor)
package session
