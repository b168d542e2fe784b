// Package auth defines the identity vocabulary shared by the console:
// the ordered role model, the identity record returned by the hosted
// identity service, the session that wraps it, and the change events the
// identity service emits.
//
// Roles form a fixed total order:
//
//	viewer < user < editor < moderator < admin
//
// Authorisation is always a rank comparison ("at least editor"), never set
// membership. A role string that is not part of the enumeration is either
// a configuration mistake (ErrMisconfiguredRole, fails startup) or an
// identity carrying data this build does not understand (ErrUnknownRole,
// the holder is treated as having no role).
//
// Nothing in this package performs I/O.
package auth
