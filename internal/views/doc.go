// Package views serves the console's browser front end.
//
// The front end is a prebuilt single-page bundle. When a bundle directory
// is configured it is served from disk; otherwise a small embedded shell
// page stands in, pointing the operator at the API. Unknown paths fall
// back to index.html so client-side routes such as /admin or /files load
// the bundle.
//
// The package knows nothing about sessions. The API server decides which
// pages need which role and wraps Handler with the authorisation gate.
package views
