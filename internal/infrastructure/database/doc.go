// Package database provides the console's local SQLite store.
//
// The backend owns all application data. Locally the console only keeps
// the signed-in session (so the CLI and a restarted server share one
// login) and an audit trail of identity transitions.
//
// Security Considerations:
//   - All queries use parameterised statements
//   - The database file holds refresh tokens; its permissions are set to 0600
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
