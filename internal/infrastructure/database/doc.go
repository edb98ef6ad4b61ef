// Package database provides SQLite connectivity for the transport's local
// outbound message store.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Schema migrations embedded in the binary
//   - Connection lifecycle and health checks
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//   - Message payloads are stored as-is; keep the file on trusted storage
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Store.Path, WALMode: true})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with a
// matching .down.sql, and are registered by the migrations package.
package database
