// Package database provides SQLite connectivity for the lock simulator.
//
// It wraps database/sql with the mattn/go-sqlite3 driver and handles:
//   - Database file and directory creation with restricted permissions
//   - WAL mode and busy-timeout pragmas
//   - Idempotent schema bootstrap (devices, device_states, profiles)
//   - Connection health checks
//
// SQLite stores the simulator's local device registry: which device
// identifiers exist, where their certificate material lives on disk, their
// last-known shadow state, and the configured cloud profiles.
//
// # Usage
//
//	db, err := database.Open(database.Config{
//	    Path:        "./data/locksim.db",
//	    WALMode:     true,
//	    BusyTimeout: 5,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package database
