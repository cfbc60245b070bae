// Package store provides persistent storage for the connection daemon
// using SQLite.
//
// # What is stored
//
//   - Connection records: the configured backends (id, name, type, config,
//     auto-connect flag) that the manager restores on startup.
//   - Device identities: per-connection Ed25519 keypairs and gateway device
//     tokens, so a restart does not re-register the device.
//
// SQLiteStore implements both the manager's connection.Store interface and
// the gateway client's openclaw.IdentityStore interface in one struct.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use ":memory:" for tests that want a real database without a file.
//
// # Error Handling
//
//   - ErrNotFound: Requested entity does not exist
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewMockStore() for unit tests; it implements the same interfaces
// in memory.
package store
