// Package storage is the storage engine a machine exposes once it takes
// the storage role.
//
// # Layout
//
// An Engine lives in a single directory, the machine's storage root. The
// directory must already exist; the engine keeps its data in a SQLite
// database (DatabaseFile) inside it:
//
//	/var/quarry/storage/
//	└── quarry.db      roots and objects tables
//
// Reopening the same root sees everything written to it before, so a
// machine that restarts serves the same data again.
//
// # Interfaces
//
// RootSet implements Store, the keyed root table:
//   - Get(ctx, key) returns the value or ErrKeyNotFound
//   - Put(ctx, key, value) inserts or replaces
//   - Delete(ctx, key) is a no-op for missing keys
//   - List(ctx) returns keys in ascending order
//   - Stats(ctx) reports key count and total value size
//
// Factory creates immutable objects and returns their ids (UUIDs). Read
// returns ErrObjectNotFound for unknown ids.
//
// Both objects are safe for concurrent use; SQLite serializes writers and
// the busy timeout absorbs short lock waits.
//
// # Restoring capabilities
//
// Persisted capabilities are not restored across restarts; objects are
// addressed by id only.
package storage
