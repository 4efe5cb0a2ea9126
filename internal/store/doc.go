// Package store is the SQLite transaction journal.
//
// Every commit attempt is written as one row in transactions plus one row
// per change, in a single SQL transaction:
//   - applied: the change reached the local graph
//   - failed: an external source refused it
//   - conflict: the property changed under the transaction
//   - compensation_failed: a revert could not be written back
//
// Values are stored as canonical JSON (internal/ir). Each change row carries
// a content fingerprint and each transaction a hash over its change
// fingerprints, so two journals of the same history compare equal.
//
// Records are idempotent by transaction ID: writing the same record twice
// leaves the first copy in place.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
