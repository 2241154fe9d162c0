// Package store provides the durable state of the sync engine.
//
// The store keeps four kinds of records:
//   - Markers: the watermark per (program, category), driving delta selection
//   - Trackers: remote ids assigned to enrollments, events, and instances,
//     keyed by their source-side correlation key
//   - Job log: one row per job invocation, pending until finished
//
// # Write Patterns
//
// Markers are overwritten unconditionally; the engine guarantees it only
// ever passes the maximum timestamp of a successful job.
//
// Tracker writes are upserts keyed by correlation key and are issued one
// statement per row inside one connection scope. A returned count lower
// than the input size signals a partial write; nothing is rolled back.
//
// # Database Configuration
//
// SQLite (mattn/go-sqlite3) and PostgreSQL (pgx stdlib) are supported. The
// SQLite store is configured with:
//   - WAL mode: the delta reader keeps a cursor open while the engine writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//
// All timestamps are stored as TEXT in model.StorageLayout so both dialects
// compare them the same way.
package store
