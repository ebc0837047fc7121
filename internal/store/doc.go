// Package store provides SQLite-backed durable storage for the consistency
// core.
//
// The store holds:
//   - Identity updates: the per-inbox identity log, keyed by (inbox, sequence id)
//   - Association snapshots: the latest resolved state per inbox
//   - Cursors: one GlobalCursor per stream, stored per (stream, originator)
//   - Groups: local group records with their membership extension
//   - Commit logs: the local log, the downloaded remote log, worker cursors
//   - Icebox: envelopes waiting for their dependencies
//
// # Critical Patterns
//
// Idempotent writes
//   - Inserts use ON CONFLICT DO NOTHING, so replaying input is a no-op
//
// Monotonic cursors
//   - Cursors only move through CompareAndSet and never regress
//
// Deterministic query results
//   - Every list query has an ORDER BY on its key
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
