// ABOUTME: Package documentation for the store package
// ABOUTME: Describes the persistence boundary shared by all warden components

// Package store provides persistent storage for coven-warden using SQLite.
//
// # Architecture
//
// The store package uses an interface-driven architecture with multiple
// specialized interfaces:
//
//   - UserStore: identity records, created on first authentication
//   - TokenStore: bearer tokens with the single-live-token invariant
//   - AttemptStore: login failure counters keyed by (username, source)
//   - WindowStore: fixed-window operation counters
//   - ChatStore: chat sessions, messages, and tool invocation records
//   - AuditStore: append-only security event log (metadata only)
//
// SQLiteStore implements all interfaces in a single struct, so the
// components share one persistence boundary: a lockout or counter written
// by one request is visible to the very next request on any goroutine.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC3339 UTC strings, which order correctly
// under lexicographic comparison in SQL.
//
// # Error Handling
//
// ErrNotFound is returned when a requested entity does not exist. All
// methods accept context.Context for cancellation support.
//
// # Invariants enforced at the schema level
//
// A partial unique index on tokens(username) WHERE revoked = 0 guarantees
// at most one live token per user even under concurrent issuance.
package store
