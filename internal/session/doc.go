// ABOUTME: Package documentation for the session package
// ABOUTME: Explains token semantics and the idle-expiry rule

// Package session manages opaque bearer tokens for authenticated users.
//
// Tokens are 256-bit random values with no embedded claims; the store is
// the single source of truth, so revocation takes effect immediately.
// Each user holds at most one live token: issuing a new token revokes
// the prior one. A token whose idle age reaches the configured timeout
// is expired and revoked on the validation attempt that observes it.
// On process start, PurgeExpiredAtStartup revokes already-idle tokens
// before any request is served.
package session
