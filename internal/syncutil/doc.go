// ABOUTME: Package documentation for the syncutil package
// ABOUTME: Explains the per-key mutex and its retention behavior

// Package syncutil provides a mutex keyed by string, used to serialize
// per-user critical sections that span multiple store calls. Mutexes
// are created lazily and never removed; the keyspace is bounded by the
// set of usernames.
package syncutil
