// ABOUTME: Package documentation for the ratelimit package
// ABOUTME: Explains fixed windows, batch charging, and the degraded latch

// Package ratelimit enforces per-user operation budgets and concurrency
// caps.
//
// The Ledger charges operations against fixed windows aligned to the
// Unix epoch; a batch either fits entirely or charges nothing. Any
// rejected batch trips the DegradedController, a process-wide one-way
// latch that refuses all new work until the process restarts. The Gate
// caps simultaneous in-flight turns per user with in-memory counters.
package ratelimit
