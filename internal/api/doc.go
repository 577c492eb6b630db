// ABOUTME: Package documentation for the api package
// ABOUTME: Explains the route surface and error mapping

// Package api exposes the HTTP surface: login, logout, chat turns,
// confirmation decisions, server status, and admin force-logout.
//
// Typed service errors map to status codes: 401 for bad credentials and
// invalid or expired tokens, 423 for lockouts, 429 for exhausted
// budgets and full concurrency gates, 503 for the degraded state.
package api
