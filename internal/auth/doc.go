// ABOUTME: Package documentation for the auth package
// ABOUTME: Explains the login flow and lockout scoping

// Package auth implements login, logout, and lockout enforcement.
//
// The login service checks the static authorization list first, then the
// lockout state for the (username, source) pair, and only then consults
// the credential binder. Locked-out pairs never reach the binder.
// Lockouts are scoped to the pair so failures from one source cannot
// lock a user out everywhere.
package auth
