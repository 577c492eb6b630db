// ABOUTME: Package documentation for the arbiter package
// ABOUTME: Explains confirmation decisions and parked proposals

// Package arbiter decides which tool invocations need user confirmation
// and tracks proposals parked awaiting a decision.
//
// A tool the user named explicitly in their message never needs
// confirmation; agent-proposed invocations of tools on the configured
// list do. Waiting is not a blocked goroutine: the turn parks its
// context in the Pending registry and a later request resolves it.
package arbiter
