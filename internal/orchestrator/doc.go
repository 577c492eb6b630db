// ABOUTME: Package documentation for the orchestrator package
// ABOUTME: Explains the turn pipeline and parked confirmations

// Package orchestrator runs chat turns through the admission pipeline.
//
// Every turn passes the degraded check, token validation, the
// concurrency gate, and an operation charge before the LLM is called.
// Tool calls planned from explicit #tags and the model's recommendation
// each cost one more operation and stop at the first failure. A call
// needing confirmation parks the whole turn; resolving the confirmation
// resumes it in a later request.
package orchestrator
