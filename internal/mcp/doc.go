// ABOUTME: Package documentation for the mcp package
// ABOUTME: Explains outbound dispatch and token scoping

// Package mcp dispatches tool calls to configured MCP servers over
// HTTP using JSON-RPC 2.0.
//
// Each outbound request carries a short-lived HS256 JWT naming the
// acting user; the user's chat bearer token never leaves the process.
// Tool names resolve to servers through an index built from tools/list.
package mcp
