// ABOUTME: Package documentation for the config package
// ABOUTME: Describes the YAML layout and defaulting rules

// Package config loads and validates the coven-warden YAML configuration.
//
// A minimal config looks like:
//
//	server:
//	  http_addr: ":8443"
//	database:
//	  path: /var/lib/coven-warden/warden.db
//	authorized_users: [alice, bob]
//	admin_users: [alice]
//	mcp_servers:
//	  - http://localhost:9000/mcp
//	confirmation_required_tools: [delete_file, write_file]
//
// The four list keys are mandatory and must appear in the file even when
// empty. Environment variables referenced as ${VAR} are expanded before
// parsing. Durations are written as Go duration strings ("60s", "15m",
// "12h") and fall back to the package defaults when omitted.
package config
