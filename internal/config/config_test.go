// ABOUTME: Tests for configuration loading, validation, and defaults
// ABOUTME: Covers env expansion, duration parsing, and required key checks

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a config file into a temp dir and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfig = `
server:
  http_addr: ":8080"
database:
  path: /tmp/warden.db
authorized_users:
  - alice
  - bob
admin_users:
  - alice
mcp_servers: []
confirmation_required_tools:
  - delete_file
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/warden.db", cfg.Database.Path)
	assert.Equal(t, []string{"alice", "bob"}, cfg.AuthorizedUsers)
	assert.Equal(t, []string{"delete_file"}, cfg.ConfirmationRequiredTools)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxOperations, cfg.Limits.MaxOperations)
	assert.Equal(t, DefaultWindow, cfg.Limits.Window)
	assert.Equal(t, DefaultMaxConcurrent, cfg.Limits.MaxConcurrent)
	assert.Equal(t, DefaultLockoutThreshold, cfg.Limits.LockoutThreshold)
	assert.Equal(t, DefaultLockoutDuration, cfg.Limits.LockoutDuration)
	assert.Equal(t, DefaultIdleTimeout, cfg.Limits.IdleTimeout)
	assert.Equal(t, DefaultSessionRetention, cfg.Limits.SessionRetention)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_DurationParsing(t *testing.T) {
	content := validConfig + `
limits:
  max_operations: 10
  window: 30s
  idle_timeout: 1h
  lockout_duration: 5m
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Limits.MaxOperations)
	assert.Equal(t, 30*time.Second, cfg.Limits.Window)
	assert.Equal(t, time.Hour, cfg.Limits.IdleTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Limits.LockoutDuration)
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := validConfig + `
limits:
  window: not-a-duration
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window")
}

func TestLoad_MissingRequiredKeys(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: /tmp/warden.db
authorized_users: []
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing required config keys")
	assert.Contains(t, err.Error(), "admin_users")
	assert.Contains(t, err.Error(), "confirmation_required_tools")
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
authorized_users: []
admin_users: []
mcp_servers: []
confirmation_required_tools: []
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_MCPServersRequireSecret(t *testing.T) {
	content := `
server:
  http_addr: ":8080"
database:
  path: /tmp/warden.db
authorized_users: []
admin_users: []
mcp_servers:
  - http://localhost:9000/mcp
confirmation_required_tools: []
`
	_, err := Load(writeConfig(t, content))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mcp.token_secret")
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("WARDEN_TEST_DB", "/tmp/env-expanded.db")
	content := `
server:
  http_addr: ":8080"
database:
  path: ${WARDEN_TEST_DB}
authorized_users: []
admin_users: []
mcp_servers: []
confirmation_required_tools: []
`
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-expanded.db", cfg.Database.Path)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/warden.yaml")
	require.Error(t, err)
}

func TestConfig_IsAdminAndAuthorized(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.True(t, cfg.IsAuthorized("alice"))
	assert.True(t, cfg.IsAuthorized("bob"))
	assert.False(t, cfg.IsAuthorized("mallory"))

	assert.True(t, cfg.IsAdmin("alice"))
	assert.False(t, cfg.IsAdmin("bob"))
}
