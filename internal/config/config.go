// ABOUTME: Configuration loading and parsing for coven-warden
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default limit values, applied when the config omits them.
const (
	DefaultMaxOperations    = 50
	DefaultWindow           = 60 * time.Second
	DefaultMaxConcurrent    = 3
	DefaultLockoutThreshold = 3
	DefaultLockoutDuration  = 15 * time.Minute
	DefaultIdleTimeout      = 12 * time.Hour
	DefaultSessionRetention = 30 * 24 * time.Hour
)

// Config represents the complete coven-warden configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	MCP      MCPConfig      `yaml:"mcp"`
	LLM      LLMConfig      `yaml:"llm"`
	Logging  LoggingConfig  `yaml:"logging"`

	AuthorizedUsers           []string `yaml:"authorized_users"`
	AdminUsers                []string `yaml:"admin_users"`
	MCPServers                []string `yaml:"mcp_servers"`
	ConfirmationRequiredTools []string `yaml:"confirmation_required_tools"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
// LocalUsers maps usernames to bcrypt password hashes for the built-in
// binder; deployments pointing at a directory service leave it empty.
type AuthConfig struct {
	LocalUsers map[string]string `yaml:"local_users"`
}

// MCPConfig holds settings for outbound MCP server calls
type MCPConfig struct {
	TokenSecret string        `yaml:"token_secret"`
	TokenTTL    time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// LimitsConfig holds rate, concurrency, lockout, and expiry limits
type LimitsConfig struct {
	MaxOperations    int `yaml:"max_operations"`
	MaxConcurrent    int `yaml:"max_concurrent"`
	LockoutThreshold int `yaml:"lockout_threshold"`

	Window           time.Duration `yaml:"-"`
	LockoutDuration  time.Duration `yaml:"-"`
	IdleTimeout      time.Duration `yaml:"-"`
	SessionRetention time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	WindowRaw           string `yaml:"window"`
	LockoutDurationRaw  string `yaml:"lockout_duration"`
	IdleTimeoutRaw      string `yaml:"idle_timeout"`
	SessionRetentionRaw string `yaml:"session_retention"`
}

// LLMConfig points at an OpenAI-compatible chat completions endpoint.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// requiredKeys must be present in the YAML document, even if empty.
// A missing key is almost always a broken deployment rather than an
// intentionally open system.
var requiredKeys = []string{
	"authorized_users",
	"admin_users",
	"mcp_servers",
	"confirmation_required_tools",
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values and defaults applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	if err := checkRequiredKeys([]byte(expandedData)); err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// checkRequiredKeys verifies that the required top-level keys are present
// so a misconfigured file fails loudly instead of authorizing nobody.
func checkRequiredKeys(data []byte) error {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %v", missing)
	}
	return nil
}

// applyDefaults fills in zero-valued limits with their defaults.
func (c *Config) applyDefaults() {
	if c.Limits.MaxOperations == 0 {
		c.Limits.MaxOperations = DefaultMaxOperations
	}
	if c.Limits.MaxConcurrent == 0 {
		c.Limits.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Limits.LockoutThreshold == 0 {
		c.Limits.LockoutThreshold = DefaultLockoutThreshold
	}
	if c.Limits.Window == 0 {
		c.Limits.Window = DefaultWindow
	}
	if c.Limits.LockoutDuration == 0 {
		c.Limits.LockoutDuration = DefaultLockoutDuration
	}
	if c.Limits.IdleTimeout == 0 {
		c.Limits.IdleTimeout = DefaultIdleTimeout
	}
	if c.Limits.SessionRetention == 0 {
		c.Limits.SessionRetention = DefaultSessionRetention
	}
	if c.MCP.TokenTTL == 0 {
		c.MCP.TokenTTL = 5 * time.Minute
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Limits.MaxOperations < 0 {
		return fmt.Errorf("limits.max_operations must not be negative")
	}
	if c.Limits.MaxConcurrent < 0 {
		return fmt.Errorf("limits.max_concurrent must not be negative")
	}

	if len(c.MCPServers) > 0 && c.MCP.TokenSecret == "" {
		return fmt.Errorf("mcp.token_secret is required when mcp_servers are configured")
	}

	return nil
}

// IsAdmin reports whether username is listed as an admin.
func (c *Config) IsAdmin(username string) bool {
	for _, u := range c.AdminUsers {
		if u == username {
			return true
		}
	}
	return false
}

// IsAuthorized reports whether username may hold a session at all.
func (c *Config) IsAuthorized(username string) bool {
	for _, u := range c.AuthorizedUsers {
		if u == username {
			return true
		}
	}
	return false
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.Limits.WindowRaw, "window", &cfg.Limits.Window},
		{cfg.Limits.LockoutDurationRaw, "lockout_duration", &cfg.Limits.LockoutDuration},
		{cfg.Limits.IdleTimeoutRaw, "idle_timeout", &cfg.Limits.IdleTimeout},
		{cfg.Limits.SessionRetentionRaw, "session_retention", &cfg.Limits.SessionRetention},
		{cfg.MCP.TokenTTLRaw, "token_ttl", &cfg.MCP.TokenTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
