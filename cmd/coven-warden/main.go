// ABOUTME: Entry point for the coven-warden chat-agent host
// ABOUTME: Commands for serving, initial config, and password hashing

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-warden/internal/api"
	"github.com/2389/coven-warden/internal/arbiter"
	"github.com/2389/coven-warden/internal/auth"
	"github.com/2389/coven-warden/internal/config"
	"github.com/2389/coven-warden/internal/llm"
	"github.com/2389/coven-warden/internal/mcp"
	"github.com/2389/coven-warden/internal/orchestrator"
	"github.com/2389/coven-warden/internal/ratelimit"
	"github.com/2389/coven-warden/internal/session"
	"github.com/2389/coven-warden/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        __      ____ _ _ __ __| | ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____ \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
| (_| (_) \ V /  __/ | | |_____| \ V  V / (_| | | | (_| |  __/ | | |
 \___\___/ \_/ \___|_| |_|        \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// sweepInterval is how often the retention sweeper checks for idle
// chat sessions.
const sweepInterval = time.Hour

// getConfigPath returns the path to the warden config file.
// Priority: COVEN_WARDEN_CONFIG env var > XDG_CONFIG_HOME/coven/warden.yaml > ~/.config/coven/warden.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_WARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "warden.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "warden.yaml")
}

// getDataPath returns the path to the warden data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-warden <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve          Start the warden server")
		fmt.Println("  init           Create a starter config file")
		fmt.Println("  hash-password  Hash a password for the local_users config map")
		fmt.Println("  health         Check warden health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "hash-password":
		err = runHashPassword()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.LLM.BaseURL == "" || cfg.LLM.Model == "" {
		return fmt.Errorf("llm.base_url and llm.model are required to serve")
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sessions := session.NewManager(st, cfg.Limits.IdleTimeout)

	// Idle tokens from before the restart are revoked before the first
	// request is served.
	purged, err := sessions.PurgeExpiredAtStartup(ctx)
	if err != nil {
		return fmt.Errorf("purging expired tokens: %w", err)
	}
	if purged > 0 {
		logger.Info("purged expired tokens at startup", "count", purged)
	}

	guard := auth.NewGuard(st, cfg.Limits.LockoutThreshold, cfg.Limits.LockoutDuration)
	binder := auth.NewLocalBinder(cfg.Auth.LocalUsers)
	authSvc := auth.NewService(st, cfg, guard, binder, sessions)

	degraded := ratelimit.NewDegradedController(st)
	ledger := ratelimit.NewLedger(st, cfg.Limits.MaxOperations, cfg.Limits.Window, degraded)
	gate := ratelimit.NewGate(cfg.Limits.MaxConcurrent)

	pending := arbiter.NewPending(st)
	arb := arbiter.NewArbiter(cfg.ConfirmationRequiredTools)

	minter := mcp.NewTokenMinter([]byte(cfg.MCP.TokenSecret), cfg.MCP.TokenTTL)
	host := mcp.NewHost(cfg.MCPServers, minter)
	llmClient := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model)

	orch := orchestrator.New(st, sessions, ledger, gate, degraded, arb, pending, llmClient, host)
	apiServer := api.NewServer(authSvc, sessions, orch, pending, degraded, cfg, host)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	sweeper := orchestrator.NewSweeper(st, cfg.Limits.SessionRetention, sweepInterval)

	logger.Info("starting coven-warden",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

const starterConfig = `server:
  http_addr: "127.0.0.1:8787"

database:
  path: "%s"

authorized_users: []
admin_users: []
mcp_servers: []
confirmation_required_tools: []

auth:
  local_users: {}

limits:
  max_operations: 50
  window: 60s
  max_concurrent: 3
  lockout_threshold: 3
  lockout_duration: 15m
  idle_timeout: 12h
  session_retention: 720h

mcp:
  token_secret: "%s"
  token_ttl: 5m

llm:
  base_url: "https://api.openai.com/v1"
  api_key: "${OPENAI_API_KEY}"
  model: "gpt-4o-mini"

logging:
  level: info
  format: text
`

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("Config already exists at %s, refusing to overwrite\n", configPath)
		return nil
	}

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating token secret: %w", err)
	}
	secret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataPath, "warden.db")
	content := fmt.Sprintf(starterConfig, dbPath, secret)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green.Printf("Wrote starter config to %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Add usernames to authorized_users (and admin_users)")
	fmt.Println("  2. Run 'coven-warden hash-password' and add entries to auth.local_users")
	fmt.Println("  3. Point mcp_servers at your tool servers")
	fmt.Println("  4. Run 'coven-warden serve'")
	return nil
}

func runHashPassword() error {
	fmt.Print("Password: ")
	reader := bufio.NewReader(os.Stdin)
	password, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")
	if password == "" {
		return fmt.Errorf("password cannot be empty")
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	fmt.Println(hash)
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
