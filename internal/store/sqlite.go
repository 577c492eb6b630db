// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Creates the schema on open and enables WAL mode and foreign keys

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements all store interfaces using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ UserStore    = (*SQLiteStore)(nil)
	_ TokenStore   = (*SQLiteStore)(nil)
	_ AttemptStore = (*SQLiteStore)(nil)
	_ WindowStore  = (*SQLiteStore)(nil)
	_ ChatStore    = (*SQLiteStore)(nil)
	_ AuditStore   = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			username           TEXT PRIMARY KEY,
			is_admin           INTEGER NOT NULL DEFAULT 0,
			last_login_at      TEXT,
			last_failed_source TEXT,
			created_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS tokens (
			value         TEXT PRIMARY KEY,
			username      TEXT NOT NULL REFERENCES users(username),
			issued_at     TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			revoked       INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_tokens_username ON tokens(username);

		-- At most one live token per user at any instant
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tokens_live
			ON tokens(username) WHERE revoked = 0;

		CREATE TABLE IF NOT EXISTS login_attempts (
			username        TEXT NOT NULL,
			source          TEXT NOT NULL,
			count           INTEGER NOT NULL DEFAULT 0,
			locked_until    TEXT,
			last_attempt_at TEXT NOT NULL,

			PRIMARY KEY (username, source)
		);

		CREATE TABLE IF NOT EXISTS operation_windows (
			username     TEXT NOT NULL,
			window_start TEXT NOT NULL,
			count        INTEGER NOT NULL DEFAULT 0,

			PRIMARY KEY (username, window_start)
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id               TEXT PRIMARY KEY,
			username         TEXT NOT NULL,
			description      TEXT,
			created_at       TEXT NOT NULL,
			last_activity_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_username ON chat_sessions(username);
		CREATE INDEX IF NOT EXISTS idx_chat_sessions_activity ON chat_sessions(last_activity_at);

		CREATE TABLE IF NOT EXISTS chat_messages (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
			username      TEXT NOT NULL,
			message_text  TEXT NOT NULL,
			response_text TEXT,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS tool_invocations (
			id             TEXT PRIMARY KEY,
			message_id     TEXT NOT NULL REFERENCES chat_messages(id) ON DELETE CASCADE,
			tool_name      TEXT NOT NULL,
			server_name    TEXT NOT NULL,
			was_explicit   INTEGER NOT NULL DEFAULT 0,
			user_confirmed INTEGER NOT NULL DEFAULT 0,
			success        INTEGER NOT NULL DEFAULT 0,
			output_text    TEXT,
			error_message  TEXT,
			invoked_at     TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_invocations_message ON tool_invocations(message_id, invoked_at);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			action   TEXT NOT NULL,
			target   TEXT,
			outcome  TEXT,
			ts       TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_username ON audit_log(username);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// formatTime renders a timestamp in the canonical stored form.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	return t, nil
}

// parseNullTime parses an optional stored timestamp into a *time.Time.
func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullTimeArg renders an optional timestamp for binding.
func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
