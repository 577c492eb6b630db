// ABOUTME: SQLite store methods for user identity records
// ABOUTME: Users are created on first authentication attempt and never deleted

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetOrCreateUser returns the identity record for username, creating it
// if this is the first time the username has been seen.
func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, username string) (*User, error) {
	user, err := s.GetUser(ctx, username)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	// ON CONFLICT guards against a concurrent first-login for the same user
	query := `
		INSERT INTO users (username, is_admin, created_at)
		VALUES (?, 0, ?)
		ON CONFLICT(username) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, username, formatTime(now)); err != nil {
		return nil, fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Info("created user record", "username", username)
	return s.GetUser(ctx, username)
}

// GetUser retrieves a user by username.
func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT username, is_admin, last_login_at, last_failed_source, created_at
		FROM users
		WHERE username = ?
	`

	var user User
	var lastLogin, lastFailedSource sql.NullString
	var createdAtStr string

	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.Username,
		&user.IsAdmin,
		&lastLogin,
		&lastFailedSource,
		&createdAtStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.LastFailedSource = lastFailedSource.String
	if user.LastLoginAt, err = parseNullTime(lastLogin); err != nil {
		return nil, err
	}
	if user.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}

	return &user, nil
}

// SetUserAdmin updates the administrator flag for a user.
func (s *SQLiteStore) SetUserAdmin(ctx context.Context, username string, isAdmin bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_admin = ? WHERE username = ?`, isAdmin, username)
	if err != nil {
		return fmt.Errorf("updating admin flag: %w", err)
	}
	return requireRowAffected(result)
}

// SetUserLastLogin records the timestamp of the user's latest successful login.
func (s *SQLiteStore) SetUserLastLogin(ctx context.Context, username string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE username = ?`, formatTime(at), username)
	if err != nil {
		return fmt.Errorf("updating last login: %w", err)
	}
	return requireRowAffected(result)
}

// SetUserLastFailedSource records the source identifier of the user's
// latest failed login attempt.
func (s *SQLiteStore) SetUserLastFailedSource(ctx context.Context, username, source string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_failed_source = ? WHERE username = ?`, source, username)
	if err != nil {
		return fmt.Errorf("updating last failed source: %w", err)
	}
	return requireRowAffected(result)
}

// requireRowAffected maps zero affected rows to ErrNotFound.
func requireRowAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
