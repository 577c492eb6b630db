// ABOUTME: SQLite store methods for login attempt and lockout records
// ABOUTME: Records are keyed by (username, source) pair, not username alone

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetLoginAttempt retrieves the failure record for a (username, source) pair.
func (s *SQLiteStore) GetLoginAttempt(ctx context.Context, username, source string) (*LoginAttempt, error) {
	query := `
		SELECT username, source, count, locked_until, last_attempt_at
		FROM login_attempts
		WHERE username = ? AND source = ?
	`

	var attempt LoginAttempt
	var lockedUntil sql.NullString
	var lastAttemptStr string

	err := s.db.QueryRowContext(ctx, query, username, source).Scan(
		&attempt.Username,
		&attempt.Source,
		&attempt.Count,
		&lockedUntil,
		&lastAttemptStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying login attempt: %w", err)
	}

	if attempt.LockedUntil, err = parseNullTime(lockedUntil); err != nil {
		return nil, err
	}
	if attempt.LastAttemptAt, err = parseTime(lastAttemptStr); err != nil {
		return nil, err
	}

	return &attempt, nil
}

// PutLoginAttempt upserts the failure record for a (username, source) pair.
func (s *SQLiteStore) PutLoginAttempt(ctx context.Context, attempt *LoginAttempt) error {
	query := `
		INSERT INTO login_attempts (username, source, count, locked_until, last_attempt_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(username, source) DO UPDATE SET
			count = excluded.count,
			locked_until = excluded.locked_until,
			last_attempt_at = excluded.last_attempt_at
	`

	_, err := s.db.ExecContext(ctx, query,
		attempt.Username,
		attempt.Source,
		attempt.Count,
		nullTimeArg(attempt.LockedUntil),
		formatTime(attempt.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("upserting login attempt: %w", err)
	}

	return nil
}
