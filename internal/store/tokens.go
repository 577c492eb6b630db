// ABOUTME: SQLite store methods for bearer token persistence
// ABOUTME: Enforces the single-live-token invariant and handles startup purge

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InsertToken persists a new token for a user, revoking any prior live
// token in the same transaction so the single-live-token invariant
// holds at every observable instant.
func (s *SQLiteStore) InsertToken(ctx context.Context, token *Token) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE username = ? AND revoked = 0`,
		token.Username,
	); err != nil {
		return fmt.Errorf("revoking prior token: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tokens (value, username, issued_at, last_activity, revoked)
		 VALUES (?, ?, ?, ?, 0)`,
		token.Value,
		token.Username,
		formatTime(token.IssuedAt),
		formatTime(token.LastActivity),
	); err != nil {
		return fmt.Errorf("inserting token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing token insert: %w", err)
	}

	s.logger.Debug("inserted token", "username", token.Username)
	return nil
}

// GetTokenByValue retrieves a token by its opaque value.
func (s *SQLiteStore) GetTokenByValue(ctx context.Context, value string) (*Token, error) {
	query := `
		SELECT value, username, issued_at, last_activity, revoked
		FROM tokens
		WHERE value = ?
	`

	var token Token
	var issuedAtStr, lastActivityStr string

	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&token.Value,
		&token.Username,
		&issuedAtStr,
		&lastActivityStr,
		&token.Revoked,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying token: %w", err)
	}

	if token.IssuedAt, err = parseTime(issuedAtStr); err != nil {
		return nil, err
	}
	if token.LastActivity, err = parseTime(lastActivityStr); err != nil {
		return nil, err
	}

	return &token, nil
}

// UpdateTokenActivity bumps a live token's last-activity timestamp.
func (s *SQLiteStore) UpdateTokenActivity(ctx context.Context, value string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET last_activity = ? WHERE value = ? AND revoked = 0`,
		formatTime(at), value)
	if err != nil {
		return fmt.Errorf("updating token activity: %w", err)
	}
	return requireRowAffected(result)
}

// RevokeToken marks a single token revoked.
func (s *SQLiteStore) RevokeToken(ctx context.Context, value string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE value = ? AND revoked = 0`, value)
	if err != nil {
		return fmt.Errorf("revoking token: %w", err)
	}
	return requireRowAffected(result)
}

// RevokeUserTokens revokes all live tokens for a user. Returns the
// number of tokens revoked (0 or 1 given the live-token invariant).
func (s *SQLiteStore) RevokeUserTokens(ctx context.Context, username string) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE username = ? AND revoked = 0`, username)
	if err != nil {
		return 0, fmt.Errorf("revoking user tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return int(rowsAffected), nil
}

// PurgeIdleTokens revokes every live token whose last activity is at or
// before the cutoff. Called once at startup before any request is served
// so tokens that idled out while the process was down are rejected on
// the very first validation attempt.
func (s *SQLiteStore) PurgeIdleTokens(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked = 1 WHERE revoked = 0 AND last_activity <= ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging idle tokens: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("purged idle tokens", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}
