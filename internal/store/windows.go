// ABOUTME: SQLite store methods for per-user fixed-window operation counters
// ABOUTME: Rows are keyed by (username, window_start) and roll forward forever

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetOperationCount returns the operation count for a user in the window
// beginning at windowStart. A missing row counts as zero.
func (s *SQLiteStore) GetOperationCount(ctx context.Context, username string, windowStart time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM operation_windows WHERE username = ? AND window_start = ?`,
		username, formatTime(windowStart)).Scan(&count)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying operation count: %w", err)
	}
	return count, nil
}

// AddOperations increments the counter for a user's window, creating the
// row lazily on the user's first operation in that window.
func (s *SQLiteStore) AddOperations(ctx context.Context, username string, windowStart time.Time, count int) error {
	query := `
		INSERT INTO operation_windows (username, window_start, count)
		VALUES (?, ?, ?)
		ON CONFLICT(username, window_start) DO UPDATE SET
			count = count + excluded.count
	`

	_, err := s.db.ExecContext(ctx, query, username, formatTime(windowStart), count)
	if err != nil {
		return fmt.Errorf("adding operations: %w", err)
	}
	return nil
}
