// ABOUTME: SQLite store methods for chat sessions, messages, and tool invocation records
// ABOUTME: Sessions cascade-delete their messages and invocation records

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateChatSession persists a new chat session.
func (s *SQLiteStore) CreateChatSession(ctx context.Context, session *ChatSession) error {
	query := `
		INSERT INTO chat_sessions (id, username, description, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.Username,
		session.Description,
		formatTime(session.CreatedAt),
		formatTime(session.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("inserting chat session: %w", err)
	}

	s.logger.Debug("created chat session", "id", session.ID, "username", session.Username)
	return nil
}

// GetChatSession retrieves a chat session by ID.
func (s *SQLiteStore) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	query := `
		SELECT id, username, description, created_at, last_activity_at
		FROM chat_sessions
		WHERE id = ?
	`

	var session ChatSession
	var description sql.NullString
	var createdAtStr, lastActivityStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Username,
		&description,
		&createdAtStr,
		&lastActivityStr,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying chat session: %w", err)
	}

	session.Description = description.String
	if session.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if session.LastActivityAt, err = parseTime(lastActivityStr); err != nil {
		return nil, err
	}

	return &session, nil
}

// AddChatMessage persists one chat turn and bumps the session's last activity.
func (s *SQLiteStore) AddChatMessage(ctx context.Context, msg *ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_messages (id, session_id, username, message_text, response_text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.SessionID,
		msg.Username,
		msg.MessageText,
		msg.ResponseText,
		formatTime(msg.CreatedAt),
	); err != nil {
		return fmt.Errorf("inserting chat message: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_sessions SET last_activity_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.SessionID,
	); err != nil {
		return fmt.Errorf("bumping session activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing chat message: %w", err)
	}
	return nil
}

// ListChatMessages returns all messages in a session, oldest first.
func (s *SQLiteStore) ListChatMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error) {
	query := `
		SELECT id, session_id, username, message_text, response_text, created_at
		FROM chat_messages
		WHERE session_id = ?
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying chat messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []*ChatMessage
	for rows.Next() {
		var msg ChatMessage
		var responseText sql.NullString
		var createdAtStr string

		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Username, &msg.MessageText, &responseText, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning chat message: %w", err)
		}

		msg.ResponseText = responseText.String
		if msg.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chat messages: %w", err)
	}

	return messages, nil
}

// DeleteChatSession removes a session and, via cascade, its messages and
// tool invocation records.
func (s *SQLiteStore) DeleteChatSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting chat session: %w", err)
	}
	return requireRowAffected(result)
}

// PurgeIdleChatSessions deletes sessions whose last activity predates the
// cutoff. Returns the number of sessions deleted.
func (s *SQLiteStore) PurgeIdleChatSessions(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM chat_sessions WHERE last_activity_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging chat sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("purged idle chat sessions", "count", rowsAffected)
	}
	return int(rowsAffected), nil
}

// SaveToolInvocation persists a tool invocation record.
func (s *SQLiteStore) SaveToolInvocation(ctx context.Context, inv *ToolInvocation) error {
	query := `
		INSERT INTO tool_invocations (
			id, message_id, tool_name, server_name,
			was_explicit, user_confirmed, success,
			output_text, error_message, invoked_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		inv.ID,
		inv.MessageID,
		inv.ToolName,
		inv.ServerName,
		inv.WasExplicit,
		inv.UserConfirmed,
		inv.Success,
		inv.OutputText,
		inv.ErrorMessage,
		formatTime(inv.InvokedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting tool invocation: %w", err)
	}

	s.logger.Debug("saved tool invocation",
		"id", inv.ID,
		"tool", inv.ToolName,
		"explicit", inv.WasExplicit,
		"success", inv.Success,
	)
	return nil
}

// ListToolInvocations returns the invocation records for a chat message,
// oldest first.
func (s *SQLiteStore) ListToolInvocations(ctx context.Context, messageID string) ([]*ToolInvocation, error) {
	query := `
		SELECT id, message_id, tool_name, server_name,
		       was_explicit, user_confirmed, success,
		       output_text, error_message, invoked_at
		FROM tool_invocations
		WHERE message_id = ?
		ORDER BY invoked_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying tool invocations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var invocations []*ToolInvocation
	for rows.Next() {
		var inv ToolInvocation
		var outputText, errorMessage sql.NullString
		var invokedAtStr string

		if err := rows.Scan(
			&inv.ID,
			&inv.MessageID,
			&inv.ToolName,
			&inv.ServerName,
			&inv.WasExplicit,
			&inv.UserConfirmed,
			&inv.Success,
			&outputText,
			&errorMessage,
			&invokedAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning tool invocation: %w", err)
		}

		inv.OutputText = outputText.String
		inv.ErrorMessage = errorMessage.String
		if inv.InvokedAt, err = parseTime(invokedAtStr); err != nil {
			return nil, err
		}
		invocations = append(invocations, &inv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tool invocations: %w", err)
	}

	return invocations, nil
}
