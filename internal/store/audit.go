// ABOUTME: Audit log entity and store methods for security-relevant events
// ABOUTME: Records metadata only, never message or tool output content

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditLoginSuccess          AuditAction = "login_success"
	AuditLoginFailure          AuditAction = "login_failure"
	AuditLoginLockout          AuditAction = "login_lockout"
	AuditTokenIssued           AuditAction = "token_issued"
	AuditTokenRevoked          AuditAction = "token_revoked"
	AuditTokenExpired          AuditAction = "token_expired"
	AuditOperationAdmitted     AuditAction = "operation_admitted"
	AuditOperationRejected     AuditAction = "operation_rejected"
	AuditDegradedTripped       AuditAction = "degraded_tripped"
	AuditConfirmationRequested AuditAction = "confirmation_requested"
	AuditConfirmationApproved  AuditAction = "confirmation_approved"
	AuditConfirmationDenied    AuditAction = "confirmation_denied"
	AuditConfirmationAbandoned AuditAction = "confirmation_abandoned"
)

// AuditEntry represents a single audit log entry. Target identifies the
// affected resource (a tool name, a token owner, a window key); Outcome
// is a short result word such as "ok", "denied", or "would_exceed".
type AuditEntry struct {
	ID        string
	Username  string
	Action    AuditAction
	Target    string
	Outcome   string
	Timestamp time.Time
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since    *time.Time
	Username *string
	Action   *AuditAction
	Limit    int // max results (default 100, max 1000)
}

// AuditStore defines the interface for audit log persistence.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_log (audit_id, username, action, target, outcome, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Username,
		e.Action,
		e.Target,
		e.Outcome,
		formatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"username", e.Username,
		"action", e.Action,
		"outcome", e.Outcome,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, username, action, target, outcome, ts
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR username = ?)
	  AND (? IS NULL OR action = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns audit entries matching the filter criteria.
// Results are returned newest first (DESC by timestamp).
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	limit := normalizeAuditLimit(f.Limit)

	var sinceStr *string
	if f.Since != nil {
		str := formatTime(*f.Since)
		sinceStr = &str
	}
	var actionStr *string
	if f.Action != nil {
		str := string(*f.Action)
		actionStr = &str
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		sinceStr, sinceStr,
		f.Username, f.Username,
		actionStr, actionStr,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var target, outcome sql.NullString
		var actionStr, tsStr string

		if err := rows.Scan(&e.ID, &e.Username, &actionStr, &target, &outcome, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.Action = AuditAction(actionStr)
		e.Target = target.String
		e.Outcome = outcome.String
		if e.Timestamp, err = parseTime(tsStr); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}
