// ABOUTME: Bearer token issuance, validation, and idle-expiry management
// ABOUTME: Serializes per-user check-and-refresh so expiry decisions are atomic

package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-warden/internal/store"
	"github.com/2389/coven-warden/internal/syncutil"
)

// Token errors. Both mean the caller must re-login; they are
// distinguished only for logging and auditing.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// tokenBytes is the entropy of an issued token: 32 random bytes, hex
// encoded, giving 256 bits.
const tokenBytes = 32

// Store is the persistence surface the manager needs.
type Store interface {
	store.TokenStore
	store.AuditStore
}

// Manager owns bearer token issuance, lookup, invalidation, and idle expiry.
type Manager struct {
	store       Store
	idleTimeout time.Duration
	locks       *syncutil.KeyMutex
	logger      *slog.Logger
	now         func() time.Time
}

// NewManager creates a token manager with the given idle timeout.
func NewManager(s Store, idleTimeout time.Duration) *Manager {
	return &Manager{
		store:       s,
		idleTimeout: idleTimeout,
		locks:       syncutil.NewKeyMutex(),
		logger:      slog.Default().With("component", "session"),
		now:         time.Now,
	}
}

// Issue generates a new opaque token for the user, revoking any prior
// live token, and returns it. The prior token becomes unusable
// immediately even if it had not idle-expired.
func (m *Manager) Issue(ctx context.Context, username string) (*store.Token, error) {
	value, err := generateToken()
	if err != nil {
		return nil, err
	}

	m.locks.Lock(username)
	defer m.locks.Unlock(username)

	now := m.now().UTC()
	token := &store.Token{
		Value:        value,
		Username:     username,
		IssuedAt:     now,
		LastActivity: now,
	}
	if err := m.store.InsertToken(ctx, token); err != nil {
		return nil, fmt.Errorf("issuing token: %w", err)
	}

	m.audit(ctx, username, store.AuditTokenIssued, "ok")
	m.logger.Info("issued token", "username", username)
	return token, nil
}

// Validate looks up a token, enforces the idle timeout, and on success
// bumps the token's last activity and returns the owning username.
//
// Returns ErrTokenInvalid for absent or revoked tokens and
// ErrTokenExpired when the idle age has reached the timeout; expiry
// revokes the token as a side effect. The check-and-refresh runs under
// the owner's lock so two concurrent requests cannot both observe a
// pre-expiry state after one has revoked it.
func (m *Manager) Validate(ctx context.Context, value string) (string, error) {
	token, err := m.store.GetTokenByValue(ctx, value)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("looking up token: %w", err)
	}

	m.locks.Lock(token.Username)
	defer m.locks.Unlock(token.Username)

	// Re-read under the lock: a concurrent validate may have expired or
	// refreshed the token between the lookup and the lock acquisition.
	token, err = m.store.GetTokenByValue(ctx, value)
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("looking up token: %w", err)
	}
	if token.Revoked {
		return "", ErrTokenInvalid
	}

	now := m.now().UTC()
	if now.Sub(token.LastActivity) >= m.idleTimeout {
		if err := m.store.RevokeToken(ctx, value); err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("revoking expired token: %w", err)
		}
		m.audit(ctx, token.Username, store.AuditTokenExpired, "idle_timeout")
		m.logger.Info("token idle-expired", "username", token.Username)
		return "", ErrTokenExpired
	}

	if err := m.store.UpdateTokenActivity(ctx, value, now); err != nil {
		return "", fmt.Errorf("refreshing token activity: %w", err)
	}

	return token.Username, nil
}

// Revoke invalidates the user's live token, if any. Used by logout and
// admin-forced logout.
func (m *Manager) Revoke(ctx context.Context, username string) error {
	m.locks.Lock(username)
	defer m.locks.Unlock(username)

	revoked, err := m.store.RevokeUserTokens(ctx, username)
	if err != nil {
		return fmt.Errorf("revoking tokens: %w", err)
	}
	if revoked > 0 {
		m.audit(ctx, username, store.AuditTokenRevoked, "ok")
		m.logger.Info("revoked token", "username", username)
	}
	return nil
}

// PurgeExpiredAtStartup revokes every persisted token whose idle age
// already exceeds the timeout. Must run before the first request is
// served so stale tokens are rejected on the very first validation.
func (m *Manager) PurgeExpiredAtStartup(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.idleTimeout)
	purged, err := m.store.PurgeIdleTokens(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging expired tokens: %w", err)
	}
	return purged, nil
}

// audit appends an audit entry, logging rather than failing the request
// if the write does not succeed.
func (m *Manager) audit(ctx context.Context, username string, action store.AuditAction, outcome string) {
	err := m.store.AppendAuditLog(ctx, &store.AuditEntry{
		Username: username,
		Action:   action,
		Outcome:  outcome,
	})
	if err != nil {
		m.logger.Warn("audit append failed", "action", action, "error", err)
	}
}

// generateToken returns a cryptographically random opaque token.
func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
