// ABOUTME: Login and logout flow binding authorization, lockout, and token issuance
// ABOUTME: Locked-out pairs short-circuit before the binder is ever consulted

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-warden/internal/session"
	"github.com/2389/coven-warden/internal/store"
)

// Login errors.
var (
	// ErrBadCredentials covers unknown users, unauthorized users, and
	// wrong passwords; callers get one indistinguishable failure.
	ErrBadCredentials = errors.New("invalid credentials")
	// ErrLockedOut means the (username, source) pair is locked out and
	// the credential source was not consulted.
	ErrLockedOut = errors.New("locked out")
)

// Authorizer answers whether a username may hold a session and whether
// it is an administrator. Backed by static configuration.
type Authorizer interface {
	IsAuthorized(username string) bool
	IsAdmin(username string) bool
}

// ServiceStore is the persistence surface the login service needs.
type ServiceStore interface {
	store.UserStore
	store.AuditStore
}

// LoginResult is returned on successful authentication.
type LoginResult struct {
	Token   *store.Token
	IsAdmin bool
}

// Service implements the login and logout operations.
type Service struct {
	store      ServiceStore
	authorizer Authorizer
	guard      *Guard
	binder     Binder
	tokens     *session.Manager
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a login service.
func NewService(s ServiceStore, authorizer Authorizer, guard *Guard, binder Binder, tokens *session.Manager) *Service {
	return &Service{
		store:      s,
		authorizer: authorizer,
		guard:      guard,
		binder:     binder,
		tokens:     tokens,
		logger:     slog.Default().With("component", "auth"),
		now:        time.Now,
	}
}

// Login authenticates a user and issues a bearer token.
//
// Order of checks: authorization list, lockout (short-circuits without
// contacting the binder), credential verification, attempt recording.
// On success the administrator flag is synchronized from configuration
// and any previous token for the user is superseded.
func (s *Service) Login(ctx context.Context, username, password, source string) (*LoginResult, error) {
	if !s.authorizer.IsAuthorized(username) {
		s.audit(ctx, username, store.AuditLoginFailure, source, "not_authorized")
		s.logger.Info("login rejected", "username", username, "reason", "not_authorized")
		return nil, ErrBadCredentials
	}

	locked, remaining, err := s.guard.CheckLocked(ctx, username, source)
	if err != nil {
		return nil, err
	}
	if locked {
		s.audit(ctx, username, store.AuditLoginFailure, source, "locked_out")
		s.logger.Info("login rejected", "username", username, "reason", "locked_out", "remaining", remaining)
		return nil, fmt.Errorf("%w: try again in %s", ErrLockedOut, remaining.Round(time.Second))
	}

	ok, err := s.binder.Bind(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("verifying credentials: %w", err)
	}

	if _, err := s.guard.RecordAttempt(ctx, username, source, ok); err != nil {
		return nil, err
	}

	if !ok {
		s.audit(ctx, username, store.AuditLoginFailure, source, "bad_credentials")
		s.logger.Info("login rejected", "username", username, "reason", "bad_credentials")
		return nil, ErrBadCredentials
	}

	// Keep the stored admin flag synchronized with configuration.
	isAdmin := s.authorizer.IsAdmin(username)
	user, err := s.store.GetUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if user.IsAdmin != isAdmin {
		if err := s.store.SetUserAdmin(ctx, username, isAdmin); err != nil {
			return nil, fmt.Errorf("syncing admin flag: %w", err)
		}
	}
	if err := s.store.SetUserLastLogin(ctx, username, s.now().UTC()); err != nil {
		return nil, fmt.Errorf("recording login time: %w", err)
	}

	token, err := s.tokens.Issue(ctx, username)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, username, store.AuditLoginSuccess, source, "ok")
	s.logger.Info("login succeeded", "username", username, "admin", isAdmin)
	return &LoginResult{Token: token, IsAdmin: isAdmin}, nil
}

// Logout revokes the user's live token.
func (s *Service) Logout(ctx context.Context, username string) error {
	return s.tokens.Revoke(ctx, username)
}

// ForceLogout revokes another user's live token on behalf of an
// administrator.
func (s *Service) ForceLogout(ctx context.Context, adminUsername, targetUsername string) error {
	s.logger.Info("admin forced logout", "admin", adminUsername, "target", targetUsername)
	return s.tokens.Revoke(ctx, targetUsername)
}

func (s *Service) audit(ctx context.Context, username string, action store.AuditAction, source, outcome string) {
	err := s.store.AppendAuditLog(ctx, &store.AuditEntry{
		Username: username,
		Action:   action,
		Target:   source,
		Outcome:  outcome,
	})
	if err != nil {
		s.logger.Warn("audit append failed", "action", action, "error", err)
	}
}
