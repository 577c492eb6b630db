// ABOUTME: Login failure tracking and timed lockouts per (username, source) pair
// ABOUTME: Three consecutive failures lock the pair out for a fixed duration

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-warden/internal/store"
	"github.com/2389/coven-warden/internal/syncutil"
)

// GuardStore is the persistence surface the guard needs.
type GuardStore interface {
	store.UserStore
	store.AttemptStore
	store.AuditStore
}

// LockoutDecision is the result of recording an authentication attempt.
type LockoutDecision struct {
	// LockedOut is true when this attempt tripped a new lockout.
	LockedOut bool
	// LockedUntil is the lockout expiry when LockedOut is true.
	LockedUntil time.Time
}

// Guard tracks failed authentication attempts per (username, source)
// pair and enforces timed lockouts.
//
// Lockout scope is deliberately the pair, not the username alone: an
// attacker hammering one source cannot lock a user out of their usual
// workstation. The tradeoff is that an attacker rotating source
// identifiers is never locked out.
type Guard struct {
	store     GuardStore
	threshold int
	duration  time.Duration
	locks     *syncutil.KeyMutex
	logger    *slog.Logger
	now       func() time.Time
}

// NewGuard creates a login guard. threshold is the number of consecutive
// failures that trips a lockout; duration is how long the lockout lasts,
// measured from the tripping failure.
func NewGuard(s GuardStore, threshold int, duration time.Duration) *Guard {
	return &Guard{
		store:     s,
		threshold: threshold,
		duration:  duration,
		locks:     syncutil.NewKeyMutex(),
		logger:    slog.Default().With("component", "loginguard"),
		now:       time.Now,
	}
}

// CheckLocked reports whether the (username, source) pair is currently
// locked out, and if so for how much longer. Callers must short-circuit
// authentication without contacting the upstream directory when locked.
func (g *Guard) CheckLocked(ctx context.Context, username, source string) (bool, time.Duration, error) {
	attempt, err := g.store.GetLoginAttempt(ctx, username, source)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("checking lockout: %w", err)
	}

	if attempt.LockedUntil == nil {
		return false, 0, nil
	}

	remaining := attempt.LockedUntil.Sub(g.now().UTC())
	if remaining <= 0 {
		return false, 0, nil
	}
	return true, remaining, nil
}

// RecordAttempt records the outcome of an authentication attempt for a
// (username, source) pair.
//
// A failure increments the pair's counter; reaching the threshold sets a
// lockout and resets the counter to zero, so a fresh run starts after
// the lockout expires. A success resets the counter and clears any
// stale lockout for this pair only; other sources for the same username
// are unaffected.
func (g *Guard) RecordAttempt(ctx context.Context, username, source string, success bool) (LockoutDecision, error) {
	g.locks.Lock(username)
	defer g.locks.Unlock(username)

	now := g.now().UTC()

	// The identity record exists from the first attempt onward,
	// successful or not.
	if _, err := g.store.GetOrCreateUser(ctx, username); err != nil {
		return LockoutDecision{}, fmt.Errorf("recording attempt: %w", err)
	}

	attempt, err := g.store.GetLoginAttempt(ctx, username, source)
	if errors.Is(err, store.ErrNotFound) {
		attempt = &store.LoginAttempt{Username: username, Source: source}
	} else if err != nil {
		return LockoutDecision{}, fmt.Errorf("recording attempt: %w", err)
	}

	attempt.LastAttemptAt = now

	if success {
		attempt.Count = 0
		attempt.LockedUntil = nil
		if err := g.store.PutLoginAttempt(ctx, attempt); err != nil {
			return LockoutDecision{}, fmt.Errorf("recording attempt: %w", err)
		}
		return LockoutDecision{}, nil
	}

	attempt.Count++
	if err := g.store.SetUserLastFailedSource(ctx, username, source); err != nil {
		return LockoutDecision{}, fmt.Errorf("recording attempt: %w", err)
	}

	var decision LockoutDecision
	if attempt.Count >= g.threshold {
		lockedUntil := now.Add(g.duration)
		attempt.LockedUntil = &lockedUntil
		attempt.Count = 0
		decision = LockoutDecision{LockedOut: true, LockedUntil: lockedUntil}
	}

	if err := g.store.PutLoginAttempt(ctx, attempt); err != nil {
		return LockoutDecision{}, fmt.Errorf("recording attempt: %w", err)
	}

	if decision.LockedOut {
		g.auditLockout(ctx, username, source)
		g.logger.Warn("lockout tripped",
			"username", username,
			"source", source,
			"locked_until", decision.LockedUntil,
		)
	}

	return decision, nil
}

func (g *Guard) auditLockout(ctx context.Context, username, source string) {
	err := g.store.AppendAuditLog(ctx, &store.AuditEntry{
		Username: username,
		Action:   store.AuditLoginLockout,
		Target:   source,
		Outcome:  "locked",
	})
	if err != nil {
		g.logger.Warn("audit append failed", "action", store.AuditLoginLockout, "error", err)
	}
}
