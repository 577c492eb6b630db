// ABOUTME: Per-user fixed-window operation ledger with all-or-nothing charging
// ABOUTME: An overcharged window trips the process-wide degraded latch

package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-warden/internal/store"
	"github.com/2389/coven-warden/internal/syncutil"
)

// ChargeOutcome is the result of attempting to charge operations.
type ChargeOutcome int

const (
	// Admitted means the full batch was charged to the window.
	Admitted ChargeOutcome = iota
	// WouldExceed means no part of the batch was charged; the degraded
	// latch has been tripped.
	WouldExceed
)

// LedgerStore is the persistence surface the ledger needs.
type LedgerStore interface {
	store.WindowStore
	store.AuditStore
}

// Ledger charges operations against per-user fixed windows.
//
// Windows are aligned to multiples of the window duration since the Unix
// epoch, so every user shares the same window boundaries and a burst
// straddling a boundary is split across two windows. Charges are
// all-or-nothing: a batch that would push the count past the limit
// charges nothing.
type Ledger struct {
	store    LedgerStore
	limit    int
	window   time.Duration
	degraded *DegradedController
	locks    *syncutil.KeyMutex
	logger   *slog.Logger
	now      func() time.Time
}

// NewLedger creates an operation ledger. limit is the maximum operations
// per user per window; window is the fixed window duration.
func NewLedger(s LedgerStore, limit int, window time.Duration, degraded *DegradedController) *Ledger {
	return &Ledger{
		store:    s,
		limit:    limit,
		window:   window,
		degraded: degraded,
		locks:    syncutil.NewKeyMutex(),
		logger:   slog.Default().With("component", "ledger"),
		now:      time.Now,
	}
}

// windowStart returns the start of the fixed window containing t.
func (l *Ledger) windowStart(t time.Time) time.Time {
	return t.UTC().Truncate(l.window)
}

// Charge attempts to charge count operations to the user's current
// window. The whole batch is admitted or none of it is; a rejected batch
// trips the degraded latch. count must be positive.
func (l *Ledger) Charge(ctx context.Context, username string, count int) (ChargeOutcome, error) {
	if count <= 0 {
		return Admitted, fmt.Errorf("charge count must be positive, got %d", count)
	}

	l.locks.Lock(username)
	defer l.locks.Unlock(username)

	start := l.windowStart(l.now())

	used, err := l.store.GetOperationCount(ctx, username, start)
	if err != nil {
		return Admitted, err
	}

	if used+count > l.limit {
		l.logger.Warn("operation budget exceeded",
			"username", username,
			"used", used,
			"requested", count,
			"limit", l.limit,
		)
		l.audit(ctx, username, store.AuditOperationRejected, fmt.Sprintf("used=%d requested=%d", used, count))
		l.degraded.Trip(ctx, username)
		return WouldExceed, nil
	}

	if err := l.store.AddOperations(ctx, username, start, count); err != nil {
		return Admitted, err
	}
	l.audit(ctx, username, store.AuditOperationAdmitted, fmt.Sprintf("count=%d", count))
	return Admitted, nil
}

// Remaining reports how many operations the user has left in the current
// window. Informational only; Charge is the authority.
func (l *Ledger) Remaining(ctx context.Context, username string) (int, error) {
	used, err := l.store.GetOperationCount(ctx, username, l.windowStart(l.now()))
	if err != nil {
		return 0, err
	}
	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (l *Ledger) audit(ctx context.Context, username string, action store.AuditAction, outcome string) {
	err := l.store.AppendAuditLog(ctx, &store.AuditEntry{
		Username: username,
		Action:   action,
		Outcome:  outcome,
	})
	if err != nil {
		l.logger.Warn("audit append failed", "action", action, "error", err)
	}
}
