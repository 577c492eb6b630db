// ABOUTME: Process-wide degraded state flag tripped on rate-limit overflow
// ABOUTME: One-way latch; only a process restart clears it

package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-warden/internal/store"
)

// DegradedController is a one-way latch for the process-wide degraded
// state. Once any user's window overflows, the whole process refuses
// new work until restart. The latch is deliberately in-memory only: a
// restart is the recovery procedure, so persisting it would defeat the
// point.
type DegradedController struct {
	degraded atomic.Bool
	tripOnce sync.Once
	store    store.AuditStore
	logger   *slog.Logger
}

// NewDegradedController creates a controller in the healthy state.
func NewDegradedController(s store.AuditStore) *DegradedController {
	return &DegradedController{
		store:  s,
		logger: slog.Default().With("component", "degraded"),
	}
}

// IsDegraded reports whether the latch has tripped.
func (c *DegradedController) IsDegraded() bool {
	return c.degraded.Load()
}

// Trip latches the degraded state. The transition is logged and audited
// exactly once no matter how many callers race here; later calls are
// no-ops.
func (c *DegradedController) Trip(ctx context.Context, username string) {
	c.degraded.Store(true)
	c.tripOnce.Do(func() {
		c.logger.Error("entering degraded state, restart required to clear", "tripped_by", username)
		err := c.store.AppendAuditLog(ctx, &store.AuditEntry{
			Username: username,
			Action:   store.AuditDegradedTripped,
			Outcome:  "degraded",
		})
		if err != nil {
			c.logger.Warn("audit append failed", "action", store.AuditDegradedTripped, "error", err)
		}
	})
}
