// ABOUTME: Background sweeper purging chat sessions past the retention cutoff
// ABOUTME: Runs on a ticker until the context is cancelled

package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-warden/internal/store"
)

// Sweeper periodically deletes chat sessions idle past the retention
// period, cascading to their messages and invocation records.
type Sweeper struct {
	store     store.ChatStore
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSweeper creates a retention sweeper checking every interval for
// sessions idle longer than retention.
func NewSweeper(s store.ChatStore, retention, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     s,
		retention: retention,
		interval:  interval,
		logger:    slog.Default().With("component", "sweeper"),
		now:       time.Now,
	}
}

// Run sweeps until ctx is cancelled. The first sweep happens after one
// interval, not at startup; startup already has enough to do.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.retention)
	deleted, err := s.store.PurgeIdleChatSessions(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention sweep", "sessions_deleted", deleted)
	}
}
