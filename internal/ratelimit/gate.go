// ABOUTME: Per-user concurrency gate capping simultaneous in-flight turns
// ABOUTME: In-memory counters; slots are held only for the life of a request

package ratelimit

import "sync"

// Gate caps the number of simultaneously in-flight operations per user.
// Counters live in memory only: a slot is meaningless past the life of
// the request holding it, so there is nothing to persist.
type Gate struct {
	mu       sync.Mutex
	limit    int
	inFlight map[string]int
}

// NewGate creates a gate allowing up to limit concurrent entries per user.
func NewGate(limit int) *Gate {
	return &Gate{
		limit:    limit,
		inFlight: make(map[string]int),
	}
}

// TryEnter attempts to claim a concurrency slot for the user. It never
// blocks; a full gate returns false immediately.
func (g *Gate) TryEnter(username string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[username] >= g.limit {
		return false
	}
	g.inFlight[username]++
	return true
}

// Exit releases a slot claimed by TryEnter. Releasing below zero is
// clamped; an unmatched Exit must not open extra capacity.
func (g *Gate) Exit(username string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.inFlight[username] > 0 {
		g.inFlight[username]--
	}
	if g.inFlight[username] == 0 {
		delete(g.inFlight, username)
	}
}

// InFlight reports the user's current slot count. Informational only.
func (g *Gate) InFlight(username string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[username]
}
