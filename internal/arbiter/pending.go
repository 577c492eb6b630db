// ABOUTME: In-memory registry of confirmation proposals parked mid-turn
// ABOUTME: One pending proposal per chat session; resolutions are audited

package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-warden/internal/store"
)

// ErrNoPending means no proposal with the given ID is awaiting a decision.
var ErrNoPending = errors.New("no pending confirmation")

// State is the lifecycle state of a confirmation proposal.
type State string

const (
	StateProposed  State = "proposed"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateAbandoned State = "abandoned"
)

// Proposal is a tool invocation parked awaiting user confirmation.
// Payload carries the caller's turn context opaquely; the registry never
// inspects it.
type Proposal struct {
	ID         string
	Username   string
	SessionKey string
	ToolName   string
	State      State
	ProposedAt time.Time
	Payload    any
}

// Pending tracks confirmation proposals in memory. A proposal parks the
// turn that created it; no goroutine blocks waiting for the decision.
// Proposals do not survive a restart, matching the degraded-state and
// concurrency-slot lifecycle: a restart abandons everything in flight.
type Pending struct {
	mu        sync.Mutex
	byID      map[string]*Proposal
	bySession map[string]string
	store     store.AuditStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewPending creates an empty confirmation registry.
func NewPending(s store.AuditStore) *Pending {
	return &Pending{
		byID:      make(map[string]*Proposal),
		bySession: make(map[string]string),
		store:     s,
		logger:    slog.Default().With("component", "confirmations"),
		now:       time.Now,
	}
}

// Propose parks a tool invocation awaiting confirmation and returns the
// proposal. A session holds at most one pending proposal; proposing a
// new one abandons the old, so a stale confirmation can never run a
// tool the user no longer sees.
func (p *Pending) Propose(ctx context.Context, username, sessionKey, toolName string, payload any) *Proposal {
	p.mu.Lock()
	var displaced *Proposal
	if oldID, ok := p.bySession[sessionKey]; ok {
		displaced = p.byID[oldID]
		displaced.State = StateAbandoned
		delete(p.byID, oldID)
	}

	proposal := &Proposal{
		ID:         uuid.New().String(),
		Username:   username,
		SessionKey: sessionKey,
		ToolName:   toolName,
		State:      StateProposed,
		ProposedAt: p.now().UTC(),
		Payload:    payload,
	}
	p.byID[proposal.ID] = proposal
	p.bySession[sessionKey] = proposal.ID
	p.mu.Unlock()

	if displaced != nil {
		p.audit(ctx, displaced, store.AuditConfirmationAbandoned, "superseded")
	}
	p.audit(ctx, proposal, store.AuditConfirmationRequested, "pending")
	p.logger.Info("confirmation requested",
		"id", proposal.ID,
		"username", username,
		"tool", toolName,
	)
	return proposal
}

// Peek returns a pending proposal without resolving it. Callers use it
// to check ownership and claim resources before committing to a
// decision; the proposal stays pending and can still be resolved later.
func (p *Pending) Peek(id string) (*Proposal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proposal, ok := p.byID[id]
	if !ok {
		return nil, ErrNoPending
	}
	return proposal, nil
}

// Resolve applies the user's decision to a pending proposal and returns
// it with its final state. Only Proposed proposals can be resolved;
// anything else is ErrNoPending.
func (p *Pending) Resolve(ctx context.Context, id string, approved bool) (*Proposal, error) {
	p.mu.Lock()
	proposal, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return nil, ErrNoPending
	}
	delete(p.byID, id)
	delete(p.bySession, proposal.SessionKey)

	if approved {
		proposal.State = StateApproved
	} else {
		proposal.State = StateDenied
	}
	p.mu.Unlock()

	if approved {
		p.audit(ctx, proposal, store.AuditConfirmationApproved, "approved")
	} else {
		p.audit(ctx, proposal, store.AuditConfirmationDenied, "denied")
	}
	p.logger.Info("confirmation resolved", "id", id, "state", proposal.State)
	return proposal, nil
}

// AbandonSession abandons the session's pending proposal, if any. Called
// when a session is deleted or its turn context is otherwise gone.
func (p *Pending) AbandonSession(ctx context.Context, sessionKey string) {
	p.mu.Lock()
	id, ok := p.bySession[sessionKey]
	var proposal *Proposal
	if ok {
		proposal = p.byID[id]
		proposal.State = StateAbandoned
		delete(p.byID, id)
		delete(p.bySession, sessionKey)
	}
	p.mu.Unlock()

	if proposal != nil {
		p.audit(ctx, proposal, store.AuditConfirmationAbandoned, "session_closed")
	}
}

// AbandonUser abandons every pending proposal belonging to the user.
// Called on logout and token revocation.
func (p *Pending) AbandonUser(ctx context.Context, username string) {
	p.mu.Lock()
	var abandoned []*Proposal
	for id, proposal := range p.byID {
		if proposal.Username == username {
			proposal.State = StateAbandoned
			delete(p.byID, id)
			delete(p.bySession, proposal.SessionKey)
			abandoned = append(abandoned, proposal)
		}
	}
	p.mu.Unlock()

	for _, proposal := range abandoned {
		p.audit(ctx, proposal, store.AuditConfirmationAbandoned, "user_logged_out")
	}
}

func (p *Pending) audit(ctx context.Context, proposal *Proposal, action store.AuditAction, outcome string) {
	err := p.store.AppendAuditLog(ctx, &store.AuditEntry{
		Username: proposal.Username,
		Action:   action,
		Target:   proposal.ToolName,
		Outcome:  outcome,
	})
	if err != nil {
		p.logger.Warn("audit append failed", "action", action, "error", err)
	}
}
