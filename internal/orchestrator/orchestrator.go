// ABOUTME: Request-path glue running one chat turn end to end
// ABOUTME: Degraded check, token validation, budgets, LLM call, tool plan

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-warden/internal/arbiter"
	"github.com/2389/coven-warden/internal/ratelimit"
	"github.com/2389/coven-warden/internal/session"
	"github.com/2389/coven-warden/internal/store"
)

// Turn errors surfaced to the HTTP layer.
var (
	// ErrDegraded means the process has entered degraded state and
	// refuses new work until restart.
	ErrDegraded = errors.New("service degraded, restart required")
	// ErrTooManyConcurrent means the user has no free concurrency slot.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
	// ErrRateLimited means the user's operation budget is exhausted.
	ErrRateLimited = errors.New("operation budget exhausted")
	// ErrSessionNotFound means the chat session does not exist or
	// belongs to another user.
	ErrSessionNotFound = errors.New("chat session not found")
)

// LLMClient produces the agent's text response for a user message given
// the session history.
type LLMClient interface {
	Complete(ctx context.Context, history []*store.ChatMessage, text string) (string, error)
}

// ToolDispatcher invokes a named tool on behalf of a user and returns
// its text output and the name of the server that handled it.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, username, toolName string, args map[string]any) (output, serverName string, err error)
}

// Store is the persistence surface the orchestrator needs.
type Store interface {
	store.ChatStore
	store.AuditStore
}

// TurnResult is the outcome of a chat turn. When the turn parked on a
// confirmation, PendingConfirmationID and PendingToolName are set and
// ResponseText is empty; the resolved turn returns the full text.
type TurnResult struct {
	SessionID             string
	MessageID             string
	ResponseText          string
	PendingConfirmationID string
	PendingToolName       string
	// RateLimited is true when the turn's tool plan was cut short by an
	// exhausted operation budget; the degraded latch has tripped.
	RateLimited bool
}

// Orchestrator runs chat turns through the admission pipeline: degraded
// check, token validation, concurrency gate, operation charges, the LLM
// call, and the planned tool invocations.
type Orchestrator struct {
	store      Store
	sessions   *session.Manager
	ledger     *ratelimit.Ledger
	gate       *ratelimit.Gate
	degraded   *ratelimit.DegradedController
	arbiter    *arbiter.Arbiter
	pending    *arbiter.Pending
	llm        LLMClient
	dispatcher ToolDispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an orchestrator.
func New(
	s Store,
	sessions *session.Manager,
	ledger *ratelimit.Ledger,
	gate *ratelimit.Gate,
	degraded *ratelimit.DegradedController,
	arb *arbiter.Arbiter,
	pending *arbiter.Pending,
	llm LLMClient,
	dispatcher ToolDispatcher,
) *Orchestrator {
	return &Orchestrator{
		store:      s,
		sessions:   sessions,
		ledger:     ledger,
		gate:       gate,
		degraded:   degraded,
		arbiter:    arb,
		pending:    pending,
		llm:        llm,
		dispatcher: dispatcher,
		logger:     slog.Default().With("component", "orchestrator"),
		now:        time.Now,
	}
}

// parkedTurn is the context a turn saves when it waits for confirmation.
type parkedTurn struct {
	username    string
	sessionID   string
	messageID   string
	userText    string
	llmText     string
	annotations []string
	invocations []*store.ToolInvocation
	current     plannedCall
	remaining   []plannedCall
	rateLimited bool
}

// HandleMessage runs one chat turn. An empty sessionID starts a new
// session. The returned result either carries the final response text or
// a pending confirmation the caller must resolve to continue.
func (o *Orchestrator) HandleMessage(ctx context.Context, tokenValue, sessionID, text string) (*TurnResult, error) {
	if o.degraded.IsDegraded() {
		return nil, ErrDegraded
	}

	username, err := o.sessions.Validate(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	if !o.gate.TryEnter(username) {
		o.logger.Info("concurrency slot unavailable", "username", username)
		return nil, ErrTooManyConcurrent
	}
	defer o.gate.Exit(username)

	// The LLM call is itself one operation.
	outcome, err := o.ledger.Charge(ctx, username, 1)
	if err != nil {
		return nil, err
	}
	if outcome == ratelimit.WouldExceed {
		return nil, ErrRateLimited
	}

	chatSession, err := o.ensureSession(ctx, username, sessionID, text)
	if err != nil {
		return nil, err
	}

	history, err := o.store.ListChatMessages(ctx, chatSession.ID)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}

	raw, err := o.llm.Complete(ctx, history, text)
	if err != nil {
		return nil, fmt.Errorf("completing message: %w", err)
	}
	llmText, recommended := extractRecommendedTool(raw)

	plan := buildPlan(text, recommended)

	turn := &parkedTurn{
		username:  username,
		sessionID: chatSession.ID,
		messageID: uuid.New().String(),
		userText:  text,
		llmText:   llmText,
		remaining: plan,
	}
	return o.runPlan(ctx, turn)
}

// ResolveConfirmation applies the user's decision to a parked turn and
// finishes it. Denial is a normal outcome: the tool is skipped, the
// remaining plan is abandoned, and the turn completes with its text.
func (o *Orchestrator) ResolveConfirmation(ctx context.Context, tokenValue, confirmationID string, approved bool) (*TurnResult, error) {
	if o.degraded.IsDegraded() {
		return nil, ErrDegraded
	}

	username, err := o.sessions.Validate(ctx, tokenValue)
	if err != nil {
		return nil, err
	}

	// Ownership is checked before the proposal is consumed so a
	// wrong-user request leaves it pending for the real owner.
	peeked, err := o.pending.Peek(confirmationID)
	if err != nil {
		return nil, err
	}
	turn, ok := peeked.Payload.(*parkedTurn)
	if !ok || turn.username != username {
		// Another user's proposal is indistinguishable from a missing one.
		return nil, arbiter.ErrNoPending
	}

	if !approved {
		// Denial runs no tool and needs no concurrency slot.
		if _, err := o.pending.Resolve(ctx, confirmationID, false); err != nil {
			return nil, err
		}
		turn.invocations = append(turn.invocations, &store.ToolInvocation{
			ID:        uuid.New().String(),
			MessageID: turn.messageID,
			ToolName:  turn.current.name,
			InvokedAt: o.now().UTC(),
		})
		turn.annotations = append(turn.annotations, fmt.Sprintf("[%s was not run: denied]", turn.current.name))
		turn.remaining = nil
		return o.finishTurn(ctx, turn)
	}

	// The slot is claimed before the proposal is consumed; a full gate
	// leaves the parked turn intact so the approval can be retried once
	// an in-flight turn completes.
	if !o.gate.TryEnter(username) {
		return nil, ErrTooManyConcurrent
	}
	defer o.gate.Exit(username)

	if _, err := o.pending.Resolve(ctx, confirmationID, true); err != nil {
		return nil, err
	}

	o.invoke(ctx, turn, turn.current, true)
	return o.runPlan(ctx, turn)
}

// AbandonSession drops any pending confirmation for a chat session and
// deletes the session. Used by session deletion.
func (o *Orchestrator) AbandonSession(ctx context.Context, tokenValue, sessionID string) error {
	username, err := o.sessions.Validate(ctx, tokenValue)
	if err != nil {
		return err
	}
	if _, err := o.ownedSession(ctx, username, sessionID); err != nil {
		return err
	}
	o.pending.AbandonSession(ctx, sessionID)
	return o.store.DeleteChatSession(ctx, sessionID)
}

// runPlan executes the turn's remaining tool calls in order, stopping at
// the first failure or parking on the first confirmation requirement.
func (o *Orchestrator) runPlan(ctx context.Context, turn *parkedTurn) (*TurnResult, error) {
	for len(turn.remaining) > 0 {
		call := turn.remaining[0]
		turn.remaining = turn.remaining[1:]

		// Each tool call is one operation, charged before anything runs.
		outcome, err := o.ledger.Charge(ctx, turn.username, 1)
		if err != nil {
			return nil, err
		}
		if outcome == ratelimit.WouldExceed {
			turn.rateLimited = true
			turn.annotations = append(turn.annotations, fmt.Sprintf("[%s was not run: operation budget exhausted]", call.name))
			turn.remaining = nil
			break
		}

		if o.arbiter.RequiresConfirmation(call.name, call.origin) {
			turn.current = call
			proposal := o.pending.Propose(ctx, turn.username, turn.sessionID, call.name, turn)
			return &TurnResult{
				SessionID:             turn.sessionID,
				MessageID:             turn.messageID,
				PendingConfirmationID: proposal.ID,
				PendingToolName:       call.name,
			}, nil
		}

		if !o.invoke(ctx, turn, call, false) {
			// First failure abandons the rest of the plan.
			turn.remaining = nil
			break
		}
	}

	return o.finishTurn(ctx, turn)
}

// invoke dispatches one tool call, records the invocation, and appends
// the output or failure annotation. Returns false on failure.
func (o *Orchestrator) invoke(ctx context.Context, turn *parkedTurn, call plannedCall, confirmed bool) bool {
	inv := &store.ToolInvocation{
		ID:            uuid.New().String(),
		MessageID:     turn.messageID,
		ToolName:      call.name,
		WasExplicit:   call.origin == arbiter.OriginExplicitTag,
		UserConfirmed: confirmed,
		InvokedAt:     o.now().UTC(),
	}

	output, serverName, err := o.dispatcher.Dispatch(ctx, turn.username, call.name, nil)
	inv.ServerName = serverName
	if err != nil {
		inv.ErrorMessage = err.Error()
		turn.invocations = append(turn.invocations, inv)
		turn.annotations = append(turn.annotations, fmt.Sprintf("[%s failed: %v]", call.name, err))
		o.logger.Warn("tool invocation failed", "username", turn.username, "tool", call.name, "error", err)
		return false
	}

	inv.Success = true
	inv.OutputText = truncateOutput(output)
	turn.invocations = append(turn.invocations, inv)
	turn.annotations = append(turn.annotations, fmt.Sprintf("[%s]\n%s", call.name, inv.OutputText))
	return true
}

// finishTurn persists the message and its invocation records, then
// assembles the final response text.
func (o *Orchestrator) finishTurn(ctx context.Context, turn *parkedTurn) (*TurnResult, error) {
	responseText := turn.llmText
	for _, annotation := range turn.annotations {
		responseText += "\n\n" + annotation
	}

	msg := &store.ChatMessage{
		ID:           turn.messageID,
		SessionID:    turn.sessionID,
		Username:     turn.username,
		MessageText:  turn.userText,
		ResponseText: responseText,
		CreatedAt:    o.now().UTC(),
	}
	if err := o.store.AddChatMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("saving message: %w", err)
	}
	for _, inv := range turn.invocations {
		if err := o.store.SaveToolInvocation(ctx, inv); err != nil {
			return nil, fmt.Errorf("saving invocation: %w", err)
		}
	}

	return &TurnResult{
		SessionID:    turn.sessionID,
		MessageID:    turn.messageID,
		ResponseText: responseText,
		RateLimited:  turn.rateLimited,
	}, nil
}

func (o *Orchestrator) ensureSession(ctx context.Context, username, sessionID, text string) (*store.ChatSession, error) {
	if sessionID == "" {
		now := o.now().UTC()
		chatSession := &store.ChatSession{
			ID:             uuid.New().String(),
			Username:       username,
			Description:    describeSession(text),
			CreatedAt:      now,
			LastActivityAt: now,
		}
		if err := o.store.CreateChatSession(ctx, chatSession); err != nil {
			return nil, fmt.Errorf("creating session: %w", err)
		}
		return chatSession, nil
	}
	return o.ownedSession(ctx, username, sessionID)
}

func (o *Orchestrator) ownedSession(ctx context.Context, username, sessionID string) (*store.ChatSession, error) {
	chatSession, err := o.store.GetChatSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	// Another user's session is indistinguishable from a missing one.
	if chatSession.Username != username {
		return nil, ErrSessionNotFound
	}
	return chatSession, nil
}

// describeSession derives a short session description from the first
// message.
func describeSession(text string) string {
	const maxLen = 80
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen]
}
