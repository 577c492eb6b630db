// ABOUTME: Tests for the chat turn pipeline and confirmation resume path
// ABOUTME: Covers admission ordering, multi-tool stop-on-failure, and parking

package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-warden/internal/arbiter"
	"github.com/2389/coven-warden/internal/ratelimit"
	"github.com/2389/coven-warden/internal/session"
	"github.com/2389/coven-warden/internal/store"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(_ context.Context, _ []*store.ChatMessage, _ string) (string, error) {
	f.calls++
	return f.response, f.err
}

type fakeDispatcher struct {
	outputs  map[string]string
	failures map[string]error
	calls    []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _, toolName string, _ map[string]any) (string, string, error) {
	f.calls = append(f.calls, toolName)
	if err, ok := f.failures[toolName]; ok {
		return "", "tools.example.com", err
	}
	return f.outputs[toolName], "tools.example.com", nil
}

type testRig struct {
	orch       *Orchestrator
	store      *store.SQLiteStore
	llm        *fakeLLM
	dispatcher *fakeDispatcher
	gate       *ratelimit.Gate
	ledger     *ratelimit.Ledger
	degraded   *ratelimit.DegradedController
	pending    *arbiter.Pending
	token      string
}

func setupOrchestrator(t *testing.T, opLimit int, confirmTools []string) *testRig {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sessions := session.NewManager(st, 12*time.Hour)
	degraded := ratelimit.NewDegradedController(st)
	ledger := ratelimit.NewLedger(st, opLimit, time.Minute, degraded)
	gate := ratelimit.NewGate(3)
	pending := arbiter.NewPending(st)
	llm := &fakeLLM{response: "the answer"}
	dispatcher := &fakeDispatcher{
		outputs:  map[string]string{},
		failures: map[string]error{},
	}

	orch := New(st, sessions, ledger, gate, degraded, arbiter.NewArbiter(confirmTools), pending, llm, dispatcher)

	_, err = st.GetOrCreateUser(context.Background(), "alice")
	require.NoError(t, err)
	token, err := sessions.Issue(context.Background(), "alice")
	require.NoError(t, err)

	return &testRig{
		orch:       orch,
		store:      st,
		llm:        llm,
		dispatcher: dispatcher,
		gate:       gate,
		ledger:     ledger,
		degraded:   degraded,
		pending:    pending,
		token:      token.Value,
	}
}

func TestHandleMessage_PlainTurn(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "hello")
	require.NoError(t, err)
	assert.Equal(t, "the answer", result.ResponseText)
	assert.NotEmpty(t, result.SessionID)
	assert.Empty(t, result.PendingConfirmationID)

	msgs, err := rig.store.ListChatMessages(ctx, result.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].MessageText)
	assert.Equal(t, "the answer", msgs[0].ResponseText)
}

func TestHandleMessage_ContinuesExistingSession(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)
	ctx := context.Background()

	first, err := rig.orch.HandleMessage(ctx, rig.token, "", "hello")
	require.NoError(t, err)
	second, err := rig.orch.HandleMessage(ctx, rig.token, first.SessionID, "again")
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)

	msgs, err := rig.store.ListChatMessages(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestHandleMessage_DegradedRefusesImmediately(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)
	ctx := context.Background()

	rig.degraded.Trip(ctx, "someone")

	_, err := rig.orch.HandleMessage(ctx, rig.token, "", "hello")
	assert.ErrorIs(t, err, ErrDegraded)
	// Degraded is checked before the token, so even garbage fails the same way
	_, err = rig.orch.HandleMessage(ctx, "garbage", "", "hello")
	assert.ErrorIs(t, err, ErrDegraded)
	assert.Equal(t, 0, rig.llm.calls)
}

func TestHandleMessage_InvalidToken(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)

	_, err := rig.orch.HandleMessage(context.Background(), "bogus", "", "hello")
	assert.ErrorIs(t, err, session.ErrTokenInvalid)
}

func TestHandleMessage_ConcurrencyGateFull(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)

	for i := 0; i < 3; i++ {
		require.True(t, rig.gate.TryEnter("alice"))
	}

	_, err := rig.orch.HandleMessage(context.Background(), rig.token, "", "hello")
	assert.ErrorIs(t, err, ErrTooManyConcurrent)
	assert.Equal(t, 0, rig.llm.calls)
}

func TestHandleMessage_RateLimitedBeforeLLM(t *testing.T) {
	rig := setupOrchestrator(t, 5, nil)
	ctx := context.Background()

	outcome, err := rig.ledger.Charge(ctx, "alice", 5)
	require.NoError(t, err)
	require.Equal(t, ratelimit.Admitted, outcome)

	_, err = rig.orch.HandleMessage(ctx, rig.token, "", "hello")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 0, rig.llm.calls)
}

func TestHandleMessage_ExplicitTagRunsWithoutConfirmation(t *testing.T) {
	rig := setupOrchestrator(t, 50, []string{"delete_file"})
	rig.dispatcher.outputs["delete_file"] = "deleted"
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "please #delete_file now")
	require.NoError(t, err)
	assert.Empty(t, result.PendingConfirmationID)
	assert.Contains(t, result.ResponseText, "deleted")
	assert.Equal(t, []string{"delete_file"}, rig.dispatcher.calls)

	invs, err := rig.store.ListToolInvocations(ctx, result.MessageID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.True(t, invs[0].WasExplicit)
	assert.True(t, invs[0].Success)
}

func TestHandleMessage_AgentProposedParksForConfirmation(t *testing.T) {
	rig := setupOrchestrator(t, 50, []string{"delete_file"})
	rig.llm.response = `I can remove it. {"recommended_tool": "delete_file"}`
	rig.dispatcher.outputs["delete_file"] = "deleted"
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "remove the file")
	require.NoError(t, err)
	require.NotEmpty(t, result.PendingConfirmationID)
	assert.Equal(t, "delete_file", result.PendingToolName)
	assert.Empty(t, rig.dispatcher.calls)

	// No message is persisted while the turn is parked
	msgs, err := rig.store.ListChatMessages(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	resumed, err := rig.orch.ResolveConfirmation(ctx, rig.token, result.PendingConfirmationID, true)
	require.NoError(t, err)
	assert.Contains(t, resumed.ResponseText, "deleted")
	assert.Equal(t, []string{"delete_file"}, rig.dispatcher.calls)

	invs, err := rig.store.ListToolInvocations(ctx, resumed.MessageID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.True(t, invs[0].UserConfirmed)
	assert.True(t, invs[0].Success)
}

func TestResolveConfirmation_DeniedIsNormalOutcome(t *testing.T) {
	rig := setupOrchestrator(t, 50, []string{"delete_file"})
	rig.llm.response = `Removing. {"recommended_tool": "delete_file"}`
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "remove the file")
	require.NoError(t, err)
	require.NotEmpty(t, result.PendingConfirmationID)

	resumed, err := rig.orch.ResolveConfirmation(ctx, rig.token, result.PendingConfirmationID, false)
	require.NoError(t, err)
	assert.Contains(t, resumed.ResponseText, "denied")
	assert.Empty(t, rig.dispatcher.calls)

	// The denied attempt is still recorded, unexecuted
	invs, err := rig.store.ListToolInvocations(ctx, resumed.MessageID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.False(t, invs[0].Success)
	assert.False(t, invs[0].UserConfirmed)
}

func TestResolveConfirmation_GateFullLeavesTurnParked(t *testing.T) {
	rig := setupOrchestrator(t, 50, []string{"delete_file"})
	rig.llm.response = `Removing. {"recommended_tool": "delete_file"}`
	rig.dispatcher.outputs["delete_file"] = "deleted"
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "remove the file")
	require.NoError(t, err)
	require.NotEmpty(t, result.PendingConfirmationID)

	for i := 0; i < 3; i++ {
		require.True(t, rig.gate.TryEnter("alice"))
	}

	// A full gate rejects the approval but must not consume the proposal
	_, err = rig.orch.ResolveConfirmation(ctx, rig.token, result.PendingConfirmationID, true)
	require.ErrorIs(t, err, ErrTooManyConcurrent)
	assert.Empty(t, rig.dispatcher.calls)

	for i := 0; i < 3; i++ {
		rig.gate.Exit("alice")
	}

	// Retrying the same confirmation resumes the parked turn
	resumed, err := rig.orch.ResolveConfirmation(ctx, rig.token, result.PendingConfirmationID, true)
	require.NoError(t, err)
	assert.Contains(t, resumed.ResponseText, "deleted")
	assert.Equal(t, []string{"delete_file"}, rig.dispatcher.calls)
}

func TestResolveConfirmation_WrongUserLeavesProposalPending(t *testing.T) {
	rig := setupOrchestrator(t, 50, []string{"delete_file"})
	rig.llm.response = `Removing. {"recommended_tool": "delete_file"}`
	rig.dispatcher.outputs["delete_file"] = "deleted"
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "remove the file")
	require.NoError(t, err)
	require.NotEmpty(t, result.PendingConfirmationID)

	_, err = rig.store.GetOrCreateUser(ctx, "bob")
	require.NoError(t, err)
	bobToken, err := session.NewManager(rig.store, 12*time.Hour).Issue(ctx, "bob")
	require.NoError(t, err)

	// Another user's approval is rejected without consuming the proposal
	_, err = rig.orch.ResolveConfirmation(ctx, bobToken.Value, result.PendingConfirmationID, true)
	require.ErrorIs(t, err, arbiter.ErrNoPending)
	assert.Empty(t, rig.dispatcher.calls)

	// The owner can still resolve it
	resumed, err := rig.orch.ResolveConfirmation(ctx, rig.token, result.PendingConfirmationID, true)
	require.NoError(t, err)
	assert.Contains(t, resumed.ResponseText, "deleted")
}

func TestResolveConfirmation_StaleIDRejected(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)

	_, err := rig.orch.ResolveConfirmation(context.Background(), rig.token, "no-such-id", true)
	assert.ErrorIs(t, err, arbiter.ErrNoPending)
}

func TestHandleMessage_MultiToolStopsAtFirstFailure(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)
	rig.dispatcher.outputs["first"] = "ok"
	rig.dispatcher.failures["second"] = errors.New("boom")
	rig.dispatcher.outputs["third"] = "never seen"
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "#first #second #third")
	require.NoError(t, err)

	// The third call is abandoned, never attempted
	assert.Equal(t, []string{"first", "second"}, rig.dispatcher.calls)
	assert.Contains(t, result.ResponseText, "the answer")
	assert.Contains(t, result.ResponseText, "boom")

	invs, err := rig.store.ListToolInvocations(ctx, result.MessageID)
	require.NoError(t, err)
	require.Len(t, invs, 2)
	assert.True(t, invs[0].Success)
	assert.False(t, invs[1].Success)
	assert.Equal(t, "boom", invs[1].ErrorMessage)
}

func TestHandleMessage_MidPlanBudgetExhaustionFlagged(t *testing.T) {
	rig := setupOrchestrator(t, 2, nil)
	rig.dispatcher.outputs["first"] = "ok"
	rig.dispatcher.outputs["second"] = "never charged"
	ctx := context.Background()

	// LLM call and first tool consume the whole budget; the second
	// tool's charge overflows mid-plan
	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "#first #second")
	require.NoError(t, err)
	assert.True(t, result.RateLimited)
	assert.Contains(t, result.ResponseText, "operation budget exhausted")
	assert.Equal(t, []string{"first"}, rig.dispatcher.calls)
	assert.True(t, rig.degraded.IsDegraded())
}

func TestHandleMessage_ToolOutputTruncated(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)
	rig.dispatcher.outputs["dump"] = strings.Repeat("x", maxOutputBytes+1000)
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "#dump everything")
	require.NoError(t, err)

	invs, err := rig.store.ListToolInvocations(ctx, result.MessageID)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.True(t, strings.HasSuffix(invs[0].OutputText, "[output truncated]"))
	assert.LessOrEqual(t, len(invs[0].OutputText), maxOutputBytes+len("\n[output truncated]"))
}

func TestHandleMessage_ForeignSessionIndistinguishable(t *testing.T) {
	rig := setupOrchestrator(t, 50, nil)
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "hello")
	require.NoError(t, err)

	_, err = rig.store.GetOrCreateUser(ctx, "bob")
	require.NoError(t, err)
	bobToken, err := session.NewManager(rig.store, 12*time.Hour).Issue(ctx, "bob")
	require.NoError(t, err)

	_, err = rig.orch.HandleMessage(ctx, bobToken.Value, result.SessionID, "peek")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAbandonSession_DropsPendingConfirmation(t *testing.T) {
	rig := setupOrchestrator(t, 50, []string{"delete_file"})
	rig.llm.response = `Removing. {"recommended_tool": "delete_file"}`
	ctx := context.Background()

	result, err := rig.orch.HandleMessage(ctx, rig.token, "", "remove the file")
	require.NoError(t, err)
	require.NotEmpty(t, result.PendingConfirmationID)

	require.NoError(t, rig.orch.AbandonSession(ctx, rig.token, result.SessionID))

	// The abandoned confirmation can never run its tool
	_, err = rig.orch.ResolveConfirmation(ctx, rig.token, result.PendingConfirmationID, true)
	assert.ErrorIs(t, err, arbiter.ErrNoPending)
	assert.Empty(t, rig.dispatcher.calls)

	_, err = rig.store.GetChatSession(ctx, result.SessionID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweeper_PurgesOnlyIdleSessions(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	now := time.Now().UTC()
	old := &store.ChatSession{ID: "old", Username: "alice", CreatedAt: now, LastActivityAt: now}
	require.NoError(t, st.CreateChatSession(ctx, old))
	fresh := &store.ChatSession{ID: "fresh", Username: "alice", CreatedAt: now, LastActivityAt: now}
	require.NoError(t, st.CreateChatSession(ctx, fresh))

	sweeper := NewSweeper(st, 30*24*time.Hour, time.Minute)
	// Pretend the sweep runs far in the future; only sessions idle past
	// the retention cutoff go
	sweeper.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	sweeper.sweep(ctx)

	_, err = st.GetChatSession(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetChatSession(ctx, "fresh")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// With a recent clock nothing is purged
	recent := &store.ChatSession{ID: "kept", Username: "alice", CreatedAt: now, LastActivityAt: now}
	require.NoError(t, st.CreateChatSession(ctx, recent))
	sweeper.now = time.Now
	sweeper.sweep(ctx)

	_, err = st.GetChatSession(ctx, "kept")
	assert.NoError(t, err)
}
