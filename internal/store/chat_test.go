// ABOUTME: Tests for chat session, message, and tool invocation persistence
// ABOUTME: Covers retention purge and cascade deletion

package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestSession inserts a session and returns its ID.
func createTestSession(t *testing.T, store *SQLiteStore, username string, lastActivity time.Time) string {
	t.Helper()
	id := uuid.New().String()
	require.NoError(t, store.CreateChatSession(context.Background(), &ChatSession{
		ID:             id,
		Username:       username,
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
	}))
	return id
}

func TestStore_ChatMessages(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sessionID := createTestSession(t, store, "alice", now.Add(-time.Hour))

	msg := &ChatMessage{
		ID:           uuid.New().String(),
		SessionID:    sessionID,
		Username:     "alice",
		MessageText:  "hello #read_file",
		ResponseText: "done",
		CreatedAt:    now,
	}
	require.NoError(t, store.AddChatMessage(ctx, msg))

	messages, err := store.ListChatMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello #read_file", messages[0].MessageText)
	assert.Equal(t, "done", messages[0].ResponseText)

	// Adding a message bumps the session's last activity
	session, err := store.GetChatSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, now, session.LastActivityAt)
}

func TestStore_DeleteChatSession_Cascades(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sessionID := createTestSession(t, store, "alice", now)
	msgID := uuid.New().String()
	require.NoError(t, store.AddChatMessage(ctx, &ChatMessage{
		ID: msgID, SessionID: sessionID, Username: "alice", MessageText: "hi", CreatedAt: now,
	}))
	require.NoError(t, store.SaveToolInvocation(ctx, &ToolInvocation{
		ID:        uuid.New().String(),
		MessageID: msgID,
		ToolName:  "read_file",
		Success:   true,
		InvokedAt: now,
	}))

	require.NoError(t, store.DeleteChatSession(ctx, sessionID))

	_, err := store.GetChatSession(ctx, sessionID)
	assert.ErrorIs(t, err, ErrNotFound)

	invocations, err := store.ListToolInvocations(ctx, msgID)
	require.NoError(t, err)
	assert.Empty(t, invocations)
}

func TestStore_PurgeIdleChatSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	oldID := createTestSession(t, store, "alice", now.Add(-31*24*time.Hour))
	freshID := createTestSession(t, store, "alice", now)

	purged, err := store.PurgeIdleChatSessions(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.GetChatSession(ctx, oldID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.GetChatSession(ctx, freshID)
	require.NoError(t, err)
}

func TestStore_ToolInvocations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	sessionID := createTestSession(t, store, "alice", now)
	msgID := uuid.New().String()
	require.NoError(t, store.AddChatMessage(ctx, &ChatMessage{
		ID: msgID, SessionID: sessionID, Username: "alice", MessageText: "hi", CreatedAt: now,
	}))

	require.NoError(t, store.SaveToolInvocation(ctx, &ToolInvocation{
		ID:          uuid.New().String(),
		MessageID:   msgID,
		ToolName:    "read_file",
		ServerName:  "http://localhost:9000/mcp",
		WasExplicit: true,
		Success:     true,
		OutputText:  "file contents",
		InvokedAt:   now,
	}))
	require.NoError(t, store.SaveToolInvocation(ctx, &ToolInvocation{
		ID:           uuid.New().String(),
		MessageID:    msgID,
		ToolName:     "delete_file",
		ServerName:   "http://localhost:9000/mcp",
		Success:      false,
		ErrorMessage: "user confirmation required and not granted",
		InvokedAt:    now.Add(time.Second),
	}))

	invocations, err := store.ListToolInvocations(ctx, msgID)
	require.NoError(t, err)
	require.Len(t, invocations, 2)
	assert.Equal(t, "read_file", invocations[0].ToolName)
	assert.True(t, invocations[0].WasExplicit)
	assert.Equal(t, "delete_file", invocations[1].ToolName)
	assert.False(t, invocations[1].Success)
	assert.Equal(t, "user confirmation required and not granted", invocations[1].ErrorMessage)
}
