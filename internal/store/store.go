// ABOUTME: Store interfaces and data types for coven-warden persistence
// ABOUTME: Defines User, Token, LoginAttempt, window, chat, and audit types

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// User is the identity record for a username. Created on the first
// successful or failed authentication and retained indefinitely.
type User struct {
	Username         string
	IsAdmin          bool
	LastLoginAt      *time.Time
	LastFailedSource string
	CreatedAt        time.Time
}

// Token is an opaque bearer token owned by exactly one user.
// At most one non-revoked token exists per user at any instant.
type Token struct {
	Value        string
	Username     string
	IssuedAt     time.Time
	LastActivity time.Time
	Revoked      bool
}

// LoginAttempt tracks consecutive authentication failures for a
// (username, source) pair, plus any active lockout for that pair.
type LoginAttempt struct {
	Username      string
	Source        string
	Count         int
	LockedUntil   *time.Time
	LastAttemptAt time.Time
}

// ChatSession groups the messages of one conversation.
type ChatSession struct {
	ID             string
	Username       string
	Description    string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// ChatMessage is one user turn and the agent's text response.
type ChatMessage struct {
	ID           string
	SessionID    string
	Username     string
	MessageText  string
	ResponseText string
	CreatedAt    time.Time
}

// ToolInvocation records one attempted tool call within a chat turn,
// whether it ran, and its (truncated) output or failure.
type ToolInvocation struct {
	ID            string
	MessageID     string
	ToolName      string
	ServerName    string
	WasExplicit   bool
	UserConfirmed bool
	Success       bool
	OutputText    string
	ErrorMessage  string
	InvokedAt     time.Time
}

// UserStore defines persistence for identity records.
type UserStore interface {
	GetOrCreateUser(ctx context.Context, username string) (*User, error)
	GetUser(ctx context.Context, username string) (*User, error)
	SetUserAdmin(ctx context.Context, username string, isAdmin bool) error
	SetUserLastLogin(ctx context.Context, username string, at time.Time) error
	SetUserLastFailedSource(ctx context.Context, username, source string) error
}

// TokenStore defines persistence for bearer tokens.
type TokenStore interface {
	// InsertToken persists a new token, revoking any prior live token
	// for the same user in the same transaction.
	InsertToken(ctx context.Context, token *Token) error
	GetTokenByValue(ctx context.Context, value string) (*Token, error)
	UpdateTokenActivity(ctx context.Context, value string, at time.Time) error
	RevokeToken(ctx context.Context, value string) error
	RevokeUserTokens(ctx context.Context, username string) (int, error)
	// PurgeIdleTokens revokes live tokens whose last activity is at or
	// before the cutoff. Returns the number of tokens revoked.
	PurgeIdleTokens(ctx context.Context, cutoff time.Time) (int, error)
}

// AttemptStore defines persistence for login failure tracking.
type AttemptStore interface {
	GetLoginAttempt(ctx context.Context, username, source string) (*LoginAttempt, error)
	PutLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
}

// WindowStore defines persistence for per-user fixed-window operation counters.
type WindowStore interface {
	GetOperationCount(ctx context.Context, username string, windowStart time.Time) (int, error)
	AddOperations(ctx context.Context, username string, windowStart time.Time, count int) error
}

// ChatStore defines persistence for chat sessions, messages, and tool invocations.
type ChatStore interface {
	CreateChatSession(ctx context.Context, session *ChatSession) error
	GetChatSession(ctx context.Context, id string) (*ChatSession, error)
	AddChatMessage(ctx context.Context, msg *ChatMessage) error
	ListChatMessages(ctx context.Context, sessionID string) ([]*ChatMessage, error)
	DeleteChatSession(ctx context.Context, id string) error
	// PurgeIdleChatSessions deletes sessions whose last activity is
	// before the cutoff. Returns the number of sessions deleted.
	PurgeIdleChatSessions(ctx context.Context, cutoff time.Time) (int, error)

	SaveToolInvocation(ctx context.Context, inv *ToolInvocation) error
	ListToolInvocations(ctx context.Context, messageID string) ([]*ToolInvocation, error)
}
