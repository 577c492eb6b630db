// ABOUTME: Short-lived JWT minting for outbound MCP server calls
// ABOUTME: HS256 with the acting username in the sub claim

package mcp

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenMinter mints short-lived HS256 JWTs carrying the acting user's
// identity to downstream MCP servers. The chat bearer token never leaves
// this process; downstream servers see only these scoped tokens.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenMinter creates a minter signing with secret; minted tokens
// expire after ttl.
func NewTokenMinter(secret []byte, ttl time.Duration) *TokenMinter {
	return &TokenMinter{secret: secret, ttl: ttl}
}

// Mint creates a signed token for the given username.
func (m *TokenMinter) Mint(username string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(m.ttl).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
