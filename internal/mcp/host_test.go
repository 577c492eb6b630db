// ABOUTME: Tests for the outbound MCP host against httptest servers
// ABOUTME: Covers tool resolution, bearer minting, and failure reporting

package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-for-minting")

// fakeServer is a minimal MCP tool server for tests.
type fakeServer struct {
	tools      []ToolInfo
	callResult ToolResult
	lastAuth   string
	lastParams callToolParams
}

func (f *fakeServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth = r.Header.Get("Authorization")

		var req rpcRequest
		var rawReq struct {
			ID     int64           `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		body := json.NewDecoder(r.Body)
		if err := body.Decode(&rawReq); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Method = rawReq.Method

		var result any
		switch req.Method {
		case "tools/list":
			result = listToolsResult{Tools: f.tools}
		case "tools/call":
			_ = json.Unmarshal(rawReq.Params, &f.lastParams)
			result = f.callResult
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
			return
		}

		resp := map[string]any{"jsonrpc": "2.0", "id": rawReq.ID, "result": result}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func newTestHost(t *testing.T, urls ...string) *Host {
	t.Helper()
	return NewHost(urls, NewTokenMinter(testSecret, 5*time.Minute))
}

func TestHost_DispatchResolvesToolToServer(t *testing.T) {
	fake := &fakeServer{
		tools:      []ToolInfo{{Name: "read_file", Description: "reads a file"}},
		callResult: ToolResult{Content: []Content{{Type: "text", Text: "file contents"}}},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	host := newTestHost(t, srv.URL)

	output, serverName, err := host.Dispatch(context.Background(), "alice", "read_file", map[string]any{"path": "/tmp/x"})
	require.NoError(t, err)
	assert.Equal(t, "file contents", output)
	assert.Equal(t, "127.0.0.1", serverName)
	assert.Equal(t, "read_file", fake.lastParams.Name)
	assert.Equal(t, "/tmp/x", fake.lastParams.Arguments["path"])
}

func TestHost_DispatchMintsUserScopedBearer(t *testing.T) {
	fake := &fakeServer{
		tools:      []ToolInfo{{Name: "read_file"}},
		callResult: ToolResult{Content: []Content{{Type: "text", Text: "ok"}}},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	host := newTestHost(t, srv.URL)

	_, _, err := host.Dispatch(context.Background(), "alice", "read_file", nil)
	require.NoError(t, err)

	require.True(t, len(fake.lastAuth) > len("Bearer "))
	tokenString := fake.lastAuth[len("Bearer "):]

	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) { return testSecret, nil })
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "alice", claims["sub"])
}

func TestHost_DispatchUnknownTool(t *testing.T) {
	fake := &fakeServer{tools: []ToolInfo{{Name: "read_file"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	host := newTestHost(t, srv.URL)

	_, _, err := host.Dispatch(context.Background(), "alice", "no_such_tool", nil)
	assert.ErrorContains(t, err, "no configured server provides tool")
}

func TestHost_DispatchToolError(t *testing.T) {
	fake := &fakeServer{
		tools:      []ToolInfo{{Name: "flaky"}},
		callResult: ToolResult{IsError: true, Content: []Content{{Type: "text", Text: "disk on fire"}}},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	host := newTestHost(t, srv.URL)

	_, serverName, err := host.Dispatch(context.Background(), "alice", "flaky", nil)
	assert.ErrorContains(t, err, "disk on fire")
	assert.Equal(t, "127.0.0.1", serverName)
}

func TestHost_SkipsNonHTTPEntries(t *testing.T) {
	host := newTestHost(t, "stdio:///usr/local/bin/tool", "not a url", "https://tools.example.com/mcp")
	assert.Len(t, host.servers, 1)
	assert.Equal(t, "tools.example.com", host.servers[0].name)
}

func TestHost_ListServersReportsOffline(t *testing.T) {
	fake := &fakeServer{tools: []ToolInfo{{Name: "read_file"}}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	host := newTestHost(t, srv.URL, deadURL)

	statuses := host.ListServers(context.Background(), "alice")
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Online)
	assert.Len(t, statuses[0].Tools, 1)
	assert.False(t, statuses[1].Online)
	assert.NotEmpty(t, statuses[1].Error)
}

func TestTokenMinter_TokensExpire(t *testing.T) {
	minter := NewTokenMinter(testSecret, -time.Minute)

	tokenString, err := minter.Mint("alice")
	require.NoError(t, err)

	_, err = jwt.Parse(tokenString, func(*jwt.Token) (any, error) { return testSecret, nil })
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}
