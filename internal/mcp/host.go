// ABOUTME: Outbound MCP host calling configured tool servers over HTTP
// ABOUTME: JSON-RPC 2.0 requests with per-user minted bearer tokens

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// MaxResponseBodySize caps how much of a tool server response we read (4MB).
const MaxResponseBodySize = 4 << 20

// JSON-RPC 2.0 wire types.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ToolInfo describes a tool advertised by an MCP server.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolResult is the outcome of a tools/call request.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one piece of tool result content.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text joins the textual content pieces of a tool result.
func (r *ToolResult) Text() string {
	var buf bytes.Buffer
	for _, c := range r.Content {
		if c.Type == "text" {
			buf.WriteString(c.Text)
		}
	}
	return buf.String()
}

// ServerStatus reports one configured server's reachability and tools.
type ServerStatus struct {
	Name   string     `json:"name"`
	URL    string     `json:"url"`
	Online bool       `json:"online"`
	Error  string     `json:"error,omitempty"`
	Tools  []ToolInfo `json:"tools,omitempty"`
}

type serverClient struct {
	name string
	url  string
}

// Host dispatches tool calls to the configured MCP servers. Tool names
// are resolved to servers via a lazily-built index refreshed from
// tools/list; an unknown tool forces one refresh before failing.
type Host struct {
	servers []serverClient
	minter  *TokenMinter
	client  *http.Client
	logger  *slog.Logger
	nextID  atomic.Int64

	mu    sync.RWMutex
	index map[string]string // tool name -> server name
}

// NewHost creates a host for the given server URLs. Entries that are not
// http or https URLs are skipped with a warning.
func NewHost(serverURLs []string, minter *TokenMinter) *Host {
	logger := slog.Default().With("component", "mcphost")

	var servers []serverClient
	for _, raw := range serverURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			logger.Warn("skipping non-HTTP MCP server entry", "entry", raw)
			continue
		}
		servers = append(servers, serverClient{name: u.Hostname(), url: raw})
	}

	return &Host{
		servers: servers,
		minter:  minter,
		client:  &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
		index:   make(map[string]string),
	}
}

// Dispatch invokes toolName with args on behalf of username and returns
// the joined text output plus the name of the server that handled it.
func (h *Host) Dispatch(ctx context.Context, username, toolName string, args map[string]any) (string, string, error) {
	server, ok := h.lookupServer(toolName)
	if !ok {
		if err := h.Refresh(ctx, username); err != nil {
			return "", "", fmt.Errorf("resolving tool %q: %w", toolName, err)
		}
		if server, ok = h.lookupServer(toolName); !ok {
			return "", "", fmt.Errorf("no configured server provides tool %q", toolName)
		}
	}

	var result ToolResult
	err := h.call(ctx, username, server, "tools/call", callToolParams{Name: toolName, Arguments: args}, &result)
	if err != nil {
		return "", server.name, fmt.Errorf("calling tool %q on %s: %w", toolName, server.name, err)
	}
	if result.IsError {
		return "", server.name, fmt.Errorf("tool %q failed: %s", toolName, result.Text())
	}
	return result.Text(), server.name, nil
}

// Refresh rebuilds the tool index by listing tools on every server.
// Unreachable servers are skipped; their tools simply stay unresolvable.
func (h *Host) Refresh(ctx context.Context, username string) error {
	index := make(map[string]string)
	for _, server := range h.servers {
		var result listToolsResult
		if err := h.call(ctx, username, server, "tools/list", nil, &result); err != nil {
			h.logger.Warn("listing tools failed", "server", server.name, "error", err)
			continue
		}
		for _, tool := range result.Tools {
			index[tool.Name] = server.name
		}
	}

	h.mu.Lock()
	h.index = index
	h.mu.Unlock()
	return nil
}

// ListServers reports reachability and advertised tools for every
// configured server.
func (h *Host) ListServers(ctx context.Context, username string) []ServerStatus {
	statuses := make([]ServerStatus, 0, len(h.servers))
	for _, server := range h.servers {
		status := ServerStatus{Name: server.name, URL: server.url}

		var result listToolsResult
		if err := h.call(ctx, username, server, "tools/list", nil, &result); err != nil {
			status.Error = err.Error()
		} else {
			status.Online = true
			status.Tools = result.Tools
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func (h *Host) lookupServer(toolName string) (serverClient, bool) {
	h.mu.RLock()
	name, ok := h.index[toolName]
	h.mu.RUnlock()
	if !ok {
		return serverClient{}, false
	}
	for _, server := range h.servers {
		if server.name == name {
			return server, true
		}
	}
	return serverClient{}, false
}

func (h *Host) call(ctx context.Context, username string, server serverClient, method string, params, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      h.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := h.minter.Mint(username)
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBodySize))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}
