// ABOUTME: HTTP API surface for login, chat turns, confirmations, and admin
// ABOUTME: JSON bodies only; typed errors map to status codes

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/2389/coven-warden/internal/arbiter"
	"github.com/2389/coven-warden/internal/auth"
	"github.com/2389/coven-warden/internal/mcp"
	"github.com/2389/coven-warden/internal/orchestrator"
	"github.com/2389/coven-warden/internal/ratelimit"
	"github.com/2389/coven-warden/internal/session"
)

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// ServerLister reports configured MCP server status for the status panel.
type ServerLister interface {
	ListServers(ctx context.Context, username string) []mcp.ServerStatus
}

// Server wires the HTTP routes to the underlying services.
type Server struct {
	auth       *auth.Service
	sessions   *session.Manager
	orch       *orchestrator.Orchestrator
	pending    *arbiter.Pending
	degraded   *ratelimit.DegradedController
	authorizer auth.Authorizer
	servers    ServerLister
	logger     *slog.Logger
}

// NewServer creates the API server.
func NewServer(
	authSvc *auth.Service,
	sessions *session.Manager,
	orch *orchestrator.Orchestrator,
	pending *arbiter.Pending,
	degraded *ratelimit.DegradedController,
	authorizer auth.Authorizer,
	servers ServerLister,
) *Server {
	return &Server{
		auth:       authSvc,
		sessions:   sessions,
		orch:       orch,
		pending:    pending,
		degraded:   degraded,
		authorizer: authorizer,
		servers:    servers,
		logger:     slog.Default().With("component", "api"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/confirm", s.handleConfirm)
	mux.HandleFunc("GET /api/servers", s.handleServers)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/admin/logout/{username}", s.handleAdminLogout)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string `json:"token"`
	IsAdmin bool   `json:"is_admin"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	result, err := s.auth.Login(r.Context(), req.Username, req.Password, clientSource(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token.Value, IsAdmin: result.IsAdmin})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if err := s.auth.Logout(r.Context(), username); err != nil {
		s.writeServiceError(w, err)
		return
	}
	// A revoked token can never resume a parked tool call.
	s.pending.AbandonUser(r.Context(), username)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

type turnResponse struct {
	SessionID             string `json:"session_id"`
	MessageID             string `json:"message_id,omitempty"`
	Response              string `json:"response,omitempty"`
	PendingConfirmationID string `json:"pending_confirmation_id,omitempty"`
	PendingTool           string `json:"pending_tool,omitempty"`
	RateLimited           bool   `json:"rate_limited,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, errMsg)
		return
	}

	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	result, err := s.orch.HandleMessage(r.Context(), token, req.SessionID, req.Message)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTurnResponse(result))
}

type confirmRequest struct {
	ConfirmationID string `json:"confirmation_id"`
	Approved       bool   `json:"approved"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, errMsg)
		return
	}

	var req confirmRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.ConfirmationID == "" {
		writeError(w, http.StatusBadRequest, "confirmation_id is required")
		return
	}

	result, err := s.orch.ResolveConfirmation(r.Context(), token, req.ConfirmationID, req.Approved)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTurnResponse(result))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, errMsg)
		return
	}
	if err := s.orch.AbandonSession(r.Context(), token, r.PathValue("id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	if s.degraded.IsDegraded() {
		s.writeServiceError(w, orchestrator.ErrDegraded)
		return
	}
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	statuses := s.servers.ListServers(r.Context(), username)
	writeJSON(w, http.StatusOK, map[string]any{"servers": statuses})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request) {
	username, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !s.authorizer.IsAdmin(username) {
		writeError(w, http.StatusForbidden, "admin required")
		return
	}

	target := r.PathValue("username")
	if err := s.auth.ForceLogout(r.Context(), username, target); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.pending.AbandonUser(r.Context(), target)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out", "username": target})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.degraded.IsDegraded() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate validates the bearer token and returns the owning
// username. On failure it writes the error response and returns false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, errMsg)
		return "", false
	}
	username, err := s.sessions.Validate(r.Context(), token)
	if err != nil {
		s.writeServiceError(w, err)
		return "", false
	}
	return username, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps typed service errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrBadCredentials),
		errors.Is(err, session.ErrTokenInvalid),
		errors.Is(err, session.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrLockedOut):
		writeError(w, http.StatusLocked, err.Error())
	case errors.Is(err, orchestrator.ErrRateLimited),
		errors.Is(err, orchestrator.ErrTooManyConcurrent):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, orchestrator.ErrDegraded):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, orchestrator.ErrSessionNotFound),
		errors.Is(err, arbiter.ErrNoPending):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func toTurnResponse(result *orchestrator.TurnResult) turnResponse {
	return turnResponse{
		SessionID:             result.SessionID,
		MessageID:             result.MessageID,
		Response:              result.ResponseText,
		PendingConfirmationID: result.PendingConfirmationID,
		PendingTool:           result.PendingToolName,
		RateLimited:           result.RateLimited,
	}
}

// clientSource derives the lockout source identifier from the request.
func clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
