package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/mcpserver/tools"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/syncconfig"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/userstore"
)

const (
	serverName    = "Obsidian Sync MCP Server"
	serverVersion = "1.1.0"

	// Headers the chat UI forwards so a vault can be wired up without ever
	// calling the configure tool.
	headerRepoURL = "X-Obsidian-Repo-URL"
	headerToken   = "X-Obsidian-Token"
	headerBranch  = "X-Obsidian-Branch"
)

// MCPServer is the Streamable HTTP MCP endpoint: bearer-authenticated
// JSON-RPC over POST /mcp, dispatching to the tool registry.
type MCPServer struct {
	users        *userstore.Store
	sessionMgr   *SessionManager
	toolRegistry *tools.Registry
	deps         *tools.Deps
}

// NewMCPServer creates the server and registers all tools.
func NewMCPServer(users *userstore.Store, deps *tools.Deps) *MCPServer {
	toolRegistry := tools.NewRegistry()
	tools.RegisterAllTools(toolRegistry)

	return &MCPServer{
		users:        users,
		sessionMgr:   NewSessionManager(24 * time.Hour),
		toolRegistry: toolRegistry,
		deps:         deps,
	}
}

// Mount attaches the MCP endpoints to a chi router.
func (s *MCPServer) Mount(r chi.Router) {
	r.Post("/mcp", s.handleMCPPost)
	r.Delete("/mcp", s.handleMCPDelete)
}

// authenticate resolves the bearer token to a user ID. A failure writes the
// 401 challenge and returns false.
func (s *MCPServer) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		s.challenge(w)
		return "", false
	}

	token := strings.TrimPrefix(authHeader, "Bearer ")
	userID, ok := s.users.Lookup(token)
	if !ok {
		log.Warn().Msg("Bearer token rejected")
		s.challenge(w)
		return "", false
	}
	return userID, true
}

// challenge answers an unauthenticated request. The WWW-Authenticate header
// is what triggers the client's OAuth flow.
func (s *MCPServer) challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// handleMCPPost handles POST /mcp (JSON-RPC requests)
func (s *MCPServer) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	s.autoConfigure(r, userID)

	// Parse JSON-RPC request
	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, ParseError, "invalid JSON")
		return
	}

	// Validate JSON-RPC version
	if req.JSONRPC != "2.0" {
		s.sendError(w, req.ID, InvalidRequest, "invalid jsonrpc version")
		return
	}

	// Handle initialize specially (creates session)
	if req.Method == "initialize" {
		s.handleInitialize(w, &req, userID)
		return
	}

	// Sessions are advisory: when the client echoes one back it must be valid
	// and owned by the caller, but chat frontends that drop the header are
	// still served.
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID != "" {
		session, err := s.sessionMgr.GetSession(sessionID)
		if err != nil {
			s.sendError(w, req.ID, InvalidRequest, "session not found")
			return
		}
		if session.UserID != userID {
			s.sendError(w, req.ID, InvalidRequest, "session user mismatch")
			return
		}
		s.sessionMgr.UpdateLastSeen(sessionID)
	}

	s.handleJSONRPC(w, r, &req, userID, sessionID)
}

// autoConfigure applies sync settings forwarded as request headers. Errors
// are logged, never surfaced: a broken header must not break the tool call.
func (s *MCPServer) autoConfigure(r *http.Request, userID string) {
	repoURL := strings.TrimSpace(r.Header.Get(headerRepoURL))
	token := strings.TrimSpace(r.Header.Get(headerToken))
	if repoURL == "" || token == "" {
		return
	}
	if syncconfig.IsPlaceholder(repoURL) || syncconfig.IsPlaceholder(token) {
		log.Debug().Str("userId", userID).Msg("Ignoring placeholder sync headers")
		return
	}

	s.deps.Locks.Lock(userID)
	defer s.deps.Locks.Unlock(userID)

	err := s.deps.Configs.Configure(r.Context(), userID, syncconfig.ConfigureOptions{
		RepoURL:        repoURL,
		Token:          token,
		Branch:         strings.TrimSpace(r.Header.Get(headerBranch)),
		AutoConfigured: true,
	})
	if err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("Header auto-configuration failed")
	}
}

// handleInitialize handles the initialize request
func (s *MCPServer) handleInitialize(w http.ResponseWriter, req *JSONRPCRequest, userID string) {
	session := s.sessionMgr.CreateSession(userID)

	log.Info().
		Str("sessionId", session.ID).
		Str("userId", userID).
		Msg("Created new MCP session")

	w.Header().Set("Mcp-Session-Id", session.ID)
	w.Header().Set("Content-Type", "application/json")

	result := map[string]interface{}{
		"protocolVersion": "2025-03-26",
		"capabilities": map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		"serverInfo": map[string]interface{}{
			"name":    serverName,
			"version": serverVersion,
		},
	}

	response := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  mustMarshal(result),
	}

	json.NewEncoder(w).Encode(response)
}

// handleJSONRPC routes JSON-RPC requests to appropriate handlers
func (s *MCPServer) handleJSONRPC(w http.ResponseWriter, r *http.Request, req *JSONRPCRequest, userID, sessionID string) {
	ctx := r.Context()
	logger := log.With().
		Str("sessionId", sessionID).
		Str("userId", userID).
		Str("method", req.Method).
		Logger()

	switch req.Method {
	case "tools/list":
		result := map[string]interface{}{
			"tools": s.toolRegistry.List(),
		}
		s.sendResult(w, req.ID, result)

	case "tools/call":
		var callReq tools.CallRequest
		if err := json.Unmarshal(req.Params, &callReq); err != nil {
			s.sendError(w, req.ID, InvalidParams, "invalid tool call parameters")
			return
		}

		toolCtx := tools.NewToolContext(&logger, userID, sessionID, s.deps)

		result, err := s.toolRegistry.Call(ctx, toolCtx, callReq)
		if err != nil {
			if toolErr, ok := err.(*tools.ToolError); ok {
				code, message, data := toolErr.ToJSONRPCError()
				s.sendError(w, req.ID, code, message, data)
			} else {
				s.sendError(w, req.ID, InternalError, err.Error())
			}
			return
		}

		s.sendResult(w, req.ID, result)

	case "ping":
		s.sendResult(w, req.ID, map[string]interface{}{"status": "ok"})

	default:
		s.sendError(w, req.ID, MethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// handleMCPDelete handles DELETE /mcp (close session)
func (s *MCPServer) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "missing session ID", http.StatusBadRequest)
		return
	}

	if session, err := s.sessionMgr.GetSession(sessionID); err == nil && session.UserID != userID {
		http.Error(w, "session user mismatch", http.StatusForbidden)
		return
	}

	s.sessionMgr.DeleteSession(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// Helper functions
func (s *MCPServer) sendError(w http.ResponseWriter, id json.RawMessage, code int, message string, data ...json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK) // JSON-RPC errors are still HTTP 200

	errObj := &JSONRPCError{
		Code:    code,
		Message: message,
	}
	if len(data) > 0 && data[0] != nil {
		errObj.Data = data[0]
	}

	response := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   errObj,
	}

	json.NewEncoder(w).Encode(response)
}

func (s *MCPServer) sendResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")

	response := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  mustMarshal(result),
	}

	json.NewEncoder(w).Encode(response)
}
