// Package httpapi assembles the Tool Gateway's HTTP surface: health check,
// OAuth endpoints, and the MCP JSON-RPC mount.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/obsidianmcp/obsidian-sync-mcp/internal/mcpserver/server"
	"github.com/obsidianmcp/obsidian-sync-mcp/internal/oauth"
)

const serviceName = "obsidian-sync-mcp"

// Server holds the handlers composed into the gateway router.
type Server struct {
	OAuth *oauth.Handler
	MCP   *server.MCPServer
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// Routes creates the HTTP router with all gateway endpoints
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check (unauthenticated)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": serviceName,
		})
	})

	// OAuth endpoints (unauthenticated; they produce the bearer tokens)
	s.OAuth.Mount(r)

	// MCP endpoint (bearer-authenticated inside the handler)
	s.MCP.Mount(r)

	log.Info().Msg("HTTP routes registered")
	return r
}
