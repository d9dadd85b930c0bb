// Package httpapi exposes the proxy's two dialect front doors plus a
// handful of operational endpoints, using a Server{...} + registerRoutes()
// shape built on stdlib net/http's Go 1.22+ method+pattern ServeMux.
package httpapi

import (
	"net/http"

	"github.com/manifold-proxy/dialect-proxy/internal/config"
	"github.com/manifold-proxy/dialect-proxy/internal/orchestrator"
	"github.com/manifold-proxy/dialect-proxy/internal/router"
)

// Server wires inbound HTTP to the orchestrator.
type Server struct {
	orch *orchestrator.Orchestrator
	rtr  *router.Router
	cfg  config.Config
	mux  *http.ServeMux
}

// NewServer creates the HTTP API server.
func NewServer(orch *orchestrator.Orchestrator, rtr *router.Router, cfg config.Config) *Server {
	s := &Server{orch: orch, rtr: rtr, cfg: cfg, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /", s.handleLiveness)

	s.mux.HandleFunc("POST /v1/messages", s.handleMessages)
	s.mux.HandleFunc("POST /v1/messages/count_tokens", s.handleCountTokens)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleListModels)

	s.mux.HandleFunc("GET /admin/config", s.handleAdminConfig)
	s.mux.HandleFunc("GET /admin/routing/stats", s.handleAdminRoutingStats)
	s.mux.HandleFunc("POST /admin/routing/reset", s.handleAdminRoutingReset)
}
