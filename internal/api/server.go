// Package api is the Lifecycle Controller's external surface
// (SPEC_FULL 4.9): websocket handshake and event routing, the
// side-band HTTP endpoints, and health/metrics.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riverloop/collabflow/internal/authn"
	"github.com/riverloop/collabflow/internal/authz"
	"github.com/riverloop/collabflow/internal/config"
	"github.com/riverloop/collabflow/internal/hub"
	"github.com/riverloop/collabflow/internal/mutation"
	"github.com/riverloop/collabflow/internal/storage"
)

// Server wires the Token Verifier, Authorization Service, Room
// Registry, and Mutation Engine to one HTTP/WebSocket listener.
type Server struct {
	cfg      *config.Config
	store    storage.Storage
	verifier authn.Verifier
	authz    *authz.Service
	hub      *hub.Registry
	engine   *mutation.Engine

	startedAt time.Time
}

// NewServer constructs the Lifecycle Controller.
func NewServer(cfg *config.Config, store storage.Storage, verifier authn.Verifier, authzSvc *authz.Service, registry *hub.Registry, engine *mutation.Engine) *Server {
	return &Server{
		cfg: cfg, store: store, verifier: verifier, authz: authzSvc,
		hub: registry, engine: engine, startedAt: time.Now(),
	}
}

func (s *Server) upgrader() websocket.Upgrader {
	origins := s.cfg.CORS.AllowedOrigins
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, allowed := range origins {
				if allowed == "*" || allowed == origin {
					return true
				}
			}
			return false
		},
	}
}

// Routes assembles the top-level mux and wraps it in CORS the way the
// teacher wraps its own HTTP surface with gorilla/handlers.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/workflow-deleted", s.handleWorkflowDeleted)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("/", s.handleNotFound)

	origins := s.cfg.CORS.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)
}
