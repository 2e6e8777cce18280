// Package gateway provides the HTTP and WebSocket gateway server.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"conduit/internal/config"
	"conduit/internal/gateway/handlers"
	"conduit/internal/gateway/middleware"
	"conduit/internal/gateway/websocket"
	"conduit/internal/prompt"
	"conduit/internal/relay"
	"conduit/internal/storage"
	"conduit/pkg/logger"
)

// Deps are the daemon components the gateway exposes over the wire.
type Deps struct {
	Registry *relay.Registry
	Relay    *relay.Router
	Abort    *relay.AbortCoordinator
	Prompts  *prompt.Service
}

// Server represents the HTTP gateway server.
type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	hub         *websocket.Hub
	config      *config.Config
	db          *storage.DB
	rateLimiter *middleware.RateLimiter
	deps        Deps
}

// NewServer creates a new gateway server and wires the hub callbacks
// into the relay and prompt layers.
func NewServer(cfg *config.Config, hub *websocket.Hub, db *storage.DB, deps Deps) *Server {
	router := mux.NewRouter()

	rlConfig := middleware.RateLimiterConfig{
		RequestsPerMinute: cfg.Gateway.RateLimit.RequestsPerMinute,
		Burst:             cfg.Gateway.RateLimit.Burst,
		Enabled:           cfg.Gateway.RateLimit.Enabled,
		CleanupInterval:   cfg.Gateway.RateLimit.CleanupInterval,
	}
	if rlConfig.RequestsPerMinute == 0 {
		rlConfig.RequestsPerMinute = 60
	}
	if rlConfig.Burst == 0 {
		rlConfig.Burst = 10
	}
	if rlConfig.CleanupInterval == 0 {
		rlConfig.CleanupInterval = 5 * time.Minute
	}
	rateLimiter := middleware.NewRateLimiter(rlConfig)

	// Apply middleware chain: Recovery -> Logging -> CORS -> RateLimit -> ClientVersion
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				rateLimiter.RateLimit(
					middleware.ClientVersion(cfg.Gateway.MinClientVersion)(router),
				),
			),
		),
	)

	server := &Server{
		httpServer: &http.Server{
			Handler:      handler,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 0, // Long polls and WebSocket upgrades manage their own deadlines
			IdleTimeout:  120 * time.Second,
		},
		router:      router,
		hub:         hub,
		config:      cfg,
		db:          db,
		rateLimiter: rateLimiter,
		deps:        deps,
	}

	server.wireHub()
	server.setupRoutes()

	return server
}

// wireHub hangs the relay and prompt layers off inbound hub messages.
func (s *Server) wireHub() {
	if s.deps.Relay != nil {
		s.hub.SetSubmitHandler(s.deps.Relay.Submit)
		s.hub.SetWorkerEventHandler(func(workerID string, ev relay.StreamEvent) {
			s.deps.Relay.HandleWorkerEvent(ev)
		})
	}
	if s.deps.Abort != nil {
		s.hub.SetAbortHandler(func(requestID string) error {
			if !s.deps.Abort.Abort(requestID) {
				return relay.ErrNotFound
			}
			return nil
		})
	}
	if s.deps.Prompts != nil {
		s.hub.SetRespondHandler(func(promptID, optionID, respondedBy string) error {
			_, err := s.deps.Prompts.Respond(promptID, optionID, respondedBy)
			return err
		})
		s.hub.SetAckHandler(s.deps.Prompts.Acknowledge)
		s.hub.SetPermissionHandler(func(req prompt.PermissionNeeded) error {
			_, err := s.deps.Prompts.HandlePermissionNeeded(req)
			return err
		})
	}
}

// setupRoutes configures the server routes.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/health", handlers.HealthHandler(s.config.Version, s.hub)).Methods(http.MethodGet)
	api.HandleFunc("/stats", handlers.StatsHandler(s.collectStats)).Methods(http.MethodGet)
	api.HandleFunc("/prompts/pending", handlers.PendingPromptsHandler(s.db)).Methods(http.MethodGet)

	if s.deps.Registry != nil {
		api.HandleFunc("/requests/{id}/wait",
			handlers.WaitHandler(s.deps.Registry, s.config.Relay.WaitTimeout)).Methods(http.MethodGet)
	}

	// WebSocket endpoints
	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, w, r)
	})
	s.router.HandleFunc("/ws/bridge", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeBridge(s.hub, w, r)
	})
}

func (s *Server) collectStats() handlers.StatsResponse {
	resp := handlers.StatsResponse{
		Clients: s.hub.ClientCount(),
		Workers: s.hub.WorkerCount(),
	}
	if s.deps.Relay != nil {
		resp.Relay = s.deps.Relay.Stats()
	}
	if s.deps.Prompts != nil {
		resp.Prompts = s.deps.Prompts.Stats()
	}
	if s.deps.Registry != nil {
		resp.LiveRequests = s.deps.Registry.Count()
	}
	return resp
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	handlers.InitStartTime()

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.httpServer.Addr = addr

	// Start WebSocket hub
	go s.hub.Run()

	logger.Info().
		Str("addr", addr).
		Msg("Starting gateway server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info().Msg("Shutting down gateway server")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	return nil
}

// Router returns the underlying router for testing.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
