package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tako/internal/agent"
	v1 "github.com/gosuda/tako/internal/api/v1"
	"github.com/gosuda/tako/internal/api/ws"
	"github.com/gosuda/tako/internal/config"
)

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router       chi.Router
	httpServer   *http.Server
	orchestrator *agent.Orchestrator
	wsHub        *ws.Hub
	cfg          *config.Config
}

// New creates a Server with all routes wired. pubsub may be nil when live
// fan-out is disabled; the thread WebSocket then answers 503.
func New(ctx context.Context, cfg *config.Config, orchestrator *agent.Orchestrator, engines v1.EngineProvider, pubsub ws.Subscriber) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	hub := ws.NewHub(pubsub, orchestrator)

	s := &Server{
		router:       router,
		orchestrator: orchestrator,
		wsHub:        hub,
		cfg:          cfg,
		httpServer: &http.Server{
			Addr:        cfg.Server.Addr,
			Handler:     router,
			ReadTimeout: cfg.Server.ReadTimeout,
			// Zero disables the limit so long polls and sockets stay open.
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	router.Route("/api/v1", func(r chi.Router) {
		s.useAccessControl(ctx, r)
		registerAPIRoutes(r, orchestrator, engines)
	})

	router.Route("/ws", func(r chi.Router) {
		s.useAccessControl(ctx, r)
		registerWSRoutes(r, hub)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if !cfg.AuthEnabled() {
		log.Warn().Msg("authentication disabled: every caller may read and write every thread")
	}

	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests on the configured address.
func (s *Server) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server.Start: %w", err)
	}
	return s.Serve(ln)
}

// Serve accepts HTTP connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Serve: %w", err)
	}
	return nil
}

// Shutdown cancels the turns still in flight while the HTTP server drains,
// so requests waiting on a turn return before ctx ends. Both steps always
// run.
func (s *Server) Shutdown(ctx context.Context) error {
	turnsDone := make(chan error, 1)
	go func() {
		turnsDone <- s.orchestrator.Shutdown(ctx)
	}()

	httpErr := s.httpServer.Shutdown(ctx)
	if err := errors.Join(httpErr, <-turnsDone); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
