package server

import (
	"context"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/gosuda/tako/internal/agent"
	v1 "github.com/gosuda/tako/internal/api/v1"
	"github.com/gosuda/tako/internal/api/ws"
	"github.com/gosuda/tako/internal/server/middleware"
)

// useAccessControl installs authentication, thread scoping, write roles and
// rate limiting. Without a JWT secret only rate limiting applies.
func (s *Server) useAccessControl(ctx context.Context, r chi.Router) {
	if s.cfg.AuthEnabled() {
		r.Use(middleware.Auth(s.cfg.JWT.Secret))
		r.Use(middleware.RequireThreadAccess())
		r.Use(middleware.RequireRoleForWrites(middleware.RoleAdmin, middleware.RoleMember))
	}
	r.Use(middleware.RateLimit(ctx, s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst))
}

func registerAPIRoutes(r chi.Router, orchestrator *agent.Orchestrator, engines v1.EngineProvider) {
	apiConfig := huma.DefaultConfig("Tako API", "1.0.0")
	apiConfig.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	api := humachi.New(r, apiConfig)
	v1.RegisterTurnRoutes(api, orchestrator, engines)
}

func registerWSRoutes(r chi.Router, hub *ws.Hub) {
	r.Get("/threads/{threadID}", hub.ServeThread)
	r.Get("/threads/{threadID}/turns/{turnID}", hub.ServeTurn)
}
