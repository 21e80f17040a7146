package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/arbor/backend/internal/config"
	"github.com/zhouzirui/arbor/backend/internal/handler/agent"
	"github.com/zhouzirui/arbor/backend/internal/handler/chat"
	"github.com/zhouzirui/arbor/backend/internal/handler/stream"
	"github.com/zhouzirui/arbor/backend/internal/handler/ws"
	middlewarePkg "github.com/zhouzirui/arbor/backend/internal/middleware"
	agentModel "github.com/zhouzirui/arbor/backend/internal/model/agent"
	"github.com/zhouzirui/arbor/backend/internal/service/auth"
	"github.com/zhouzirui/arbor/backend/internal/service/hub"
	"github.com/zhouzirui/arbor/backend/internal/service/lock"
	"github.com/zhouzirui/arbor/backend/internal/service/session"
	"github.com/zhouzirui/arbor/backend/internal/service/tree"
	"github.com/zhouzirui/arbor/backend/pkg/utils"
)

// Deps are the services the HTTP surface is built on.
type Deps struct {
	Store    tree.Store
	Agents   agentModel.Store
	Hub      *hub.Hub
	Locks    *lock.Manager
	Sessions *session.Handler
	Verifier auth.TokenVerifier
	Session  config.SessionConfig
}

// NewRouter wires HTTP routes to core services.
func NewRouter(logger zerolog.Logger, deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middlewarePkg.Metrics)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.Logger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Create handlers
	agentHandler := agent.New(deps.Agents)
	chatHandler := chat.New(deps.Store, deps.Agents, deps.Locks, deps.Hub, logger)
	wsHandler := ws.New(deps.Store, deps.Sessions, deps.Session, logger)
	streamHandler := stream.New(deps.Store, deps.Sessions, deps.Session, logger)

	r.Route("/api", func(api chi.Router) {
		agentHandler.RegisterRoutes(api)

		api.Group(func(protected chi.Router) {
			protected.Use(auth.Middleware(deps.Verifier))
			chatHandler.RegisterRoutes(protected)
			wsHandler.RegisterRoutes(protected)
			streamHandler.RegisterRoutes(protected)
		})
	})

	return r
}
