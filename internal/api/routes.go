package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arlov/voxnote/internal/config"
	"github.com/arlov/voxnote/internal/session"
	"github.com/arlov/voxnote/internal/storage/sqlite"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(
	registry *session.Registry,
	coordinator *session.Coordinator,
	dialer *upstream.Dialer,
	sessionStorage *sqlite.SessionStorage,
	resultStorage *sqlite.ResultStorage,
	cfg *config.Config,
	log *logger.Logger,
) *Router {
	return &Router{
		handler:    NewHandler(registry, coordinator, dialer, sessionStorage, resultStorage, cfg, log),
		middleware: NewMiddleware(log),
		config:     cfg,
		logger:     log.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Server.CORSAllowedOrigins))

	// API routes
	router.Route("/api/v1", func(router chi.Router) {
		// Recording session routes
		router.Get("/sessions/ws", r.handler.HandleSessionWebSocket)
		router.Get("/sessions/{id}", r.handler.GetSession)
		router.Post("/sessions/{id}/finalize", r.handler.FinalizeSession)
		router.Get("/sessions/{id}/result", r.handler.GetResult)

		// Health check
		router.Get("/health", r.handler.GetHealth)

		// Configuration
		router.Get("/config", r.handler.GetConfig)
	})

	return router
}
