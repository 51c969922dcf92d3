package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/savegress/auditascan/internal/audit"
	"github.com/savegress/auditascan/internal/config"
	"github.com/savegress/auditascan/internal/pipeline"
)

// Server represents the API server
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
	logger   zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, service *pipeline.Service, auditLog *audit.Logger, logger zerolog.Logger) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(cfg, service, auditLog),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Route("/api/v1/auditascan", func(r chi.Router) {
		r.Get("/health", s.handlers.HealthCheck)

		r.Group(func(r chi.Router) {
			if s.config.Server.JWTSecret != "" {
				r.Use(AuthMiddleware(s.config.Server.JWTSecret))
			}

			// Runs
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handlers.ListRuns)
				r.Post("/", s.handlers.CreateRun)
				r.Post("/upload", s.handlers.UploadRun)
				r.Get("/{id}", s.handlers.GetRun)
				r.Get("/{id}/results", s.handlers.GetResults)
				r.Get("/{id}/export", s.handlers.ExportRun)
			})

			// Diagnostics
			r.Post("/parse", s.handlers.ParsePage)
			r.Post("/schedule/profile", s.handlers.ProfileSchedule)

			// Audit
			r.Route("/audit", func(r chi.Router) {
				r.Get("/events", s.handlers.ListAuditEvents)
				r.Get("/events/{id}", s.handlers.GetAuditEvent)
				r.Get("/stats", s.handlers.GetAuditStats)
			})
		})
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
