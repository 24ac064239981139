// Package server provides the HTTP server and routing for the lot ledger.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/lotkeeper/internal/config"
	"github.com/aristath/lotkeeper/internal/database"
	ledgerhandlers "github.com/aristath/lotkeeper/internal/modules/ledger/handlers"
	portfoliohandlers "github.com/aristath/lotkeeper/internal/modules/portfolio/handlers"
	valuationhandlers "github.com/aristath/lotkeeper/internal/modules/valuation/handlers"
	"github.com/aristath/lotkeeper/internal/scheduler"
)

// Config holds server configuration
type Config struct {
	Log               zerolog.Logger
	LedgerDB          *database.DB
	PortfolioDB       *database.DB
	Config            *config.Config
	LedgerHandlers    *ledgerhandlers.Handler
	PortfolioHandlers *portfoliohandlers.Handler
	ValuationHandlers *valuationhandlers.Handler
	SnapshotJob       scheduler.Job
	Scheduler         *scheduler.Scheduler
}

// Server represents the HTTP server
type Server struct {
	router            *chi.Mux
	server            *http.Server
	log               zerolog.Logger
	ledgerDB          *database.DB
	portfolioDB       *database.DB
	cfg               *config.Config
	ledgerHandlers    *ledgerhandlers.Handler
	portfolioHandlers *portfoliohandlers.Handler
	valuationHandlers *valuationhandlers.Handler
	systemHandlers    *SystemHandlers
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:            chi.NewRouter(),
		log:               cfg.Log.With().Str("component", "server").Logger(),
		ledgerDB:          cfg.LedgerDB,
		portfolioDB:       cfg.PortfolioDB,
		cfg:               cfg.Config,
		ledgerHandlers:    cfg.LedgerHandlers,
		portfolioHandlers: cfg.PortfolioHandlers,
		valuationHandlers: cfg.ValuationHandlers,
		systemHandlers: NewSystemHandlers(
			cfg.Log,
			cfg.Config.DataDir,
			cfg.LedgerDB,
			cfg.PortfolioDB,
			cfg.Scheduler,
			cfg.SnapshotJob,
		),
	}

	s.setupMiddleware(cfg.Config.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.systemHandlers.HandleHealth)

	s.router.Route("/api", func(r chi.Router) {
		s.ledgerHandlers.RegisterRoutes(r)
		s.portfolioHandlers.RegisterRoutes(r)
		s.valuationHandlers.RegisterRoutes(r)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleSystemStatus)
			r.Get("/database/stats", s.systemHandlers.HandleDatabaseStats)
		})

		r.Post("/jobs/snapshot", s.systemHandlers.HandleTriggerSnapshot)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
