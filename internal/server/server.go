// Package server exposes the operator HTTP surface: health, status, route
// CRUD, and orphan commands behind bearer auth.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/copyrig/copyrig/internal/domain"
	"github.com/copyrig/copyrig/internal/server/handler"
	"github.com/copyrig/copyrig/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	AuthToken   string
	CORSOrigins []string

	// RateLimiter is optional; nil disables the limit (no Redis).
	RateLimiter        domain.RateLimiter
	RateLimitPerMinute int
}

// Handlers aggregates the endpoint handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Routes  *handler.RoutesHandler
	Orphans *handler.OrphansHandler
	History *handler.HistoryHandler
	Archive *handler.ArchiveHandler
}

// Server is the operator API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New registers all routes on a ServeMux and builds the middleware chain:
// CORS outermost, then logging, rate limit, auth. Health stays outside auth
// so load balancers can hit it.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)

	mux.HandleFunc("GET /api/routes", handlers.Routes.ListRoutes)
	mux.HandleFunc("POST /api/routes", handlers.Routes.CreateRoute)
	mux.HandleFunc("GET /api/routes/stats", handlers.Routes.GetStats)
	mux.HandleFunc("PUT /api/routes/{id}", handlers.Routes.UpdateRoute)
	mux.HandleFunc("POST /api/routes/{id}/toggle", handlers.Routes.ToggleRoute)
	mux.HandleFunc("DELETE /api/routes/{id}", handlers.Routes.DeleteRoute)

	mux.HandleFunc("GET /api/orphans/list", handlers.Orphans.ListOrphans)
	mux.HandleFunc("POST /api/orphans/close", handlers.Orphans.CloseOrphan)
	mux.HandleFunc("POST /api/orphans/set-stop-loss", handlers.Orphans.SetStopLoss)
	mux.HandleFunc("POST /api/orphans/set-take-profit", handlers.Orphans.SetTakeProfit)
	mux.HandleFunc("POST /api/orphans/scan", handlers.Orphans.Scan)

	mux.HandleFunc("GET /api/audit", handlers.History.ListAudit)
	mux.HandleFunc("GET /api/history/{id}", handlers.History.ListHistory)
	mux.HandleFunc("GET /api/history/{id}/profit", handlers.History.GetProfit)

	mux.HandleFunc("GET /api/archive", handlers.Archive.ListSegments)
	mux.HandleFunc("GET /api/archive/{key...}", handlers.Archive.DownloadSegment)
	mux.HandleFunc("DELETE /api/archive/{key...}", handlers.Archive.DeleteSegment)

	var api http.Handler = mux
	api = middleware.Auth(cfg.AuthToken)(api)
	if cfg.RateLimiter != nil && cfg.RateLimitPerMinute > 0 {
		api = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimitPerMinute, time.Minute)(api)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	root.Handle("/api/", api)

	var h http.Handler = root
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      h,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler exposes the assembled handler chain, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start blocks serving requests until Shutdown or a listen error.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
