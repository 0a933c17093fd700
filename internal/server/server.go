package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/quikhit/bidengine/internal/domain"
	"github.com/quikhit/bidengine/internal/server/handler"
	"github.com/quikhit/bidengine/internal/server/middleware"
	"github.com/quikhit/bidengine/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	// AdminAPIKey protects lifecycle and tuning endpoints. If empty, the
	// admin routes are open (dev mode).
	AdminAPIKey string
	// RateLimit is requests per second per client IP on the public API.
	// Zero disables throttling.
	RateLimit int
}

// Handlers aggregates all HTTP handlers the server registers.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Auctions  *handler.AuctionHandler
	Bids      *handler.BidHandler
	Snapshots *handler.SnapshotHandler
	Events    *handler.EventsHandler
	Params    *handler.ParamsHandler
	// Archives is optional; set only when blob storage is wired.
	Archives *handler.ArchiveHandler
}

// Server is the HTTP + WebSocket API for the bidding engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered. Public routes carry
// rate limiting; admin routes additionally require the admin key.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	admin := middleware.Auth(cfg.AdminAPIKey)

	// Health check, no auth and no throttling.
	mux.HandleFunc("GET /api/health", handlers.Health.Get)
	mux.HandleFunc("GET /api/status", handlers.Status.Get)

	// Auctions.
	mux.HandleFunc("POST /api/auctions", handlers.Auctions.Create)
	mux.HandleFunc("GET /api/auctions", handlers.Auctions.List)
	mux.HandleFunc("GET /api/auctions/{id}", handlers.Auctions.Get)

	// Bidding.
	mux.HandleFunc("POST /api/auctions/{id}/bids", handlers.Bids.Submit)
	mux.HandleFunc("GET /api/auctions/{id}/bids", handlers.Bids.List)
	mux.HandleFunc("GET /api/auctions/{id}/snapshot", handlers.Snapshots.Get)
	mux.HandleFunc("GET /api/events", handlers.Events.List)

	// Admin lifecycle and tuning.
	mux.Handle("POST /api/auctions/{id}/close", admin(http.HandlerFunc(handlers.Auctions.Close)))
	mux.Handle("POST /api/auctions/{id}/cancel", admin(http.HandlerFunc(handlers.Auctions.Cancel)))
	mux.HandleFunc("GET /api/engine/params", handlers.Params.Get)
	mux.Handle("PUT /api/engine/params", admin(http.HandlerFunc(handlers.Params.Update)))

	if handlers.Archives != nil {
		mux.Handle("GET /api/archives", admin(http.HandlerFunc(handlers.Archives.List)))
		mux.Handle("GET /api/archives/{key...}", admin(http.HandlerFunc(handlers.Archives.Get)))
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, time.Second)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
