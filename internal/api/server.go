// Package api is the HTTP and WebSocket ingress: agent registration and
// authentication, batched action submission, market and world reads, news,
// metrics, and the realtime socket upgrade.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wallstreetsim/internal/config"
	"wallstreetsim/internal/metrics"
)

// Server wraps the HTTP listener around the handlers.
type Server struct {
	cfg      *config.Config
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the route table and the listener.
func NewServer(cfg *config.Config, handlers *Handlers, m *metrics.Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)

	mux.HandleFunc("POST /auth/register", handlers.HandleRegister)
	mux.HandleFunc("POST /auth/verify", handlers.HandleVerify)

	mux.HandleFunc("POST /actions", handlers.HandleActions)

	mux.HandleFunc("GET /market/stocks", handlers.HandleStocks)
	mux.HandleFunc("GET /market/stocks/{symbol}", handlers.HandleStock)
	mux.HandleFunc("GET /market/orderbook/{symbol}", handlers.HandleOrderBook)
	mux.HandleFunc("GET /market/trades/{symbol}", handlers.HandleTrades)

	mux.HandleFunc("GET /world/status", handlers.HandleWorldStatus)
	mux.HandleFunc("GET /world/tick", handlers.HandleWorldTick)
	mux.HandleFunc("GET /world/leaderboard", handlers.HandleLeaderboard)
	mux.HandleFunc("GET /world/investigations/most-wanted", handlers.HandleMostWanted)
	mux.HandleFunc("GET /world/prison", handlers.HandlePrison)
	mux.HandleFunc("POST /world/step", handlers.HandleStep)

	mux.HandleFunc("GET /news", handlers.HandleNews)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", m.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until the listener is shut down.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
