package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"racebot/internal/config"
	"racebot/internal/metrics"
	"racebot/internal/ratelimit"
)

// Server runs the HTTP/WebSocket front door.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server. Every /api/ route is rate limited
// per client address in the limiter's api domain.
func NewServer(
	cfg config.ServerConfig,
	backend Backend,
	limiter *ratelimit.Limiter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(cfg, backend, logger)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/status", handlers.HandleStatus)
	api.HandleFunc("GET /api/connections", handlers.HandleConnections)
	api.HandleFunc("GET /api/logs", handlers.HandleLogs)
	api.HandleFunc("POST /api/claim", handlers.HandleClaim)
	api.HandleFunc("POST /api/transfer", handlers.HandleTransfer)
	api.HandleFunc("POST /api/withdraw", handlers.HandleWithdraw)
	api.HandleFunc("GET /api/races/{id}", handlers.HandleRace)
	api.HandleFunc("POST /api/competitor-fee", handlers.HandleCompetitorFee)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)
	mux.Handle("GET /metrics", m.Handler())
	mux.Handle("/api/", rateLimit(limiter, m, api))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
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

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// rateLimit rejects requests with 429 once the client's api bucket is empty.
func rateLimit(limiter *ratelimit.Limiter, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow(ratelimit.DomainAPI, clientKey(r)) {
			m.RateLimited(string(ratelimit.DomainAPI))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
