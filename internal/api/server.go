// Package api serves the read-only dashboard: JSON endpoints over the
// durable state, Prometheus metrics, and a WebSocket feed of health
// snapshots.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/internal/health"
)

// snapshotPeriod is how often the hub broadcasts a health snapshot.
const snapshotPeriod = 5 * time.Second

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	checker  *health.Checker
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the dashboard server. When cfg.APIKey is set, every
// /api and /ws route requires it; /health and /metrics stay open for
// probes and scrapers.
func NewServer(cfg config.DashboardConfig, handlers *Handlers, checker *health.Checker, hub *Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	protected := http.NewServeMux()
	protected.HandleFunc("/api/positions", handlers.HandlePositions)
	protected.HandleFunc("/api/orders", handlers.HandleOrders)
	protected.HandleFunc("/api/triggers", handlers.HandleTriggers)
	protected.HandleFunc("/api/watchlist", handlers.HandleWatchlist)
	protected.HandleFunc("/api/rejections", handlers.HandleRejections)
	protected.HandleFunc("/api/metrics", handlers.HandleMetrics)
	protected.HandleFunc("/api/stream", handlers.HandleStream)
	protected.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/api/", requireKey(cfg.APIKey, protected))
	mux.Handle("/ws", requireKey(cfg.APIKey, protected))

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		checker:  checker,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// requireKey checks X-API-Key or the api_key query parameter. An empty
// configured key disables the check.
func requireKey(key string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key != "" {
			got := r.Header.Get("X-API-Key")
			if got == "" {
				got = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Start runs the server and the hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run()
	go s.broadcastSnapshots(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return s.Stop()
	case err := <-errCh:
		return err
	}
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// broadcastSnapshots pushes a health snapshot to all dashboard clients on a
// fixed cadence.
func (s *Server) broadcastSnapshots(ctx context.Context) {
	ticker := time.NewTicker(snapshotPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.hub.Broadcast("health", s.checker.Check(ctx))
		}
	}
}
