// Package api serves the operator surface: position resolution, manual
// reconciliation, state snapshots, Prometheus metrics, and a WebSocket event
// stream for the dashboard.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/config"
	"crossarb/internal/events"
	"crossarb/internal/store"
)

// Deps bundles everything the API needs from the engine.
type Deps struct {
	Provider   SnapshotProvider
	Resolution PositionResolver
	Recon      Reconciler
	Positions  store.PositionRepository
	Bus        *events.Bus
}

// Server runs the operator HTTP/WebSocket API.
type Server struct {
	cfg      config.DashboardConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the router. The event bridge is subscribed here so events
// published before Start still reach connected clients once the hub runs.
func NewServer(cfg config.DashboardConfig, deps Deps, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(cfg, deps, hub, logger)
	if deps.Bus != nil {
		BridgeBus(deps.Bus, hub)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewRouter(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api_server"),
	}
}

// NewRouter builds the route table. Split out so handler tests can exercise
// routing without binding a port.
func NewRouter(h *Handlers) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", h.HandleSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.HandleWebSocket)

	r.HandleFunc("/positions", h.HandleListPositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}", h.HandleGetPosition).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}/retry-leg", h.HandleRetryLeg).Methods(http.MethodPost)
	r.HandleFunc("/positions/{id}/close-leg", h.HandleCloseLeg).Methods(http.MethodPost)

	r.HandleFunc("/reconciliation/run", h.HandleReconRun).Methods(http.MethodPost)
	r.HandleFunc("/reconciliation/status", h.HandleReconStatus).Methods(http.MethodGet)
	r.HandleFunc("/reconciliation/{id}/resolve", h.HandleReconResolve).Methods(http.MethodPost)

	return r
}

// Start runs the hub and serves until the listener fails or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("operator api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests with a 10s grace period.
func (s *Server) Stop() error {
	s.logger.Info("operator api stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
