// Package core provides the HTTP chassis for the subsync service.
// It creates a chi router usable both by net/http (cmd/api) and by the
// Lambda API Gateway adapter (cmd/sync-lambda), and enforces cross-cutting
// concerns before requests reach domain handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"subsync/internal/config"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, route, status string, duration time.Duration)
}

// RouteRegistrar mounts handler routes on a router. Handlers register
// through this indirection to avoid an import cycle with core.
type RouteRegistrar func(r chi.Router)

// Server holds the dependencies shared by all routes.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   MetricsCollector

	// MetricsHandler is served at GET /metrics when set.
	MetricsHandler http.Handler

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe

	// PublicRouteRegistrars mount unauthenticated routes (the webhook).
	PublicRouteRegistrars []RouteRegistrar

	// V1RouteRegistrars mount admin routes under /v1.
	V1RouteRegistrars []RouteRegistrar

	// Closers are run on Shutdown in order.
	Closers []func() error

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares an empty
// router. The caller registers routes and then calls MountRoutes.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources. All closers run even if one fails;
// the first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var first error
	for _, c := range s.Closers {
		if err := c(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			if first == nil {
				first = fmt.Errorf("closing resources: %w", err)
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return first
}
