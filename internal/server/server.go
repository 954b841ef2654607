package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/faucetdb/sluice/internal/connector"
	"github.com/faucetdb/sluice/internal/handler"
	"github.com/faucetdb/sluice/internal/health"
	"github.com/faucetdb/sluice/internal/proxy"
	"github.com/faucetdb/sluice/internal/server/middleware"
	"github.com/faucetdb/sluice/internal/service"
	"github.com/faucetdb/sluice/internal/telemetry"
	"github.com/faucetdb/sluice/internal/usage"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	AdminRateLimit  int // requests per minute per IP, 0 disables
	PublicBaseURL   string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		AdminRateLimit:  600,
	}
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the components the server routes to.
type Deps struct {
	Store      Pinger
	Connectors *connector.Service
	Keys       *service.KeyService
	Identities *service.IdentityService
	Usage      *usage.Aggregator
	Health     *health.Checker
	Gateway    *proxy.Gateway
	Metrics    *telemetry.Metrics
}

// Server is the top-level HTTP server for Sluice. It serves the admin API,
// the gateway under /gw, and the operational probes.
type Server struct {
	cfg        Config
	deps       Deps
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
	s := &Server{cfg: cfg, deps: deps, logger: logger}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RealIP is deliberately absent: key IP allowlists use the socket address.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)

	// --- Operational probes (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	// --- Gateway ---
	if s.deps.Gateway != nil {
		r.Mount("/gw", s.deps.Gateway.Handler())
	}

	// --- Admin API ---
	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		if s.cfg.AdminRateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.AdminRateLimit))
		}
		r.Use(chimw.Compress(5))
		r.Use(middleware.Authenticate(s.deps.Identities))

		conns := handler.NewConnectorHandler(s.deps.Connectors, s.cfg.PublicBaseURL+"/gw")
		keys := handler.NewKeyHandler(s.deps.Keys)
		use := handler.NewUsageHandler(s.deps.Usage, s.deps.Health)

		// Connectors and their lifecycle
		r.Get("/connectors", conns.ListConnectors)
		r.Post("/connectors", conns.CreateConnector)
		r.Get("/connectors/{slug}", conns.GetConnector)
		r.Put("/connectors/{slug}", conns.UpdateConnector)
		r.Post("/connectors/{slug}/publish", conns.PublishConnector)
		r.Post("/connectors/{slug}/unpublish", conns.UnpublishConnector)
		r.Post("/connectors/{slug}/archive", conns.ArchiveConnector)

		// Endpoints
		r.Get("/connectors/{slug}/endpoints", conns.ListEndpoints)
		r.Post("/connectors/{slug}/endpoints", conns.CreateEndpoint)
		r.Put("/connectors/{slug}/endpoints/{endpointID}", conns.UpdateEndpoint)

		// Secrets (write-only values)
		r.Get("/connectors/{slug}/secrets", conns.ListSecrets)
		r.Put("/connectors/{slug}/secrets/{name}", conns.PutSecret)
		r.Delete("/connectors/{slug}/secrets/{name}", conns.DeleteSecret)

		r.Get("/connectors/{slug}/openapi", conns.ServeOpenAPI)

		// API keys and plans
		r.Get("/keys", keys.ListKeys)
		r.Post("/keys", keys.IssueKey)
		r.Delete("/keys/{keyID}", keys.RevokeKey)
		r.Post("/keys/{keyID}/rotate", keys.RotateKey)
		r.Get("/plans", keys.ListPlans)
		r.Post("/plans", keys.CreatePlan)

		// Usage analytics and health
		r.Get("/usage/connectors", use.ConnectorUsage)
		r.Get("/usage/keys", use.KeyUsage)
		r.Get("/usage/timeseries", use.Timeseries)
		r.Get("/health", use.HealthSummary)
		r.Get("/health/{connectorID}/history", use.HealthHistory)
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. Returns 200 when the store answers a
// ping, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := map[string]string{"store": "ok"}

	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			checks["store"] = "error: " + err.Error()
			status = "unavailable"
			httpStatus = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until ctx is cancelled.
// It then performs a graceful shutdown, draining in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// No WriteTimeout: streamed gateway responses are bounded by the
	// per-endpoint upstream timeout instead.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in background goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
