package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/nyatishield/nyati/internal/forward"
	"github.com/nyatishield/nyati/internal/handler"
	"github.com/nyatishield/nyati/internal/openapi"
	"github.com/nyatishield/nyati/internal/ratelimit"
	"github.com/nyatishield/nyati/internal/search"
	"github.com/nyatishield/nyati/internal/server/middleware"
	"github.com/nyatishield/nyati/internal/service"
	"github.com/nyatishield/nyati/internal/shaper"
	"github.com/nyatishield/nyati/internal/telemetry"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host             string
	Port             int
	ShutdownTimeout  time.Duration
	CORSOrigins      []string
	MaxBodySize      int64 // bytes
	IPRateLimit      int   // requests per minute per client IP, 0 disables
	MaxTokens        int
	TestMessageLimit int
	SessionTTL       time.Duration
	EnableMetrics    bool
	Version          string
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:             "0.0.0.0",
		Port:             8080,
		ShutdownTimeout:  30 * time.Second,
		CORSOrigins:      []string{"*"},
		MaxBodySize:      10 * 1024 * 1024, // 10MB
		IPRateLimit:      120,
		MaxTokens:        shaper.DefaultMaxTokens,
		TestMessageLimit: shaper.DefaultTestMessageLimit,
		SessionTTL:       24 * time.Hour,
		EnableMetrics:    true,
		Version:          handler.Version,
	}
}

// Store is what the server needs from the SQL store beyond the services.
type Store interface {
	handler.SystemStore
	Ping(ctx context.Context) error
}

// Deps are the collaborators the routes are built from. Redactor, Sink,
// Metrics and Checks may be nil.
type Deps struct {
	Store     Store
	AuthSvc   *service.AuthService
	KeySvc    *service.KeyService
	Resolver  middleware.KeyValidator
	Limiter   *ratelimit.Limiter
	Forwarder *forward.Forwarder
	Pools     shaper.Pools
	Redactor  *forward.Redactor
	Chat      handler.Completer
	Search    search.Backend
	Sink      *telemetry.Sink
	Metrics   *telemetry.Metrics

	// Checks are extra readiness checks, keyed by name.
	Checks map[string]func(context.Context) error
}

// Server is the top-level HTTP server for Nyati. It owns the Chi router and
// the collaborators the handlers are built from.
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
	if deps.Search == nil {
		deps.Search = search.Static{}
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()
	d := s.deps

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders: []string{
			"X-Request-ID", "Retry-After",
			"X-Nyati-Verified", "X-Nyati-Validation-Time-Ms", "X-Nyati-Forward-Time-Ms",
			"X-Nyati-Limit-Remaining", "X-Nyati-Limit-Reset", "X-Nyati-Rate-Limit",
			"X-Nyati-Provider", "X-Nyati-Max-Tokens", "X-Nyati-Shield",
		},
		MaxAge: 300,
	}))

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	if s.cfg.EnableMetrics && d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	// --- OpenAPI spec (no auth required) ---
	doc := openapi.Generate(s.cfg.Version, "")
	r.With(chimw.Compress(5)).Get("/openapi.json", handler.NewOpenAPIHandler(doc).ServeSpec)

	proxy := handler.NewProxyHandler(d.Limiter, d.Forwarder, d.Pools, d.Redactor, d.Sink, d.Metrics,
		handler.ProxyConfig{MaxTokens: s.cfg.MaxTokens, MaxBodySize: s.cfg.MaxBodySize}, s.logger)
	chat := handler.NewChatHandler(d.Limiter, d.Chat, d.Redactor, d.Sink, d.Metrics, s.cfg.TestMessageLimit, s.logger)
	srch := handler.NewSearchHandler(d.Limiter, d.Search, d.Sink, d.Metrics, s.logger)

	// --- API routes ---
	r.Route("/api/v1", func(r chi.Router) {
		if s.cfg.IPRateLimit > 0 {
			r.Use(middleware.RateLimit(s.cfg.IPRateLimit))
		}

		// Shielded proxy. Unauthenticated GETs get the status document.
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKey(d.Resolver, d.Metrics, s.logger, true))
			r.HandleFunc("/proxy", proxy.Proxy)
			r.HandleFunc("/proxy/*", proxy.Proxy)
		})

		// Metered endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKey(d.Resolver, d.Metrics, s.logger, false))
			r.Post("/ai", chat.Chat)
			r.Post("/search", srch.Search)
		})

		// System APIs (admin management)
		r.Route("/system", func(r chi.Router) {
			r.Use(chimw.Compress(5))
			sysHandler := handler.NewSystemHandler(d.Store, d.AuthSvc, d.KeySvc, s.cfg.SessionTTL, s.logger)

			// Session endpoints are unauthenticated (login) or self-authenticated (logout)
			r.Post("/admin/session", sysHandler.Login)
			r.Delete("/admin/session", sysHandler.Logout)

			// All other system endpoints require admin authentication
			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(d.AuthSvc))
				r.Use(middleware.RequireAdmin())

				// Admin management
				r.Get("/admin", sysHandler.ListAdmins)
				r.Post("/admin", sysHandler.CreateAdmin)

				// API key management
				r.Get("/api-key", sysHandler.ListAPIKeys)
				r.Post("/api-key", sysHandler.CreateAPIKey)
				r.Get("/api-key/{keyId}", sysHandler.GetAPIKey)
				r.Patch("/api-key/{keyId}", sysHandler.UpdateAPIKey)
				r.Delete("/api-key/{keyId}", sysHandler.DeleteAPIKey)
				r.Post("/api-key/{keyId}/revoke", sysHandler.RevokeAPIKey)
				r.Get("/api-key/{keyId}/usage", sysHandler.APIKeyUsage)
			})
		})
	})

	s.router = r
}

// handleHealthz is a liveness check. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness check. Returns 200 when the store and every
// extra check answer, or 503 otherwise.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	pending := map[string]func(context.Context) error{}
	if s.deps.Store != nil {
		pending["store"] = s.deps.Store.Ping
	}
	for name, fn := range s.deps.Checks {
		pending[name] = fn
	}

	for name, fn := range pending {
		if err := fn(ctx); err != nil {
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			checks[name] = "unavailable"
			status = "degraded"
		} else {
			checks[name] = "ok"
		}
	}

	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then performs a graceful shutdown, draining in-flight
// requests and the telemetry queue.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	// No WriteTimeout: event streams from upstream may run for minutes and
	// are bounded by the client connection instead.
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	if s.deps.Sink != nil {
		if err := s.deps.Sink.Close(shutdownCtx); err != nil {
			s.logger.Warn("telemetry queue not drained", "error", err)
		}
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
