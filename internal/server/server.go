// Package server provides the HTTP API server for the labcloud backend.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/labcloud/labcloud/internal/config"
	"github.com/labcloud/labcloud/internal/proxmox"
	"github.com/labcloud/labcloud/internal/repository/etcd"
	"github.com/labcloud/labcloud/internal/repository/memory"
	"github.com/labcloud/labcloud/internal/repository/postgres"
	"github.com/labcloud/labcloud/internal/repository/redis"
	"github.com/labcloud/labcloud/internal/server/middleware"
	"github.com/labcloud/labcloud/internal/services/auth"
	"github.com/labcloud/labcloud/internal/services/task"
	"github.com/labcloud/labcloud/internal/services/vm"
)

// Hypervisor is the full cluster surface the server wires into its
// services. *proxmox.Client satisfies it; tests inject fakes.
type Hypervisor interface {
	vm.Hypervisor
	task.Poller
}

// Server represents the main HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client
	hv    Hypervisor

	// Repository interfaces (abstracted for swappable backends)
	vmRepo    vm.Repository
	taskRepo  task.Repository
	userRepo  auth.UserRepository
	tokenRepo auth.TokenRepository

	// Services
	vmService   *vm.Service
	taskService *task.Service
	authService *auth.Service
	jwtManager  *auth.JWTManager

	// Leader election (for the retention sweeper)
	leader *etcd.Leader

	retentionCancel context.CancelFunc
}

// Option configures the server.
type Option func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) Option {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis for caching, sessions and task events.
func WithRedis(cache *redis.Cache) Option {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for distributed coordination.
func WithEtcd(client *etcd.Client) Option {
	return func(s *Server) {
		s.etcd = client
	}
}

// WithHypervisor overrides the cluster client. Used by tests.
func WithHypervisor(hv Hypervisor) Option {
	return func(s *Server) {
		s.hv = hv
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.hv == nil {
		s.hv = proxmox.NewClient(cfg.Proxmox, logger)
	}

	s.initRepositories()
	s.initServices()
	s.registerRoutes()

	handler := s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// initRepositories initializes data repositories.
func (s *Server) initRepositories() {
	if s.db != nil {
		s.logger.Info("Initializing PostgreSQL repositories")
		s.vmRepo = postgres.NewVMRepository(s.db, s.logger)
		s.taskRepo = postgres.NewTaskRepository(s.db, s.logger)
		s.userRepo = postgres.NewUserRepository(s.db, s.logger)
		s.tokenRepo = postgres.NewVerificationTokenRepository(s.db, s.logger)
	} else {
		s.logger.Info("Initializing in-memory repositories")
		s.vmRepo = memory.NewVMRepository()
		s.taskRepo = memory.NewTaskRepository()
		s.userRepo = memory.NewUserRepository()
		s.tokenRepo = memory.NewVerificationTokenRepository()
	}

	s.logger.Info("Repositories initialized",
		zap.Bool("postgres", s.db != nil),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("etcd", s.etcd != nil),
	)
}

// initServices initializes business logic services.
func (s *Server) initServices() {
	s.jwtManager = auth.NewJWTManager(s.config.Auth)
	s.authService = auth.NewService(
		s.userRepo,
		s.tokenRepo,
		auth.NewLogMailer(s.logger),
		s.jwtManager,
		s.config.Auth.VerifyExpiry,
		s.logger,
	)
	if s.cache != nil {
		s.authService = s.authService.WithSessionStore(s.cache)
	}

	s.taskService = task.NewService(s.taskRepo, s.hv, s.vmRepo, s.logger)
	if s.cache != nil {
		s.taskService = s.taskService.WithCache(s.cache).WithPublisher(s.cache)
	}

	s.vmService = vm.NewService(s.vmRepo, s.hv, s.taskService, s.logger)
	if s.etcd != nil {
		s.vmService = s.vmService.WithLocker(s.etcd)
	}

	s.logger.Info("Services initialized")
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	// Health endpoints
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	// Public auth endpoints
	authHandler := NewAuthHandler(s.authService, s.logger)
	s.mux.Handle("/api/auth/", s.rateLimitMiddleware(authHandler))

	// Authenticated API
	authMw := middleware.NewAuth(s.jwtManager, s.logger)

	vmHandler := NewVMHandler(s.vmService, s.logger)
	s.mux.Handle("/api/vms", authMw.Wrap(s.opRateLimitMiddleware(vmHandler)))
	s.mux.Handle("/api/vms/", authMw.Wrap(s.opRateLimitMiddleware(vmHandler)))

	taskHandler := NewTaskHandler(s.taskService, s.config.Tasks.Retention, s.logger)
	watchHandler := NewTaskWatchHandler(s.cache, s.logger)
	s.mux.Handle("/api/tasks", authMw.Wrap(taskHandler))
	s.mux.Handle("/api/tasks/watch", authMw.Wrap(watchHandler))
	s.mux.Handle("/api/tasks/", authMw.Wrap(taskHandler))

	s.logger.Info("All routes registered")
}

// setupMiddleware configures the middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		if r.URL.Path == "/health" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware throttles credential endpoints per client IP. Without
// Redis it passes everything through.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.cache == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := fmt.Sprintf("ratelimit:auth:%s", r.RemoteAddr)
		result, err := s.cache.CheckRateLimit(r.Context(), key, 20, time.Minute)
		if err != nil {
			s.logger.Warn("Rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !result.Allowed {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// opRateLimitMiddleware throttles VM operations per principal. It runs
// inside the auth middleware, so the principal is always present.
func (s *Server) opRateLimitMiddleware(next http.Handler) http.Handler {
	if s.cache == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := middleware.GetPrincipal(r.Context())
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		key := fmt.Sprintf("ratelimit:ops:%s", principal.ID)
		result, err := s.cache.CheckRateLimit(r.Context(), key, 60, time.Minute)
		if err != nil {
			s.logger.Warn("Rate limit check failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !result.Allowed {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "labcloud-backend",
	})
}

// readyHandler reports readiness of the configured backends.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	components := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			components["postgres"] = "unhealthy"
		} else {
			components["postgres"] = "healthy"
		}
	}
	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			components["redis"] = "unhealthy"
		} else {
			components["redis"] = "healthy"
		}
	}
	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			components["etcd"] = "unhealthy"
		} else {
			components["etcd"] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"components": components,
	})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("address", s.config.Server.Address()),
	)

	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, "labcloud-backend")
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader = leader
			s.taskService = s.taskService.WithElector(leader)
		}
	}

	if s.config.Tasks.Retention > 0 {
		retentionCtx, cancel := context.WithCancel(ctx)
		s.retentionCancel = cancel
		go s.taskService.RunRetention(retentionCtx, s.config.Tasks.Retention, s.config.Tasks.SweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if s.retentionCancel != nil {
		s.retentionCancel()
	}

	if s.leader != nil {
		if err := s.leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
