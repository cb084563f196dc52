package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"leasegate/pkg/api/middleware"
	"leasegate/pkg/auth"
	"leasegate/pkg/lock"
	"leasegate/pkg/logger"
	tracing "leasegate/pkg/observability"
	"leasegate/pkg/reaper"
	"leasegate/pkg/storage"
)

// LockService is the lock facade served over HTTP. *lock.Manager implements it.
type LockService interface {
	Lock(ctx context.Context, req lock.LockRequest) (lock.LockResult, error)
	Unlock(ctx context.Context, req lock.UnlockRequest) (lock.UnlockResult, error)
	Holders(ctx context.Context, resource string) (lock.HoldersResult, error)
	Cancel(resource, identifier string) bool
}

// Sweeper runs an on-demand reaper sweep. *reaper.Reaper implements it.
type Sweeper interface {
	Sweep(ctx context.Context) (reaper.Report, error)
}

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	limiter    *middleware.RateLimiter
	validator  *middleware.Validator
	log        *zap.Logger

	locks   LockService
	history storage.HistoryStore
	journal storage.EventJournal
	keys    auth.APIKeyStore
	sweeper Sweeper
	checks  map[string]HealthCheck
}

// Config holds API server configuration. Only Locks is required.
type Config struct {
	Port      string
	Locks     LockService
	History   storage.HistoryStore
	Journal   storage.EventJournal
	Sweeper   Sweeper
	Checks    map[string]HealthCheck
	Validator middleware.ValidatorConfig
	RateLimit middleware.RateLimiterConfig
	Logger    *zap.Logger

	// Auth is enforced when AuthEnabled is set. Auth.APIKeyStore also backs
	// the key management routes.
	AuthEnabled bool
	Auth        middleware.AuthConfig
}

// NewServer creates a new API server with all dependencies.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	log = log.With(zap.String("component", "api"))

	if cfg.Validator.MaxPathLength == 0 {
		cfg.Validator = middleware.DefaultValidatorConfig()
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	s := &Server{
		router:    gin.New(),
		limiter:   middleware.NewRateLimiter(cfg.RateLimit),
		validator: middleware.NewValidator(cfg.Validator),
		log:       log,
		locks:     cfg.Locks,
		history:   cfg.History,
		journal:   cfg.Journal,
		keys:      cfg.Auth.APIKeyStore,
		sweeper:   cfg.Sweeper,
		checks:    cfg.Checks,
	}

	// Middleware stack (order matters)
	s.router.Use(gin.Recovery())
	s.router.Use(middleware.RequestIDMiddleware())
	s.router.Use(middleware.SecurityHeadersMiddleware())
	s.router.Use(middleware.TracingMiddleware("leasegate-api"))
	s.router.Use(middleware.MetricsMiddleware())
	s.router.Use(s.requestLogger())
	if cfg.AuthEnabled {
		authCfg := cfg.Auth
		authCfg.SkipPaths = append(authCfg.SkipPaths, "/health", "/metrics")
		s.router.Use(middleware.AuthMiddleware(authCfg))
	}
	s.router.Use(s.limiter.Middleware())
	s.router.Use(middleware.BodySizeLimitMiddleware(cfg.Validator.MaxBodySize))

	s.registerRoutes()

	// A lock request may legitimately block for the whole MaxTimeout.
	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.Validator.MaxTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")
	s.limiter.Stop()
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		locks := v1.Group("/locks")
		{
			locks.POST("/acquire", middleware.RequireRole(auth.RoleOperator), s.acquireLock)
			locks.POST("/release", middleware.RequireRole(auth.RoleOperator), s.releaseLock)
			locks.POST("/cancel", middleware.RequireRole(auth.RoleOperator), s.cancelLock)
			locks.GET("/holders", middleware.RequireRole(auth.RoleViewer), s.listHolders)
			locks.GET("/history", middleware.RequireRole(auth.RoleViewer), s.lockHistory)
		}

		v1.GET("/events", middleware.RequireRole(auth.RoleViewer), s.recentEvents)

		admin := v1.Group("", middleware.RequireRole(auth.RoleAdmin))
		{
			admin.POST("/apikeys", s.createAPIKey)
			admin.GET("/apikeys", s.listAPIKeys)
			admin.DELETE("/apikeys/:id", s.revokeAPIKey)
			admin.POST("/reaper/sweep", s.sweepNow)
		}
	}
}

// requestLogger is a middleware that logs HTTP requests.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
			zap.String("client_ip", c.ClientIP()),
		}
		if outcome := c.GetString(middleware.ContextOutcomeKey); outcome != "" {
			fields = append(fields,
				zap.String("resource", c.GetString(middleware.ContextResourceKey)),
				zap.String("outcome", outcome))
		}
		fields = append(fields, tracing.LogFields(c.Request.Context())...)
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			s.log.Warn("request failed", fields...)
			return
		}
		s.log.Info("request", fields...)
	}
}

// healthCheck returns server health status with dependency checks.
func (s *Server) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.checks))
	healthy := true
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":       status,
		"dependencies": deps,
		"timestamp":    time.Now().UTC(),
	})
}
