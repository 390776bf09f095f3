package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tokenissuer/tokenissuer/internal/config"
	"github.com/tokenissuer/tokenissuer/internal/errors"
	"github.com/tokenissuer/tokenissuer/internal/issuer"
	"github.com/tokenissuer/tokenissuer/internal/logging"
	"github.com/tokenissuer/tokenissuer/internal/metrics"
	"github.com/tokenissuer/tokenissuer/internal/middleware"
)

// TokenIssuer mints an access token from a service account document.
type TokenIssuer interface {
	Issue(ctx context.Context, raw json.RawMessage) (*issuer.AccessToken, error)
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	config      config.ServerConfig
	apiConfig   config.APIConfig
	issuer      TokenIssuer
	auditStore  logging.AuditStore
	metrics     *metrics.Metrics
	logger      *logging.Logger
	apiKeys     *KeySet
	rateLimiter *IPRateLimiter
	version     string

	mu         sync.Mutex
	httpServer *http.Server
}

// Options carries the optional collaborators of a Server.
type Options struct {
	AuditStore logging.AuditStore
	// Metrics is exposed on /metrics when set.
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Version string
}

// Router returns the gin router for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, apiCfg config.APIConfig, iss TokenIssuer, opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger()
	}
	auditStore := opts.AuditStore
	if auditStore == nil {
		auditStore = logging.NewNoopAuditStore()
	}
	exposeMetrics := opts.Metrics != nil
	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics("tokenissuer")
	}

	server := &Server{
		router:     gin.New(),
		config:     cfg,
		apiConfig:  apiCfg,
		issuer:     iss,
		auditStore: auditStore,
		metrics:    m,
		logger:     logger,
		apiKeys:    NewKeySet(apiCfg.ActiveAPIKeys()),
		version:    opts.Version,
	}
	if apiCfg.RateLimit.RequestsPerMinute > 0 {
		server.rateLimiter = newIPRateLimiter(apiCfg.RateLimit.RequestsPerMinute, apiCfg.RateLimit.Burst)
	}

	server.router.HandleMethodNotAllowed = true
	server.router.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})
	server.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found"})
	})

	// Add recovery middleware with logging
	server.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.ErrorWithContext(c.Request.Context(), "panic recovered", "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{Error: "An error occurred: internal error"})
	}))

	// Add logging middleware for structured logs
	server.router.Use(loggingMiddleware(logger))

	// Add metrics middleware
	server.router.Use(metrics.Middleware(m, logger))

	server.setupRoutes(exposeMetrics)
	return server
}

// loggingMiddleware provides structured logging for all requests
func loggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// Get or generate correlation ID
		correlationID := c.GetHeader(logging.CorrelationIDHeader)
		if correlationID == "" {
			correlationID = logging.GenerateCorrelationID()
		}

		// Add to context
		ctx := logging.WithCorrelationID(c.Request.Context(), correlationID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(logging.CorrelationIDHeader, correlationID)

		// Process request
		c.Next()

		// Log request completion
		duration := time.Since(start).Seconds()
		logger.InfoWithContext(ctx, "request completed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client_ip", c.ClientIP(),
			"duration_seconds", duration,
		)
	}
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(exposeMetrics bool) {
	// Prometheus metrics endpoint - NO authentication required
	if exposeMetrics {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	// Health check - NO authentication required
	s.router.GET("/health", s.handleHealth)

	// Issue endpoint: audited first so that rejections are recorded too.
	issueGroup := s.router.Group("")
	issueGroup.Use(middleware.AuditIssuance(s.auditStore))
	if s.rateLimiter != nil {
		issueGroup.Use(rateLimitMiddleware(s.rateLimiter, s.metrics))
	}
	issueGroup.Use(bodyLimitMiddleware(s.apiConfig.MaxBodyBytes))
	issueGroup.Use(APIKeyAuth(s.apiKeys, s.apiConfig.Auth.HeaderName, s.metrics, s.logger))
	{
		issueGroup.POST(s.apiConfig.IssuePath, s.handleIssue)
	}
}

// AuditStore returns the store issuance events are written to.
func (s *Server) AuditStore() logging.AuditStore {
	return s.auditStore
}

// UpdateAPIKeys swaps the accepted API keys without restarting.
func (s *Server) UpdateAPIKeys(keys []string) {
	s.apiKeys.Replace(keys)
	s.logger.Info("api keys updated", "count", s.apiKeys.Len(), "keys", MaskAPIKeys(keys))
}

// Run starts the HTTP or HTTPS server based on TLS configuration
func (s *Server) Run() error {
	addr := s.config.Addr()

	if s.config.TLS.Enabled {
		return s.RunTLS()
	}

	srv := NewHTTPServer(addr, s.router)
	s.setHTTPServer(srv)

	s.logger.Info("starting HTTP server", "addr", addr, "issue_path", s.apiConfig.IssuePath)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

// RunTLS starts the HTTPS server with TLS configuration
func (s *Server) RunTLS() error {
	addr := s.config.Addr()
	tlsCfg := s.config.TLS

	s.logger.Info("starting HTTPS server", "addr", addr, "cert_file", tlsCfg.CertFile, "min_version", tlsCfg.MinVersion)

	srv, err := NewHTTPSServer(addr, tlsCfg, s.router)
	if err != nil {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	s.setHTTPServer(srv)

	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		return &errors.ErrServerStart{Addr: addr, Err: err}
	}
	return nil
}

func (s *Server) setHTTPServer(srv *http.Server) {
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()
}

// Shutdown stops accepting requests, waits for in-flight issuances and then
// flushes the audit store.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var shutdownErr error
	if srv != nil {
		s.logger.Info("shutting down HTTP server")
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err.Error())
			shutdownErr = &errors.ErrServerShutdown{Err: err}
		}
	}

	if err := s.auditStore.Close(); err != nil {
		s.logger.Error("audit store close error", "error", err.Error())
		if shutdownErr == nil {
			shutdownErr = &errors.ErrServerShutdown{Err: err}
		}
	}

	if shutdownErr == nil {
		s.logger.Info("graceful shutdown completed")
	}
	return shutdownErr
}

// handleHealth returns health status
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"version":   s.version,
		"timestamp": time.Now().UTC(),
	})
}
