// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/feedbackloop/creditmeter/internal/auth"
	"github.com/feedbackloop/creditmeter/internal/circuitbreaker"
	"github.com/feedbackloop/creditmeter/internal/config"
	"github.com/feedbackloop/creditmeter/internal/credits"
	"github.com/feedbackloop/creditmeter/internal/health"
	"github.com/feedbackloop/creditmeter/internal/idgen"
	"github.com/feedbackloop/creditmeter/internal/logging"
	"github.com/feedbackloop/creditmeter/internal/messaging"
	"github.com/feedbackloop/creditmeter/internal/metrics"
	"github.com/feedbackloop/creditmeter/internal/plan"
	"github.com/feedbackloop/creditmeter/internal/ratelimit"
	"github.com/feedbackloop/creditmeter/internal/security"
	"github.com/feedbackloop/creditmeter/internal/sender"
	"github.com/feedbackloop/creditmeter/internal/subscription"
	"github.com/feedbackloop/creditmeter/internal/tenant"
)

// Version is reported by /health and set from the build.
var Version = "dev"

// Transport breaker: five straight SDK failures on one account route that
// account's sends to the raw HTTP path for thirty seconds.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	authMgr      *auth.Manager
	tenants      tenant.Store
	ledger       *credits.Service
	reconciler   *subscription.Reconciler
	checkout     *subscription.CheckoutHandler
	transport    messaging.Client
	messageLog   messaging.LogStore
	orchestrator *sender.Orchestrator
	rateLimiter  *ratelimit.Limiter
	health       *health.Registry
	db           *sql.DB // nil if using in-memory
	mongo        *mongo.Client
	redis        *redis.Client
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithTransport replaces the provider transport (for testing)
func WithTransport(c messaging.Client) Option {
	return func(s *Server) {
		s.transport = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		health: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	st, err := s.openStores(ctx)
	if err != nil {
		s.closeClients()
		return nil, err
	}

	s.authMgr = auth.NewManager(st.keys)
	s.tenants = st.tenants
	s.messageLog = st.messageLog

	catalog := plan.NewCatalog(cfg.StrictPlans)
	s.ledger = credits.NewService(st.ledgers, catalog)
	s.reconciler = subscription.NewReconciler(s.ledger, st.projections, s.tenants)
	if cfg.StripeWebhookSecret != "" {
		s.checkout = subscription.NewCheckoutHandler(s.reconciler, cfg.StripeWebhookSecret)
	} else {
		s.logger.Warn("STRIPE_WEBHOOK_SECRET not set, checkout webhook disabled")
	}

	if s.transport == nil {
		s.transport = s.newTransport()
	}
	resolver := messaging.NewResolver(messaging.Credentials{
		AccountSID:          cfg.TwilioAccountSID,
		AuthToken:           cfg.TwilioAuthToken,
		From:                cfg.TwilioFromNumber,
		MessagingServiceSID: cfg.TwilioMessagingServiceSID,
		WhatsAppFrom:        cfg.TwilioWhatsAppFrom,
	}, s.tenants)
	s.orchestrator = sender.New(s.ledger, s.transport, resolver, s.messageLog, sender.Options{
		Unmetered:         sender.ParseUnmeteredPolicy(cfg.UnmeteredPolicy),
		ReserveBeforeSend: cfg.ReserveBeforeSend,
		ProbeFragment:     cfg.FeedbackLinkFragment,
	})

	s.logger.Info("metering configured",
		"unmetered_policy", cfg.UnmeteredPolicy,
		"reserve_before_send", cfg.ReserveBeforeSend,
		"strict_plans", cfg.StrictPlans,
	)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// newTransport builds the SDK-first transport with the raw HTTP fallback.
func (s *Server) newTransport() messaging.Client {
	hc := messaging.NewHTTPClient(s.cfg.TwilioTimeout)
	breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor)
	breaker.OnTransition(func(account string, from, to circuitbreaker.State) {
		s.logger.Warn("transport circuit changed",
			"account", account, "from", from.String(), "to", to.String())
	})
	return messaging.NewResilientClient(
		messaging.NewSDKClient(hc, s.cfg.TwilioAPIBaseURL),
		messaging.NewRawHTTPClient(hc, s.cfg.TwilioAPIBaseURL),
		breaker,
	)
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(security.RequestSizeMiddleware(security.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Optional identity: a valid key scopes the caller, none is allowed.
	v1.Use(auth.Middleware(s.authMgr))

	authHandler := auth.NewHandler(s.authMgr)
	tenantHandler := tenant.NewHandler(s.tenants)
	subscriptionHandler := subscription.NewHandler(s.reconciler)
	sendHandler := sender.NewHandler(s.orchestrator, s.tenants, s.messageLog)

	// PUBLIC ROUTES (no auth required)
	subscriptionHandler.RegisterRoutes(v1)
	if s.checkout != nil {
		v1.POST("/webhooks/stripe", s.checkout.HandleWebhook)
	}

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterRoutes(protected)
	tenantHandler.RegisterProtectedRoutes(protected)
	subscriptionHandler.RegisterProtectedRoutes(protected)

	// Sends are throttled per caller, not per host.
	sends := protected.Group("")
	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		s.rateLimiter = ratelimit.New(rl)
		sends.Use(s.rateLimiter.MiddlewareBy(auth.GetSubject))
	}
	sendHandler.RegisterRoutes(sends)

	// OPERATOR ROUTES (require the admin secret when configured)
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(admin)
	tenantHandler.RegisterAdminRoutes(admin)
	subscriptionHandler.RegisterAdminRoutes(admin)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is returned by /health
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.health.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	s.closeClients()

	s.logger.Info("server stopped")
	return nil
}

// closeClients releases the store connections opened in New.
func (s *Server) closeClients() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.mongo != nil {
		if err := s.mongo.Disconnect(ctx); err != nil {
			s.logger.Error("mongo disconnect error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
