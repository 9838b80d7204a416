// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/payrail/payrail/internal/audit"
	"github.com/payrail/payrail/internal/auth"
	"github.com/payrail/payrail/internal/circuitbreaker"
	"github.com/payrail/payrail/internal/config"
	"github.com/payrail/payrail/internal/custodial"
	"github.com/payrail/payrail/internal/dispute"
	"github.com/payrail/payrail/internal/escrowchain"
	"github.com/payrail/payrail/internal/events"
	"github.com/payrail/payrail/internal/health"
	"github.com/payrail/payrail/internal/idempotency"
	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/logging"
	"github.com/payrail/payrail/internal/metrics"
	"github.com/payrail/payrail/internal/order"
	"github.com/payrail/payrail/internal/ratelimit"
	"github.com/payrail/payrail/internal/realtime"
	"github.com/payrail/payrail/internal/reconciliation"
	"github.com/payrail/payrail/internal/security"
	"github.com/payrail/payrail/internal/transfers"
	"github.com/payrail/payrail/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg          *config.Config
	bus          *events.Bus
	ledger       *ledger.Ledger
	orders       *order.Service
	disputes     *dispute.Service
	transfers    *transfers.Service
	authMgr      *auth.Manager
	idemGuard    *idempotency.Guard
	realtimeHub  *realtime.Hub
	reconRunner  *reconciliation.Runner
	reconTimer   *reconciliation.Timer
	rateLimiter  *ratelimit.Limiter
	healthReg    *health.Registry
	db           *sql.DB // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run

	// Injected providers (overridden in tests)
	escrowProvider  order.EscrowProvider
	custodialClient transfers.CustodialClient

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

// WithEscrowProvider sets a custom escrow provider (for testing)
func WithEscrowProvider(p order.EscrowProvider) Option {
	return func(s *Server) {
		s.escrowProvider = p
	}
}

// WithCustodialClient sets a custom custodial client (for testing)
func WithCustodialClient(c transfers.CustodialClient) Option {
	return func(s *Server) {
		s.custodialClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set providers/logger)
	for _, opt := range opts {
		opt(s)
	}

	s.bus = events.NewBus(s.logger)
	s.healthReg = health.NewRegistry()

	// Storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		sink           audit.Sink
		ledgerStore    ledger.Store
		orderStore     order.Store
		disputeStore   dispute.Store
		transferStore  transfers.Store
		idemStore      idempotency.Store
		authStore      auth.Store
		healthDBDetail string
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		sink = audit.NewPostgresSink(db)
		ledgerStore = ledger.NewPostgresStore(db)
		orderStore = order.NewPostgresStore(db)
		disputeStore = dispute.NewPostgresStore(db)
		transferStore = transfers.NewPostgresStore(db)
		idemStore = idempotency.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		healthDBDetail = "postgres"
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		s.healthReg.Register(health.DBChecker("database", db))
	} else {
		sink = audit.NewMemorySink()
		ledgerStore = ledger.NewMemoryStore()
		orderStore = order.NewMemoryStore()
		disputeStore = dispute.NewMemoryStore()
		transferStore = transfers.NewMemoryStore()
		idemStore = idempotency.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		healthDBDetail = "in-memory"
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	s.healthReg.Register(func(ctx context.Context) health.Status {
		return health.OK("storage", healthDBDetail)
	})

	// Core services
	s.ledger = ledger.New(ledgerStore, sink, s.bus, s.logger)
	s.authMgr = auth.NewManager(authStore)
	s.idemGuard = idempotency.New(idemStore, s.logger)

	// Escrow provider: on-chain contract when configured, stub otherwise
	if s.escrowProvider == nil {
		if cfg.ChainConfigured() {
			provider, err := escrowchain.New(escrowchain.Config{
				RPCURL:         cfg.ChainRPCURL,
				PrivateKey:     cfg.PrivateKey,
				ChainID:        cfg.ChainID,
				EscrowContract: cfg.EscrowContract,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create escrow provider: %w", err)
			}
			s.escrowProvider = provider
			s.logger.Info("on-chain escrow enabled",
				"chain_id", cfg.ChainID,
				"contract", cfg.EscrowContract,
			)
		} else {
			s.escrowProvider = newStubEscrowProvider()
			s.logger.Info("escrow provider stubbed (no chain config)")
		}
	}
	s.escrowProvider = order.WithBreaker(s.escrowProvider, circuitbreaker.New(5, 30*time.Second))

	// Custodial client: Stripe when configured, stub otherwise
	if s.custodialClient == nil {
		if cfg.StripeConfigured() {
			s.custodialClient = custodial.New(cfg.StripeAPIKey, cfg.DefaultCurrency)
			s.logger.Info("custodial transfers enabled", "currency", cfg.DefaultCurrency)
		} else {
			s.custodialClient = newStubCustodialClient()
			s.logger.Info("custodial client stubbed (no Stripe config)")
		}
	}
	s.custodialClient = transfers.WithBreaker(s.custodialClient, circuitbreaker.New(5, 30*time.Second))

	// Domain services
	s.orders = order.NewService(orderStore, &orderLedgerAdapter{s.ledger}, s.escrowProvider, sink, s.bus, s.logger)
	s.disputes = dispute.NewService(disputeStore, s.orders, sink, s.bus, s.logger)
	s.transfers = transfers.NewService(transferStore, &transferLedgerAdapter{s.ledger}, s.custodialClient, sink, s.bus, s.logger)

	// Reconciliation sweeps share one provider-call budget
	providerLimiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.ReconcileProviderRPM,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	})
	jobs := []reconciliation.Job{
		reconciliation.NewEscrowJob(orderStore, s.orders, s.escrowProvider, providerLimiter, s.logger),
		reconciliation.NewTopUpJob(transferStore, s.logger),
		reconciliation.NewWithdrawalJob(transferStore, s.transfers, providerLimiter, s.logger),
	}
	s.reconRunner = reconciliation.NewRunner(jobs, s.bus, s.logger)
	s.reconTimer = reconciliation.NewTimer(s.reconRunner, cfg.ReconcileInterval, s.logger)
	s.logger.Info("reconciliation scheduled", "interval", cfg.ReconcileInterval)

	// Realtime hub streams bus events over WebSocket
	s.realtimeHub = realtime.NewHub(s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins in development - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
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

		// Log level based on status code
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

// webhookAuthMiddleware rejects provider callbacks that lack the shared
// secret. When no secret is configured (development), everything passes.
func (s *Server) webhookAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.WebhookSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Webhook-Secret") != s.cfg.WebhookSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid webhook secret",
			})
			return
		}
		c.Next()
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

	// WebSocket for real-time event streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	ledgerHandler := ledger.NewHandler(s.ledger)
	orderHandler := order.NewHandler(s.orders)
	disputeHandler := dispute.NewHandler(s.disputes)
	transferHandler := transfers.NewHandler(s.transfers)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group. ID-shaped URL params are validated on every route.
	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParamMiddleware("userId"))
	v1.Use(validation.IDParamMiddleware("orderId"))
	v1.Use(validation.IDParamMiddleware("disputeId"))

	// PUBLIC ROUTES (no auth required): reads
	ledgerHandler.RegisterRoutes(v1)
	orderHandler.RegisterRoutes(v1)
	disputeHandler.RegisterRoutes(v1)
	transferHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// ACCOUNT REGISTRATION (public, returns the API key once)
	v1.POST("/accounts", s.registerAccountHandler)

	// PROTECTED ROUTES (require API key, honor idempotency keys)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr))
	protected.Use(auth.RequireAuth(s.authMgr))
	protected.Use(idempotency.Middleware(s.idemGuard, func(c *gin.Context) string {
		return auth.AuthenticatedUser(c)
	}))
	{
		ledgerHandler.RegisterProtectedRoutes(protected)
		orderHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)
		transferHandler.RegisterProtectedRoutes(protected)
	}

	// API key management (auth, no idempotency)
	keys := v1.Group("")
	keys.Use(auth.Middleware(s.authMgr))
	keys.Use(auth.RequireAuth(s.authMgr))
	{
		keys.GET("/auth/keys", authHandler.ListKeys)
		keys.POST("/auth/keys", authHandler.CreateKey)
		keys.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		keys.GET("/auth/me", authHandler.GetCurrentUser)
	}

	// PROVIDER WEBHOOKS (shared-secret auth, no API key)
	webhooks := v1.Group("")
	webhooks.Use(s.webhookAuthMiddleware())
	{
		orderHandler.RegisterWebhookRoutes(webhooks)
		transferHandler.RegisterWebhookRoutes(webhooks)
	}

	// ADMIN (API key auth; triggers an immediate reconciliation pass)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr))
	admin.Use(auth.RequireAuth(s.authMgr))
	{
		admin.POST("/reconcile", s.reconcileHandler)
		admin.POST("/reconcile/:job", s.reconcileJobHandler)
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// registerAccountRequest is the body for POST /v1/accounts.
type registerAccountRequest struct {
	UserID string `json:"userId" binding:"required"`
	Name   string `json:"name"`
}

// registerAccountHandler issues the initial API key for a user. The raw
// key is returned exactly once.
func (s *Server) registerAccountHandler(c *gin.Context) {
	var req registerAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "userId is required"})
		return
	}
	if !validation.IsValidID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id", "message": "userId must be 1-64 chars of [A-Za-z0-9_-]"})
		return
	}
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), req.UserID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to register account"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"userId":  key.UserID,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

func (s *Server) reconcileHandler(c *gin.Context) {
	stats, err := s.reconRunner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "reconcile_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "jobs": stats})
}

func (s *Server) reconcileJobHandler(c *gin.Context) {
	stats, err := s.reconRunner.RunJob(c.Request.Context(), c.Param("job"))
	if err != nil {
		if errors.Is(err, reconciliation.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": "run_in_progress", "message": "A run for this job is already active"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "reconcile_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "stats": stats})
}

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Payrail",
		"description": "Funds orchestration for marketplace payments",
		"version":     "v1",
		"endpoints": gin.H{
			"balances":    "/v1/balances/:userId",
			"orders":      "/v1/orders",
			"disputes":    "/v1/disputes",
			"topups":      "/v1/topups",
			"withdrawals": "/v1/withdrawals",
			"websocket":   "/ws",
			"health":      "/health",
			"metrics":     "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Cancellable context for background goroutines so Shutdown() can stop them.
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

	// Start realtime hub
	go s.realtimeHub.Run(runCtx, s.bus)

	// Start reconciliation timer
	go s.reconTimer.Start(runCtx)

	// Sample DB pool stats while the server runs
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
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

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop reconciliation timer
	if s.reconTimer != nil {
		s.reconTimer.Stop()
		s.logger.Info("reconciliation timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%x", bytes)
}
