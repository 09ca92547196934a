// Package server wires the ops surface over the sync core: tenant
// lifecycle and OAuth connect routes, job and cache control, mirror
// reads, reconciliation, health, metrics, and websocket events.
package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/runwayly/ledgersync/internal/cache"
	"github.com/runwayly/ledgersync/internal/config"
	"github.com/runwayly/ledgersync/internal/credstore"
	"github.com/runwayly/ledgersync/internal/events"
	"github.com/runwayly/ledgersync/internal/health"
	"github.com/runwayly/ledgersync/internal/jobs"
	"github.com/runwayly/ledgersync/internal/ledgerapi"
	"github.com/runwayly/ledgersync/internal/logging"
	"github.com/runwayly/ledgersync/internal/metrics"
	"github.com/runwayly/ledgersync/internal/mirror"
	"github.com/runwayly/ledgersync/internal/mockledger"
	"github.com/runwayly/ledgersync/internal/orchestrator"
	"github.com/runwayly/ledgersync/internal/ratelimit"
	"github.com/runwayly/ledgersync/internal/reconciliation"
	"github.com/runwayly/ledgersync/internal/retry"
	"github.com/runwayly/ledgersync/internal/security"
	"github.com/runwayly/ledgersync/internal/syncservice"
	"github.com/runwayly/ledgersync/internal/tenant"
	"github.com/runwayly/ledgersync/internal/traces"
	"github.com/runwayly/ledgersync/internal/txlog"
	"github.com/runwayly/ledgersync/internal/validation"
)

// mockRealmID is the realm seeded into the in-process provider when
// LEDGER_ENV=mock. The mock's authorize endpoint falls back to it when
// the authorize request names no realm.
const mockRealmID = "9130001"

// Server is the HTTP server for the sync control plane
type Server struct {
	cfg         *config.Config
	tenants     *tenant.Service
	creds       *credstore.Manager
	ledger      *ledgerapi.Client
	factory     *syncservice.Factory
	logs        txlog.Store
	runner      *jobs.Runner
	scheduler   *jobs.Scheduler
	reconcile   *reconciliation.Service
	reconTimer  *reconciliation.Timer
	hub         *events.Hub
	resultCache *cache.Cache
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	mock        *mockledger.Server
	mockSrv     *http.Server
	rdb         *redis.Client
	db          *sql.DB
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	cancelRunCtx context.CancelFunc
	stopTraces   func(context.Context) error

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

// ledgerEndpoints is the resolved provider configuration. Mock mode
// overwrites the configured values with the loopback provider's URLs.
type ledgerEndpoints struct {
	baseURL      string
	authURL      string
	tokenURL     string
	revokeURL    string
	clientID     string
	clientSecret string
	redirectURL  string
}

// New creates a server with all components wired
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	endpoints := ledgerEndpoints{
		baseURL:      cfg.LedgerBaseURL,
		authURL:      cfg.LedgerAuthURL,
		tokenURL:     cfg.LedgerTokenURL,
		revokeURL:    cfg.LedgerRevokeURL,
		clientID:     cfg.LedgerClientID,
		clientSecret: cfg.LedgerClientSecret,
		redirectURL:  cfg.LedgerRedirectURL,
	}

	switch cfg.LedgerEnv {
	case string(tenant.EnvMock):
		// Boot the in-process provider on a loopback listener so the
		// whole OAuth + sync path runs over real HTTP without external
		// credentials.
		base, err := s.startMockLedger()
		if err != nil {
			return nil, err
		}
		endpoints.baseURL = mockledger.BaseURL(base)
		endpoints.authURL = mockledger.AuthorizeURL(base)
		endpoints.tokenURL = mockledger.TokenURL(base)
		endpoints.revokeURL = mockledger.RevokeURL(base)
		if endpoints.clientID == "" {
			endpoints.clientID = "mock-client"
		}
		if endpoints.clientSecret == "" {
			endpoints.clientSecret = "mock-secret"
		}
		if endpoints.redirectURL == "" {
			endpoints.redirectURL = fmt.Sprintf("http://localhost:%s/api/v1/oauth/callback", cfg.Port)
		}
	case string(tenant.EnvProduction):
		if err := security.ValidateEndpointURL(endpoints.baseURL); err != nil {
			return nil, fmt.Errorf("ledger base URL rejected: %w", err)
		}
	}

	// Storage: Postgres when configured, in-memory otherwise
	var (
		tenantStore tenant.Store
		credStore   credstore.Store
		mirrorStore mirror.Store
		logStore    txlog.Store
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
			db.Close()
			return nil, fmt.Errorf("database ping failed: %w", err)
		}
		s.db = db

		tenantStore = tenant.NewPostgresStore(db)
		credStore = credstore.NewPostgresStore(db)
		logStore = txlog.NewPostgresStore(db)
		mirrorStore = mirror.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "dsn", maskDSN(cfg.DatabaseURL))
	} else {
		memLogs := txlog.NewMemoryStore()
		tenantStore = tenant.NewMemoryStore()
		credStore = credstore.NewMemoryStore()
		logStore = memLogs
		mirrorStore = mirror.NewMemoryStore(memLogs)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Job queue backend is picked independently of the mirror: a
	// single-node setup can keep jobs in Redis while the mirror lives
	// in Postgres, or run everything in memory for demos.
	var jobStore jobs.Store
	switch cfg.JobsStorage {
	case "postgres":
		if s.db == nil {
			return nil, errors.New("JOBS_STORAGE=postgres requires DATABASE_URL")
		}
		jobStore = jobs.NewPostgresStore(s.db)
		s.logger.Info("job queue on postgres")
	case "redis":
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		s.rdb = rdb
		jobStore = jobs.NewRedisStore(rdb)
		s.logger.Info("job queue on redis")
	default:
		jobStore = jobs.NewMemoryStore()
		s.logger.Info("job queue in memory")
	}

	s.creds = credstore.NewManager(credStore, credstore.Config{
		ClientID:     endpoints.clientID,
		ClientSecret: endpoints.clientSecret,
		AuthURL:      endpoints.authURL,
		TokenURL:     endpoints.tokenURL,
		RevokeURL:    endpoints.revokeURL,
		RedirectURL:  endpoints.redirectURL,
		RefreshSkew:  cfg.CredentialsSkew,
	})

	transport := ledgerapi.NewTransport(ledgerapi.TransportConfig{
		BaseURL:           endpoints.baseURL,
		MinorVersion:      cfg.LedgerMinorVersion,
		GlobalRPM:         cfg.GlobalRPM,
		TenantRPM:         cfg.TenantRPM,
		ReadTimeout:       cfg.ReadTimeout,
		FetchTimeout:      cfg.FetchTimeout,
		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerOpenPeriod: cfg.BreakerOpenPeriod,
	}, s.creds)
	s.ledger = ledgerapi.NewClient(transport)

	pol := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		pol.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.MaxBackoff > 0 {
		pol.MaxDelay = cfg.MaxBackoff
	}

	s.resultCache = cache.New()
	orch := orchestrator.New(s.resultCache, orchestrator.Config{
		DataFetchTTL: cfg.CacheTTLDataFetch,
		OnDemandTTL:  cfg.CacheTTLOnDemand,
		ScheduledTTL: cfg.CacheTTLScheduled,
		Retry:        pol,
	})

	s.hub = events.NewHub(s.logger)
	s.tenants = tenant.NewService(tenantStore)
	s.logs = logStore
	s.factory = syncservice.NewFactory(orch, s.ledger, mirrorStore, logStore, s.creds, s.hub)

	runnerCfg := jobs.Config{
		JobDeadline: cfg.JobDeadline,
		TenantSlots: cfg.TenantConcurrency,
		Retry:       pol,
	}
	if cfg.IsDevelopment() {
		runnerCfg.ScanInterval = time.Second
	}
	s.runner = jobs.NewRunner(jobStore, s.hub, runnerCfg)
	s.runner.Register(jobs.FuncSyncTenant, s.syncTenantJob)
	s.scheduler = jobs.NewScheduler(s.runner, s.tenants, cfg.SyncInterval)

	s.reconcile = reconciliation.NewService(mirrorStore, logStore)
	s.reconTimer = reconciliation.NewTimer(reconciliation.NewRunner(s.reconcile, s.tenants))

	if cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, mutating routes are unauthenticated")
	}

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	if s.db != nil {
		s.checks.Register("database", func(ctx context.Context) health.Status {
			st := health.Status{Name: "database", Healthy: true}
			if err := s.db.PingContext(ctx); err != nil {
				st.Healthy = false
				st.Detail = err.Error()
			}
			return st
		})
	}

	s.healthy.Store(true)

	return s, nil
}

// startMockLedger serves the fake provider on a loopback listener and
// returns its base URL.
func (s *Server) startMockLedger() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("mock ledger listen: %w", err)
	}

	s.mock = mockledger.New()
	s.mock.Seed(mockRealmID)
	s.mockSrv = &http.Server{Handler: s.mock}
	go func() {
		if err := s.mockSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("mock ledger serve error", "error", err)
		}
	}()

	base := "http://" + ln.Addr().String()
	s.logger.Info("mock ledger provider started", "base_url", base, "realm_id", mockRealmID)
	return base, nil
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

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting on the ops surface
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
		rlCfg.BurstSize = s.cfg.RateLimitRPS * 2
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

// adminAuth gates mutating routes behind the configured admin secret.
// With no secret configured the routes are open; New logs a warning.
func (s *Server) adminAuth() gin.HandlerFunc {
	secret := []byte(s.cfg.AdminSecret)
	return func(c *gin.Context) {
		if len(secret) == 0 {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), secret) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "admin credentials required",
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

	// WebSocket for sync lifecycle events
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	tenantHandler := tenant.NewHandler(s.tenants, tenant.Environment(s.cfg.LedgerEnv))

	// V1 API group. Tenant-scoped routes use :id; the param middleware
	// rejects malformed tenant ids early. Job routes use :jobID so
	// UUID job ids pass untouched.
	api := s.router.Group("/api/v1")
	api.Use(validation.TenantParamMiddleware())

	tenantHandler.RegisterRoutes(api)
	api.GET("/tenants/:id/connect", s.connectHandler)
	api.GET("/oauth/callback", s.oauthCallbackHandler)
	api.GET("/tenants/:id/bills", s.billsHandler)
	api.GET("/tenants/:id/log", s.logHandler)
	api.GET("/tenants/:id/reconcile", s.reconcileHandler)
	api.GET("/jobs", s.listJobsHandler)
	api.GET("/jobs/:jobID", s.getJobHandler)
	api.GET("/cache/stats", s.cacheStatsHandler)

	// Mutating routes require the admin secret
	admin := api.Group("")
	admin.Use(s.adminAuth())
	tenantHandler.RegisterAdminRoutes(admin)
	admin.POST("/tenants/:id/disconnect", s.disconnectHandler)
	admin.POST("/tenants/:id/sync", s.syncHandler)
	admin.POST("/jobs/:jobID/cancel", s.cancelJobHandler)
	admin.POST("/cache/clear", s.cacheClearHandler)
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

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

	ok, statuses := s.checks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
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
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func loopCheck(name string, running func() bool) health.Checker {
	return func(context.Context) health.Status {
		st := health.Status{Name: name, Healthy: running()}
		if !st.Healthy {
			st.Detail = "loop not running"
		}
		return st
	}
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	stopTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		stopTraces = func(context.Context) error { return nil }
	}
	s.stopTraces = stopTraces

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"ledger_env", s.cfg.LedgerEnv,
			"jobs_storage", s.cfg.JobsStorage,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start event hub
	go s.hub.Run(runCtx)

	// Start job runner and sync scheduler
	go s.runner.Start(runCtx)
	go s.scheduler.Start(runCtx)

	// Start reconciliation sweep timer
	go s.reconTimer.Start(runCtx)

	// Export connection pool stats
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// The loop checks only make sense once the loops have been started,
	// so they register here rather than in New.
	s.checks.Register("job_runner", loopCheck("job_runner", s.runner.Running))
	s.checks.Register("sync_scheduler", loopCheck("sync_scheduler", s.scheduler.Running))
	s.checks.Register("reconciliation", loopCheck("reconciliation", s.reconTimer.Running))

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

	// Cancel the context for all background goroutines (hub, scheduler, timers)
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

	// Wait for in-flight jobs to settle before closing stores
	s.runner.Stop()
	s.logger.Info("job runner stopped")

	s.scheduler.Stop()
	s.reconTimer.Stop()

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Stop transport bucket janitor and cache sweeper
	s.ledger.Stop()
	s.resultCache.Stop()

	if s.mockSrv != nil {
		s.mockSrv.Close()
		s.logger.Info("mock ledger stopped")
	}

	if s.stopTraces != nil {
		if err := s.stopTraces(ctx); err != nil {
			s.logger.Warn("trace exporter shutdown error", "error", err)
		}
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
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
	return hex.EncodeToString(bytes)
}
