// Package server sets up the HTTP server with all routes
package server

import (
	"context"
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

	"github.com/posinsight/posinsight/internal/analysis"
	"github.com/posinsight/posinsight/internal/config"
	"github.com/posinsight/posinsight/internal/evidence"
	"github.com/posinsight/posinsight/internal/idgen"
	"github.com/posinsight/posinsight/internal/ledger"
	"github.com/posinsight/posinsight/internal/logging"
	"github.com/posinsight/posinsight/internal/metrics"
	"github.com/posinsight/posinsight/internal/model"
	"github.com/posinsight/posinsight/internal/policy"
	"github.com/posinsight/posinsight/internal/ratelimit"
	"github.com/posinsight/posinsight/internal/realtime"
	"github.com/posinsight/posinsight/internal/replicator"
	"github.com/posinsight/posinsight/internal/security"
	"github.com/posinsight/posinsight/internal/traces"
	"github.com/posinsight/posinsight/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	engine        *model.Engine
	pol           policy.Policy
	ledger        *ledger.Ledger
	workflow      *evidence.Workflow
	replicator    *replicator.Replicator
	analysis      *analysis.Service
	realtimeHub   *realtime.Hub
	rateLimiter   *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	cancelRunCtx  context.CancelFunc         // cancels background goroutines started in Run
	traceShutdown func(context.Context) error

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

// WithEngine sets a custom scoring engine (for testing, bypasses the ONNX
// runtime entirely)
func WithEngine(engine *model.Engine) Option {
	return func(s *Server) {
		s.engine = engine
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set engine/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Resolve the classification policy
	pol, err := resolvePolicy(cfg)
	if err != nil {
		return nil, err
	}
	s.pol = pol
	s.logger.Info("classification policy resolved",
		"preset", cfg.PolicyPreset,
		"threshold", pol.Threshold,
		"override_discount", pol.OverrideDiscount,
		"override_enabled", pol.OverrideEnabled,
	)

	// Load model artifacts unless an engine was injected. A missing or
	// corrupt artifact is fatal: the server must not serve without a model.
	if s.engine == nil {
		engine, err := model.NewEngine(cfg.ScalerPath, cfg.ModelPath)
		if err != nil {
			return nil, fmt.Errorf("load model artifacts: %w", err)
		}
		s.engine = engine
		s.logger.Info("model artifacts loaded",
			"model", cfg.ModelPath,
			"scaler", cfg.ScalerPath,
		)
	}

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		// Test connection
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("failed to migrate ledger store: %w", err)
		}
		s.ledger = ledger.New(ledgerStore)
		s.workflow = evidence.NewWorkflow(ledgerStore, cfg.EvidenceDir, nil, s.logger)
	} else {
		store := ledger.NewMemoryStore()
		s.ledger = ledger.New(store)
		s.workflow = evidence.NewWorkflow(store, cfg.EvidenceDir, nil, s.logger)
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Remote ledger replication (best-effort, disabled without a URL)
	var sink replicator.Sink
	if cfg.RemoteLedgerURL != "" {
		sink = replicator.NewHTTPSink(cfg.RemoteLedgerURL, cfg.RemoteLedgerSecret, cfg.ReplicateTimeout)
		s.logger.Info("remote ledger replication enabled", "url", cfg.RemoteLedgerURL)
	} else {
		s.logger.Info("remote ledger replication disabled (no REMOTE_LEDGER_URL set)")
	}
	s.replicator = replicator.New(sink, s.logger, cfg.ReplicateTimeout, cfg.ReplicateAttempts)

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)
	s.workflow.SetNotifier(s.realtimeHub)
	s.logger.Info("realtime streaming enabled")

	s.analysis = analysis.NewService(s.engine, s.pol, s.ledger, s.workflow, s.replicator, s.realtimeHub, s.logger)

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

// resolvePolicy builds the effective policy from preset name, optional YAML
// file, and env overrides (env wins over file, file wins over built-in).
func resolvePolicy(cfg *config.Config) (policy.Policy, error) {
	var pol policy.Policy
	if cfg.PolicyFile != "" {
		presets, err := policy.LoadPresets(cfg.PolicyFile)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("load policy file: %w", err)
		}
		p, ok := presets[cfg.PolicyPreset]
		if !ok {
			return policy.Policy{}, fmt.Errorf("unknown policy preset %q", cfg.PolicyPreset)
		}
		pol = p
	} else {
		p, err := policy.Preset(cfg.PolicyPreset)
		if err != nil {
			return policy.Policy{}, err
		}
		pol = p
	}

	if cfg.HasThresholdOverride() {
		pol.Threshold = cfg.FraudThreshold
	}
	if cfg.HasDiscountOverride() {
		pol.OverrideDiscount = cfg.OverrideDiscount
		pol.OverrideEnabled = true
	}
	return pol, nil
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

	// Request size limit. Evidence photo uploads set the ceiling; JSON
	// bodies are far smaller in practice.
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxEvidenceSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPM
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
			requestID = idgen.Hex(8)
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

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// API info
	s.router.GET("/", s.infoHandler)

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// V1 API group
	v1 := s.router.Group("/v1")

	analysis.NewHandler(s.analysis).RegisterRoutes(v1)
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	evidence.NewHandler(s.workflow).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Info & health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "POSInsight",
		"description": "Point-of-sale fraud scoring and evidence pipeline",
		"version":     "0.1.0",
		"policy":      s.pol,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	// Check database connectivity
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	// The engine is loaded at startup and immutable; presence is the check
	if s.engine != nil {
		checks["model"] = "healthy"
	} else {
		checks["model"] = "unhealthy"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until a shutdown signal or fatal error.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when endpoint unset)
	traceShutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.traceShutdown = traceShutdown
	}

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
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// DB pool stats for Prometheus
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

	// Cancel the context for all background goroutines (hub, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Release the ONNX session
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			s.logger.Error("engine close error", "error", err)
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
