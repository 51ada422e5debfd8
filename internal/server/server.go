// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/paylock/internal/config"
	"github.com/mbd888/paylock/internal/escrowperiod"
	"github.com/mbd888/paylock/internal/events"
	"github.com/mbd888/paylock/internal/fees"
	"github.com/mbd888/paylock/internal/health"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/logging"
	"github.com/mbd888/paylock/internal/metrics"
	"github.com/mbd888/paylock/internal/operator"
	"github.com/mbd888/paylock/internal/ratelimit"
	"github.com/mbd888/paylock/internal/refundrequest"
	"github.com/mbd888/paylock/internal/security"
	"github.com/mbd888/paylock/internal/traces"
	"github.com/mbd888/paylock/internal/validation"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	ledger         ledger.Client
	protocolConfig *fees.ProtocolConfig
	feeService     *fees.Service
	overlay        *escrowperiod.Overlay
	op             *operator.Operator
	refunds        *refundrequest.Service
	hub            *events.Hub
	healthReg      *health.Registry
	rateLimiter    *ratelimit.Limiter
	traceShutdown  func(context.Context) error
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc

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

// WithLedger sets a custom ledger client (for testing)
func WithLedger(lc ledger.Client) Option {
	return func(s *Server) {
		s.ledger = lc
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.Env),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.healthReg = health.NewRegistry()

	// Storage: Postgres when DATABASE_URL is set, in-memory otherwise.
	var (
		feeStore    fees.Store
		periodStore escrowperiod.Store
		refundStore refundrequest.Store
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
		feeStore = fees.NewPostgresStore(db)
		periodStore = escrowperiod.NewPostgresStore(db)
		refundStore = refundrequest.NewPostgresStore(db)
		s.healthReg.Register("database", func(ctx context.Context) health.Status {
			if err := db.PingContext(ctx); err != nil {
				return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "database", Healthy: true}
		})
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		feeStore = fees.NewMemoryStore()
		periodStore = escrowperiod.NewMemoryStore()
		refundStore = refundrequest.NewMemoryStore()
		s.logger.Info("using in-memory storage")
	}

	// Ledger: the in-process double unless one was injected.
	if s.ledger == nil {
		s.ledger = ledger.NewMemory()
		s.logger.Info("using in-process ledger")
	}

	// Events
	s.hub = events.NewHub(s.logger)
	emitter := events.NewEmitter(s.hub, s.logger)

	// Fees: shared protocol config plus this operator's own calculator.
	var protocolCalc fees.Calculator
	if cfg.ProtocolFeeBps > 0 {
		protocolCalc = fees.Flat(uint16(cfg.ProtocolFeeBps))
	}
	s.protocolConfig = fees.NewProtocolConfig(protocolCalc, cfg.Recipient()).
		WithTimelock(cfg.TimelockDelay)
	var operatorCalc fees.Calculator
	if cfg.OperatorFeeBps > 0 {
		operatorCalc = fees.Flat(uint16(cfg.OperatorFeeBps))
	}
	s.feeService = fees.NewService(s.protocolConfig, operatorCalc, feeStore).
		WithEmitter(emitter)

	// Escrow period overlay with the stock freeze policy.
	policy := escrowperiod.ReceiverOrArbiterPolicy{Arbiter: cfg.Arbiter()}
	s.overlay = escrowperiod.New(periodStore, s.ledger, policy, cfg.EscrowPeriod, s.logger).
		WithEmitter(emitter)

	// Operator: authorize records the escrow period start, release is
	// gated on period-elapsed AND not-frozen.
	slots := operator.Slots{
		AuthorizeRecorder: s.overlay.AuthorizeRecorder(),
		ReleaseCondition:  s.overlay.ReleaseCondition(),
	}
	s.op = operator.New(cfg.Operator(), s.ledger, s.feeService, slots, emitter, s.logger)

	// Dispute workflow
	s.refunds = refundrequest.NewService(refundStore, s.ledger, cfg.Arbiter(), s.logger).
		WithEmitter(emitter)

	// Tracing (no-op when no OTLP endpoint is configured)
	shutdown, err := traces.Init(context.Background(), cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("trace exporter init failed, continuing without traces", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

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
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	limiterCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(limiterCfg)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket event stream
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWS(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	operator.NewHandler(s.op).RegisterRoutes(v1)
	escrowperiod.NewHandler(s.overlay).RegisterRoutes(v1)
	fees.NewHandler(s.protocolConfig, s.feeService, s.cfg.Arbiter()).RegisterRoutes(v1)
	refundrequest.NewHandler(s.refunds).RegisterRoutes(v1)
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthReg.CheckAll(ctx)
	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"checks":    statuses,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"operator", s.cfg.Operator().Hex(),
			"escrow_period", s.cfg.EscrowPeriod.String(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)

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

	// Cancel the context for background goroutines (the event hub)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

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
