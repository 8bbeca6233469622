// Package server wires the riskledger services behind a gin HTTP API.
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
	_ "github.com/lib/pq"

	"github.com/mbd888/riskledger/internal/cache"
	"github.com/mbd888/riskledger/internal/clock"
	"github.com/mbd888/riskledger/internal/config"
	"github.com/mbd888/riskledger/internal/fraudcase"
	"github.com/mbd888/riskledger/internal/health"
	"github.com/mbd888/riskledger/internal/ledger"
	"github.com/mbd888/riskledger/internal/logging"
	"github.com/mbd888/riskledger/internal/metrics"
	"github.com/mbd888/riskledger/internal/notify"
	"github.com/mbd888/riskledger/internal/ratelimit"
	"github.com/mbd888/riskledger/internal/reconciliation"
	"github.com/mbd888/riskledger/internal/risk"
	"github.com/mbd888/riskledger/internal/security"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/mbd888/riskledger/internal/syncutil"
	"github.com/mbd888/riskledger/internal/transaction"
	"github.com/mbd888/riskledger/internal/validation"
)

const (
	cacheSweepInterval = time.Minute
	dbStatsInterval    = 15 * time.Second
	healthCheckTimeout = 2 * time.Second
)

// Server is the riskledger API process.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  clock.Clock

	store       store.Store
	db          *sql.DB // nil if using in-memory
	memoryCache *cache.MemoryCache
	provider    risk.Provider
	engine      *risk.Engine
	ledger      *ledger.Ledger
	coord       *transaction.Coordinator
	cases       *fraudcase.Manager
	reconciler  *reconciliation.Service
	reconTimer  *reconciliation.Timer
	dispatcher  *notify.Dispatcher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	// closers run in order after the HTTP server and dispatcher drain
	closers []namedCloser

	router       *gin.Engine
	httpSrv      *http.Server
	drainDelay   time.Duration
	cancelRunCtx context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

type namedCloser struct {
	name  string
	close func(context.Context) error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithStore replaces the store chosen from DATABASE_URL.
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithProvider replaces the model provider chosen from ML_SCORING_URL.
func WithProvider(p risk.Provider) Option {
	return func(s *Server) {
		s.provider = p
	}
}

// WithClock sets the time source for every service.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// routing traffic before closing listeners.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// OnShutdown registers fn to run after the HTTP server has drained.
func (s *Server) OnShutdown(name string, fn func(context.Context) error) {
	s.closers = append(s.closers, namedCloser{name: name, close: fn})
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      clock.Real{},
		health:     health.NewRegistry(),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.initStorage(); err != nil {
		s.closeAll(context.Background())
		return nil, err
	}
	scoreCache, err := s.initCache()
	if err != nil {
		s.closeAll(context.Background())
		return nil, err
	}
	if err := s.initNotify(); err != nil {
		s.closeAll(context.Background())
		return nil, err
	}

	s.engine = risk.NewEngine(cfg.RiskConfig(), s.store, s.logger).
		WithCache(scoreCache).
		WithClock(s.clock)
	if s.provider == nil && cfg.MLEnabled {
		s.provider = risk.NewHTTPProvider(cfg.MLScoringURL, cfg.ScoringTimeout)
		s.logger.Info("ml scoring enabled", "url", cfg.MLScoringURL)
	}
	if s.provider != nil {
		s.engine.WithProvider(s.provider)
	}

	s.ledger = ledger.New(s.store, s.logger).WithClock(s.clock)
	accountLocks := syncutil.NewKeyedMutex()
	s.coord = transaction.NewCoordinator(cfg.TransactionConfig(), s.store, s.ledger, s.engine, s.logger).
		WithSink(s.dispatcher).
		WithClock(s.clock).
		WithLocks(accountLocks)
	s.cases = fraudcase.NewManager(s.store, s.ledger, s.logger).
		WithSink(s.dispatcher).
		WithClock(s.clock).
		WithLocks(accountLocks).
		WithReverser(s.coord).
		WithReleaser(s.coord)
	s.coord.WithEscalator(s.cases)

	s.reconciler = reconciliation.NewService(s.store, cfg.ReconcileWindow, s.logger).WithClock(s.clock)
	if cfg.ReconcileInterval > 0 {
		s.reconTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	}

	s.health.Register("store", health.PingChecker("store", s.store, healthCheckTimeout))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// initStorage uses Postgres if DATABASE_URL is set, otherwise memory.
func (s *Server) initStorage() error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.store = store.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	pg := store.NewPostgresStore(db)
	if err := pg.Migrate(ctx); err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	s.store = pg
	s.OnShutdown("database", func(context.Context) error { return db.Close() })
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
	return nil
}

// initCache uses Redis if REDIS_URL is set, otherwise memory.
func (s *Server) initCache() (cache.Cache, error) {
	if s.cfg.RedisURL == "" {
		s.memoryCache = cache.NewMemoryCache(s.clock)
		return s.memoryCache, nil
	}

	client, err := cache.NewRedisClient(s.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to configure redis: %w", err)
	}
	rc := cache.NewRedisCache(client, "riskledger:")
	s.OnShutdown("redis", func(context.Context) error { return client.Close() })
	s.health.Register("cache", health.PingChecker("cache", rc, healthCheckTimeout))
	s.logger.Info("using redis score cache", "url", maskDSN(s.cfg.RedisURL))
	return rc, nil
}

// initNotify always logs events and adds webhook and AMQP publishers when
// configured.
func (s *Server) initNotify() error {
	pubs := []notify.Publisher{notify.NewLogPublisher(s.logger)}

	if s.cfg.WebhookURL != "" {
		pubs = append(pubs, notify.NewWebhookPublisher(s.cfg.WebhookURL, s.cfg.WebhookSecret))
		s.logger.Info("webhook notifications enabled", "url", s.cfg.WebhookURL)
	}
	if s.cfg.AMQPURL != "" {
		p, err := notify.DialAMQP(s.cfg.AMQPURL, s.cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("failed to connect to amqp: %w", err)
		}
		pubs = append(pubs, p)
		s.OnShutdown("amqp", func(context.Context) error { return p.Close() })
		s.logger.Info("amqp notifications enabled", "exchange", s.cfg.AMQPExchange)
	}

	s.dispatcher = notify.NewDispatcher(s.cfg.NotifyTimeout, s.logger, pubs...)
	return nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context(), s.logger).Error("panic recovered",
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
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	if s.cfg.RateLimitEnabled() {
		s.rateLimiter = ratelimit.New(ratelimit.Config{
			RequestsPerMinute: s.cfg.RateLimitRPM,
			BurstSize:         s.cfg.RateLimitBurst,
		}, s.clock)
		s.router.Use(s.rateLimiter.Middleware())
	}

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
		logger := logging.L(c.Request.Context(), s.logger)

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	ledger.NewHandler(s.ledger).RegisterRoutes(v1)
	transaction.NewHandler(s.coord, s.engine).RegisterRoutes(v1)
	fraudcase.NewHandler(s.cases).RegisterRoutes(v1)
	reconciliation.NewHandler(s.reconciler).RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no route for " + c.Request.Method + " " + c.Request.URL.Path,
		})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// Version is reported by /health; cmd/server sets it from build flags.
var Version = "dev"

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

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
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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

	s.startBackground(runCtx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) startBackground(ctx context.Context) {
	if s.rateLimiter != nil {
		go s.rateLimiter.Start()
	}
	if s.memoryCache != nil {
		go func() {
			ticker := time.NewTicker(cacheSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := s.memoryCache.Sweep(); n > 0 {
						s.logger.Debug("score cache swept", "evicted", n)
					}
				}
			}
		}()
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(ctx, s.db, dbStatsInterval)
	}
	if s.reconTimer != nil {
		go s.reconTimer.Start(ctx)
	}
}

// Shutdown gracefully stops the server: listeners first, then in-flight
// notifications, then backing connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.reconTimer != nil {
		s.reconTimer.Stop()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			firstErr = err
		}
	}

	if err := s.dispatcher.Wait(ctx); err != nil {
		s.logger.Warn("notifications still in flight at shutdown", "error", err)
	}

	if err := s.closeAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info("server stopped")
	return firstErr
}

func (s *Server) closeAll(ctx context.Context) error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.close(ctx); err != nil {
			s.logger.Error("close error", "component", c.name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Info("closed", "component", c.name)
	}
	s.closers = nil
	return firstErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
