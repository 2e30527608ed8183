// Package server wires the co-signer components and serves the HTTP API
package server

import (
	"context"
	"crypto/rand"
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
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"

	"github.com/zhentan/cosigner/internal/admission"
	"github.com/zhentan/cosigner/internal/auth"
	"github.com/zhentan/cosigner/internal/boltdb"
	"github.com/zhentan/cosigner/internal/config"
	"github.com/zhentan/cosigner/internal/cosign"
	"github.com/zhentan/cosigner/internal/health"
	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/metrics"
	"github.com/zhentan/cosigner/internal/notify"
	"github.com/zhentan/cosigner/internal/patterns"
	"github.com/zhentan/cosigner/internal/ratelimit"
	"github.com/zhentan/cosigner/internal/realtime"
	"github.com/zhentan/cosigner/internal/relay"
	"github.com/zhentan/cosigner/internal/review"
	"github.com/zhentan/cosigner/internal/security"
	"github.com/zhentan/cosigner/internal/signer"
	"github.com/zhentan/cosigner/internal/traces"
	"github.com/zhentan/cosigner/internal/txqueue"
	"github.com/zhentan/cosigner/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// redisPrefix namespaces every key this service writes.
const redisPrefix = "cosigner:"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	signer      signer.Signer
	relay       relay.Relay
	channel     notify.Channel
	queue       *txqueue.Queue
	patterns    *patterns.Service
	coordinator *cosign.Coordinator
	gateway     *review.Gateway
	reviewTimer *review.Timer
	controller  *admission.Controller
	telegram    *notify.Telegram
	realtimeHub *realtime.Hub
	keyring     *auth.Keyring
	checks      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB  // nil unless DATABASE_URL is set
	boltDB      *bolt.DB // nil unless the embedded store is in use
	redis       *redis.Client
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	shutdownTracing func(context.Context) error
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run

	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRelay replaces the configured relay (for testing)
func WithRelay(r relay.Relay) Option {
	return func(s *Server) {
		s.relay = r
	}
}

// WithChannel replaces the configured review channel (for testing)
func WithChannel(ch notify.Channel) Option {
	return func(s *Server) {
		s.channel = ch
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
		checks: health.NewRegistry(),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	s.shutdownTracing = shutdown

	stores, err := s.openStores(ctx)
	if err != nil {
		return nil, err
	}

	if s.signer, err = signer.NewECDSA(cfg.AgentPrivateKey); err != nil {
		return nil, fmt.Errorf("failed to load agent key: %w", err)
	}

	if s.relay == nil {
		if s.relay, err = s.buildRelay(ctx); err != nil {
			return nil, err
		}
	}

	if s.channel == nil {
		if s.channel, err = s.buildChannel(ctx); err != nil {
			return nil, err
		}
	}

	var handles review.HandleStore
	if cfg.RedisURL != "" {
		if s.redis, err = review.DialRedis(ctx, cfg.RedisURL); err != nil {
			return nil, err
		}
		handles = review.NewRedisHandleStore(s.redis, redisPrefix, 0)
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := s.redis.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
		s.logger.Info("review handles stored in redis")
	}

	s.queue = txqueue.New(stores.transactions, s.logger)
	s.patterns = patterns.NewService(stores.patterns, s.logger)
	if err := s.seedLimits(ctx); err != nil {
		return nil, err
	}

	s.coordinator = cosign.New(s.queue, s.patterns, s.signer, s.relay,
		cosign.WithRelayTimeout(cfg.RelayTimeout),
		cosign.WithLogger(s.logger),
	)
	s.gateway = review.NewGateway(s.queue, s.channel, handles, s.logger)
	s.controller = admission.New(s.queue, s.patterns, s.coordinator, s.gateway, stores.admission, s.logger).
		WithDefaultScreening(cfg.DefaultScreening)
	s.gateway.WithApprover(s.controller)
	s.reviewTimer = review.NewTimer(s.gateway, s.queue, cfg.ReviewTimeout, s.logger)

	s.realtimeHub = realtime.NewHub(s.logger)
	s.realtimeHub.Attach(s.queue)

	if s.keyring, err = auth.ParseKeys(cfg.APIKeys); err != nil {
		return nil, err
	}
	if s.keyring.Len() == 0 {
		s.logger.Warn("no API keys configured, every protected route will refuse requests")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("co-signer initialized",
		"agent", s.signer.Address().Hex(),
		"review_channel", s.channel.Name(),
		"default_screening", cfg.DefaultScreening,
	)
	return s, nil
}

type storeSet struct {
	transactions txqueue.Store
	patterns     patterns.Store
	admission    admission.Store
}

// openStores picks Postgres when DATABASE_URL is set, the bbolt file under
// DataDir otherwise, and memory when DataDir is empty.
func (s *Server) openStores(ctx context.Context) (storeSet, error) {
	switch {
	case s.cfg.DatabaseURL != "":
		db, err := sql.Open("postgres", s.cfg.DatabaseURL)
		if err != nil {
			return storeSet{}, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return storeSet{}, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.checks.Register("database", health.Ping("database", db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(s.cfg.DatabaseURL))
		return storeSet{
			transactions: txqueue.NewPostgresStore(db),
			patterns:     patterns.NewPostgresStore(db),
			admission:    admission.NewPostgresStore(db),
		}, nil

	case s.cfg.DataDir != "":
		db, err := boltdb.Open(s.cfg.DataDir)
		if err != nil {
			return storeSet{}, err
		}
		s.boltDB = db
		txStore, err := txqueue.NewBoltStore(db)
		if err != nil {
			return storeSet{}, err
		}
		patStore, err := patterns.NewBoltStore(db)
		if err != nil {
			return storeSet{}, err
		}
		admStore, err := admission.NewBoltStore(db)
		if err != nil {
			return storeSet{}, err
		}
		s.checks.Register("storage", func(context.Context) health.Status {
			if err := boltdb.Ping(db); err != nil {
				return health.Status{Name: "storage", Detail: err.Error()}
			}
			return health.Status{Name: "storage", Healthy: true}
		})
		s.logger.Info("using embedded storage", "path", db.Path())
		return storeSet{transactions: txStore, patterns: patStore, admission: admStore}, nil

	default:
		s.logger.Warn("using in-memory storage, records are lost on restart")
		return storeSet{
			transactions: txqueue.NewMemoryStore(),
			patterns:     patterns.NewMemoryStore(),
			admission:    admission.NewMemoryStore(),
		}, nil
	}
}

func (s *Server) endpointPolicy() security.EndpointPolicy {
	return security.EndpointPolicy{
		RequireHTTPS: s.cfg.IsProduction(),
		AllowPrivate: !s.cfg.IsProduction(),
		Resolver:     net.DefaultResolver,
	}
}

func (s *Server) buildRelay(ctx context.Context) (relay.Relay, error) {
	if s.cfg.BundlerURL == "" {
		s.logger.Warn("BUNDLER_URL not set, approved transactions will not be submitted")
		return relay.NewUnconfigured(s.logger), nil
	}
	if err := s.endpointPolicy().Validate(ctx, s.cfg.BundlerURL); err != nil {
		return nil, fmt.Errorf("BUNDLER_URL rejected: %w", err)
	}
	b, err := relay.NewBundler(ctx, relay.BundlerConfig{
		URL:        s.cfg.BundlerURL,
		EntryPoint: s.cfg.EntryPoint,
	}, relay.WithLogger(s.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to bundler: %w", err)
	}
	s.logger.Info("bundler relay configured", "url", maskDSN(s.cfg.BundlerURL), "entry_point", s.cfg.EntryPoint)
	return b, nil
}

// buildChannel prefers Telegram, then the signed webhook, then the log.
func (s *Server) buildChannel(ctx context.Context) (notify.Channel, error) {
	switch {
	case s.cfg.TelegramBotToken != "":
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:         s.cfg.TelegramBotToken,
			ChatID:        s.cfg.TelegramChatID,
			WebhookSecret: s.cfg.TelegramWebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		s.telegram = tg
		return tg, nil
	case s.cfg.ReviewWebhookURL != "":
		if err := s.endpointPolicy().Validate(ctx, s.cfg.ReviewWebhookURL); err != nil {
			return nil, fmt.Errorf("REVIEW_WEBHOOK_URL rejected: %w", err)
		}
		return notify.NewWebhook(s.cfg.ReviewWebhookURL, s.cfg.ReviewWebhookSecret), nil
	default:
		s.logger.Warn("no review channel configured, review requests are only logged")
		return notify.NewLog(s.logger), nil
	}
}

// seedLimits stores the configured limits when none are stored yet. Stored
// limits win over the environment after the first start.
func (s *Server) seedLimits(ctx context.Context) error {
	_, err := s.patterns.Limits(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, patterns.ErrNoLimits) {
		return fmt.Errorf("failed to read limits: %w", err)
	}
	return s.patterns.SetLimits(ctx, patterns.Limits{
		MaxSingleTransfer: s.cfg.MaxSingleTransfer,
		MaxDailyVolume:    s.cfg.MaxDailyVolume,
		AllowedHoursUTC:   s.cfg.AllowedHoursUTC,
	})
}

func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	u.RawQuery = ""
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
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

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())

	// Rate limiting keys on the API key, so it runs after auth.Middleware
	s.router.Use(auth.Middleware(s.keyring))
	rl := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPM > 0 {
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
	}
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
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
		case path == "/health/live" || path == "/health/ready" || path == "/metrics":
			logger.Debug("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", health.LiveHandler())
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// Realtime transition feed, scoped to the key's signer group
	s.router.GET("/ws", auth.RequireAuth(), func(c *gin.Context) {
		key, _ := auth.GetAPIKey(c)
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, key.Group)
	})

	v1 := s.router.Group("/v1")

	// Inbound review events authenticate with the channel's own secret
	reviewHandler := review.NewHandler(s.gateway, s.telegram, s.cfg.ReviewWebhookSecret)
	reviewHandler.RegisterInboundRoutes(v1)

	protected := v1.Group("", auth.RequireAuth())
	admission.NewHandler(s.controller, s.queue).RegisterRoutes(protected)
	reviewHandler.RegisterProtectedRoutes(protected)
	patternsHandler := patterns.NewHandler(s.patterns)
	patternsHandler.RegisterRoutes(protected)

	if s.cfg.AdminSecret == "" {
		s.logger.Warn("ADMIN_SECRET not set, admin routes are disabled")
	}
	admin := v1.Group("/admin", auth.RequireAdmin(s.cfg.AdminSecret))
	patternsHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Agent     string          `json:"agent"`
	Checks    []health.Status `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	status, httpStatus := "healthy", http.StatusOK
	if !healthy {
		status, httpStatus = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Agent:     s.signer.Address().Hex(),
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	s.checks.ReadyHandler()(c)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background loops and marks the server ready. Run calls
// it; tests that drive Router directly call it themselves.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.reviewTimer.Start(runCtx)
	go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)

	s.ready.Store(true)
}

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// execute and review requests wait for the relay
		WriteTimeout: s.cfg.RelayTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"agent", s.signer.Address().Hex(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.Start(ctx)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	var shutdownErr error
	if s.httpSrv != nil {
		// Give load balancers time to stop sending traffic
		time.Sleep(2 * time.Second)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RelayTimeout+10*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for background goroutines (hub, review timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.reviewTimer.Stop()
	s.rateLimiter.Stop()

	if b, ok := s.relay.(*relay.BundlerRelay); ok {
		b.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
	if s.boltDB != nil {
		if err := s.boltDB.Close(); err != nil {
			s.logger.Error("bolt close error", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.shutdownTracing(ctx); err != nil {
		s.logger.Warn("tracing shutdown error", "error", err)
	}

	s.logger.Info("server stopped")
	return shutdownErr
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
