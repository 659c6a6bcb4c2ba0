// Package devhost exposes the session authority core's Core→UI boundary
// over HTTP and WebSocket so the core can be driven and observed without a
// real mobile shell. It is a development surface: in production the mobile
// app embeds the core's packages directly and this server never runs.
package devhost

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/starkclaw/session-core/internal/activity"
	"github.com/starkclaw/session-core/internal/config"
	"github.com/starkclaw/session-core/internal/felt"
	"github.com/starkclaw/session-core/internal/featureflags"
	"github.com/starkclaw/session-core/internal/intent"
	"github.com/starkclaw/session-core/internal/keystore"
	"github.com/starkclaw/session-core/internal/logging"
	"github.com/starkclaw/session-core/internal/metrics"
	"github.com/starkclaw/session-core/internal/policyeval"
	"github.com/starkclaw/session-core/internal/realtime"
	"github.com/starkclaw/session-core/internal/security"
	"github.com/starkclaw/session-core/internal/sessionregistry"
	"github.com/starkclaw/session-core/internal/starkrpc"
	"github.com/starkclaw/session-core/internal/syncutil"
	"github.com/starkclaw/session-core/internal/traces"
	"github.com/starkclaw/session-core/internal/validation"
	"github.com/starkclaw/session-core/internal/wallet"
)

// Server wires every core component behind an HTTP surface.
type Server struct {
	cfg      *config.Config
	store    keystore.Store
	wallet   *wallet.Manager
	registry *sessionregistry.Registry
	policy   *policyeval.Evaluator
	flags    *featureflags.Flags
	activity *activity.Log
	rpc      *starkrpc.Client
	preparer *intent.Preparer
	poller   *starkrpc.Poller
	hub      *realtime.Hub

	// ownerLocks serializes owner-signed writes per account address: the
	// registry does not order concurrent mutations itself,
	// so the UI layer — which this server stands in for — must never
	// start two owner-signed writes at once.
	ownerLocks *syncutil.ContextShardedMutex

	// prepared holds actions between prepare and execute, keyed by the
	// mobile-action correlation id handed back to the caller.
	preparedMu sync.Mutex
	prepared   map[string]*preparedEntry

	// policyMu guards the process-wide policy settings.
	policyMu      sync.RWMutex
	policySettings policyeval.Policy

	// foreground models the app's foreground/background state for the
	// status poller's gating predicate.
	foreground atomic.Bool

	db             *sql.DB // nil when the keystore is in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracerShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

type preparedKind int

const (
	preparedTransfer preparedKind = iota
	preparedSwap
)

// preparedEntry pairs a prepared action with its expiry. Entries are
// evicted lazily on access; an executed entry is removed immediately so
// the same preparation can't be submitted twice.
type preparedEntry struct {
	kind      preparedKind
	transfer  *intent.PreparedAction
	swap      *intent.SwapPreparedAction
	createdAt time.Time
}

// preparedTTL bounds how long a prepared action stays executable. The
// session's own validUntil is still re-checked at execute time.
const preparedTTL = 10 * time.Minute

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a server instance with every core component constructed
// from cfg.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     slog.Default(),
		ownerLocks: syncutil.NewContextShardedMutex(),
		prepared:   make(map[string]*preparedEntry),
		policySettings: policyeval.Policy{
			ContractAllowlistMode: policyeval.ModeWarn,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)
	s.foreground.Store(true)

	// In production the RPC endpoint must not point at an internal or
	// loopback address; local devnets are fine everywhere else.
	if cfg.IsProduction() {
		if err := security.ValidateEndpointURL(cfg.RPCURL); err != nil {
			return nil, fmt.Errorf("devhost: STARKNET_RPC_URL rejected: %w", err)
		}
	}

	// Keystore backend
	switch cfg.KeystoreBackend {
	case "postgres":
		db, err := openDB(cfg)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.store = keystore.NewPostgresStore(db)
	default:
		s.store = keystore.NewMemoryStore()
	}

	// Core components
	s.wallet = wallet.NewManager(s.store)
	s.rpc = starkrpc.NewClient(cfg.RPCURL, starkrpc.DefaultCallTimeout, starkrpc.DefaultReadTimeout)
	s.registry = sessionregistry.New(s.store, s.rpc)
	s.policy = policyeval.New(s.store)
	s.flags = featureflags.New(s.store)
	s.activity = activity.New(s.store)
	s.preparer = intent.New(s.registry, s.policy, s.rpc, s.activity)
	s.hub = realtime.NewHub(s.logger)

	s.poller = starkrpc.NewPoller(
		s.rpc, s.activity, s.logger,
		cfg.PollInterval, cfg.PollStaleCutoff, cfg.PollMaxConcurrency,
		starkrpc.WithShouldRun(func() bool { return s.foreground.Load() }),
	)

	// Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf("%s?connect_timeout=%d&statement_timeout=%d", cfg.DatabaseURL, cfg.DBConnectTimeout, cfg.DBStatementTimeout)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("devhost: open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("devhost: connect to database: %w", err)
	}
	return db, nil
}

func (s *Server) setupMiddleware() {
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
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path,
				"status", status, "latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// adminAuthMiddleware gates owner-authenticated operations. The mobile
// shell would present a biometric/PIN gate here; the dev host stands that
// in with a shared secret header.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret != "" && c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Owner authentication required",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	// Onboarding & wallet
	v1.POST("/onboarding", s.onboardHandler)
	v1.GET("/wallet", s.walletHandler)

	// Session keys
	v1.GET("/sessions", s.listSessionsHandler)
	v1.POST("/sessions", s.createSessionHandler)
	v1.GET("/sessions/:publicKey/validity", s.sessionValidityHandler)

	// Transfers & swaps
	v1.POST("/transfers/prepare", s.prepareTransferHandler)
	v1.POST("/transfers/execute", s.executeHandler)
	v1.POST("/swaps/prepare", s.prepareSwapHandler)
	v1.POST("/swaps/execute", s.executeHandler)

	// Activity
	v1.GET("/activity", s.listActivityHandler)

	// Feature flags
	v1.GET("/flags/:name", s.getFlagHandler)

	// Poller foreground/background control (models app lifecycle)
	v1.POST("/poller/pause", s.pausePollerHandler)
	v1.POST("/poller/resume", s.resumePollerHandler)

	// Owner-authenticated operations
	admin := v1.Group("")
	admin.Use(s.adminAuthMiddleware())
	admin.POST("/sessions/:publicKey/register", s.registerSessionHandler)
	admin.DELETE("/sessions/:publicKey", s.revokeSessionHandler)
	admin.POST("/sessions/emergency-revoke", s.emergencyRevokeHandler)
	admin.GET("/policy", s.getPolicyHandler)
	admin.PUT("/policy", s.updatePolicyHandler)
	admin.PUT("/flags/:name", s.setFlagHandler)
	admin.POST("/wallet/reset", s.resetHandler)
}

// Run starts the HTTP server, the realtime hub, and the status poller,
// then blocks until a shutdown signal arrives or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when the endpoint is unset)
	if s.cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
		if err != nil {
			s.logger.Warn("tracing disabled", "error", err)
		} else {
			s.tracerShutdown = shutdown
		}
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       s.cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.HTTPWriteTimeout,
		IdleTimeout:       s.cfg.HTTPIdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting dev host", "port", s.cfg.Port, "network", s.cfg.Network)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.poller.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("dev host ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("devhost: server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server and its background loops.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.poller.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.tracerShutdown != nil {
		if err := s.tracerShutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("db close: %w", err))
		}
	}

	s.logger.Info("dev host stopped")
	return errors.Join(errs...)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

func (s *Server) currentPolicy() policyeval.Policy {
	s.policyMu.RLock()
	defer s.policyMu.RUnlock()
	p := s.policySettings
	// Defensive copies of the mutable fields so a concurrent update can't
	// race a read-side range.
	if p.AllowlistedRecipients != nil {
		cloned := make(map[string]struct{}, len(p.AllowlistedRecipients))
		for k := range p.AllowlistedRecipients {
			cloned[k] = struct{}{}
		}
		p.AllowlistedRecipients = cloned
	}
	p.AllowedTargets = append([]felt.Felt(nil), p.AllowedTargets...)
	return p
}

func (s *Server) storePrepared(id string, entry *preparedEntry) {
	s.preparedMu.Lock()
	defer s.preparedMu.Unlock()
	for k, e := range s.prepared {
		if time.Since(e.createdAt) > preparedTTL {
			delete(s.prepared, k)
		}
	}
	s.prepared[id] = entry
}

func (s *Server) takePrepared(id string) (*preparedEntry, bool) {
	s.preparedMu.Lock()
	defer s.preparedMu.Unlock()
	entry, ok := s.prepared[id]
	if !ok {
		return nil, false
	}
	if time.Since(entry.createdAt) > preparedTTL {
		delete(s.prepared, id)
		return nil, false
	}
	delete(s.prepared, id)
	return entry, true
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
