// Package server wires the Garant escrow platform together: the
// double-entry ledger, the deal workflow, dispute arbitration, deposit
// channels (on-chain USDT and Stripe), webhooks, and the HTTP API.
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/nvoskov/garant/internal/arbitration"
	"github.com/nvoskov/garant/internal/auth"
	"github.com/nvoskov/garant/internal/chain"
	"github.com/nvoskov/garant/internal/circuitbreaker"
	"github.com/nvoskov/garant/internal/config"
	"github.com/nvoskov/garant/internal/deal"
	"github.com/nvoskov/garant/internal/fiat"
	"github.com/nvoskov/garant/internal/ledger"
	"github.com/nvoskov/garant/internal/logging"
	"github.com/nvoskov/garant/internal/metrics"
	"github.com/nvoskov/garant/internal/notify"
	"github.com/nvoskov/garant/internal/ratelimit"
	"github.com/nvoskov/garant/internal/realtime"
	"github.com/nvoskov/garant/internal/reconciliation"
	"github.com/nvoskov/garant/internal/security"
	"github.com/nvoskov/garant/internal/validation"
)

// reconcileInterval is how often the background runner cross-checks
// the ledger against open deals.
const reconcileInterval = 5 * time.Minute

// Server wraps the HTTP server and its background machinery.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	router  *gin.Engine
	httpSrv *http.Server

	db *sql.DB

	authMgr     *auth.Manager
	ledger      *ledger.Ledger
	deals       *deal.Service
	arb         *arbitration.Service
	dispatcher  *notify.Dispatcher
	notifyStore notify.Store
	hub         *realtime.Hub

	payout   *chain.Payout
	watcher  *chain.Watcher
	resolver *chain.StaticResolver
	fiatSvc  *fiat.Service

	reconRunner *reconciliation.Runner
	reconTimer  *reconciliation.Timer
	rateLimiter *ratelimit.Limiter

	ready     atomic.Bool
	healthy   atomic.Bool
	startTime time.Time
	cancelRun context.CancelFunc
}

// Option customizes the server during construction.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New builds a fully wired server. With a DATABASE_URL it runs on
// Postgres; without one it falls back to in-memory stores, which is
// what the tests and local development use.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		format := "text"
		if cfg.Env == "production" {
			format = "json"
		}
		s.logger = logging.New(cfg.LogLevel, format)
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	var (
		ledgerStore ledger.Store
		dealStore   deal.Store
		authStore   auth.Store
		notifyStore notify.Store
	)

	ctx := context.Background()

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		s.db = db
		s.logger.Info("connected to postgres", "dsn", maskDSN(cfg.DatabaseURL))

		lps := ledger.NewPostgresStore(db)
		if err := lps.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate ledger: %w", err)
		}
		dps := deal.NewPostgresStore(db)
		if err := dps.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate deals: %w", err)
		}
		aps := auth.NewPostgresStore(db)
		if err := aps.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate api keys: %w", err)
		}
		nps := notify.NewPostgresStore(db)
		if err := nps.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate webhooks: %w", err)
		}
		ledgerStore, dealStore, authStore, notifyStore = lps, dps, aps, nps
	} else {
		s.logger.Warn("no DATABASE_URL set, using in-memory stores")
		ledgerStore = ledger.NewMemoryStore()
		dealStore = deal.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
	}

	s.authMgr = auth.NewManager(authStore)

	s.ledger = ledger.New(ledgerStore)
	if err := s.ledger.EnsureSystemAccounts(ctx); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("ensure system accounts: %w", err)
	}

	s.hub = realtime.NewHub(s.logger)
	s.notifyStore = notifyStore
	s.dispatcher = notify.NewDispatcher(notifyStore)

	sinks := notify.Fanout{
		s.dispatcher,
		s.hub,
		notify.NewLogSink(s.logger),
	}

	s.deals = deal.NewService(dealStore, escrowLedger{s.ledger}, cfg.CommissionFlat).
		WithPriceBounds(cfg.MinDealPrice, cfg.MaxDealPrice).
		WithNotifier(sinks)

	s.arb = arbitration.NewService(s.deals, adminDirectory{s.authMgr})

	if cfg.ChainEnabled() {
		if cfg.PayoutKey != "" {
			p, err := chain.NewPayout(chain.PayoutConfig{
				RPCURL:       cfg.RPCURL,
				PrivateKey:   cfg.PayoutKey,
				ChainID:      cfg.ChainID,
				USDTContract: cfg.USDTContract,
			})
			if err != nil {
				s.closeDB()
				return nil, fmt.Errorf("init payout sender: %w", err)
			}
			s.payout = p
		}

		s.resolver = chain.NewStaticResolver()
		wcfg := chain.DefaultWatcherConfig()
		wcfg.RPCURL = cfg.RPCURL
		wcfg.USDTContract = common.HexToAddress(cfg.USDTContract)
		wcfg.PlatformAddress = common.HexToAddress(cfg.PlatformAddress)
		w, err := chain.NewWatcher(wcfg, s.ledger, s.resolver, s.logger)
		if err != nil {
			s.closeDB()
			return nil, fmt.Errorf("init deposit watcher: %w", err)
		}
		s.watcher = w
	}

	if cfg.FiatEnabled() {
		s.fiatSvc = fiat.NewService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, s.ledger)
	}

	s.reconRunner = reconciliation.NewRunner(s.ledger, dealStore, ledger.SystemEscrow)
	s.reconTimer = reconciliation.NewTimer(s.reconRunner, reconcileInterval, s.logger)

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) closeDB() {
	if s.db != nil {
		s.db.Close()
	}
}

// maskDSN hides credentials when logging a connection string.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, err any) {
		s.logger.Error("panic recovered", "error", err, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware([]string{"*"}))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = generateRequestID()
		}
		c.Header("X-Request-ID", reqID)
		ctx := logging.WithRequestID(c.Request.Context(), reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			return
		}
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", c.Writer.Header().Get("X-Request-ID"),
		)
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/", dashboardHandler)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/live", s.handleLive)
	s.router.GET("/health/ready", s.handleReady)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", gin.WrapF(s.hub.HandleWebSocket))

	authHandler := auth.NewHandler(s.authMgr)
	ledgerHandler := s.newLedgerHandler()
	dealHandler := deal.NewHandler(s.deals)
	arbHandler := arbitration.NewHandler(s.arb)
	notifyHandler := notify.NewHandler(s.notifyStore)

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	// Public surface: discovery, registration, read-only deal
	// listings, and the Stripe webhook (which carries its own
	// signature).
	v1.GET("", authHandler.Info)
	v1.GET("/stats", s.handleStats)
	v1.POST("/register", s.handleRegister)
	dealHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	dealHandler.RegisterProtectedRoutes(protected)
	ledgerHandler.RegisterRoutes(protected)
	notifyHandler.RegisterRoutes(protected)

	if s.fiatSvc != nil {
		fiatHandler := fiat.NewHandler(s.fiatSvc)
		fiatHandler.RegisterRoutes(v1)
		fiatHandler.RegisterProtectedRoutes(protected)
	}

	keys := protected.Group("/keys")
	keys.GET("", authHandler.ListKeys)
	keys.POST("", authHandler.CreateKey)
	keys.DELETE("/:id", authHandler.RevokeKey)
	keys.POST("/regenerate", authHandler.RegenerateKey)
	protected.GET("/whoami", authHandler.WhoAmI)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	arbHandler.RegisterRoutes(admin)
	ledgerHandler.RegisterAdminRoutes(admin)
	admin.GET("/reconcile", s.handleReconcile)
	admin.GET("/realtime/stats", s.handleRealtimeStats)
	if s.resolver != nil {
		admin.POST("/addresses", s.handleLinkAddress)
	}
}

// newLedgerHandler picks the payout-capable handler when an on-chain
// sender is configured. The payout path sits behind a circuit breaker
// so a flapping RPC node cannot burn gas on doomed transactions.
func (s *Server) newLedgerHandler() *ledger.Handler {
	if s.payout != nil {
		guarded := &guardedPayout{
			exec:    s.payout,
			breaker: circuitbreaker.New(3, 30*time.Second),
		}
		return ledger.NewHandlerWithPayouts(s.ledger, guarded, s.logger)
	}
	return ledger.NewHandler(s.ledger, s.logger)
}

// registerRequest is the body of POST /v1/register.
type registerRequest struct {
	Name string `json:"name" binding:"required"`
}

// handleRegister opens a ledger account and issues its first API key
// in one call. The raw key is returned exactly once.
func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	name := validation.SanitizeString(req.Name, 128)
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name is required"})
		return
	}

	ctx := c.Request.Context()
	acc, err := s.ledger.OpenAccount(ctx, "", name)
	if err != nil {
		logging.L(ctx).Error("open account failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	rawKey, key, err := s.authMgr.GenerateKey(ctx, acc.ID, "default")
	if err != nil {
		logging.L(ctx).Error("generate api key failed", "error", err, "account_id", acc.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": acc,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"note":    "Store the API key now. It is not retrievable later.",
	})
}

// linkAddressRequest is the body of POST /v1/admin/addresses.
type linkAddressRequest struct {
	Address   string `json:"address" binding:"required"`
	AccountID string `json:"accountId" binding:"required"`
}

// handleLinkAddress maps a depositor's on-chain address to a ledger
// account so the watcher can credit incoming USDT transfers.
func (s *Server) handleLinkAddress(c *gin.Context) {
	var req linkAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	addr := validation.SanitizeAddress(req.Address)
	if verrs := validation.Validate(
		validation.Required("address", addr),
		validation.ValidAddress("address", addr),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "fields": verrs})
		return
	}
	if _, err := s.ledger.GetAccount(c.Request.Context(), req.AccountID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found"})
		return
	}
	s.resolver.Register(addr, req.AccountID)
	c.JSON(http.StatusOK, gin.H{"linked": true})
}

// handleReconcile runs reconciliation on demand.
func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.reconRunner.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusConflict
	}
	c.JSON(status, report)
}

func (s *Server) handleRealtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Stats())
}

func (s *Server) handleHealth(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	if !s.healthy.Load() {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"version": "0.1.0",
	})
}

func (s *Server) handleLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Router exposes the underlying engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the HTTP server and background workers, then blocks
// until SIGINT/SIGTERM or a fatal server error.
func (s *Server) Run() error {
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	go s.hub.Run(runCtx)
	s.reconTimer.Start(runCtx)
	if s.watcher != nil {
		if err := s.watcher.Start(runCtx); err != nil {
			s.logger.Error("deposit watcher failed to start", "error", err)
		}
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.httpSrv.Addr, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	s.ready.Store(true)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.Shutdown()
	}
}

// Shutdown drains in-flight requests and stops background workers.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	// Give load balancers a moment to notice the readiness flip.
	if s.cfg.Env == "production" {
		time.Sleep(5 * time.Second)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}

	if s.cancelRun != nil {
		s.cancelRun()
	}
	s.reconTimer.Stop()
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.dispatcher.Wait()
	if s.payout != nil {
		s.payout.Close()
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return err
}

// adminDirectory answers arbitration capability checks: the shared
// admin secret's sentinel identity is always an admin, everything else
// defers to the API key manager.
type adminDirectory struct {
	mgr *auth.Manager
}

func (d adminDirectory) IsAdmin(ctx context.Context, accountID string) bool {
	if accountID == auth.RootAdminID {
		return true
	}
	return d.mgr.IsAdmin(ctx, accountID)
}

var _ arbitration.Directory = adminDirectory{}

// escrowLedger adapts the ledger to the deal service's funding
// contract, translating ledger sentinels into the deal package's so
// the HTTP layer classifies write-time failures correctly.
type escrowLedger struct {
	ledger *ledger.Ledger
}

func (e escrowLedger) CanSpend(ctx context.Context, accountID, amount string) (bool, error) {
	ok, err := e.ledger.CanSpend(ctx, accountID, amount)
	return ok, mapLedgerErr(err)
}

func (e escrowLedger) Hold(ctx context.Context, buyerAccount, amount, dealID string) error {
	_, err := e.ledger.Hold(ctx, buyerAccount, amount, dealID)
	return mapLedgerErr(err)
}

func (e escrowLedger) Release(ctx context.Context, sellerAccount, price, commission, dealID string) error {
	_, err := e.ledger.Release(ctx, sellerAccount, price, commission, dealID)
	return mapLedgerErr(err)
}

func (e escrowLedger) Refund(ctx context.Context, buyerAccount, price, dealID string) error {
	_, err := e.ledger.Refund(ctx, buyerAccount, price, dealID)
	return mapLedgerErr(err)
}

func mapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return deal.ErrInsufficientFunds
	case errors.Is(err, ledger.ErrAccountNotFound):
		return deal.ErrAccountNotFound
	}
	return err
}

var _ deal.LedgerService = escrowLedger{}

const payoutBreakerKey = "chain_payout"

// guardedPayout wraps the on-chain payout sender with a circuit
// breaker keyed on the RPC endpoint.
type guardedPayout struct {
	exec    ledger.PayoutExecutor
	breaker *circuitbreaker.Breaker
}

func (g *guardedPayout) Transfer(ctx context.Context, to common.Address, amount *big.Int) (string, error) {
	if !g.breaker.Allow(payoutBreakerKey) {
		return "", fmt.Errorf("payout circuit open, try again later")
	}
	txHash, err := g.exec.Transfer(ctx, to, amount)
	if err != nil {
		g.breaker.RecordFailure(payoutBreakerKey)
		return "", err
	}
	g.breaker.RecordSuccess(payoutBreakerKey)
	return txHash, nil
}

var _ ledger.PayoutExecutor = (*guardedPayout)(nil)
