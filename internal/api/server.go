// Package api exposes the platform over HTTP: the master broadcast
// endpoint, the agent protocol (signal polling, websocket push, PnL
// reporting), the payment provider webhook, and the admin surface.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/config"
	"follower-platform/internal/apikeys"
	"follower-platform/internal/auth"
	"follower-platform/internal/balance"
	"follower-platform/internal/billing"
	"follower-platform/internal/commerce"
	"follower-platform/internal/database"
	"follower-platform/internal/events"
	"follower-platform/internal/metrics"
	"follower-platform/internal/reconcile"
	"follower-platform/internal/signal"
)

// PlatformStore is the slice of the repository the HTTP layer touches
// directly. Everything else goes through an engine.
type PlatformStore interface {
	HealthCheck(ctx context.Context) error
	CreateUser(ctx context.Context, userID string, email *string) (*database.FollowerUser, error)
	GetUser(ctx context.Context, userID string) (*database.FollowerUser, error)
	ListUsers(ctx context.Context) ([]*database.FollowerUser, error)
	SetAccessGranted(ctx context.Context, userID string, granted bool) error
	SetAgentActive(ctx context.Context, userID string, active bool) error
	SetAgentKeyHash(ctx context.Context, userID, hash string) error
	SetFeeTier(ctx context.Context, userID, tier string) error
	InitPortfolio(ctx context.Context, userID string, initialCapital decimal.Decimal) error
	InsertTradeWithTotals(ctx context.Context, trade *database.Trade) error
	TradeExistsNear(ctx context.Context, userID, symbol string, exitTime time.Time, tolerance time.Duration) (bool, error)
	GetUserTrades(ctx context.Context, userID string, limit, offset int) ([]*database.Trade, error)
	GetUserTransactions(ctx context.Context, userID string, start, end time.Time) ([]database.Transaction, error)
	GetLedgerStats(ctx context.Context, userID string) (*database.UserLedgerStats, error)
	GetPlatformBillingStats(ctx context.Context) (map[string]interface{}, error)
}

// Services carries the engines the API exposes. Auth and Relay are
// required; the rest may be nil and their endpoints degrade to 503.
type Services struct {
	Auth             *auth.Service
	APIKeys          *apikeys.Service
	BillingEngine    *billing.Engine
	BillingScheduler *billing.Scheduler
	BalanceChecker   *balance.Checker
	BalanceScheduler *balance.Scheduler
	Backfiller       *reconcile.Backfiller
	Relay            *signal.Relay
	Commerce         *commerce.Client
	Metrics          *metrics.Collector
}

// RateLimiter implements a simple sliding-window rate limiter keyed by
// caller identity.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter allowing limit requests per window
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow reports whether the caller identified by key may proceed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	var recent []time.Time
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.limit {
		rl.requests[key] = recent
		return false
	}

	rl.requests[key] = append(recent, now)
	return true
}

// Server is the platform HTTP server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      config.ServerConfig
	repo        PlatformStore
	eventBus    *events.EventBus
	services    Services
	rateLimiter *RateLimiter
	logger      zerolog.Logger
	startedAt   time.Time
}

// NewServer creates the platform HTTP server and registers all routes
func NewServer(cfg config.ServerConfig, repo PlatformStore, bus *events.EventBus, services Services, logger zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	s := &Server{
		router:      gin.New(),
		config:      cfg,
		repo:        repo,
		eventBus:    bus,
		services:    services,
		rateLimiter: NewRateLimiter(120, time.Minute),
		logger:      logger.With().Str("component", "API").Logger(),
		startedAt:   time.Now(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization", auth.HeaderAPIKey, auth.HeaderMasterKey}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	s.router.Use(cors.New(corsConfig))

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.services.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.services.Metrics.GetHandler()))
	}

	// Payment provider callbacks, authenticated by webhook signature.
	s.router.POST("/api/webhooks/commerce", s.rateLimit("webhook"), s.handleCommerceWebhook)

	// Master-key surface: the broadcaster and admin token minting.
	s.router.POST("/api/signal/broadcast", auth.RequireMasterKey(s.services.Auth), s.rateLimit("broadcast"), s.handleBroadcastSignal)
	s.router.DELETE("/api/signal/latest", auth.RequireMasterKey(s.services.Auth), s.handleRetractSignal)
	s.router.POST("/api/admin/auth/token", s.handleIssueAdminToken)

	// Agent surface, authenticated by per-user API key.
	agent := s.router.Group("/api", auth.RequireAgentKey(s.services.Auth))
	{
		agent.GET("/signal/latest", s.handleLatestSignal)
		agent.GET("/signal/since", s.handleSignalsSince)
		agent.POST("/agent/pnl", s.handleReportPnL)
		agent.GET("/agent/status", s.handleAgentStatus)
		agent.PUT("/agent/credentials", s.handleStoreCredentials)
		agent.DELETE("/agent/credentials", s.handleDeleteCredentials)
	}
	s.router.GET("/ws/signals", auth.RequireAgentKey(s.services.Auth), s.handleSignalSocket)

	// Admin surface, authenticated by a bearer token minted from the
	// master key.
	admin := s.router.Group("/api/admin", auth.RequireAdmin(s.services.Auth))
	{
		admin.GET("/users", s.handleListUsers)
		admin.POST("/users", s.handleCreateUser)
		admin.POST("/users/:user_id/access", s.handleSetAccess)
		admin.POST("/users/:user_id/rotate-key", s.handleRotateKey)
		admin.POST("/users/:user_id/tier", s.handleScheduleTier)
		admin.GET("/users/:user_id/billing", s.handleUserBilling)
		admin.GET("/users/:user_id/portfolio", s.handleUserPortfolio)
		admin.GET("/users/:user_id/transactions", s.handleUserTransactions)
		admin.GET("/users/:user_id/trades", s.handleUserTrades)
		admin.POST("/billing/run", s.handleBillingRun)
		admin.POST("/billing/cycle/:user_id", s.handleStartCycle)
		admin.POST("/billing/waive/:user_id", s.handleWaiveFees)
		admin.GET("/billing/summary", s.handlePlatformBilling)
		admin.POST("/balance/run", s.handleBalanceRun)
		admin.POST("/reconcile/:user_id", s.handleBackfillUser)
	}

	s.router.NoRoute(func(c *gin.Context) {
		errorResponse(c, http.StatusNotFound, "route not found")
	})
}

// requestLogger logs each request through zerolog and feeds the HTTP
// metrics. Health and metrics probes are skipped to keep the log quiet.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		// FullPath keeps the metric label on the route template rather
		// than the raw URL.
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		event := s.logger.Info()
		if status >= http.StatusInternalServerError {
			event = s.logger.Error()
		}
		event = event.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("client_ip", c.ClientIP())
		// Admin mutations carry the token id so fee waivers and access
		// changes trace back to a session.
		if auth.IsAdmin(c) && c.Request.Method != http.MethodGet {
			event = event.Str("admin_token", auth.GetTokenID(c))
		}
		event.Msg("HTTP request")

		if s.services.Metrics != nil {
			s.services.Metrics.RecordHTTPRequest(c.Request.Method, path, status, elapsed.Seconds())
		}
	}
}

// rateLimit enforces the sliding window per bucket and client IP
func (s *Server) rateLimit(bucket string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(bucket + ":" + c.ClientIP()) {
			errorResponse(c, http.StatusTooManyRequests, "rate limit exceeded")
			c.Abort()
			return
		}
		c.Next()
	}
}

// Start begins listening for HTTP requests. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the gin engine, used by tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// handleHealth reports process and database health
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.repo.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": "unhealthy",
		})
		return
	}

	health := gin.H{
		"status":         "healthy",
		"database":       "healthy",
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if s.services.Relay != nil {
		health["agents_connected"] = s.services.Relay.Hub().ClientCount()
	}
	if s.services.BillingScheduler != nil {
		health["billing_scheduler"] = s.services.BillingScheduler.GetStatus()
	}
	if s.services.BalanceScheduler != nil {
		health["balance_scheduler"] = s.services.BalanceScheduler.GetStatus()
	}
	c.JSON(http.StatusOK, health)
}

func errorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
