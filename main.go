package main

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"follower-platform/config"
	"follower-platform/internal/api"
	"follower-platform/internal/apikeys"
	"follower-platform/internal/auth"
	"follower-platform/internal/balance"
	"follower-platform/internal/billing"
	"follower-platform/internal/commerce"
	"follower-platform/internal/database"
	"follower-platform/internal/events"
	"follower-platform/internal/kraken"
	"follower-platform/internal/logging"
	"follower-platform/internal/metrics"
	"follower-platform/internal/reconcile"
	"follower-platform/internal/signal"
	"follower-platform/internal/vault"
)

func main() {
	// .env is a development convenience; deployments set the environment
	// directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	rootLogger := logging.New(logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
	})
	log := rootLogger.With().Str("component", "main").Logger()

	log.Info().Msg("Starting follower platform")

	// Database
	dbConfig := database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		Database: getEnv("DB_NAME", "follower_platform"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
	db, err := database.NewDB(dbConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	repo := database.NewRepository(db)
	bus := events.NewEventBus()

	// Credential backends. Exchange keys are held per user, encrypted in the
	// database or stored in Vault, never in this process's environment.
	var vaultClient *vault.Client
	if cfg.VaultConfig.Enabled {
		vaultClient, err = vault.NewClient(cfg.VaultConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Vault")
		}
		// A sealed vault would fail every credential read later; refuse to boot.
		if err := vaultClient.Health(ctx); err != nil {
			log.Fatal().Err(err).Msg("Vault health check failed")
		}
		log.Info().Str("mount", cfg.VaultConfig.MountPath).Msg("Vault credential backend enabled")
	}
	keyService := apikeys.NewService(repo, vaultClient, rootLogger)

	credentialService := keyService
	if !keyService.KeyConfigured() && vaultClient == nil {
		credentialService = nil
		log.Warn().Msg("ENCRYPTION_KEY not set and Vault disabled, credential endpoints unavailable")
	}

	// Exchange access, one authenticated client per user. Rotated credentials
	// must evict the cached client, not wait out its TTL.
	exchange := kraken.NewFactory(keyService, cfg.KrakenConfig)
	keyService.SetRotationHook(exchange.InvalidateUser)

	// Payment provider
	var commerceClient *commerce.Client
	var invoicer billing.InvoicingProvider
	if cfg.CommerceConfig.Enabled {
		commerceClient = commerce.NewClient(cfg.CommerceConfig, rootLogger)
		invoicer = commerceClient
	} else {
		log.Warn().Msg("Commerce disabled, profitable cycles will not be invoiced")
	}

	// Billing. The engine always runs so fee math and summaries stay
	// available; the config flag only gates the cycle scheduler.
	rates := billing.TierRates{
		database.TierStandard: decimal.NewFromFloat(cfg.BillingConfig.StandardRate),
		database.TierVIP:      decimal.NewFromFloat(cfg.BillingConfig.VIPRate),
		database.TierTeam:     decimal.NewFromFloat(cfg.BillingConfig.TeamRate),
	}
	billingEngine := billing.NewEngine(repo, invoicer, bus, billing.Config{
		CycleLength:   time.Duration(cfg.BillingConfig.CycleLengthDays) * 24 * time.Hour,
		CheckInterval: time.Duration(cfg.BillingConfig.CheckIntervalMins) * time.Minute,
		Rates:         rates,
	}, rootLogger)

	var billingScheduler *billing.Scheduler
	if cfg.BillingConfig.Enabled {
		billingScheduler = billing.NewScheduler(billingEngine,
			time.Duration(cfg.BillingConfig.CheckIntervalMins)*time.Minute, rootLogger)
		if err := billingScheduler.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start billing scheduler")
		}
	}

	// Balance reconciliation
	balanceChecker := balance.NewChecker(repo, exchange,
		decimal.NewFromFloat(cfg.BalanceConfig.DiscrepancyThreshold), bus, rootLogger)

	var balanceScheduler *balance.Scheduler
	if cfg.BalanceConfig.Enabled {
		balanceScheduler = balance.NewScheduler(balanceChecker,
			time.Duration(cfg.BalanceConfig.IntervalMins)*time.Minute,
			time.Duration(cfg.BalanceConfig.StartupDelaySecs)*time.Second,
			rootLogger)
		if err := balanceScheduler.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start balance scheduler")
		}
	}

	// Trade backfill from exchange fill history
	backfiller := reconcile.NewBackfiller(repo, exchange, rates, reconcile.Config{
		Lookback:       time.Duration(cfg.ReconcileConfig.LookbackDays) * 24 * time.Hour,
		DedupTolerance: time.Duration(cfg.ReconcileConfig.DedupToleranceSecs) * time.Second,
	}, bus, rootLogger)

	// Signal distribution. The presence listener must be set before the hub
	// starts processing registrations.
	hub := signal.NewHub(rootLogger)
	hub.SetPresenceListener(func(userID string, connected bool) {
		if err := repo.SetAgentActive(context.Background(), userID, connected); err != nil {
			log.Warn().Err(err).Str("user_id", userID).Msg("Failed to record agent presence")
		}
		eventType := events.EventAgentConnected
		if !connected {
			eventType = events.EventAgentDisconnected
		}
		bus.Publish(events.Event{Type: eventType, Data: map[string]interface{}{"user_id": userID}})
	})
	go hub.Run()

	var signalStore *signal.Store
	if cfg.RedisConfig.Enabled {
		signalStore, err = signal.NewStore(cfg.RedisConfig, rootLogger)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer signalStore.Close()
	}
	relay := signal.NewRelay(repo, signalStore, hub, bus, rootLogger)

	// Engines push user notices through the hub without importing it
	events.SetBroadcastUserNotice(hub.SendToUser)

	var collector *metrics.Collector
	if cfg.MetricsConfig.Enabled {
		collector = metrics.NewCollector(rootLogger)
		collector.ObserveBus(bus)
		collector.TrackAgents(hub.ClientCount)
	}

	authService := auth.NewService(repo, cfg.AuthConfig, rootLogger)

	server := api.NewServer(cfg.ServerConfig, repo, bus, api.Services{
		Auth:             authService,
		APIKeys:          credentialService,
		BillingEngine:    billingEngine,
		BillingScheduler: billingScheduler,
		BalanceChecker:   balanceChecker,
		BalanceScheduler: balanceScheduler,
		Backfiller:       backfiller,
		Relay:            relay,
		Commerce:         commerceClient,
		Metrics:          collector,
	}, rootLogger)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	ossignal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	received := <-sigChan
	log.Info().Str("signal", received.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if billingScheduler != nil {
		billingScheduler.Stop()
	}
	if balanceScheduler != nil {
		balanceScheduler.Stop()
	}
	exchange.Close()

	log.Info().Msg("Shutdown complete")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}
