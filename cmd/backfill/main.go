// Command backfill rebuilds user trade ledgers from exchange fill history.
// It runs the same reconciliation the admin API exposes, but from a shell,
// which is useful after an agent outage or before a disputed billing cycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"follower-platform/config"
	"follower-platform/internal/apikeys"
	"follower-platform/internal/billing"
	"follower-platform/internal/database"
	"follower-platform/internal/events"
	"follower-platform/internal/kraken"
	"follower-platform/internal/logging"
	"follower-platform/internal/reconcile"
	"follower-platform/internal/vault"
)

func main() {
	userID := flag.String("user", "", "backfill a single user")
	all := flag.Bool("all", false, "backfill every registered user")
	days := flag.Int("days", 0, "lookback window in days, 0 uses the configured default")
	showTrades := flag.Bool("show-trades", false, "list the user's trades in the lookback window after the run")
	flag.Parse()

	if *userID == "" && !*all {
		fmt.Fprintln(os.Stderr, "usage: backfill -user <id> | -all [-days N]")
		os.Exit(2)
	}

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Log to stderr so the result table on stdout stays parseable.
	logger := logging.New(logging.Config{
		Level:     cfg.LoggingConfig.Level,
		Output:    "stderr",
		Component: "backfill",
	})

	db, err := database.NewDB(database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		Database: getEnv("DB_NAME", "follower_platform"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo := database.NewRepository(db)

	var vaultClient *vault.Client
	if cfg.VaultConfig.Enabled {
		vaultClient, err = vault.NewClient(cfg.VaultConfig)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to connect to Vault: %v\n", err)
			os.Exit(1)
		}
	}
	keyService := apikeys.NewService(repo, vaultClient, logger)
	exchange := kraken.NewFactory(keyService, cfg.KrakenConfig)
	defer exchange.Close()

	lookback := time.Duration(cfg.ReconcileConfig.LookbackDays) * 24 * time.Hour
	if *days > 0 {
		lookback = time.Duration(*days) * 24 * time.Hour
	}

	rates := billing.TierRates{
		database.TierStandard: decimal.NewFromFloat(cfg.BillingConfig.StandardRate),
		database.TierVIP:      decimal.NewFromFloat(cfg.BillingConfig.VIPRate),
		database.TierTeam:     decimal.NewFromFloat(cfg.BillingConfig.TeamRate),
	}
	backfiller := reconcile.NewBackfiller(repo, exchange, rates, reconcile.Config{
		Lookback:       lookback,
		DedupTolerance: time.Duration(cfg.ReconcileConfig.DedupToleranceSecs) * time.Second,
	}, events.NewEventBus(), logger)

	ctx := context.Background()
	fmt.Printf("Backfilling trades, lookback %s\n\n", lookback)

	if *all {
		results, err := backfiller.BackfillAll(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "backfill failed: %v\n", err)
			os.Exit(1)
		}
		for _, res := range results {
			printResult(res)
		}
		fmt.Printf("\n%d users processed\n", len(results))
		return
	}

	res, err := backfiller.BackfillUser(ctx, *userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "backfill failed for %s: %v\n", *userID, err)
		os.Exit(1)
	}
	printResult(res)

	if *showTrades {
		since := time.Now().UTC().Add(-lookback)
		trades, err := repo.GetTradesExitedAfter(ctx, *userID, &since)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to list trades: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n%d trades on record in window:\n", len(trades))
		for _, t := range trades {
			fmt.Printf("  %s %-12s %-5s qty=%-12s pnl=%-10s fee=%-8s %s\n",
				t.ExitTime.Format("2006-01-02 15:04:05"), t.Symbol, t.Side,
				t.Quantity.String(), t.PnL.StringFixed(2), t.Fee.StringFixed(2), t.Source)
		}
	}
}

func printResult(res *reconcile.Result) {
	fmt.Printf("%-24s fills=%-5d round_trips=%-4d inserted=%-4d duplicates=%-4d pnl=%s fees=%s\n",
		res.UserID, res.FillsFetched, res.RoundTrips, res.Inserted, res.Duplicates,
		res.TotalPnL.StringFixed(2), res.TotalFees.StringFixed(2))
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
