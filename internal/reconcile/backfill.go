package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/internal/billing"
	"follower-platform/internal/database"
	"follower-platform/internal/events"
	"follower-platform/internal/kraken"
)

// FillSource fetches a user's recent fills from the exchange
type FillSource interface {
	RecentFills(ctx context.Context, userID string, since time.Time) ([]kraken.Fill, error)
}

// TradeStore defines the persistence surface backfill needs
type TradeStore interface {
	GetUser(ctx context.Context, userID string) (*database.FollowerUser, error)
	ListUsers(ctx context.Context) ([]*database.FollowerUser, error)
	TradeExistsNear(ctx context.Context, userID, symbol string, exitTime time.Time, tolerance time.Duration) (bool, error)
	InsertTradeWithTotals(ctx context.Context, trade *database.Trade) error
}

// Errors for backfill operations
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrNoCredentials = errors.New("user has no exchange credentials")
)

// Config holds reconciliation settings
type Config struct {
	Lookback       time.Duration
	DedupTolerance time.Duration
}

// DefaultConfig returns the default reconciliation settings
func DefaultConfig() Config {
	return Config{
		Lookback:       30 * 24 * time.Hour,
		DedupTolerance: 60 * time.Second,
	}
}

// Result summarizes one user's backfill run
type Result struct {
	UserID       string          `json:"user_id"`
	FillsFetched int             `json:"fills_fetched"`
	RoundTrips   int             `json:"round_trips"`
	Inserted     int             `json:"inserted"`
	Duplicates   int             `json:"duplicates"`
	TotalPnL     decimal.Decimal `json:"total_pnl"`
	TotalFees    decimal.Decimal `json:"total_fees"`
}

// Backfiller rebuilds trade history from the exchange fill log. It is a
// repair tool, not part of the live trade-reporting path.
type Backfiller struct {
	store     TradeStore
	fills     FillSource
	rates     billing.TierRates
	lookback  time.Duration
	tolerance time.Duration
	bus       *events.EventBus
	logger    zerolog.Logger
}

// NewBackfiller creates a new backfiller
func NewBackfiller(store TradeStore, fills FillSource, rates billing.TierRates, cfg Config, bus *events.EventBus, logger zerolog.Logger) *Backfiller {
	if rates == nil {
		rates = billing.DefaultTierRates()
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultConfig().Lookback
	}
	if cfg.DedupTolerance <= 0 {
		cfg.DedupTolerance = DefaultConfig().DedupTolerance
	}
	return &Backfiller{
		store:     store,
		fills:     fills,
		rates:     rates,
		lookback:  cfg.Lookback,
		tolerance: cfg.DedupTolerance,
		bus:       bus,
		logger:    logger.With().Str("component", "Backfiller").Logger(),
	}
}

// BackfillUser rebuilds one user's trades from their fill history. Round
// trips that already have a near-identical trade on record are skipped, so
// repeated runs over the same history insert each trade at most once.
func (b *Backfiller) BackfillUser(ctx context.Context, userID string) (*Result, error) {
	user, err := b.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if !user.CredentialsSet() {
		return nil, ErrNoCredentials
	}

	since := time.Now().UTC().Add(-b.lookback)
	fills, err := b.fills.RecentFills(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fills: %w", err)
	}

	// Pairing depends on time order; the exchange returns newest first
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].FillTime.Before(fills[j].FillTime)
	})

	trips := PairFills(fills)
	rate := b.rates.RateFor(user.FeeTier)

	result := &Result{
		UserID:       userID,
		FillsFetched: len(fills),
		RoundTrips:   len(trips),
		TotalPnL:     decimal.Zero,
		TotalFees:    decimal.Zero,
	}

	for _, trip := range trips {
		exists, err := b.store.TradeExistsNear(ctx, userID, trip.Symbol, trip.ExitTime, b.tolerance)
		if err != nil {
			return result, fmt.Errorf("dedup probe failed: %w", err)
		}
		if exists {
			result.Duplicates++
			continue
		}

		fee := billing.ComputeFee(trip.PnL, rate)
		trade := &database.Trade{
			UserID:     userID,
			Symbol:     trip.Symbol,
			Side:       trip.Side,
			EntryPrice: trip.EntryPrice,
			ExitPrice:  trip.ExitPrice,
			Quantity:   trip.Quantity,
			Leverage:   1,
			EntryTime:  trip.EntryTime,
			ExitTime:   trip.ExitTime,
			PnL:        trip.PnL,
			PnLPercent: trip.PnLPercent,
			Fee:        fee,
			Source:     database.TradeSourceBackfill,
		}
		if err := b.store.InsertTradeWithTotals(ctx, trade); err != nil {
			return result, fmt.Errorf("failed to insert trade: %w", err)
		}

		result.Inserted++
		result.TotalPnL = result.TotalPnL.Add(trip.PnL)
		result.TotalFees = result.TotalFees.Add(fee)
	}

	b.logger.Info().
		Str("user_id", userID).
		Int("fills", result.FillsFetched).
		Int("round_trips", result.RoundTrips).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Str("total_pnl", result.TotalPnL.String()).
		Msg("Backfill complete")

	if result.Inserted > 0 {
		b.bus.PublishTradeBackfilled(userID, result.Inserted, result.TotalPnL, result.TotalFees)
	}

	return result, nil
}

// BackfillAll runs a backfill for every user with credentials on file.
// One user's failure is logged and skipped, never fatal to the batch.
func (b *Backfiller) BackfillAll(ctx context.Context) ([]*Result, error) {
	users, err := b.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var results []*Result
	for _, user := range users {
		if !user.CredentialsSet() {
			continue
		}
		result, err := b.BackfillUser(ctx, user.UserID)
		if err != nil {
			b.logger.Warn().Err(err).Str("user_id", user.UserID).Msg("Backfill skipped")
			continue
		}
		results = append(results, result)
	}

	return results, nil
}
