package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/internal/billing"
	"follower-platform/internal/database"
	"follower-platform/internal/events"
	"follower-platform/internal/kraken"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeTradeStore struct {
	users  map[string]*database.FollowerUser
	trades []*database.Trade
}

func newFakeTradeStore(users ...*database.FollowerUser) *fakeTradeStore {
	f := &fakeTradeStore{users: make(map[string]*database.FollowerUser)}
	for _, u := range users {
		f.users[u.UserID] = u
	}
	return f
}

func (f *fakeTradeStore) GetUser(ctx context.Context, userID string) (*database.FollowerUser, error) {
	return f.users[userID], nil
}

func (f *fakeTradeStore) ListUsers(ctx context.Context) ([]*database.FollowerUser, error) {
	var out []*database.FollowerUser
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeTradeStore) TradeExistsNear(ctx context.Context, userID, symbol string, exitTime time.Time, tolerance time.Duration) (bool, error) {
	for _, t := range f.trades {
		if t.UserID != userID || t.Symbol != symbol {
			continue
		}
		gap := t.ExitTime.Sub(exitTime)
		if gap < 0 {
			gap = -gap
		}
		if gap < tolerance {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTradeStore) InsertTradeWithTotals(ctx context.Context, trade *database.Trade) error {
	f.trades = append(f.trades, trade)
	if u := f.users[trade.UserID]; u != nil {
		u.CurrentCycleProfit = u.CurrentCycleProfit.Add(trade.PnL)
		u.CurrentCycleTrades++
		u.CurrentCycleFees = u.CurrentCycleFees.Add(trade.Fee)
		u.LifetimeProfit = u.LifetimeProfit.Add(trade.PnL)
		u.LifetimeTrades++
		u.LifetimeFees = u.LifetimeFees.Add(trade.Fee)
	}
	return nil
}

type fakeFillSource struct {
	fills map[string][]kraken.Fill
	errs  map[string]error
}

func (f *fakeFillSource) RecentFills(ctx context.Context, userID string, since time.Time) ([]kraken.Fill, error) {
	if err := f.errs[userID]; err != nil {
		return nil, err
	}
	return f.fills[userID], nil
}

func backfillUser(id, tier string) *database.FollowerUser {
	key, secret := "enc-key", "enc-secret"
	return &database.FollowerUser{
		UserID:             id,
		FeeTier:            tier,
		APIKeyEncrypted:    &key,
		APISecretEncrypted: &secret,
	}
}

func newTestBackfiller(store TradeStore, fills FillSource) *Backfiller {
	return NewBackfiller(store, fills, billing.DefaultTierRates(), DefaultConfig(), events.NewEventBus(), zerolog.Nop())
}

// Two complete round trips: +50 on PF_XBTUSD, -20 on PF_ETHUSD.
// Delivered newest first the way the exchange pages them.
func historyFills() []kraken.Fill {
	return []kraken.Fill{
		fill("PF_ETHUSD", kraken.SideSell, "90", "2", 40),
		fill("PF_ETHUSD", kraken.SideBuy, "100", "2", 30),
		fill("PF_XBTUSD", kraken.SideSell, "110", "5", 20),
		fill("PF_XBTUSD", kraken.SideBuy, "100", "5", 0),
	}
}

// ============================================================================
// TEST: Backfiller.BackfillUser
// ============================================================================

func TestBackfillUserInsertsRoundTrips(t *testing.T) {
	user := backfillUser("user-1", database.TierStandard)
	store := newFakeTradeStore(user)
	source := &fakeFillSource{fills: map[string][]kraken.Fill{"user-1": historyFills()}}
	backfiller := newTestBackfiller(store, source)

	result, err := backfiller.BackfillUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("BackfillUser: %v", err)
	}

	if result.RoundTrips != 2 || result.Inserted != 2 || result.Duplicates != 0 {
		t.Fatalf("result = %+v, want 2 round trips inserted", result)
	}
	if !result.TotalPnL.Equal(d("30")) {
		t.Errorf("total pnl = %s, want 30", result.TotalPnL)
	}

	// Only the profitable trip is billed: 10% of 50
	if !result.TotalFees.Equal(d("5")) {
		t.Errorf("total fees = %s, want 5", result.TotalFees)
	}

	for _, trade := range store.trades {
		if trade.Source != database.TradeSourceBackfill {
			t.Errorf("trade source = %q, want backfill", trade.Source)
		}
	}

	// Ledger totals advanced atomically with the inserts
	if !user.CurrentCycleProfit.Equal(d("30")) || user.CurrentCycleTrades != 2 {
		t.Errorf("cycle totals = %s / %d, want 30 / 2", user.CurrentCycleProfit, user.CurrentCycleTrades)
	}
	if !user.LifetimeFees.Equal(d("5")) {
		t.Errorf("lifetime fees = %s, want 5", user.LifetimeFees)
	}
}

func TestBackfillUserSecondRunIsNoOp(t *testing.T) {
	user := backfillUser("user-1", database.TierStandard)
	store := newFakeTradeStore(user)
	source := &fakeFillSource{fills: map[string][]kraken.Fill{"user-1": historyFills()}}
	backfiller := newTestBackfiller(store, source)

	if _, err := backfiller.BackfillUser(context.Background(), "user-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}

	result, err := backfiller.BackfillUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if result.Inserted != 0 || result.Duplicates != 2 {
		t.Fatalf("result = %+v, want all duplicates", result)
	}
	if len(store.trades) != 2 {
		t.Errorf("stored trades = %d, want 2 after two runs", len(store.trades))
	}
	if !user.CurrentCycleProfit.Equal(d("30")) {
		t.Error("second run must not move the ledger totals")
	}
}

func TestBackfillUserVIPRate(t *testing.T) {
	user := backfillUser("user-1", database.TierVIP)
	store := newFakeTradeStore(user)
	source := &fakeFillSource{fills: map[string][]kraken.Fill{"user-1": historyFills()}}
	backfiller := newTestBackfiller(store, source)

	result, err := backfiller.BackfillUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("BackfillUser: %v", err)
	}

	// 5% of the 50 profit; the loss bills nothing
	if !result.TotalFees.Equal(d("2.5")) {
		t.Errorf("total fees = %s, want 2.5", result.TotalFees)
	}
}

func TestBackfillUserErrors(t *testing.T) {
	t.Run("unknown user", func(t *testing.T) {
		backfiller := newTestBackfiller(newFakeTradeStore(), &fakeFillSource{})
		if _, err := backfiller.BackfillUser(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
			t.Errorf("error = %v, want ErrUserNotFound", err)
		}
	})

	t.Run("no credentials", func(t *testing.T) {
		user := &database.FollowerUser{UserID: "user-1", FeeTier: database.TierStandard}
		backfiller := newTestBackfiller(newFakeTradeStore(user), &fakeFillSource{})
		if _, err := backfiller.BackfillUser(context.Background(), "user-1"); !errors.Is(err, ErrNoCredentials) {
			t.Errorf("error = %v, want ErrNoCredentials", err)
		}
	})

	t.Run("fill fetch failure", func(t *testing.T) {
		user := backfillUser("user-1", database.TierStandard)
		source := &fakeFillSource{errs: map[string]error{"user-1": errors.New("exchange down")}}
		backfiller := newTestBackfiller(newFakeTradeStore(user), source)
		if _, err := backfiller.BackfillUser(context.Background(), "user-1"); err == nil {
			t.Error("expected fetch error to surface")
		}
	})
}

// ============================================================================
// TEST: Backfiller.BackfillAll
// ============================================================================

func TestBackfillAllSkipsFailures(t *testing.T) {
	healthy := backfillUser("user-1", database.TierStandard)
	broken := backfillUser("user-2", database.TierStandard)
	bare := &database.FollowerUser{UserID: "user-3"} // no credentials, silently skipped

	store := newFakeTradeStore(healthy, broken, bare)
	source := &fakeFillSource{
		fills: map[string][]kraken.Fill{"user-1": historyFills()},
		errs:  map[string]error{"user-2": errors.New("exchange down")},
	}
	backfiller := newTestBackfiller(store, source)

	results, err := backfiller.BackfillAll(context.Background())
	if err != nil {
		t.Fatalf("BackfillAll: %v", err)
	}

	if len(results) != 1 {
		t.Fatalf("results = %d, want the one healthy user", len(results))
	}
	if results[0].UserID != "user-1" || results[0].Inserted != 2 {
		t.Errorf("result = %+v, want user-1 with 2 inserts", results[0])
	}
}
