package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/internal/database"
	"follower-platform/internal/events"
)

// LedgerStore defines the persistence surface the billing engine needs
type LedgerStore interface {
	GetUser(ctx context.Context, userID string) (*database.FollowerUser, error)
	GetBillableUsers(ctx context.Context) ([]*database.FollowerUser, error)
	StartBillingCycle(ctx context.Context, userID string, start time.Time) (bool, error)
	CloseBillingCycle(ctx context.Context, record *database.BillingCycleRecord, rollover database.CycleRollover, invoice *database.Invoice) error
	MarkInvoicePaid(ctx context.Context, chargeID string, paidAt time.Time) (*database.Invoice, error)
	ExpireInvoice(ctx context.Context, chargeID string) (*database.Invoice, error)
	SetFeeTier(ctx context.Context, userID, tier string) error
	SetNextCycleFeeTier(ctx context.Context, userID string, tier *string) error
	GetUserCycleHistory(ctx context.Context, userID string, limit int) ([]database.BillingCycleRecord, error)
}

// InvoicingProvider creates hosted charges with the external payment provider
type InvoicingProvider interface {
	CreateCharge(ctx context.Context, userID string, amount decimal.Decimal, description string, metadata map[string]string) (chargeID, hostedURL string, err error)
}

// Errors for billing operations
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUnknownTier          = errors.New("unknown fee tier")
	ErrInvoicingUnavailable = errors.New("invoicing provider not configured")
)

// Engine owns the billing cycle lifecycle: opening cycles, closing due ones,
// issuing or waiving fees, and settling payments.
type Engine struct {
	store    LedgerStore
	invoicer InvoicingProvider // nil disables charge creation, waived cycles still close
	bus      *events.EventBus
	cfg      Config
	logger   zerolog.Logger
}

// NewEngine creates a new billing engine
func NewEngine(store LedgerStore, invoicer InvoicingProvider, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.Rates == nil {
		cfg.Rates = DefaultTierRates()
	}
	if cfg.CycleLength <= 0 {
		cfg.CycleLength = DefaultConfig().CycleLength
	}
	return &Engine{
		store:    store,
		invoicer: invoicer,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "BillingEngine").Logger(),
	}
}

// Rates returns the fee schedule the engine bills with. The API layer uses
// it to accrue per-trade fees at the same rate the cycle close will charge.
func (e *Engine) Rates() TierRates {
	return e.cfg.Rates
}

// StartCycle opens a billing cycle for a user. Returns false when a cycle
// is already running; callers treat that as "already running", not a fault.
func (e *Engine) StartCycle(ctx context.Context, userID string) (bool, error) {
	started, err := e.store.StartBillingCycle(ctx, userID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to start billing cycle: %w", err)
	}

	if started {
		e.logger.Info().Str("user_id", userID).Msg("Billing cycle started")
	} else {
		e.logger.Debug().Str("user_id", userID).Msg("Billing cycle already running")
	}
	return started, nil
}

// CheckAllCycles evaluates every billable user once. A user's failure is
// logged and skipped; it never aborts the pass.
func (e *Engine) CheckAllCycles(ctx context.Context) (*CheckStats, error) {
	now := time.Now().UTC()

	users, err := e.store.GetBillableUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get billable users: %w", err)
	}

	stats := &CheckStats{FeesBilled: decimal.Zero}
	for _, user := range users {
		outcome, err := e.processUser(ctx, user, now)
		stats.Evaluated++
		if err != nil {
			stats.Failed++
			e.logger.Error().Err(err).Str("user_id", user.UserID).Msg("Cycle evaluation failed")
			continue
		}

		switch o := outcome.(type) {
		case CycleNotDue:
			stats.NotDue++
		case CycleWaived:
			stats.Waived++
		case CycleInvoiced:
			stats.Invoiced++
			stats.FeesBilled = stats.FeesBilled.Add(o.FeeAmount)
		}
	}

	e.logger.Info().
		Int("evaluated", stats.Evaluated).
		Int("invoiced", stats.Invoiced).
		Int("waived", stats.Waived).
		Int("not_due", stats.NotDue).
		Int("failed", stats.Failed).
		Str("fees_billed", stats.FeesBilled.String()).
		Msg("Billing pass complete")

	return stats, nil
}

// processUser evaluates one user's cycle and applies the outcome
func (e *Engine) processUser(ctx context.Context, user *database.FollowerUser, now time.Time) (Outcome, error) {
	outcome := EvaluateCycle(user, now, e.cfg.CycleLength, e.cfg.Rates)

	switch o := outcome.(type) {
	case CycleNotDue:
		return outcome, nil

	case CycleWaived:
		record := &database.BillingCycleRecord{
			UserID:        user.UserID,
			CycleStart:    o.CycleStart,
			CycleEnd:      now,
			TotalProfit:   o.TotalProfit,
			TotalTrades:   o.TotalTrades,
			FeePercentage: o.FeeRate,
			FeeAmount:     decimal.Zero,
			InvoiceStatus: database.CycleStatusWaived,
		}
		rollover := database.CycleRollover{
			NewCycleStart: now,
			NewFeeTier:    NextCycleTier(user),
		}
		if err := e.store.CloseBillingCycle(ctx, record, rollover, nil); err != nil {
			return outcome, fmt.Errorf("failed to close waived cycle: %w", err)
		}

		e.logger.Info().
			Str("user_id", user.UserID).
			Str("profit", o.TotalProfit.String()).
			Str("reason", o.Reason).
			Msg("Cycle closed, fee waived")
		e.bus.PublishCycleClosed(user.UserID, o.TotalProfit, o.FeeRate, decimal.Zero, database.CycleStatusWaived)
		return outcome, nil

	case CycleInvoiced:
		if e.invoicer == nil {
			// Leave the cycle open; it will bill once a provider is wired
			return outcome, ErrInvoicingUnavailable
		}

		description := fmt.Sprintf("Trading profit share %s to %s (%s%% of $%s profit)",
			o.CycleStart.Format("Jan 2"),
			now.Format("Jan 2, 2006"),
			o.FeeRate.Mul(decimal.NewFromInt(100)).String(),
			o.TotalProfit.StringFixed(2),
		)
		metadata := map[string]string{
			"user_id":      user.UserID,
			"cycle_start":  o.CycleStart.Format(time.RFC3339),
			"cycle_end":    now.Format(time.RFC3339),
			"cycle_profit": o.TotalProfit.String(),
		}

		chargeID, hostedURL, err := e.invoicer.CreateCharge(ctx, user.UserID, o.FeeAmount, description, metadata)
		if err != nil {
			// User state untouched; the next pass retries
			return outcome, fmt.Errorf("failed to create charge: %w", err)
		}

		record := &database.BillingCycleRecord{
			UserID:        user.UserID,
			CycleStart:    o.CycleStart,
			CycleEnd:      now,
			TotalProfit:   o.TotalProfit,
			TotalTrades:   o.TotalTrades,
			FeePercentage: o.FeeRate,
			FeeAmount:     o.FeeAmount,
			InvoiceStatus: database.CycleStatusInvoiced,
			ChargeID:      &chargeID,
		}
		invoice := &database.Invoice{
			UserID:      user.UserID,
			ChargeID:    chargeID,
			Amount:      o.FeeAmount,
			Currency:    "USD",
			Status:      database.InvoiceStatusPending,
			HostedURL:   &hostedURL,
			CycleProfit: decimal.NullDecimal{Decimal: o.TotalProfit, Valid: true},
		}
		rollover := database.CycleRollover{
			NewCycleStart:        now,
			NewFeeTier:           NextCycleTier(user),
			PendingInvoiceID:     &chargeID,
			PendingInvoiceAmount: decimal.NullDecimal{Decimal: o.FeeAmount, Valid: true},
		}
		if err := e.store.CloseBillingCycle(ctx, record, rollover, invoice); err != nil {
			e.logger.Error().
				Str("user_id", user.UserID).
				Str("charge_id", chargeID).
				Msg("Cycle rollover failed after charge creation, charge orphaned at provider")
			return outcome, fmt.Errorf("failed to close invoiced cycle: %w", err)
		}

		e.logger.Info().
			Str("user_id", user.UserID).
			Str("profit", o.TotalProfit.String()).
			Str("fee", o.FeeAmount.String()).
			Str("charge_id", chargeID).
			Msg("Cycle closed, fee invoiced")
		e.bus.PublishCycleClosed(user.UserID, o.TotalProfit, o.FeeRate, o.FeeAmount, database.CycleStatusInvoiced)
		e.bus.PublishInvoiceCreated(user.UserID, chargeID, o.FeeAmount)
		events.BroadcastUserNotice(user.UserID, map[string]interface{}{
			"type":       "invoice_created",
			"charge_id":  chargeID,
			"amount":     o.FeeAmount.String(),
			"hosted_url": hostedURL,
		})
		return outcome, nil
	}

	return outcome, nil
}

// ConfirmPayment settles a charge reported paid by the payment provider.
// Replays and unknown charge IDs are a no-op, never an error.
func (e *Engine) ConfirmPayment(ctx context.Context, chargeID string) (*database.Invoice, error) {
	inv, err := e.store.MarkInvoicePaid(ctx, chargeID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to confirm payment: %w", err)
	}
	if inv == nil {
		e.logger.Debug().Str("charge_id", chargeID).Msg("Payment confirmation ignored, charge unknown or already settled")
		return nil, nil
	}

	e.logger.Info().
		Str("user_id", inv.UserID).
		Str("charge_id", chargeID).
		Str("amount", inv.Amount.String()).
		Msg("Invoice paid")
	e.bus.PublishInvoicePaid(inv.UserID, chargeID, inv.Amount)
	events.BroadcastUserNotice(inv.UserID, map[string]interface{}{
		"type":      "invoice_paid",
		"charge_id": chargeID,
		"amount":    inv.Amount.String(),
	})
	return inv, nil
}

// ExpireCharge releases a lapsed charge so the user's next due cycle can
// invoice again. Idempotent the same way ConfirmPayment is.
func (e *Engine) ExpireCharge(ctx context.Context, chargeID string) (*database.Invoice, error) {
	inv, err := e.store.ExpireInvoice(ctx, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to expire charge: %w", err)
	}
	if inv == nil {
		return nil, nil
	}

	e.logger.Info().
		Str("user_id", inv.UserID).
		Str("charge_id", chargeID).
		Msg("Invoice expired, pending marker released")
	e.bus.PublishInvoiceExpired(inv.UserID, chargeID)
	return inv, nil
}

// ScheduleTierChange queues a tier change for the next cycle boundary
func (e *Engine) ScheduleTierChange(ctx context.Context, userID, tier string) error {
	if _, ok := e.cfg.Rates[tier]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	if err := e.store.SetNextCycleFeeTier(ctx, userID, &tier); err != nil {
		return err
	}
	e.logger.Info().Str("user_id", userID).Str("tier", tier).Msg("Tier change scheduled for next cycle")
	return nil
}

// WaiveUserFees moves a user to the zero-rate team tier immediately and
// releases any outstanding invoice. Admin escape hatch.
func (e *Engine) WaiveUserFees(ctx context.Context, userID string) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	if err := e.store.SetFeeTier(ctx, userID, database.TierTeam); err != nil {
		return fmt.Errorf("failed to set team tier: %w", err)
	}

	if user.PendingInvoiceID != nil {
		if _, err := e.ExpireCharge(ctx, *user.PendingInvoiceID); err != nil {
			return fmt.Errorf("tier waived but pending invoice not released: %w", err)
		}
	}

	e.logger.Info().Str("user_id", userID).Msg("Fees waived, user moved to team tier")
	return nil
}

// Summary builds the per-user billing view
func (e *Engine) Summary(ctx context.Context, userID string) (*BillingSummary, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	history, err := e.store.GetUserCycleHistory(ctx, userID, 12)
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle history: %w", err)
	}

	summary := &BillingSummary{
		UserID:           user.UserID,
		FeeTier:          user.FeeTier,
		NextCycleFeeTier: user.NextCycleFeeTier,
		CycleStart:       user.BillingCycleStart,
		CycleProfit:      user.CurrentCycleProfit,
		CycleTrades:      user.CurrentCycleTrades,
		ProjectedFee:     ComputeFee(user.CurrentCycleProfit, e.cfg.Rates.RateFor(user.FeeTier)),
		PendingInvoiceID: user.PendingInvoiceID,
		LifetimeProfit:   user.LifetimeProfit,
		LifetimeFeesPaid: user.LifetimeFeesPaid,
		RecentCycles:     history,
	}
	if user.PendingInvoiceAmount.Valid {
		amount := user.PendingInvoiceAmount.Decimal
		summary.PendingInvoiceAmount = &amount
	}
	return summary, nil
}
