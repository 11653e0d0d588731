package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"follower-platform/internal/database"
)

// TierRates maps a fee tier name to its profit-share rate.
type TierRates map[string]decimal.Decimal

// DefaultTierRates returns the standard tier table
func DefaultTierRates() TierRates {
	return TierRates{
		database.TierStandard: decimal.NewFromFloat(0.10),
		database.TierVIP:      decimal.NewFromFloat(0.05),
		database.TierTeam:     decimal.Zero,
	}
}

// RateFor returns the rate for a tier. Unknown or empty tiers bill at the
// standard rate; never silently at zero.
func (t TierRates) RateFor(tier string) decimal.Decimal {
	if rate, ok := t[tier]; ok {
		return rate
	}
	return t[database.TierStandard]
}

// Config holds the billing engine configuration
type Config struct {
	CycleLength   time.Duration // Rolling cycle length, default 30 days
	CheckInterval time.Duration // How often due cycles are evaluated
	Rates         TierRates
}

// DefaultConfig returns default billing configuration
func DefaultConfig() Config {
	return Config{
		CycleLength:   30 * 24 * time.Hour,
		CheckInterval: time.Hour,
		Rates:         DefaultTierRates(),
	}
}

// Outcome is the result of evaluating one user's billing cycle. Exactly one
// of CycleNotDue, CycleWaived, or CycleInvoiced comes back; callers switch
// on the concrete type.
type Outcome interface {
	isOutcome()
}

// CycleNotDue means the cycle stays open: either it has not run the full
// length yet, or no cycle is running at all.
type CycleNotDue struct {
	Reason string
}

// CycleWaived means the cycle closes with no charge. Fee is always zero;
// Reason records why (non-positive profit, zero-rate tier, or rounding).
type CycleWaived struct {
	CycleStart  time.Time
	TotalProfit decimal.Decimal
	TotalTrades int
	FeeRate     decimal.Decimal
	Reason      string
}

// CycleInvoiced means the cycle closes with a fee owed.
type CycleInvoiced struct {
	CycleStart  time.Time
	TotalProfit decimal.Decimal
	TotalTrades int
	FeeRate     decimal.Decimal
	FeeAmount   decimal.Decimal
}

func (CycleNotDue) isOutcome()   {}
func (CycleWaived) isOutcome()   {}
func (CycleInvoiced) isOutcome() {}

// ComputeFee applies the fee discipline: losses bill nothing, and the result
// is rounded to cents with banker's rounding so repeated cycles cannot
// accumulate drift.
func ComputeFee(profit, rate decimal.Decimal) decimal.Decimal {
	billable := decimal.Max(profit, decimal.Zero)
	return billable.Mul(rate).RoundBank(2)
}

// EvaluateCycle decides what happens to a user's billing cycle at
// evaluation time. It reads ledger state and the clock and nothing else;
// applying the outcome (records, charges, resets) is the engine's job.
func EvaluateCycle(user *database.FollowerUser, now time.Time, cycleLength time.Duration, rates TierRates) Outcome {
	if user.BillingCycleStart == nil {
		return CycleNotDue{Reason: "no cycle running"}
	}

	cycleStart := *user.BillingCycleStart
	elapsed := now.Sub(cycleStart)
	if elapsed < cycleLength {
		return CycleNotDue{
			Reason: fmt.Sprintf("cycle open %.1f days of %.0f", elapsed.Hours()/24, cycleLength.Hours()/24),
		}
	}

	rate := rates.RateFor(user.FeeTier)
	fee := ComputeFee(user.CurrentCycleProfit, rate)

	if fee.IsZero() {
		reason := "fee rounds to zero"
		switch {
		case !user.CurrentCycleProfit.IsPositive():
			reason = "non-positive profit"
		case rate.IsZero():
			reason = "zero-rate tier"
		}
		return CycleWaived{
			CycleStart:  cycleStart,
			TotalProfit: user.CurrentCycleProfit,
			TotalTrades: user.CurrentCycleTrades,
			FeeRate:     rate,
			Reason:      reason,
		}
	}

	return CycleInvoiced{
		CycleStart:  cycleStart,
		TotalProfit: user.CurrentCycleProfit,
		TotalTrades: user.CurrentCycleTrades,
		FeeRate:     rate,
		FeeAmount:   fee,
	}
}

// NextCycleTier resolves the tier the next cycle opens with: a scheduled
// change wins, otherwise the current tier carries over. Tier changes land
// only here, at the boundary, and are never retroactive.
func NextCycleTier(user *database.FollowerUser) string {
	if user.NextCycleFeeTier != nil && *user.NextCycleFeeTier != "" {
		return *user.NextCycleFeeTier
	}
	if user.FeeTier == "" {
		return database.TierStandard
	}
	return user.FeeTier
}

// CheckStats summarizes one pass over all billable users
type CheckStats struct {
	Evaluated  int             `json:"evaluated"`
	Invoiced   int             `json:"invoiced"`
	Waived     int             `json:"waived"`
	NotDue     int             `json:"not_due"`
	Failed     int             `json:"failed"`
	FeesBilled decimal.Decimal `json:"fees_billed"`
}

// BillingSummary is the per-user billing view served to agents and admins
type BillingSummary struct {
	UserID               string                        `json:"user_id"`
	FeeTier              string                        `json:"fee_tier"`
	NextCycleFeeTier     *string                       `json:"next_cycle_fee_tier,omitempty"`
	CycleStart           *time.Time                    `json:"cycle_start,omitempty"`
	CycleProfit          decimal.Decimal               `json:"cycle_profit"`
	CycleTrades          int                           `json:"cycle_trades"`
	ProjectedFee         decimal.Decimal               `json:"projected_fee"`
	PendingInvoiceID     *string                       `json:"pending_invoice_id,omitempty"`
	PendingInvoiceAmount *decimal.Decimal              `json:"pending_invoice_amount,omitempty"`
	LifetimeProfit       decimal.Decimal               `json:"lifetime_profit"`
	LifetimeFeesPaid     decimal.Decimal               `json:"lifetime_fees_paid"`
	RecentCycles         []database.BillingCycleRecord `json:"recent_cycles,omitempty"`
}
