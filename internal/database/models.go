package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fee tier constants. Unknown or empty tiers bill at the standard rate.
const (
	TierStandard = "standard"
	TierVIP      = "vip"
	TierTeam     = "team"
)

// Trade side constants
const (
	SideLong  = "long"
	SideShort = "short"
)

// Trade source constants
const (
	TradeSourceLive     = "live"     // Recorded by the subscriber agent as it closes positions
	TradeSourceBackfill = "backfill" // Rebuilt from the exchange fill log
)

// Transaction type constants
const (
	TransactionDeposit    = "deposit"
	TransactionWithdrawal = "withdrawal"
)

// Transaction detection method constants
const (
	DetectionAutomatic = "automatic"
	DetectionManual    = "manual"
)

// Billing cycle record statuses
const (
	CycleStatusInvoiced = "invoiced"
	CycleStatusWaived   = "waived"
)

// Invoice statuses
const (
	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusExpired = "expired"
)

// FollowerUser represents a platform subscriber. The billing cycle state
// (cycle start, running profit/trade/fee totals, pending invoice) lives on
// the same row so cycle rollovers are a single-row transaction.
type FollowerUser struct {
	UserID               string              `json:"user_id"`
	Email                *string             `json:"email,omitempty"`
	AgentKeyHash         *string             `json:"-"`
	AccessGranted        bool                `json:"access_granted"`
	AgentActive          bool                `json:"agent_active"`
	APIKeyEncrypted      *string             `json:"-"`
	APISecretEncrypted   *string             `json:"-"`
	FeeTier              string              `json:"fee_tier"`
	NextCycleFeeTier     *string             `json:"next_cycle_fee_tier,omitempty"`
	BillingCycleStart    *time.Time          `json:"billing_cycle_start,omitempty"`
	CurrentCycleProfit   decimal.Decimal     `json:"current_cycle_profit"`
	CurrentCycleTrades   int                 `json:"current_cycle_trades"`
	CurrentCycleFees     decimal.Decimal     `json:"current_cycle_fees"`
	PendingInvoiceID     *string             `json:"pending_invoice_id,omitempty"`
	PendingInvoiceAmount decimal.NullDecimal `json:"pending_invoice_amount,omitempty"`
	LifetimeProfit       decimal.Decimal     `json:"lifetime_profit"`
	LifetimeTrades       int                 `json:"lifetime_trades"`
	LifetimeFees         decimal.Decimal     `json:"lifetime_fees"`
	LifetimeFeesPaid     decimal.Decimal     `json:"lifetime_fees_paid"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`
}

// CredentialsSet reports whether the user has exchange credentials on file.
func (u *FollowerUser) CredentialsSet() bool {
	return u.APIKeyEncrypted != nil && *u.APIKeyEncrypted != "" &&
		u.APISecretEncrypted != nil && *u.APISecretEncrypted != ""
}

// PortfolioState tracks a user's exchange balance between reconciliation runs
type PortfolioState struct {
	UserID           string          `json:"user_id"`
	InitialCapital   decimal.Decimal `json:"initial_capital"`
	LastKnownBalance decimal.Decimal `json:"last_known_balance"`
	LastBalanceCheck *time.Time      `json:"last_balance_check,omitempty"`
	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Trade represents a completed round-trip position
type Trade struct {
	ID         int64           `json:"id"`
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	ExitPrice  decimal.Decimal `json:"exit_price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Leverage   int             `json:"leverage"`
	EntryTime  time.Time       `json:"entry_time"`
	ExitTime   time.Time       `json:"exit_time"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPercent decimal.Decimal `json:"pnl_percent"`
	Fee        decimal.Decimal `json:"fee"`
	Source     string          `json:"source"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Transaction represents a detected deposit or withdrawal. Amount is always
// positive; the type field encodes direction.
type Transaction struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balance_before"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	Method        string          `json:"method"`
	DetectedAt    time.Time       `json:"detected_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// BillingCycleRecord is the immutable result of a closed billing cycle
type BillingCycleRecord struct {
	ID            int64           `json:"id"`
	UserID        string          `json:"user_id"`
	CycleStart    time.Time       `json:"cycle_start"`
	CycleEnd      time.Time       `json:"cycle_end"`
	TotalProfit   decimal.Decimal `json:"total_profit"`
	TotalTrades   int             `json:"total_trades"`
	FeePercentage decimal.Decimal `json:"fee_percentage"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	InvoiceStatus string          `json:"invoice_status"`
	ChargeID      *string         `json:"charge_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Invoice mirrors a payment-provider charge
type Invoice struct {
	ID          int64               `json:"id"`
	UserID      string              `json:"user_id"`
	ChargeID    string              `json:"charge_id"`
	Amount      decimal.Decimal     `json:"amount"`
	Currency    string              `json:"currency"`
	Status      string              `json:"status"`
	HostedURL   *string             `json:"hosted_url,omitempty"`
	CycleProfit decimal.NullDecimal `json:"cycle_profit,omitempty"`
	PaidAt      *time.Time          `json:"paid_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Signal represents a broadcast trading signal
type Signal struct {
	ID          int64                  `json:"id"`
	SignalID    string                 `json:"signal_id"`
	Symbol      string                 `json:"symbol"`
	Action      string                 `json:"action"`
	Price       decimal.NullDecimal    `json:"price,omitempty"`
	SizePercent decimal.NullDecimal    `json:"size_percent,omitempty"`
	Leverage    *int                   `json:"leverage,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
	BroadcastAt time.Time              `json:"broadcast_at"`
	CreatedAt   time.Time              `json:"created_at"`
}

// UserLedgerStats is an aggregate view of a user's billing ledger
type UserLedgerStats struct {
	UserID             string          `json:"user_id"`
	LifetimeProfit     decimal.Decimal `json:"lifetime_profit"`
	LifetimeTrades     int             `json:"lifetime_trades"`
	LifetimeFees       decimal.Decimal `json:"lifetime_fees"`
	LifetimeFeesPaid   decimal.Decimal `json:"lifetime_fees_paid"`
	CurrentCycleProfit decimal.Decimal `json:"current_cycle_profit"`
	CurrentCycleTrades int             `json:"current_cycle_trades"`
	CyclesClosed       int             `json:"cycles_closed"`
	CyclesWaived       int             `json:"cycles_waived"`
}
