package balance

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

// ExchangeBalances resolves a user's current account balance on the
// exchange, decrypting their stored credentials along the way.
type ExchangeBalances interface {
	UserBalance(ctx context.Context, userID string) (decimal.Decimal, error)
}

// PortfolioStore defines the persistence surface the reconciler needs
type PortfolioStore interface {
	GetBalanceCheckTargets(ctx context.Context) ([]database.BalanceCheckTarget, error)
	GetPortfolio(ctx context.Context, userID string) (*database.PortfolioState, error)
	SumTradePnLSince(ctx context.Context, userID string, since *time.Time) (decimal.Decimal, error)
	UpdateBalanceCheckpoint(ctx context.Context, userID string, balance decimal.Decimal, checkedAt time.Time) error
	RecordDetectedTransaction(ctx context.Context, txn *database.Transaction, checkedAt time.Time) error
}

// ErrNoPortfolio signals a user whose portfolio was never initialized
var ErrNoPortfolio = errors.New("portfolio not initialized")

// Config holds balance reconciliation settings
type Config struct {
	Interval             time.Duration
	StartupDelay         time.Duration
	DiscrepancyThreshold decimal.Decimal
}

// DefaultConfig returns the default reconciliation settings
func DefaultConfig() Config {
	return Config{
		Interval:             time.Hour,
		StartupDelay:         30 * time.Second,
		DiscrepancyThreshold: decimal.NewFromInt(10),
	}
}

// CheckResult summarizes one reconciliation pass
type CheckResult struct {
	UsersChecked      int             `json:"users_checked"`
	TransactionsFound int             `json:"transactions_found"`
	UsersSkipped      int             `json:"users_skipped"`
	CheckedAt         time.Time       `json:"checked_at"`
	NetMovement       decimal.Decimal `json:"net_movement"`
}

// Checker compares exchange balances against locally derived expectations
// and records the deposits and withdrawals that explain the gap.
type Checker struct {
	store     PortfolioStore
	exchange  ExchangeBalances // nil disables the whole feature
	threshold decimal.Decimal
	bus       *events.EventBus
	logger    zerolog.Logger
}

// NewChecker creates a new balance checker
func NewChecker(store PortfolioStore, exchange ExchangeBalances, threshold decimal.Decimal, bus *events.EventBus, logger zerolog.Logger) *Checker {
	if threshold.LessThanOrEqual(decimal.Zero) {
		threshold = DefaultConfig().DiscrepancyThreshold
	}
	return &Checker{
		store:     store,
		exchange:  exchange,
		threshold: threshold,
		bus:       bus,
		logger:    logger.With().Str("component", "BalanceChecker").Logger(),
	}
}

// CheckAllUsers runs one reconciliation pass over every eligible user.
// A single user's failure is logged and skipped, never fatal to the pass.
func (c *Checker) CheckAllUsers(ctx context.Context) (*CheckResult, error) {
	result := &CheckResult{CheckedAt: time.Now().UTC(), NetMovement: decimal.Zero}

	if c.exchange == nil {
		// Without a credential source there is nothing to compare against.
		// Warn on every pass so a misconfigured deployment stays visible.
		c.logger.Warn().Msg("Exchange credential source unavailable, balance reconciliation disabled")
		return result, nil
	}

	targets, err := c.store.GetBalanceCheckTargets(ctx)
	if err != nil {
		if database.IsUndefinedTable(err) {
			c.logger.Warn().Msg("Portfolio tables not provisioned, skipping balance check")
			return result, nil
		}
		return nil, fmt.Errorf("failed to get balance check targets: %w", err)
	}

	for _, target := range targets {
		txn, err := c.checkUser(ctx, target)
		if err != nil {
			result.UsersSkipped++
			c.logger.Warn().Err(err).Str("user_id", target.User.UserID).Msg("Balance check skipped")
			continue
		}
		result.UsersChecked++
		if txn != nil {
			result.TransactionsFound++
			if txn.Type == database.TransactionDeposit {
				result.NetMovement = result.NetMovement.Add(txn.Amount)
			} else {
				result.NetMovement = result.NetMovement.Sub(txn.Amount)
			}
		}
	}

	c.logger.Info().
		Int("users_checked", result.UsersChecked).
		Int("transactions_found", result.TransactionsFound).
		Int("users_skipped", result.UsersSkipped).
		Msg("Balance check pass complete")
	c.bus.PublishBalanceCheckDone(result.UsersChecked, result.TransactionsFound, result.UsersSkipped)

	return result, nil
}

// checkUser reconciles one user's balance. Returns the recorded transaction,
// or nil when the difference sat inside the noise threshold.
func (c *Checker) checkUser(ctx context.Context, target database.BalanceCheckTarget) (*database.Transaction, error) {
	user := target.User
	portfolio := target.Portfolio

	current, err := c.exchange.UserBalance(ctx, user.UserID)
	if err != nil {
		// No partial state: the checkpoint only moves on a fresh observation
		return nil, fmt.Errorf("balance fetch failed: %w", err)
	}
	checkedAt := time.Now().UTC()

	expected, err := c.expectedBalance(ctx, portfolio)
	if err != nil {
		return nil, err
	}

	difference := current.Sub(expected)

	if difference.Abs().LessThanOrEqual(c.threshold) {
		if err := c.store.UpdateBalanceCheckpoint(ctx, user.UserID, current, checkedAt); err != nil {
			return nil, fmt.Errorf("checkpoint update failed: %w", err)
		}
		c.logger.Debug().
			Str("user_id", user.UserID).
			Str("expected", expected.String()).
			Str("actual", current.String()).
			Msg("Balance within threshold")
		return nil, nil
	}

	txnType := database.TransactionDeposit
	if difference.IsNegative() {
		txnType = database.TransactionWithdrawal
	}

	txn := &database.Transaction{
		UserID:        user.UserID,
		Type:          txnType,
		Amount:        difference.Abs(),
		BalanceBefore: expected,
		BalanceAfter:  current,
		Method:        database.DetectionAutomatic,
		DetectedAt:    checkedAt,
	}
	if err := c.store.RecordDetectedTransaction(ctx, txn, checkedAt); err != nil {
		return nil, fmt.Errorf("transaction record failed: %w", err)
	}

	c.logger.Info().
		Str("user_id", user.UserID).
		Str("type", txnType).
		Str("amount", txn.Amount.String()).
		Str("expected", expected.String()).
		Str("actual", current.String()).
		Msg("Capital movement detected")
	c.bus.PublishTransactionDetected(user.UserID, txnType, txn.Amount, expected, current)

	return txn, nil
}

// expectedBalance derives where the account should sit: the last checkpoint
// plus realized P&L since then, or all-time P&L on the first check.
func (c *Checker) expectedBalance(ctx context.Context, p *database.PortfolioState) (decimal.Decimal, error) {
	pnl, err := c.store.SumTradePnLSince(ctx, p.UserID, p.LastBalanceCheck)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pnl sum failed: %w", err)
	}
	return p.LastKnownBalance.Add(pnl), nil
}

// Summary is the derived portfolio view with guarded ROI figures
type Summary struct {
	UserID           string          `json:"user_id"`
	InitialCapital   decimal.Decimal `json:"initial_capital"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	NetDeposits      decimal.Decimal `json:"net_deposits"`
	TotalPnL         decimal.Decimal `json:"total_pnl"`
	ROIOnInitial     decimal.Decimal `json:"roi_on_initial"`
	ROIOnTotal       decimal.Decimal `json:"roi_on_total"`
	LastBalanceCheck *time.Time      `json:"last_balance_check,omitempty"`
}

var (
	roiClamp   = decimal.NewFromInt(10000)
	oneHundred = decimal.NewFromInt(100)
)

// GetBalanceSummary derives the user's portfolio view. ROI is reported both
// on initial capital and on total capital (initial plus net deposits).
func (c *Checker) GetBalanceSummary(ctx context.Context, userID string) (*Summary, error) {
	p, err := c.store.GetPortfolio(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portfolio: %w", err)
	}
	if p == nil {
		return nil, ErrNoPortfolio
	}

	netDeposits := p.TotalDeposits.Sub(p.TotalWithdrawals)
	totalCapital := p.InitialCapital.Add(netDeposits)
	totalPnL := p.LastKnownBalance.Sub(totalCapital)

	initialBase := p.InitialCapital
	if initialBase.LessThanOrEqual(decimal.Zero) {
		c.logger.Warn().
			Str("user_id", userID).
			Str("initial_capital", p.InitialCapital.String()).
			Msg("Non-positive initial capital, substituting 1 for ROI")
		initialBase = decimal.NewFromInt(1)
	}
	totalBase := totalCapital
	if totalBase.LessThanOrEqual(decimal.Zero) {
		c.logger.Warn().
			Str("user_id", userID).
			Str("total_capital", totalCapital.String()).
			Msg("Non-positive total capital, substituting 1 for ROI")
		totalBase = decimal.NewFromInt(1)
	}

	return &Summary{
		UserID:           p.UserID,
		InitialCapital:   p.InitialCapital,
		CurrentBalance:   p.LastKnownBalance,
		TotalDeposits:    p.TotalDeposits,
		TotalWithdrawals: p.TotalWithdrawals,
		NetDeposits:      netDeposits,
		TotalPnL:         totalPnL,
		ROIOnInitial:     clampROI(totalPnL.Div(initialBase).Mul(oneHundred).Round(2)),
		ROIOnTotal:       clampROI(totalPnL.Div(totalBase).Mul(oneHundred).Round(2)),
		LastBalanceCheck: p.LastBalanceCheck,
	}, nil
}

// clampROI bounds ROI percentages against degenerate inputs
func clampROI(v decimal.Decimal) decimal.Decimal {
	if v.GreaterThan(roiClamp) {
		return roiClamp
	}
	if v.LessThan(roiClamp.Neg()) {
		return roiClamp.Neg()
	}
	return v
}
