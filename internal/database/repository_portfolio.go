package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Portfolio and transaction repository methods

// BalanceCheckTarget pairs a user with their portfolio state for a
// reconciliation pass.
type BalanceCheckTarget struct {
	User      *FollowerUser
	Portfolio *PortfolioState
}

const portfolioColumns = `user_id, initial_capital, last_known_balance,
	last_balance_check, total_deposits, total_withdrawals, updated_at`

func scanPortfolio(row pgx.Row) (*PortfolioState, error) {
	p := &PortfolioState{}
	err := row.Scan(
		&p.UserID, &p.InitialCapital, &p.LastKnownBalance,
		&p.LastBalanceCheck, &p.TotalDeposits, &p.TotalWithdrawals, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetPortfolio retrieves a user's portfolio state. Returns nil when the
// user has no portfolio row yet.
func (r *Repository) GetPortfolio(ctx context.Context, userID string) (*PortfolioState, error) {
	query := `SELECT ` + portfolioColumns + ` FROM portfolio_states WHERE user_id = $1`
	p, err := scanPortfolio(r.db.Pool.QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// InitPortfolio creates or resets a user's portfolio state with the given
// starting capital. The first observed balance doubles as the baseline.
func (r *Repository) InitPortfolio(ctx context.Context, userID string, initialCapital decimal.Decimal) error {
	query := `
		INSERT INTO portfolio_states (user_id, initial_capital, last_known_balance)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id)
		DO UPDATE SET
			initial_capital = EXCLUDED.initial_capital,
			last_known_balance = EXCLUDED.last_known_balance,
			last_balance_check = NULL,
			total_deposits = 0,
			total_withdrawals = 0`

	_, err := r.db.Pool.Exec(ctx, query, userID, initialCapital)
	return err
}

// GetBalanceCheckTargets retrieves users due for balance reconciliation: an
// active agent, credentials on file, and nonzero starting capital.
func (r *Repository) GetBalanceCheckTargets(ctx context.Context) ([]BalanceCheckTarget, error) {
	query := `
		SELECT u.user_id, u.email, u.agent_key_hash, u.access_granted, u.agent_active,
			u.api_key_encrypted, u.api_secret_encrypted, u.fee_tier, u.next_cycle_fee_tier,
			u.billing_cycle_start, u.current_cycle_profit, u.current_cycle_trades, u.current_cycle_fees,
			u.pending_invoice_id, u.pending_invoice_amount, u.lifetime_profit, u.lifetime_trades,
			u.lifetime_fees, u.lifetime_fees_paid, u.created_at, u.updated_at,
			p.user_id, p.initial_capital, p.last_known_balance,
			p.last_balance_check, p.total_deposits, p.total_withdrawals, p.updated_at
		FROM follower_users u
		JOIN portfolio_states p ON p.user_id = u.user_id
		WHERE u.agent_active = TRUE
			AND u.api_key_encrypted IS NOT NULL AND u.api_key_encrypted <> ''
			AND u.api_secret_encrypted IS NOT NULL AND u.api_secret_encrypted <> ''
			AND p.initial_capital > 0
		ORDER BY u.user_id ASC`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var targets []BalanceCheckTarget
	for rows.Next() {
		u := &FollowerUser{}
		p := &PortfolioState{}
		err := rows.Scan(
			&u.UserID, &u.Email, &u.AgentKeyHash, &u.AccessGranted, &u.AgentActive,
			&u.APIKeyEncrypted, &u.APISecretEncrypted, &u.FeeTier, &u.NextCycleFeeTier,
			&u.BillingCycleStart, &u.CurrentCycleProfit, &u.CurrentCycleTrades, &u.CurrentCycleFees,
			&u.PendingInvoiceID, &u.PendingInvoiceAmount, &u.LifetimeProfit, &u.LifetimeTrades,
			&u.LifetimeFees, &u.LifetimeFeesPaid, &u.CreatedAt, &u.UpdatedAt,
			&p.UserID, &p.InitialCapital, &p.LastKnownBalance,
			&p.LastBalanceCheck, &p.TotalDeposits, &p.TotalWithdrawals, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		targets = append(targets, BalanceCheckTarget{User: u, Portfolio: p})
	}

	return targets, rows.Err()
}

// UpdateBalanceCheckpoint anchors the next reconciliation pass to the fresh
// observation. Runs on every pass whether or not a transaction was detected.
func (r *Repository) UpdateBalanceCheckpoint(ctx context.Context, userID string, balance decimal.Decimal, checkedAt time.Time) error {
	query := `
		UPDATE portfolio_states
		SET last_known_balance = $2, last_balance_check = $3
		WHERE user_id = $1`

	tag, err := r.db.Pool.Exec(ctx, query, userID, balance, checkedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio for user %s not found", userID)
	}
	return nil
}

// RecordDetectedTransaction inserts a deposit/withdrawal event, rolls it
// into the portfolio's running totals, and updates the balance checkpoint,
// all in one transaction.
func (r *Repository) RecordDetectedTransaction(ctx context.Context, txn *Transaction, checkedAt time.Time) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO transactions (
			user_id, type, amount, balance_before, balance_after, method, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	err = tx.QueryRow(ctx, insertQuery,
		txn.UserID, txn.Type, txn.Amount, txn.BalanceBefore,
		txn.BalanceAfter, txn.Method, txn.DetectedAt,
	).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	var totalsQuery string
	switch txn.Type {
	case TransactionDeposit:
		totalsQuery = `
			UPDATE portfolio_states
			SET total_deposits = total_deposits + $2,
				last_known_balance = $3, last_balance_check = $4
			WHERE user_id = $1`
	case TransactionWithdrawal:
		totalsQuery = `
			UPDATE portfolio_states
			SET total_withdrawals = total_withdrawals + $2,
				last_known_balance = $3, last_balance_check = $4
			WHERE user_id = $1`
	default:
		return fmt.Errorf("unknown transaction type: %s", txn.Type)
	}

	tag, err := tx.Exec(ctx, totalsQuery, txn.UserID, txn.Amount, txn.BalanceAfter, checkedAt)
	if err != nil {
		return fmt.Errorf("failed to update portfolio totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portfolio for user %s not found", txn.UserID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetUserTransactions retrieves detected transactions for a user in a time
// period, oldest first
func (r *Repository) GetUserTransactions(ctx context.Context, userID string, start, end time.Time) ([]Transaction, error) {
	query := `
		SELECT id, user_id, type, amount, balance_before, balance_after,
			method, detected_at, created_at
		FROM transactions
		WHERE user_id = $1 AND detected_at >= $2 AND detected_at < $3
		ORDER BY detected_at ASC`

	rows, err := r.db.Pool.Query(ctx, query, userID, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []Transaction
	for rows.Next() {
		var t Transaction
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Type, &t.Amount, &t.BalanceBefore,
			&t.BalanceAfter, &t.Method, &t.DetectedAt, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}
