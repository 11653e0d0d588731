package database

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade repository methods

const tradeColumns = `id, user_id, symbol, side, entry_price, exit_price, quantity,
	leverage, entry_time, exit_time, pnl, pnl_percent, fee, source, created_at`

// InsertTradeWithTotals inserts a trade and adds its profit, count, and fee
// to both the lifetime and current-cycle totals on the user, atomically.
func (r *Repository) InsertTradeWithTotals(ctx context.Context, trade *Trade) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO trades (
			user_id, symbol, side, entry_price, exit_price, quantity,
			leverage, entry_time, exit_time, pnl, pnl_percent, fee, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at`

	err = tx.QueryRow(ctx, insertQuery,
		trade.UserID, trade.Symbol, trade.Side, trade.EntryPrice, trade.ExitPrice,
		trade.Quantity, trade.Leverage, trade.EntryTime, trade.ExitTime,
		trade.PnL, trade.PnLPercent, trade.Fee, trade.Source,
	).Scan(&trade.ID, &trade.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}

	totalsQuery := `
		UPDATE follower_users
		SET lifetime_profit = lifetime_profit + $2,
			lifetime_trades = lifetime_trades + 1,
			lifetime_fees = lifetime_fees + $3,
			current_cycle_profit = current_cycle_profit + $2,
			current_cycle_trades = current_cycle_trades + 1,
			current_cycle_fees = current_cycle_fees + $3
		WHERE user_id = $1`

	tag, err := tx.Exec(ctx, totalsQuery, trade.UserID, trade.PnL, trade.Fee)
	if err != nil {
		return fmt.Errorf("failed to update ledger totals: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found during totals update", trade.UserID)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// TradeExistsNear reports whether the user already has a trade on the symbol
// with an exit time within the tolerance window. Reconciliation uses this to
// skip round trips it has inserted on a previous run.
func (r *Repository) TradeExistsNear(ctx context.Context, userID, symbol string, exitTime time.Time, tolerance time.Duration) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM trades
			WHERE user_id = $1 AND symbol = $2
				AND ABS(EXTRACT(EPOCH FROM (exit_time - $3::timestamp))) < $4
		)`

	var exists bool
	err := r.db.Pool.QueryRow(ctx, query, userID, symbol, exitTime, tolerance.Seconds()).Scan(&exists)
	return exists, err
}

// GetUserTrades retrieves closed trades for a user, newest exit first
func (r *Repository) GetUserTrades(ctx context.Context, userID string, limit, offset int) ([]*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE user_id = $1
		ORDER BY exit_time DESC
		LIMIT $2 OFFSET $3`

	return r.queryTrades(ctx, query, userID, limit, offset)
}

// GetTradesExitedAfter retrieves trades exited strictly after a timestamp.
// A nil since returns every trade, covering users never reconciled before.
func (r *Repository) GetTradesExitedAfter(ctx context.Context, userID string, since *time.Time) ([]*Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE user_id = $1 AND ($2::timestamp IS NULL OR exit_time > $2)
		ORDER BY exit_time ASC`

	return r.queryTrades(ctx, query, userID, since)
}

// SumTradePnLSince sums realized P&L for trades exited strictly after a
// timestamp (all trades when since is nil).
func (r *Repository) SumTradePnLSince(ctx context.Context, userID string, since *time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(pnl), 0)
		FROM trades
		WHERE user_id = $1 AND ($2::timestamp IS NULL OR exit_time > $2)`

	var total decimal.Decimal
	err := r.db.Pool.QueryRow(ctx, query, userID, since).Scan(&total)
	return total, err
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...interface{}) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t := &Trade{}
		err := rows.Scan(
			&t.ID, &t.UserID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.Leverage, &t.EntryTime, &t.ExitTime,
			&t.PnL, &t.PnLPercent, &t.Fee, &t.Source, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}
