package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Billing-related repository methods for cycle state and invoicing

// CycleRollover captures everything that changes on the user row when a
// billing cycle closes: the new cycle anchor, the tier the next cycle bills
// at, and the pending invoice marker (nil for waived cycles).
type CycleRollover struct {
	NewCycleStart        time.Time
	NewFeeTier           string
	PendingInvoiceID     *string
	PendingInvoiceAmount decimal.NullDecimal
}

// GetBillableUsers retrieves users eligible for cycle evaluation: access
// granted, credentials on file, a cycle running, and no invoice outstanding.
func (r *Repository) GetBillableUsers(ctx context.Context) ([]*FollowerUser, error) {
	query := `
		SELECT ` + userColumns + `
		FROM follower_users
		WHERE access_granted = TRUE
			AND api_key_encrypted IS NOT NULL AND api_key_encrypted <> ''
			AND api_secret_encrypted IS NOT NULL AND api_secret_encrypted <> ''
			AND billing_cycle_start IS NOT NULL
			AND pending_invoice_id IS NULL
		ORDER BY billing_cycle_start ASC`

	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*FollowerUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}

	return users, rows.Err()
}

// StartBillingCycle opens a cycle for a user who has none. Returns false
// when a cycle is already running; that is a signal, not an error.
func (r *Repository) StartBillingCycle(ctx context.Context, userID string, start time.Time) (bool, error) {
	query := `
		UPDATE follower_users
		SET billing_cycle_start = $2,
			current_cycle_profit = 0,
			current_cycle_trades = 0,
			current_cycle_fees = 0
		WHERE user_id = $1 AND billing_cycle_start IS NULL`

	tag, err := r.db.Pool.Exec(ctx, query, userID, start)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CloseBillingCycle records a finished cycle and rolls the user into a new
// one in a single transaction: the historical row is inserted, cycle totals
// reset, any scheduled tier change applied, and the pending invoice marker
// set. For invoiced cycles, the invoice row rides in the same transaction
// (nil for waived cycles).
func (r *Repository) CloseBillingCycle(ctx context.Context, record *BillingCycleRecord, rollover CycleRollover, invoice *Invoice) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	insertQuery := `
		INSERT INTO billing_cycles (
			user_id, cycle_start, cycle_end, total_profit, total_trades,
			fee_percentage, fee_amount, invoice_status, charge_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at`

	err = tx.QueryRow(ctx, insertQuery,
		record.UserID,
		record.CycleStart,
		record.CycleEnd,
		record.TotalProfit,
		record.TotalTrades,
		record.FeePercentage,
		record.FeeAmount,
		record.InvoiceStatus,
		record.ChargeID,
	).Scan(&record.ID, &record.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cycle record: %w", err)
	}

	updateQuery := `
		UPDATE follower_users
		SET billing_cycle_start = $2,
			current_cycle_profit = 0,
			current_cycle_trades = 0,
			current_cycle_fees = 0,
			fee_tier = $3,
			next_cycle_fee_tier = NULL,
			pending_invoice_id = $4,
			pending_invoice_amount = $5
		WHERE user_id = $1`

	tag, err := tx.Exec(ctx, updateQuery,
		record.UserID,
		rollover.NewCycleStart,
		rollover.NewFeeTier,
		rollover.PendingInvoiceID,
		rollover.PendingInvoiceAmount,
	)
	if err != nil {
		return fmt.Errorf("failed to roll over cycle state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found during cycle rollover", record.UserID)
	}

	if invoice != nil {
		invoiceQuery := `
			INSERT INTO invoices (
				user_id, charge_id, amount, currency, status, hosted_url, cycle_profit
			) VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id, created_at`

		err = tx.QueryRow(ctx, invoiceQuery,
			invoice.UserID,
			invoice.ChargeID,
			invoice.Amount,
			invoice.Currency,
			invoice.Status,
			invoice.HostedURL,
			invoice.CycleProfit,
		).Scan(&invoice.ID, &invoice.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert invoice: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetUserCycleHistory retrieves closed cycles for a user, newest first
func (r *Repository) GetUserCycleHistory(ctx context.Context, userID string, limit int) ([]BillingCycleRecord, error) {
	query := `
		SELECT id, user_id, cycle_start, cycle_end, total_profit, total_trades,
			fee_percentage, fee_amount, invoice_status, charge_id, created_at
		FROM billing_cycles
		WHERE user_id = $1
		ORDER BY cycle_end DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []BillingCycleRecord
	for rows.Next() {
		var rec BillingCycleRecord
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.CycleStart, &rec.CycleEnd, &rec.TotalProfit,
			&rec.TotalTrades, &rec.FeePercentage, &rec.FeeAmount, &rec.InvoiceStatus,
			&rec.ChargeID, &rec.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// ============================================================================
// INVOICES
// ============================================================================

// CreateInvoice records a payment-provider charge
func (r *Repository) CreateInvoice(ctx context.Context, invoice *Invoice) error {
	query := `
		INSERT INTO invoices (
			user_id, charge_id, amount, currency, status, hosted_url, cycle_profit
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at`

	return r.db.Pool.QueryRow(ctx, query,
		invoice.UserID,
		invoice.ChargeID,
		invoice.Amount,
		invoice.Currency,
		invoice.Status,
		invoice.HostedURL,
		invoice.CycleProfit,
	).Scan(&invoice.ID, &invoice.CreatedAt)
}

// GetInvoiceByChargeID retrieves an invoice by its provider charge ID.
// Returns nil when no invoice matches.
func (r *Repository) GetInvoiceByChargeID(ctx context.Context, chargeID string) (*Invoice, error) {
	query := `
		SELECT id, user_id, charge_id, amount, currency, status, hosted_url,
			cycle_profit, paid_at, created_at
		FROM invoices
		WHERE charge_id = $1`

	var inv Invoice
	err := r.db.Pool.QueryRow(ctx, query, chargeID).Scan(
		&inv.ID, &inv.UserID, &inv.ChargeID, &inv.Amount, &inv.Currency,
		&inv.Status, &inv.HostedURL, &inv.CycleProfit, &inv.PaidAt, &inv.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// MarkInvoicePaid settles an invoice: flips it to paid, clears the owning
// user's pending-invoice marker, and credits lifetime fees paid, all in one
// transaction. Returns nil (no error) when the charge is unknown or already
// settled, so duplicate payment webhooks are a no-op.
func (r *Repository) MarkInvoicePaid(ctx context.Context, chargeID string, paidAt time.Time) (*Invoice, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// The status guard makes replays scan zero rows instead of double-crediting
	query := `
		UPDATE invoices
		SET status = 'paid', paid_at = $2
		WHERE charge_id = $1 AND status = 'pending'
		RETURNING id, user_id, charge_id, amount, currency, status, hosted_url,
			cycle_profit, paid_at, created_at`

	var inv Invoice
	err = tx.QueryRow(ctx, query, chargeID, paidAt).Scan(
		&inv.ID, &inv.UserID, &inv.ChargeID, &inv.Amount, &inv.Currency,
		&inv.Status, &inv.HostedURL, &inv.CycleProfit, &inv.PaidAt, &inv.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle invoice: %w", err)
	}

	creditQuery := `
		UPDATE follower_users
		SET pending_invoice_id = NULL,
			pending_invoice_amount = NULL,
			lifetime_fees_paid = lifetime_fees_paid + $2
		WHERE user_id = $1`

	if _, err := tx.Exec(ctx, creditQuery, inv.UserID, inv.Amount); err != nil {
		return nil, fmt.Errorf("failed to credit payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &inv, nil
}

// ExpireInvoice marks an invoice as expired and releases the owning user's
// pending-invoice marker so the next cycle evaluation can invoice again.
func (r *Repository) ExpireInvoice(ctx context.Context, chargeID string) (*Invoice, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE invoices
		SET status = 'expired'
		WHERE charge_id = $1 AND status = 'pending'
		RETURNING id, user_id, charge_id, amount, currency, status, hosted_url,
			cycle_profit, paid_at, created_at`

	var inv Invoice
	err = tx.QueryRow(ctx, query, chargeID).Scan(
		&inv.ID, &inv.UserID, &inv.ChargeID, &inv.Amount, &inv.Currency,
		&inv.Status, &inv.HostedURL, &inv.CycleProfit, &inv.PaidAt, &inv.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to expire invoice: %w", err)
	}

	releaseQuery := `
		UPDATE follower_users
		SET pending_invoice_id = NULL, pending_invoice_amount = NULL
		WHERE user_id = $1 AND pending_invoice_id = $2`

	if _, err := tx.Exec(ctx, releaseQuery, inv.UserID, chargeID); err != nil {
		return nil, fmt.Errorf("failed to release pending invoice: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &inv, nil
}
