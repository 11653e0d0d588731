package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// FOLLOWER USERS
// ============================================================================

const userColumns = `user_id, email, agent_key_hash, access_granted, agent_active,
	api_key_encrypted, api_secret_encrypted, fee_tier, next_cycle_fee_tier,
	billing_cycle_start, current_cycle_profit, current_cycle_trades, current_cycle_fees,
	pending_invoice_id, pending_invoice_amount, lifetime_profit, lifetime_trades,
	lifetime_fees, lifetime_fees_paid, created_at, updated_at`

func scanUser(row pgx.Row) (*FollowerUser, error) {
	u := &FollowerUser{}
	err := row.Scan(
		&u.UserID, &u.Email, &u.AgentKeyHash, &u.AccessGranted, &u.AgentActive,
		&u.APIKeyEncrypted, &u.APISecretEncrypted, &u.FeeTier, &u.NextCycleFeeTier,
		&u.BillingCycleStart, &u.CurrentCycleProfit, &u.CurrentCycleTrades, &u.CurrentCycleFees,
		&u.PendingInvoiceID, &u.PendingInvoiceAmount, &u.LifetimeProfit, &u.LifetimeTrades,
		&u.LifetimeFees, &u.LifetimeFeesPaid, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser inserts a new follower user with an empty ledger
func (r *Repository) CreateUser(ctx context.Context, userID string, email *string) (*FollowerUser, error) {
	query := `
		INSERT INTO follower_users (user_id, email)
		VALUES ($1, $2)
		RETURNING ` + userColumns
	return scanUser(r.db.Pool.QueryRow(ctx, query, userID, email))
}

// GetUser retrieves a user by ID. Returns nil when the user does not exist.
func (r *Repository) GetUser(ctx context.Context, userID string) (*FollowerUser, error) {
	query := `SELECT ` + userColumns + ` FROM follower_users WHERE user_id = $1`
	u, err := scanUser(r.db.Pool.QueryRow(ctx, query, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ListUsers retrieves all users ordered by creation time
func (r *Repository) ListUsers(ctx context.Context) ([]*FollowerUser, error) {
	query := `SELECT ` + userColumns + ` FROM follower_users ORDER BY created_at ASC`

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

// SetAccessGranted toggles platform access for a user
func (r *Repository) SetAccessGranted(ctx context.Context, userID string, granted bool) error {
	query := `UPDATE follower_users SET access_granted = $2 WHERE user_id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, userID, granted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// SetAgentActive records whether the user's subscriber agent is running
func (r *Repository) SetAgentActive(ctx context.Context, userID string, active bool) error {
	query := `UPDATE follower_users SET agent_active = $2 WHERE user_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, active)
	return err
}

// StoreEncryptedCredentials saves encrypted exchange credentials for a user.
// Cleartext never reaches this layer.
func (r *Repository) StoreEncryptedCredentials(ctx context.Context, userID, encryptedKey, encryptedSecret string) error {
	query := `
		UPDATE follower_users
		SET api_key_encrypted = $2, api_secret_encrypted = $3
		WHERE user_id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, userID, encryptedKey, encryptedSecret)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// ClearCredentials removes a user's exchange credentials
func (r *Repository) ClearCredentials(ctx context.Context, userID string) error {
	query := `
		UPDATE follower_users
		SET api_key_encrypted = NULL, api_secret_encrypted = NULL
		WHERE user_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID)
	return err
}

// SetAgentKeyHash stores the bcrypt hash of a user's agent API key
func (r *Repository) SetAgentKeyHash(ctx context.Context, userID, hash string) error {
	query := `UPDATE follower_users SET agent_key_hash = $2 WHERE user_id = $1`
	tag, err := r.db.Pool.Exec(ctx, query, userID, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// SetFeeTier sets the user's fee tier immediately. Admin override only;
// normal tier changes go through SetNextCycleFeeTier so the running cycle
// keeps the tier it opened with.
func (r *Repository) SetFeeTier(ctx context.Context, userID, tier string) error {
	query := `UPDATE follower_users SET fee_tier = $2 WHERE user_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, tier)
	return err
}

// SetNextCycleFeeTier schedules a tier change for the next cycle boundary
func (r *Repository) SetNextCycleFeeTier(ctx context.Context, userID string, tier *string) error {
	query := `UPDATE follower_users SET next_cycle_fee_tier = $2 WHERE user_id = $1`
	_, err := r.db.Pool.Exec(ctx, query, userID, tier)
	return err
}

// GetLedgerStats returns the aggregate billing view for a user
func (r *Repository) GetLedgerStats(ctx context.Context, userID string) (*UserLedgerStats, error) {
	query := `
		SELECT u.user_id, u.lifetime_profit, u.lifetime_trades, u.lifetime_fees,
			u.lifetime_fees_paid, u.current_cycle_profit, u.current_cycle_trades,
			COUNT(c.id) AS cycles_closed,
			COUNT(c.id) FILTER (WHERE c.invoice_status = 'waived') AS cycles_waived
		FROM follower_users u
		LEFT JOIN billing_cycles c ON c.user_id = u.user_id
		WHERE u.user_id = $1
		GROUP BY u.user_id`

	var s UserLedgerStats
	err := r.db.Pool.QueryRow(ctx, query, userID).Scan(
		&s.UserID, &s.LifetimeProfit, &s.LifetimeTrades, &s.LifetimeFees,
		&s.LifetimeFeesPaid, &s.CurrentCycleProfit, &s.CurrentCycleTrades,
		&s.CyclesClosed, &s.CyclesWaived,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetPlatformBillingStats gets aggregate fee statistics across all users
func (r *Repository) GetPlatformBillingStats(ctx context.Context) (map[string]interface{}, error) {
	query := `
		SELECT
			COUNT(*) AS total_users,
			COUNT(*) FILTER (WHERE access_granted) AS active_users,
			COUNT(*) FILTER (WHERE pending_invoice_id IS NOT NULL) AS users_with_pending_invoice,
			COALESCE(SUM(lifetime_profit), 0) AS total_user_profit,
			COALESCE(SUM(lifetime_fees), 0) AS total_fees_charged,
			COALESCE(SUM(lifetime_fees_paid), 0) AS total_fees_collected
		FROM follower_users`

	var totalUsers, activeUsers, pendingUsers int
	var totalProfit, feesCharged, feesCollected decimal.Decimal

	err := r.db.Pool.QueryRow(ctx, query).Scan(
		&totalUsers, &activeUsers, &pendingUsers, &totalProfit, &feesCharged, &feesCollected,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get platform billing stats: %w", err)
	}

	return map[string]interface{}{
		"total_users":                totalUsers,
		"active_users":               activeUsers,
		"users_with_pending_invoice": pendingUsers,
		"total_user_profit":          totalProfit,
		"total_fees_charged":         feesCharged,
		"total_fees_collected":       feesCollected,
	}, nil
}
