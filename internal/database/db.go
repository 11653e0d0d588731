package database

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	// Build connection string
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// Create connection pool
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Create follower users table. Cycle and lifetime totals live on the
		// user row so billing can update them in the same transaction as the
		// trade insert.
		`CREATE TABLE IF NOT EXISTS follower_users (
			user_id VARCHAR(64) PRIMARY KEY,
			email VARCHAR(255),
			agent_key_hash TEXT,
			access_granted BOOLEAN NOT NULL DEFAULT FALSE,
			agent_active BOOLEAN NOT NULL DEFAULT FALSE,
			api_key_encrypted TEXT,
			api_secret_encrypted TEXT,
			fee_tier VARCHAR(20) NOT NULL DEFAULT 'standard',
			next_cycle_fee_tier VARCHAR(20),
			billing_cycle_start TIMESTAMP,
			current_cycle_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			current_cycle_trades INTEGER NOT NULL DEFAULT 0,
			current_cycle_fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pending_invoice_id VARCHAR(128),
			pending_invoice_amount DECIMAL(20, 2),
			lifetime_profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			lifetime_trades INTEGER NOT NULL DEFAULT 0,
			lifetime_fees DECIMAL(20, 8) NOT NULL DEFAULT 0,
			lifetime_fees_paid DECIMAL(20, 2) NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_follower_users_access ON follower_users(access_granted)`,
		`CREATE INDEX IF NOT EXISTS idx_follower_users_cycle_start ON follower_users(billing_cycle_start)`,

		// Create portfolio states table (1:1 with follower_users)
		`CREATE TABLE IF NOT EXISTS portfolio_states (
			user_id VARCHAR(64) PRIMARY KEY REFERENCES follower_users(user_id) ON DELETE CASCADE,
			initial_capital DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_known_balance DECIMAL(20, 8) NOT NULL DEFAULT 0,
			last_balance_check TIMESTAMP,
			total_deposits DECIMAL(20, 8) NOT NULL DEFAULT 0,
			total_withdrawals DECIMAL(20, 8) NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		// Create trades table (completed round trips only)
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES follower_users(user_id) ON DELETE CASCADE,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(8) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL DEFAULT 1,
			entry_time TIMESTAMP NOT NULL,
			exit_time TIMESTAMP NOT NULL,
			pnl DECIMAL(20, 8) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			source VARCHAR(20) NOT NULL DEFAULT 'live',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_exit ON trades(user_id, exit_time)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol)`,

		// Create transactions table (append-only deposit/withdrawal events)
		`CREATE TABLE IF NOT EXISTS transactions (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES follower_users(user_id) ON DELETE CASCADE,
			type VARCHAR(16) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			balance_before DECIMAL(20, 8) NOT NULL,
			balance_after DECIMAL(20, 8) NOT NULL,
			method VARCHAR(16) NOT NULL DEFAULT 'automatic',
			detected_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_user ON transactions(user_id, detected_at)`,

		// Create billing cycles table (immutable history)
		`CREATE TABLE IF NOT EXISTS billing_cycles (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES follower_users(user_id) ON DELETE CASCADE,
			cycle_start TIMESTAMP NOT NULL,
			cycle_end TIMESTAMP NOT NULL,
			total_profit DECIMAL(20, 8) NOT NULL,
			total_trades INTEGER NOT NULL DEFAULT 0,
			fee_percentage DECIMAL(6, 4) NOT NULL,
			fee_amount DECIMAL(20, 2) NOT NULL,
			invoice_status VARCHAR(16) NOT NULL,
			charge_id VARCHAR(128),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_billing_cycles_user ON billing_cycles(user_id, cycle_end)`,

		// Create invoices table (one row per payment-provider charge)
		`CREATE TABLE IF NOT EXISTS invoices (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL REFERENCES follower_users(user_id) ON DELETE CASCADE,
			charge_id VARCHAR(128) NOT NULL UNIQUE,
			amount DECIMAL(20, 2) NOT NULL,
			currency VARCHAR(8) NOT NULL DEFAULT 'USD',
			status VARCHAR(16) NOT NULL DEFAULT 'pending',
			hosted_url TEXT,
			cycle_profit DECIMAL(20, 8),
			paid_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_user ON invoices(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status)`,

		// Create signals table (broadcast history)
		`CREATE TABLE IF NOT EXISTS signals (
			id BIGSERIAL PRIMARY KEY,
			signal_id VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(32) NOT NULL,
			action VARCHAR(16) NOT NULL,
			price DECIMAL(20, 8),
			size_percent DECIMAL(6, 2),
			leverage INTEGER,
			payload JSONB,
			broadcast_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_broadcast_at ON signals(broadcast_at)`,

		// Create updated_at trigger function
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		// Create triggers for updated_at
		`DROP TRIGGER IF EXISTS update_follower_users_updated_at ON follower_users`,
		`CREATE TRIGGER update_follower_users_updated_at BEFORE UPDATE ON follower_users
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_portfolio_states_updated_at ON portfolio_states`,
		`CREATE TRIGGER update_portfolio_states_updated_at BEFORE UPDATE ON portfolio_states
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	// Execute migrations
	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// IsUndefinedTable reports whether err is Postgres "relation does not exist".
// The balance checker treats this as "schema not provisioned yet" and no-ops
// instead of failing the batch.
func IsUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42P01"
	}
	return false
}
