package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// Signal repository methods

// CreateSignal persists a broadcast signal for agent catch-up queries
func (r *Repository) CreateSignal(ctx context.Context, signal *Signal) error {
	var payload []byte
	if signal.Payload != nil {
		var err error
		payload, err = json.Marshal(signal.Payload)
		if err != nil {
			return err
		}
	}

	query := `
		INSERT INTO signals (
			signal_id, symbol, action, price, size_percent, leverage, payload, broadcast_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (signal_id) DO NOTHING
		RETURNING id, created_at`

	err := r.db.Pool.QueryRow(ctx, query,
		signal.SignalID, signal.Symbol, signal.Action, signal.Price,
		signal.SizePercent, signal.Leverage, payload, signal.BroadcastAt,
	).Scan(&signal.ID, &signal.CreatedAt)
	if err == pgx.ErrNoRows {
		// Duplicate signal_id: already stored by an earlier broadcast
		return nil
	}
	return err
}

// GetSignalsSince retrieves signals broadcast after a timestamp, oldest
// first. Reconnecting agents use this to catch up on missed signals.
func (r *Repository) GetSignalsSince(ctx context.Context, since time.Time, limit int) ([]Signal, error) {
	query := `
		SELECT id, signal_id, symbol, action, price, size_percent, leverage,
			payload, broadcast_at, created_at
		FROM signals
		WHERE broadcast_at > $1
		ORDER BY broadcast_at ASC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []Signal
	for rows.Next() {
		var s Signal
		var payload []byte
		err := rows.Scan(
			&s.ID, &s.SignalID, &s.Symbol, &s.Action, &s.Price,
			&s.SizePercent, &s.Leverage, &payload, &s.BroadcastAt, &s.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &s.Payload); err != nil {
				return nil, err
			}
		}
		signals = append(signals, s)
	}

	return signals, rows.Err()
}
