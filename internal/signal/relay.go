package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/internal/database"
	"follower-platform/internal/events"
)

// Signal actions accepted from the broadcaster
const (
	ActionLong  = "long"
	ActionShort = "short"
	ActionClose = "close"
)

// ErrInvalidSignal marks a broadcast rejected before persistence
var ErrInvalidSignal = errors.New("invalid signal")

// SignalLog is the persistence surface for broadcast signals
type SignalLog interface {
	CreateSignal(ctx context.Context, signal *database.Signal) error
	GetSignalsSince(ctx context.Context, since time.Time, limit int) ([]database.Signal, error)
}

// BroadcastRequest is an incoming signal from the master algorithm
type BroadcastRequest struct {
	Symbol      string                 `json:"symbol"`
	Action      string                 `json:"action"`
	Price       decimal.NullDecimal    `json:"price,omitempty"`
	SizePercent decimal.NullDecimal    `json:"size_percent,omitempty"`
	Leverage    *int                   `json:"leverage,omitempty"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Relay accepts signals from the master broadcaster and distributes them:
// persisted to the signal log, cached as the pollable latest signal, and
// pushed to every connected agent. Redis and socket failures degrade
// delivery but never fail a broadcast; only a log write failure does.
type Relay struct {
	log    SignalLog
	store  *Store // optional, nil disables polling
	hub    *Hub
	bus    *events.EventBus
	logger zerolog.Logger
}

// NewRelay creates a signal relay. store may be nil when Redis is disabled.
func NewRelay(log SignalLog, store *Store, hub *Hub, bus *events.EventBus, logger zerolog.Logger) *Relay {
	return &Relay{
		log:    log,
		store:  store,
		hub:    hub,
		bus:    bus,
		logger: logger.With().Str("component", "SignalRelay").Logger(),
	}
}

// Broadcast validates, persists and fans out a master signal. Returns the
// stored signal with its assigned id.
func (r *Relay) Broadcast(ctx context.Context, req BroadcastRequest) (*database.Signal, error) {
	symbol := strings.TrimSpace(req.Symbol)
	action := strings.ToLower(strings.TrimSpace(req.Action))
	if symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", ErrInvalidSignal)
	}
	switch action {
	case ActionLong, ActionShort, ActionClose:
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidSignal, req.Action)
	}

	sig := &database.Signal{
		SignalID:    uuid.New().String(),
		Symbol:      symbol,
		Action:      action,
		Price:       req.Price,
		SizePercent: req.SizePercent,
		Leverage:    req.Leverage,
		Payload:     req.Payload,
		BroadcastAt: time.Now().UTC(),
	}

	// The log is the source of truth for catch-up; a write failure fails
	// the broadcast so the master retries.
	if err := r.log.CreateSignal(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to persist signal: %w", err)
	}

	if r.store != nil {
		if err := r.store.SetLatest(ctx, sig); err != nil {
			r.logger.Warn().Err(err).Str("signal_id", sig.SignalID).Msg("Latest-signal cache update failed, polling agents will miss this signal")
		}
	}

	r.hub.BroadcastSignal(sig)
	r.bus.PublishSignalBroadcast(sig.SignalID, sig.Symbol, sig.Action)

	r.logger.Info().
		Str("signal_id", sig.SignalID).
		Str("symbol", sig.Symbol).
		Str("action", sig.Action).
		Int("agents", r.hub.ClientCount()).
		Msg("Signal broadcast")

	return sig, nil
}

// Latest returns the most recent broadcast for polling agents. Returns
// ErrNoSignal when nothing is available or Redis is down.
func (r *Relay) Latest(ctx context.Context) (*database.Signal, error) {
	if r.store == nil {
		return nil, ErrNoSignal
	}

	sig, err := r.store.GetLatest(ctx)
	if err != nil {
		if err != ErrNoSignal {
			r.logger.Warn().Err(err).Msg("Latest-signal lookup failed")
		}
		return nil, ErrNoSignal
	}

	return sig, nil
}

// ClearLatest retracts the cached latest signal so polling agents stop
// seeing it before its TTL runs out. Push delivery is unaffected. A nil
// store means nothing is cached and the retraction is a no-op.
func (r *Relay) ClearLatest(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear latest signal: %w", err)
	}
	r.logger.Info().Msg("Latest signal retracted")
	return nil
}

// Since returns signals broadcast after a timestamp for agents catching up
// on missed signals after a reconnect.
func (r *Relay) Since(ctx context.Context, since time.Time, limit int) ([]database.Signal, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return r.log.GetSignalsSince(ctx, since, limit)
}

// Hub exposes the websocket hub for connection handling and notices
func (r *Relay) Hub() *Hub {
	return r.hub
}
