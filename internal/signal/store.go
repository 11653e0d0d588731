// Package signal relays master trade signals to subscriber agents: a Redis
// latest-signal store for polling agents and a websocket hub for push
// delivery. Both degrade gracefully so a Redis or socket outage never blocks
// a broadcast.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"follower-platform/config"
	"follower-platform/internal/database"
)

// ErrNoSignal indicates no broadcast is available to poll
var ErrNoSignal = errors.New("no signal available")

const latestSignalKey = "signal:latest"

// DefaultSignalTTL bounds how long a stale latest signal stays pollable
const DefaultSignalTTL = 24 * time.Hour

// Store keeps the most recent broadcast signal in Redis with graceful
// degradation: when Redis is unavailable, writes are dropped and reads
// report no signal until the circuit recovers.
type Store struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       zerolog.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration
	signalTTL     time.Duration
}

// NewStore creates a Redis-backed signal store. A failed initial connection
// returns the store in degraded mode rather than an error; the circuit
// breaker retries in the background.
func NewStore(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	s := &Store{
		client:        client,
		config:        cfg,
		logger:        logger.With().Str("component", "SignalStore").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		signalTTL:     DefaultSignalTTL,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed, signal store starts degraded")
		return s, nil
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("address", cfg.Address).Msg("Redis connected")

	return s, nil
}

// IsHealthy returns whether Redis is currently available
func (s *Store) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *Store) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Int("failures", s.failureCount).Msg("Circuit breaker open, Redis marked unhealthy")
		}
		s.healthy = false
	}
}

func (s *Store) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy {
		s.logger.Info().Msg("Circuit breaker closed, Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth pings Redis in the background once the circuit has been open
// long enough.
func (s *Store) checkHealth() {
	s.mu.RLock()
	shouldCheck := !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(pingCtx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// SetLatest stores the signal as the current broadcast with a TTL
func (s *Store) SetLatest(ctx context.Context, sig *database.Signal) error {
	s.checkHealth()

	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	if err := s.client.Set(ctx, latestSignalKey, data, s.signalTTL).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// GetLatest returns the current broadcast signal. Returns ErrNoSignal when
// nothing has been broadcast, the last signal expired, or Redis is
// unavailable.
func (s *Store) GetLatest(ctx context.Context) (*database.Signal, error) {
	s.checkHealth()

	if !s.IsHealthy() {
		return nil, ErrNoSignal
	}

	data, err := s.client.Get(ctx, latestSignalKey).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNoSignal
		}
		s.recordFailure()
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	s.recordSuccess()

	var sig database.Signal
	if err := json.Unmarshal([]byte(data), &sig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached signal: %w", err)
	}

	return &sig, nil
}

// Clear removes the latest signal, used when the broadcaster retracts it
func (s *Store) Clear(ctx context.Context) error {
	if !s.IsHealthy() {
		return fmt.Errorf("redis unavailable (circuit breaker open)")
	}

	if err := s.client.Del(ctx, latestSignalKey).Err(); err != nil {
		s.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	s.recordSuccess()
	return nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// StoreStats reports signal store health for monitoring
type StoreStats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
}

// GetStats returns current store statistics
func (s *Store) GetStats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		Healthy:      s.healthy,
		FailureCount: s.failureCount,
		Address:      s.config.Address,
	}
}
