package kraken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"follower-platform/config"
)

// CredentialSource resolves a user's decrypted exchange credentials
type CredentialSource interface {
	GetCredentials(ctx context.Context, userID string) (apiKey, apiSecret string, err error)
}

// Factory creates and caches per-user exchange gateways.
// All API keys are per-user; there is no global or master key.
type Factory struct {
	creds CredentialSource
	cfg   config.KrakenConfig

	clients sync.Map // userID -> *clientEntry

	clientTTL     time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}

	mockMu sync.Mutex
	mock   *MockGateway
}

type clientEntry struct {
	gateway   Gateway
	createdAt time.Time
	lastUsed  time.Time
	mu        sync.Mutex
}

// NewFactory creates a new gateway factory
func NewFactory(creds CredentialSource, cfg config.KrakenConfig) *Factory {
	f := &Factory{
		creds:       creds,
		cfg:         cfg,
		clientTTL:   30 * time.Minute,
		stopCleanup: make(chan struct{}),
	}
	f.startCleanup()
	return f
}

// GatewayForUser returns an exchange gateway bound to the user's
// credentials, building and caching one on first use.
func (f *Factory) GatewayForUser(ctx context.Context, userID string) (Gateway, error) {
	if f.cfg.MockMode {
		return f.mockGateway(), nil
	}

	if entry, ok := f.clients.Load(userID); ok {
		e := entry.(*clientEntry)
		e.mu.Lock()
		e.lastUsed = time.Now()
		e.mu.Unlock()
		return e.gateway, nil
	}

	if f.creds == nil {
		return nil, fmt.Errorf("no credential source configured")
	}
	apiKey, apiSecret, err := f.creds.GetCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials for user %s: %w", userID, err)
	}

	timeout := time.Duration(f.cfg.TimeoutSeconds) * time.Second
	gateway := NewClient(apiKey, apiSecret, f.cfg.BaseURL, timeout)

	entry := &clientEntry{
		gateway:   gateway,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	f.clients.Store(userID, entry)

	return gateway, nil
}

// UserBalance fetches the user's current account balance. This is the
// balance reconciler's view of the factory.
func (f *Factory) UserBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	gateway, err := f.GatewayForUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return gateway.AccountBalance(ctx)
}

// RecentFills fetches the user's fills since the given time. This is the
// backfiller's view of the factory.
func (f *Factory) RecentFills(ctx context.Context, userID string, since time.Time) ([]Fill, error) {
	gateway, err := f.GatewayForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return gateway.FillsSince(ctx, since)
}

// InvalidateUser drops a user's cached gateway. Called when their
// credentials change.
func (f *Factory) InvalidateUser(userID string) {
	f.clients.Delete(userID)
}

// InvalidateAll clears every cached gateway
func (f *Factory) InvalidateAll() {
	f.clients.Range(func(key, value interface{}) bool {
		f.clients.Delete(key)
		return true
	})
}

func (f *Factory) mockGateway() *MockGateway {
	f.mockMu.Lock()
	defer f.mockMu.Unlock()
	if f.mock == nil {
		f.mock = NewMockGateway(10000)
	}
	return f.mock
}

// SetClientTTL overrides the cache time-to-live
func (f *Factory) SetClientTTL(ttl time.Duration) {
	f.clientTTL = ttl
}

func (f *Factory) startCleanup() {
	f.cleanupTicker = time.NewTicker(5 * time.Minute)
	go func() {
		for {
			select {
			case <-f.cleanupTicker.C:
				f.cleanupExpired()
			case <-f.stopCleanup:
				f.cleanupTicker.Stop()
				return
			}
		}
	}()
}

func (f *Factory) cleanupExpired() {
	now := time.Now()
	f.clients.Range(func(key, value interface{}) bool {
		entry := value.(*clientEntry)
		entry.mu.Lock()
		if now.Sub(entry.lastUsed) > f.clientTTL {
			f.clients.Delete(key)
		}
		entry.mu.Unlock()
		return true
	})
}

// Close stops the cleanup goroutine and clears all cached gateways
func (f *Factory) Close() {
	close(f.stopCleanup)
	f.InvalidateAll()
}

// Stats reports the gateway cache state
func (f *Factory) Stats() FactoryStats {
	var cached int
	f.clients.Range(func(key, value interface{}) bool {
		cached++
		return true
	})
	return FactoryStats{
		CachedGateways: cached,
		MockMode:       f.cfg.MockMode,
	}
}

// FactoryStats contains gateway cache statistics
type FactoryStats struct {
	CachedGateways int  `json:"cached_gateways"`
	MockMode       bool `json:"mock_mode"`
}
