package signal

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"follower-platform/config"
	"follower-platform/internal/database"
)

// ============================================================================
// TEST: Store degraded mode
// ============================================================================

func TestNewStoreRequiresEnabledConfig(t *testing.T) {
	if _, err := NewStore(config.RedisConfig{Enabled: false}, zerolog.Nop()); err == nil {
		t.Error("expected error when redis is disabled")
	}
}

// Port 1 is never a redis server, so the initial ping fails and the store
// comes up with the circuit breaker open.
func TestStoreDegradedMode(t *testing.T) {
	store, err := NewStore(config.RedisConfig{Enabled: true, Address: "127.0.0.1:1"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	if store.IsHealthy() {
		t.Error("store reports healthy with no redis behind it")
	}

	ctx := context.Background()
	if _, err := store.GetLatest(ctx); !errors.Is(err, ErrNoSignal) {
		t.Errorf("GetLatest error = %v, want ErrNoSignal", err)
	}
	if err := store.SetLatest(ctx, &database.Signal{SignalID: "sig-1", Symbol: "PF_XBTUSD", Action: "long"}); err == nil {
		t.Error("SetLatest succeeded with the circuit breaker open")
	}
	if err := store.Clear(ctx); err == nil {
		t.Error("Clear succeeded with the circuit breaker open")
	}

	stats := store.GetStats()
	if stats.Healthy {
		t.Error("stats report healthy")
	}
	if stats.Address != "127.0.0.1:1" {
		t.Errorf("stats address = %q", stats.Address)
	}
}
