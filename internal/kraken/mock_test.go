package kraken

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestMockGatewaySeededHistory(t *testing.T) {
	m := NewMockGateway(10000)
	ctx := context.Background()

	balance, err := m.AccountBalance(ctx)
	if err != nil {
		t.Fatalf("AccountBalance: %v", err)
	}
	if !balance.IsPositive() {
		t.Errorf("seeded balance = %s, want positive", balance)
	}

	fills, err := m.FillsSince(ctx, time.Now().UTC().AddDate(0, 0, -30))
	if err != nil {
		t.Fatalf("FillsSince: %v", err)
	}
	if len(fills) == 0 {
		t.Fatal("seeded mock returned no fills")
	}
	for i := 1; i < len(fills); i++ {
		if fills[i].FillTime.After(fills[i-1].FillTime) {
			t.Fatalf("fills not newest first at index %d", i)
		}
	}
}

func TestMockGatewayPinnedBalance(t *testing.T) {
	m := NewMockGateway(10000)
	pinned := decimal.NewFromInt(5000)
	m.SetBalance(pinned)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		balance, err := m.AccountBalance(ctx)
		if err != nil {
			t.Fatalf("AccountBalance: %v", err)
		}
		if !balance.Equal(pinned) {
			t.Fatalf("pinned balance drifted to %s on read %d", balance, i+1)
		}
	}
}

func TestMockGatewayFillWindow(t *testing.T) {
	m := &MockGateway{}
	now := time.Now().UTC()

	m.AddFill(Fill{FillID: "old", Symbol: "PF_XBTUSD", Side: SideBuy,
		Price: decimal.NewFromInt(100000), Size: decimal.NewFromInt(1), FillTime: now.Add(-48 * time.Hour)})
	m.AddFill(Fill{FillID: "recent", Symbol: "PF_XBTUSD", Side: SideSell,
		Price: decimal.NewFromInt(101000), Size: decimal.NewFromInt(1), FillTime: now.Add(-1 * time.Hour)})

	fills, err := m.FillsSince(context.Background(), now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("FillsSince: %v", err)
	}
	if len(fills) != 1 || fills[0].FillID != "recent" {
		t.Fatalf("fills = %+v, want only the recent one", fills)
	}
}
