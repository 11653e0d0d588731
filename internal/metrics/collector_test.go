package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"follower-platform/internal/events"
)

func newTestCollector() *Collector {
	return NewCollector(zerolog.Nop())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ============================================================================
// TEST: event handling
// ============================================================================

func TestHandleEventCounters(t *testing.T) {
	m := newTestCollector()

	m.handleEvent(events.Event{Type: events.EventSignalBroadcast})
	m.handleEvent(events.Event{Type: events.EventSignalBroadcast})
	if got := testutil.ToFloat64(m.signalsBroadcast); got != 2 {
		t.Errorf("signals broadcast = %v, want 2", got)
	}

	m.handleEvent(events.Event{Type: events.EventTradeReported, Data: map[string]interface{}{"user_id": "u1"}})
	m.handleEvent(events.Event{
		Type: events.EventTradeBackfilled,
		Data: map[string]interface{}{"inserted_count": 3},
	})
	if got := testutil.ToFloat64(m.tradesRecorded.WithLabelValues("reported")); got != 1 {
		t.Errorf("reported trades = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.tradesRecorded.WithLabelValues("backfilled")); got != 3 {
		t.Errorf("backfilled trades = %v, want 3", got)
	}

	m.handleEvent(events.Event{
		Type: events.EventCycleClosed,
		Data: map[string]interface{}{"status": "invoiced"},
	})
	if got := testutil.ToFloat64(m.cyclesClosed.WithLabelValues("invoiced")); got != 1 {
		t.Errorf("cycles closed = %v, want 1", got)
	}

	m.handleEvent(events.Event{
		Type: events.EventTransactionDetected,
		Data: map[string]interface{}{"type": "deposit"},
	})
	if got := testutil.ToFloat64(m.transactions.WithLabelValues("deposit")); got != 1 {
		t.Errorf("deposits = %v, want 1", got)
	}

	m.handleEvent(events.Event{
		Type: events.EventBalanceCheckDone,
		Data: map[string]interface{}{"users_checked": 7, "transactions_found": 1, "users_skipped": 2},
	})
	if got := testutil.ToFloat64(m.balanceCheckRuns); got != 1 {
		t.Errorf("balance check runs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.balanceCheckSize); got != 7 {
		t.Errorf("balance check users = %v, want 7", got)
	}

	m.handleEvent(events.Event{
		Type: events.EventError,
		Data: map[string]interface{}{"source": "billing", "message": "boom"},
	})
	if got := testutil.ToFloat64(m.errorsTotal.WithLabelValues("billing")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestInvoiceAmountsAccumulate(t *testing.T) {
	m := newTestCollector()

	m.handleEvent(events.Event{
		Type: events.EventInvoiceCreated,
		Data: map[string]interface{}{"user_id": "u1", "charge_id": "ch-1", "amount": "105.50"},
	})
	m.handleEvent(events.Event{
		Type: events.EventInvoiceCreated,
		Data: map[string]interface{}{"user_id": "u2", "charge_id": "ch-2", "amount": "44.50"},
	})
	m.handleEvent(events.Event{
		Type: events.EventInvoicePaid,
		Data: map[string]interface{}{"user_id": "u1", "charge_id": "ch-1", "amount": "105.50"},
	})
	m.handleEvent(events.Event{Type: events.EventInvoiceExpired, Data: map[string]interface{}{"charge_id": "ch-2"}})

	if got := testutil.ToFloat64(m.invoicesCreated); got != 2 {
		t.Errorf("invoices created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.feesInvoicedUSD); got != 150 {
		t.Errorf("fees invoiced = %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.invoicesPaid); got != 1 {
		t.Errorf("invoices paid = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.feesCollectedUSD); got != 105.5 {
		t.Errorf("fees collected = %v, want 105.5", got)
	}
	if got := testutil.ToFloat64(m.invoicesExpired); got != 1 {
		t.Errorf("invoices expired = %v, want 1", got)
	}
}

func TestMalformedAmountsAreSkipped(t *testing.T) {
	m := newTestCollector()

	m.handleEvent(events.Event{
		Type: events.EventInvoiceCreated,
		Data: map[string]interface{}{"amount": "not-a-number"},
	})
	m.handleEvent(events.Event{Type: events.EventInvoiceCreated})

	if got := testutil.ToFloat64(m.invoicesCreated); got != 2 {
		t.Errorf("invoices created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.feesInvoicedUSD); got != 0 {
		t.Errorf("fees invoiced = %v, want 0", got)
	}
}

// ============================================================================
// TEST: bus wiring and exposition
// ============================================================================

func TestObserveBusWiring(t *testing.T) {
	m := newTestCollector()
	bus := events.NewEventBus()
	m.ObserveBus(bus)

	bus.PublishSignalBroadcast("sig-1", "PF_XBTUSD", "long")
	bus.PublishInvoicePaid("u1", "ch-1", decimal.RequireFromString("10.00"))

	waitFor(t, 500*time.Millisecond, func() bool {
		return testutil.ToFloat64(m.signalsBroadcast) == 1 &&
			testutil.ToFloat64(m.invoicesPaid) == 1
	})
}

func TestMetricsExposition(t *testing.T) {
	m := newTestCollector()
	m.TrackAgents(func() int { return 3 })
	m.handleEvent(events.Event{Type: events.EventSignalBroadcast})
	m.RecordHTTPRequest("GET", "/api/signal/latest", 200, 0.012)

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.GetHandler().ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	body := recorder.Body.String()
	for _, want := range []string{
		"follower_signals_broadcast_total 1",
		"follower_connected_agents 3",
		`follower_http_requests_total{method="GET",path="/api/signal/latest",status="200"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
