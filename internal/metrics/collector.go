// Package metrics exposes Prometheus counters for the platform, fed by the
// event bus so the core engines never import prometheus directly.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"follower-platform/internal/events"
)

// Collector owns a private registry so tests and embedded use never collide
// with the default global one.
type Collector struct {
	registry *prometheus.Registry
	logger   zerolog.Logger

	signalsBroadcast prometheus.Counter
	tradesRecorded   *prometheus.CounterVec
	cyclesClosed     *prometheus.CounterVec
	invoicesCreated  prometheus.Counter
	invoicesPaid     prometheus.Counter
	invoicesExpired  prometheus.Counter
	feesInvoicedUSD  prometheus.Counter
	feesCollectedUSD prometheus.Counter
	transactions     *prometheus.CounterVec
	balanceCheckRuns prometheus.Counter
	balanceCheckSize prometheus.Gauge
	errorsTotal      *prometheus.CounterVec
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewCollector builds the collector and registers every metric on its
// private registry.
func NewCollector(logger zerolog.Logger) *Collector {
	registry := prometheus.NewRegistry()

	collector := &Collector{
		registry: registry,
		logger:   logger.With().Str("component", "Metrics").Logger(),
		signalsBroadcast: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_signals_broadcast_total",
			Help: "Total number of master signals relayed to agents",
		}),
		tradesRecorded: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "follower_trades_recorded_total",
			Help: "Total number of trades written to the ledger",
		}, []string{"source"}),
		cyclesClosed: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "follower_billing_cycles_closed_total",
			Help: "Total number of billing cycles closed",
		}, []string{"status"}),
		invoicesCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_invoices_created_total",
			Help: "Total number of profit-share charges issued",
		}),
		invoicesPaid: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_invoices_paid_total",
			Help: "Total number of charges confirmed paid",
		}),
		invoicesExpired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_invoices_expired_total",
			Help: "Total number of charges that lapsed unpaid",
		}),
		feesInvoicedUSD: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_fees_invoiced_usd_total",
			Help: "Cumulative USD value of issued charges",
		}),
		feesCollectedUSD: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_fees_collected_usd_total",
			Help: "Cumulative USD value of confirmed payments",
		}),
		transactions: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "follower_balance_transactions_total",
			Help: "Deposits and withdrawals detected by the balance checker",
		}, []string{"type"}),
		balanceCheckRuns: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "follower_balance_check_runs_total",
			Help: "Total number of completed balance reconciliation passes",
		}),
		balanceCheckSize: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "follower_balance_check_users",
			Help: "Users checked in the most recent reconciliation pass",
		}),
		errorsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "follower_errors_total",
			Help: "Errors published on the event bus",
		}, []string{"source"}),
		httpRequests: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "follower_http_requests_total",
			Help: "Total number of HTTP requests served",
		}, []string{"method", "path", "status"}),
		httpDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "follower_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	collector.logger.Info().Msg("Metrics collector initialized")
	return collector
}

// ObserveBus subscribes the collector to every event on the bus.
func (m *Collector) ObserveBus(bus *events.EventBus) {
	bus.SubscribeAll(m.handleEvent)
}

// TrackAgents exposes a live gauge backed by the hub's connection count.
func (m *Collector) TrackAgents(count func() int) {
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "follower_connected_agents",
		Help: "Agents currently connected over websocket",
	}, func() float64 {
		return float64(count())
	})
}

func (m *Collector) handleEvent(event events.Event) {
	switch event.Type {
	case events.EventSignalBroadcast:
		m.signalsBroadcast.Inc()

	case events.EventTradeReported:
		m.tradesRecorded.WithLabelValues("reported").Inc()

	case events.EventTradeBackfilled:
		if count, ok := intField(event.Data, "inserted_count"); ok && count > 0 {
			m.tradesRecorded.WithLabelValues("backfilled").Add(float64(count))
		}

	case events.EventCycleClosed:
		m.cyclesClosed.WithLabelValues(stringField(event.Data, "status")).Inc()

	case events.EventInvoiceCreated:
		m.invoicesCreated.Inc()
		if amount, ok := floatField(event.Data, "amount"); ok {
			m.feesInvoicedUSD.Add(amount)
		}

	case events.EventInvoicePaid:
		m.invoicesPaid.Inc()
		if amount, ok := floatField(event.Data, "amount"); ok {
			m.feesCollectedUSD.Add(amount)
		}

	case events.EventInvoiceExpired:
		m.invoicesExpired.Inc()

	case events.EventTransactionDetected:
		m.transactions.WithLabelValues(stringField(event.Data, "type")).Inc()

	case events.EventBalanceCheckDone:
		m.balanceCheckRuns.Inc()
		if checked, ok := intField(event.Data, "users_checked"); ok {
			m.balanceCheckSize.Set(float64(checked))
		}

	case events.EventError:
		m.errorsTotal.WithLabelValues(stringField(event.Data, "source")).Inc()
	}
}

// RecordHTTPRequest feeds the request counter and latency histogram. Wired
// as gin middleware by the api package.
func (m *Collector) RecordHTTPRequest(method, path string, status int, seconds float64) {
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}

// GetHandler returns the exposition handler for this collector's registry.
func (m *Collector) GetHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func stringField(data map[string]interface{}, key string) string {
	value, _ := data[key].(string)
	return value
}

func intField(data map[string]interface{}, key string) (int, bool) {
	value, ok := data[key].(int)
	return value, ok
}

// Amounts travel on the bus as decimal strings.
func floatField(data map[string]interface{}, key string) (float64, bool) {
	raw, ok := data[key].(string)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return value, true
}
