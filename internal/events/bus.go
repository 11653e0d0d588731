package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventSignalBroadcast     EventType = "SIGNAL_BROADCAST"
	EventTradeReported       EventType = "TRADE_REPORTED"
	EventTradeBackfilled     EventType = "TRADE_BACKFILLED"
	EventCycleClosed         EventType = "CYCLE_CLOSED"
	EventInvoiceCreated      EventType = "INVOICE_CREATED"
	EventInvoicePaid         EventType = "INVOICE_PAID"
	EventInvoiceExpired      EventType = "INVOICE_EXPIRED"
	EventTransactionDetected EventType = "TRANSACTION_DETECTED"
	EventBalanceCheckDone    EventType = "BALANCE_CHECK_DONE"
	EventAgentConnected      EventType = "AGENT_CONNECTED"
	EventAgentDisconnected   EventType = "AGENT_DISCONNECTED"
	EventError               EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishCycleClosed publishes a billing-cycle-closed event
func (eb *EventBus) PublishCycleClosed(userID string, totalProfit, feePercentage, feeAmount decimal.Decimal, status string) {
	eb.Publish(Event{
		Type: EventCycleClosed,
		Data: map[string]interface{}{
			"user_id":        userID,
			"total_profit":   totalProfit.String(),
			"fee_percentage": feePercentage.String(),
			"fee_amount":     feeAmount.String(),
			"status":         status,
		},
	})
}

// PublishTransactionDetected publishes a detected deposit or withdrawal
func (eb *EventBus) PublishTransactionDetected(userID, txType string, amount, balanceBefore, balanceAfter decimal.Decimal) {
	eb.Publish(Event{
		Type: EventTransactionDetected,
		Data: map[string]interface{}{
			"user_id":        userID,
			"type":           txType,
			"amount":         amount.String(),
			"balance_before": balanceBefore.String(),
			"balance_after":  balanceAfter.String(),
		},
	})
}

// PublishTradeBackfilled publishes the result of a reconciliation run
func (eb *EventBus) PublishTradeBackfilled(userID string, insertedCount int, totalPnL, totalFees decimal.Decimal) {
	eb.Publish(Event{
		Type: EventTradeBackfilled,
		Data: map[string]interface{}{
			"user_id":        userID,
			"inserted_count": insertedCount,
			"total_pnl":      totalPnL.String(),
			"total_fees":     totalFees.String(),
		},
	})
}

// PublishTradeReported publishes a trade reported by a subscriber agent
func (eb *EventBus) PublishTradeReported(userID, symbol, side string, pnl decimal.Decimal) {
	eb.Publish(Event{
		Type: EventTradeReported,
		Data: map[string]interface{}{
			"user_id": userID,
			"symbol":  symbol,
			"side":    side,
			"pnl":     pnl.String(),
		},
	})
}

// PublishInvoiceCreated publishes a new charge issued for a closed cycle
func (eb *EventBus) PublishInvoiceCreated(userID, chargeID string, amount decimal.Decimal) {
	eb.Publish(Event{
		Type: EventInvoiceCreated,
		Data: map[string]interface{}{
			"user_id":   userID,
			"charge_id": chargeID,
			"amount":    amount.String(),
		},
	})
}

// PublishInvoicePaid publishes a confirmed payment
func (eb *EventBus) PublishInvoicePaid(userID, chargeID string, amount decimal.Decimal) {
	eb.Publish(Event{
		Type: EventInvoicePaid,
		Data: map[string]interface{}{
			"user_id":   userID,
			"charge_id": chargeID,
			"amount":    amount.String(),
		},
	})
}

// PublishInvoiceExpired publishes a lapsed charge
func (eb *EventBus) PublishInvoiceExpired(userID, chargeID string) {
	eb.Publish(Event{
		Type: EventInvoiceExpired,
		Data: map[string]interface{}{
			"user_id":   userID,
			"charge_id": chargeID,
		},
	})
}

// PublishSignalBroadcast publishes a relayed master signal
func (eb *EventBus) PublishSignalBroadcast(signalID, symbol, action string) {
	eb.Publish(Event{
		Type: EventSignalBroadcast,
		Data: map[string]interface{}{
			"signal_id": signalID,
			"symbol":    symbol,
			"action":    action,
		},
	})
}

// PublishBalanceCheckDone publishes batch stats for a reconciliation pass
func (eb *EventBus) PublishBalanceCheckDone(usersChecked, transactionsFound, usersSkipped int) {
	eb.Publish(Event{
		Type: EventBalanceCheckDone,
		Data: map[string]interface{}{
			"users_checked":      usersChecked,
			"transactions_found": transactionsFound,
			"users_skipped":      usersSkipped,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// ============================================================================
// Agent push callbacks
// These let the billing and balance engines push user-scoped notices to
// connected agents without importing the api package, avoiding import cycles.
// ============================================================================

// BroadcastFunc is a callback function for pushing events to a user's agent
type BroadcastFunc func(userID string, data interface{})

// Wired up by the api package at startup
var broadcastUserNotice BroadcastFunc

// SetBroadcastUserNotice sets the callback for user-scoped notices
func SetBroadcastUserNotice(fn BroadcastFunc) {
	broadcastUserNotice = fn
}

// BroadcastUserNotice pushes a notice to a user's connected agent, if any
func BroadcastUserNotice(userID string, data interface{}) {
	if broadcastUserNotice != nil && userID != "" {
		go broadcastUserNotice(userID, data)
	}
}
