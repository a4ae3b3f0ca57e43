// Package events carries the inbound stream events the core consumes:
// price updates, authoritative position updates, and order updates. The
// core tolerates duplicate and out-of-order price delivery; a position
// update with size zero is an authoritative close signal.
package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventPriceUpdate    EventType = "PRICE_UPDATE"
	EventPositionUpdate EventType = "POSITION_UPDATE"
	EventOrderUpdate    EventType = "ORDER_UPDATE"
	EventTradeOpened    EventType = "TRADE_OPENED"
	EventTradeClosed    EventType = "TRADE_CLOSED"
	EventError          EventType = "ERROR"
)

// PriceUpdate is one mark-price tick for a symbol.
type PriceUpdate struct {
	Symbol   string
	Exchange string
	Price    decimal.Decimal
	At       time.Time
}

// PositionUpdate is an authoritative account-stream position snapshot.
// Size zero means the position is closed on the exchange.
type PositionUpdate struct {
	Symbol        string
	Exchange      string
	Side          string
	Size          decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
	At            time.Time
}

// OrderUpdate reports an order status change from the account stream.
type OrderUpdate struct {
	Symbol    string
	Exchange  string
	OrderID   string
	Status    string
	FilledQty decimal.Decimal
	At        time.Time
}

// Event wraps one typed payload.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Price     *PriceUpdate
	Position  *PositionUpdate
	Order     *OrderUpdate
	Err       error
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[EventType][]Subscriber),
	}
}

// Subscribe registers a subscriber for a specific event type
func (b *Bus) Subscribe(eventType EventType, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Dispatch is per-subscriber
// goroutine so a slow subscriber never blocks the stream; subscribers must
// tolerate reordering, which the favorable-only ratchet does naturally.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	for _, sub := range b.subscribers[event.Type] {
		go sub(event)
	}
	for _, sub := range b.allSubs {
		go sub(event)
	}
}

// PublishPrice publishes a price tick.
func (b *Bus) PublishPrice(symbol, exchange string, price decimal.Decimal) {
	now := time.Now()
	b.Publish(Event{
		Type:      EventPriceUpdate,
		Timestamp: now,
		Price:     &PriceUpdate{Symbol: symbol, Exchange: exchange, Price: price, At: now},
	})
}

// PublishPosition publishes an account-stream position snapshot.
func (b *Bus) PublishPosition(update PositionUpdate) {
	if update.At.IsZero() {
		update.At = time.Now()
	}
	b.Publish(Event{Type: EventPositionUpdate, Timestamp: update.At, Position: &update})
}

// PublishOrder publishes an order status change.
func (b *Bus) PublishOrder(update OrderUpdate) {
	if update.At.IsZero() {
		update.At = time.Now()
	}
	b.Publish(Event{Type: EventOrderUpdate, Timestamp: update.At, Order: &update})
}
