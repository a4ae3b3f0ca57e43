package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position lifecycle statuses
const (
	StatusPendingEntry  = "pending_entry"  // entry order accepted, fill not yet confirmed
	StatusEntryPlaced   = "entry_placed"   // filled but not yet protected
	StatusPendingSL     = "pending_sl"     // stop-loss placement in flight
	StatusActive        = "active"         // protected and live
	StatusClosed        = "closed"         // flattened
	StatusPhantomClosed = "phantom_closed" // locally open but absent on the exchange
)

// OpenStatuses is the set of statuses counted as "open" by the uniqueness
// invariant and by duplicate checks.
var OpenStatuses = []string{StatusPendingEntry, StatusEntryPlaced, StatusPendingSL, StatusActive}

// IsOpenStatus reports whether s belongs to the open status set.
func IsOpenStatus(s string) bool {
	for _, open := range OpenStatuses {
		if s == open {
			return true
		}
	}
	return false
}

// Trailing stop machine states
const (
	TrailingStateWaiting = "WAITING"
	TrailingStateActive  = "ACTIVE"
	TrailingStateRemoved = "REMOVED"
)

// Position represents one leveraged exposure, open or closed.
// EntryPrice is set once from the actual exchange fill and never mutated.
type Position struct {
	ID                        int64           `json:"id"`
	Symbol                    string          `json:"symbol"`
	Exchange                  string          `json:"exchange"`
	Side                      string          `json:"side"` // LONG or SHORT
	Quantity                  decimal.Decimal `json:"quantity"`
	EntryPrice                decimal.Decimal `json:"entry_price"`
	CurrentPrice              decimal.Decimal `json:"current_price"`
	StopLossPrice             decimal.Decimal `json:"stop_loss_price"`
	Status                    string          `json:"status"`
	HasTrailingStop           bool            `json:"has_trailing_stop"`
	TrailingActivationPercent decimal.Decimal `json:"trailing_activation_percent"`
	TrailingCallbackPercent   decimal.Decimal `json:"trailing_callback_percent"`
	PnL                       decimal.Decimal `json:"pnl"`
	PnLPercent                decimal.Decimal `json:"pnl_percent"`
	CreatedAt                 time.Time       `json:"created_at"`
	OpenedAt                  *time.Time      `json:"opened_at,omitempty"`
	ClosedAt                  *time.Time      `json:"closed_at,omitempty"`
	UpdatedAt                 time.Time       `json:"updated_at"`
}

// AgeHours returns how long the position has been open, in hours.
func (p *Position) AgeHours(now time.Time) float64 {
	opened := p.CreatedAt
	if p.OpenedAt != nil {
		opened = *p.OpenedAt
	}
	return now.Sub(opened).Hours()
}

// TrailingStopState is the persisted copy of one symbol's protective
// ratchet. It is the source of truth across restarts; the in-memory
// instance owned by the trailing engine is rebuilt from it.
type TrailingStopState struct {
	Symbol               string          `json:"symbol"`
	Exchange             string          `json:"exchange"`
	Side                 string          `json:"side"`
	EntryPrice           decimal.Decimal `json:"entry_price"`
	Quantity             decimal.Decimal `json:"quantity"`
	State                string          `json:"state"` // WAITING, ACTIVE, REMOVED
	HighestPrice         decimal.Decimal `json:"highest_price"`
	LowestPrice          decimal.Decimal `json:"lowest_price"`
	CurrentStopPrice     decimal.Decimal `json:"current_stop_price"`
	StopOrderID          string          `json:"stop_order_id"`
	ActivationPercent    decimal.Decimal `json:"activation_percent"`
	CallbackPercent      decimal.Decimal `json:"callback_percent"`
	IsActivated          bool            `json:"is_activated"`
	HighestProfitPercent decimal.Decimal `json:"highest_profit_percent"`
	UpdateCount          int             `json:"update_count"`
	LastSLUpdateTime     *time.Time      `json:"last_sl_update_time,omitempty"`
	LastUpdatedSLPrice   decimal.Decimal `json:"last_updated_sl_price"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Order is an audit record of a placed order.
type Order struct {
	ID              int64           `json:"id"`
	ExchangeOrderID string          `json:"exchange_order_id"`
	ClientOrderID   string          `json:"client_order_id"`
	Symbol          string          `json:"symbol"`
	Exchange        string          `json:"exchange"`
	Side            string          `json:"side"`
	OrderType       string          `json:"order_type"`
	Price           decimal.Decimal `json:"price"`
	Quantity        decimal.Decimal `json:"quantity"`
	Status          string          `json:"status"`
	PositionID      *int64          `json:"position_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
