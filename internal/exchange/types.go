// Package exchange defines the uniform adapter contract the bot's core
// components consume. Concrete exchanges (Binance, Bybit) live in
// subpackages and are treated as black boxes that may fail, time out, or
// partially succeed.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"
)

// Position sides
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order statuses normalized across exchanges
const (
	OrderStatusNew             = "NEW"
	OrderStatusFilled          = "FILLED"
	OrderStatusPartiallyFilled = "PARTIALLY_FILLED"
	OrderStatusCanceled        = "CANCELED"
	OrderStatusRejected        = "REJECTED"
)

// EntrySide maps a position side to the order side that opens it.
func EntrySide(positionSide string) string {
	if positionSide == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitSide maps a position side to the order side that flattens it.
func ExitSide(positionSide string) string {
	if positionSide == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderOptions carries optional order parameters. ClientOrderID is the
// idempotent retry token: resubmitting with the same id must not
// double-place on any supported exchange.
type OrderOptions struct {
	ClientOrderID string
	ReduceOnly    bool
}

// OrderResult is the normalized response for a placed order.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        string
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal // actual execution price, 0 until filled
}

// StopOrder is the normalized response for a placed stop order.
type StopOrder struct {
	OrderID   string
	Symbol    string
	Status    string
	StopPrice decimal.Decimal
}

// PositionInfo is a live position as reported by the exchange, used for
// reconciliation and phantom detection.
type PositionInfo struct {
	Symbol        string
	Side          string // LONG or SHORT
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// AssetBalance is one asset's balance on the futures wallet.
type AssetBalance struct {
	Free  decimal.Decimal
	Total decimal.Decimal
}

// Adapter is the uniform interface over a concrete exchange. Every call
// takes a context and is expected to respect its deadline; a timed-out
// entry-order placement is treated as failure by callers, so adapters must
// honor ClientOrderID idempotency to make retries safe.
type Adapter interface {
	// Name returns the exchange identifier, e.g. "binance" or "bybit".
	Name() string

	// CreateMarketOrder places a market order and returns the fill result.
	CreateMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, opts OrderOptions) (*OrderResult, error)

	// CreateLimitOrder places a limit order.
	CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal, opts OrderOptions) (*OrderResult, error)

	// SetStopLoss places a reduce-only stop-market order protecting the
	// position of the given side. positionSide is LONG or SHORT.
	SetStopLoss(ctx context.Context, symbol, positionSide string, stopPrice, quantity decimal.Decimal) (*StopOrder, error)

	// CancelOrder cancels an open order by exchange order id.
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// FetchPositions returns live positions; with no symbols, all of them.
	FetchPositions(ctx context.Context, symbols ...string) ([]PositionInfo, error)

	// FetchBalance returns wallet balances keyed by asset.
	FetchBalance(ctx context.Context) (map[string]AssetBalance, error)
}
