// Package trailing implements the per-symbol protective ratchet: a stop
// order that activates once profit crosses a threshold and then follows the
// favorable price extreme at a fixed callback distance, never regressing.
package trailing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
)

var hundred = decimal.NewFromInt(100)

// Instance is the live state of one symbol's trailing stop. It is owned
// exclusively by the Engine; all access goes through the engine's per-key
// serialization. The persisted row in the store is the source of truth
// across restarts.
type Instance struct {
	Symbol   string
	Exchange string
	Side     string // LONG or SHORT

	EntryPrice decimal.Decimal
	Quantity   decimal.Decimal

	State                string // WAITING, ACTIVE, REMOVED
	HighestPrice         decimal.Decimal
	LowestPrice          decimal.Decimal
	CurrentStopPrice     decimal.Decimal
	StopOrderID          string
	ActivationPercent    decimal.Decimal
	CallbackPercent      decimal.Decimal
	IsActivated          bool
	HighestProfitPercent decimal.Decimal
	UpdateCount          int
	LastSLUpdateTime     *time.Time
	LastUpdatedSLPrice   decimal.Decimal

	// peak-persistence cadence bookkeeping, not persisted
	lastPeakSaveTime  time.Time
	lastPeakSavePrice decimal.Decimal
}

// newInstance builds a fresh WAITING instance with extremes seeded at entry.
func newInstance(symbol, exch, side string, entryPrice, quantity, activation, callback decimal.Decimal) *Instance {
	return &Instance{
		Symbol:            symbol,
		Exchange:          exch,
		Side:              side,
		EntryPrice:        entryPrice,
		Quantity:          quantity,
		State:             database.TrailingStateWaiting,
		HighestPrice:      entryPrice,
		LowestPrice:       entryPrice,
		ActivationPercent: activation,
		CallbackPercent:   callback,
	}
}

// profitPercent computes unrealized profit relative to entry, direction
// aware. Always computed per tick, before any branch.
func (i *Instance) profitPercent(price decimal.Decimal) decimal.Decimal {
	if !i.EntryPrice.IsPositive() {
		return decimal.Zero
	}
	if i.Side == exchange.SideShort {
		return i.EntryPrice.Sub(price).Div(i.EntryPrice).Mul(hundred)
	}
	return price.Sub(i.EntryPrice).Div(i.EntryPrice).Mul(hundred)
}

// ratchetExtreme advances the favorable extreme if price extends it.
// Stale or out-of-order prices fall out here naturally: they never extend
// the extreme, so they never move the stop.
func (i *Instance) ratchetExtreme(price decimal.Decimal) bool {
	if i.Side == exchange.SideShort {
		if price.LessThan(i.LowestPrice) {
			i.LowestPrice = price
			return true
		}
		return false
	}
	if price.GreaterThan(i.HighestPrice) {
		i.HighestPrice = price
		return true
	}
	return false
}

// favorableExtreme returns the extreme the stop trails behind.
func (i *Instance) favorableExtreme() decimal.Decimal {
	if i.Side == exchange.SideShort {
		return i.LowestPrice
	}
	return i.HighestPrice
}

// stopFromExtreme computes the stop at callback distance behind the
// current favorable extreme.
func (i *Instance) stopFromExtreme() decimal.Decimal {
	cb := i.CallbackPercent.Div(hundred)
	if i.Side == exchange.SideShort {
		return i.LowestPrice.Mul(decimal.NewFromInt(1).Add(cb))
	}
	return i.HighestPrice.Mul(decimal.NewFromInt(1).Sub(cb))
}

// validateStopSide rejects a stop on the wrong side of the market before it
// reaches the exchange. A long stop must sit below price, a short stop
// above; a violation means corrupted parameters (e.g. zero callback), not a
// market condition.
func (i *Instance) validateStopSide(stop, price decimal.Decimal) error {
	if i.Side == exchange.SideShort {
		if stop.LessThanOrEqual(price) {
			return fmt.Errorf("short stop %s not above price %s for %s", stop, price, i.Symbol)
		}
		return nil
	}
	if stop.GreaterThanOrEqual(price) {
		return fmt.Errorf("long stop %s not below price %s for %s", stop, price, i.Symbol)
	}
	return nil
}

// improvementPercent measures how much better candidate is than the last
// stop actually pushed to the exchange, as a percent of that price.
// Unfavorable candidates report zero improvement.
func (i *Instance) improvementPercent(candidate decimal.Decimal) decimal.Decimal {
	last := i.LastUpdatedSLPrice
	if !last.IsPositive() {
		// Nothing pushed yet; any valid candidate is an improvement.
		return hundred
	}
	var diff decimal.Decimal
	if i.Side == exchange.SideShort {
		diff = last.Sub(candidate)
	} else {
		diff = candidate.Sub(last)
	}
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff.Div(last).Mul(hundred)
}

// snapshot converts the instance to its persisted form.
func (i *Instance) snapshot() *database.TrailingStopState {
	return &database.TrailingStopState{
		Symbol:               i.Symbol,
		Exchange:             i.Exchange,
		Side:                 i.Side,
		EntryPrice:           i.EntryPrice,
		Quantity:             i.Quantity,
		State:                i.State,
		HighestPrice:         i.HighestPrice,
		LowestPrice:          i.LowestPrice,
		CurrentStopPrice:     i.CurrentStopPrice,
		StopOrderID:          i.StopOrderID,
		ActivationPercent:    i.ActivationPercent,
		CallbackPercent:      i.CallbackPercent,
		IsActivated:          i.IsActivated,
		HighestProfitPercent: i.HighestProfitPercent,
		UpdateCount:          i.UpdateCount,
		LastSLUpdateTime:     i.LastSLUpdateTime,
		LastUpdatedSLPrice:   i.LastUpdatedSLPrice,
	}
}

// fromState rebuilds an instance from a persisted row.
func fromState(s *database.TrailingStopState) *Instance {
	return &Instance{
		Symbol:               s.Symbol,
		Exchange:             s.Exchange,
		Side:                 s.Side,
		EntryPrice:           s.EntryPrice,
		Quantity:             s.Quantity,
		State:                s.State,
		HighestPrice:         s.HighestPrice,
		LowestPrice:          s.LowestPrice,
		CurrentStopPrice:     s.CurrentStopPrice,
		StopOrderID:          s.StopOrderID,
		ActivationPercent:    s.ActivationPercent,
		CallbackPercent:      s.CallbackPercent,
		IsActivated:          s.IsActivated,
		HighestProfitPercent: s.HighestProfitPercent,
		UpdateCount:          s.UpdateCount,
		LastSLUpdateTime:     s.LastSLUpdateTime,
		LastUpdatedSLPrice:   s.LastUpdatedSLPrice,
	}
}
