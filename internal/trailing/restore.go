package trailing

import (
	"context"

	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
)

// RestoreAll rebuilds the in-memory instance map from the store after a
// restart. For every open position flagged for trailing, the state is
// resolved in layers, highest precedence first:
//
//  1. the persisted trailing row, when present;
//  2. the owning position row, for activation/callback percents that read
//     back as zero (a historical corruption mode — a zero callback collapses
//     the stop onto the current price with no margin);
//  3. the engine's configured defaults, when the position row is zero too.
//
// Corrected rows are written back so the fix is durable.
func (e *Engine) RestoreAll(ctx context.Context) (int, error) {
	positions, err := e.store.GetOpenPositions(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, pos := range positions {
		if !pos.HasTrailingStop {
			continue
		}
		if err := e.restoreOne(ctx, pos); err != nil {
			e.logger.Error().Err(err).
				Str("symbol", pos.Symbol).
				Str("exchange", pos.Exchange).
				Msg("failed to restore trailing stop")
			continue
		}
		restored++
	}

	e.logger.Info().Int("restored", restored).Msg("trailing stop state restored")
	return restored, nil
}

func (e *Engine) restoreOne(ctx context.Context, pos *database.Position) error {
	k := key(pos.Symbol, pos.Exchange)
	lock := e.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	if e.get(k) != nil {
		return nil
	}

	row, err := e.store.GetTrailingStopState(ctx, pos.Symbol, pos.Exchange)
	if err != nil {
		return err
	}

	var inst *Instance
	corrected := false

	if row == nil {
		// No persisted row; seed fresh from the position.
		inst = newInstance(pos.Symbol, pos.Exchange, pos.Side,
			pos.EntryPrice, pos.Quantity,
			e.resolvePercent(pos.TrailingActivationPercent, e.cfg.ActivationPercent),
			e.resolvePercent(pos.TrailingCallbackPercent, e.cfg.CallbackPercent))
		corrected = true
	} else {
		inst = fromState(row)

		if !inst.ActivationPercent.IsPositive() {
			inst.ActivationPercent = e.resolvePercent(pos.TrailingActivationPercent, e.cfg.ActivationPercent)
			corrected = true
		}
		if !inst.CallbackPercent.IsPositive() {
			inst.CallbackPercent = e.resolvePercent(pos.TrailingCallbackPercent, e.cfg.CallbackPercent)
			corrected = true
		}
		if !inst.EntryPrice.IsPositive() {
			inst.EntryPrice = pos.EntryPrice
			corrected = true
		}
		if !inst.Quantity.IsPositive() {
			inst.Quantity = pos.Quantity
			corrected = true
		}
		if !inst.HighestPrice.IsPositive() {
			inst.HighestPrice = inst.EntryPrice
			corrected = true
		}
		if !inst.LowestPrice.IsPositive() {
			inst.LowestPrice = inst.EntryPrice
			corrected = true
		}
		if inst.State == database.TrailingStateRemoved {
			// A removed row for a still-open position is stale; restart
			// tracking from WAITING.
			inst.State = database.TrailingStateWaiting
			inst.IsActivated = false
			corrected = true
		}
	}

	if corrected {
		if err := e.store.UpsertTrailingStopState(ctx, inst.snapshot()); err != nil {
			return err
		}
	}
	if e.mirror != nil {
		_ = e.mirror.Save(ctx, inst.snapshot())
	}

	e.put(k, inst)
	e.logger.Info().
		Str("symbol", pos.Symbol).
		Str("exchange", pos.Exchange).
		Str("state", inst.State).
		Bool("corrected", corrected).
		Msg("trailing stop restored")
	return nil
}

// resolvePercent prefers the position-stored value, falling back to the
// configured default when it is zero as well.
func (e *Engine) resolvePercent(fromPosition, fromConfig decimal.Decimal) decimal.Decimal {
	if fromPosition.IsPositive() {
		return fromPosition
	}
	return fromConfig
}
