package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// UpsertTrailingStopState saves the full trailing state for a pair. On
// conflict every column is overwritten, including the position-derived
// fields (side, entry_price, quantity). A fast close-reopen cycle can flip
// side and entry between saves; overwriting only ratchet fields would leave
// the stored row describing the previous position.
func (db *DB) UpsertTrailingStopState(ctx context.Context, s *TrailingStopState) error {
	query := `
		INSERT INTO trailing_stop_state (
			symbol, exchange, side, entry_price, quantity, state,
			highest_price, lowest_price, current_stop_price, stop_order_id,
			activation_percent, callback_percent, is_activated,
			highest_profit_percent, update_count, last_sl_update_time,
			last_updated_sl_price, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (symbol, exchange) DO UPDATE SET
			side = EXCLUDED.side,
			entry_price = EXCLUDED.entry_price,
			quantity = EXCLUDED.quantity,
			state = EXCLUDED.state,
			highest_price = EXCLUDED.highest_price,
			lowest_price = EXCLUDED.lowest_price,
			current_stop_price = EXCLUDED.current_stop_price,
			stop_order_id = EXCLUDED.stop_order_id,
			activation_percent = EXCLUDED.activation_percent,
			callback_percent = EXCLUDED.callback_percent,
			is_activated = EXCLUDED.is_activated,
			highest_profit_percent = EXCLUDED.highest_profit_percent,
			update_count = EXCLUDED.update_count,
			last_sl_update_time = EXCLUDED.last_sl_update_time,
			last_updated_sl_price = EXCLUDED.last_updated_sl_price,
			updated_at = EXCLUDED.updated_at`

	now := time.Now().UTC()
	_, err := db.Pool.Exec(ctx, query,
		s.Symbol, s.Exchange, s.Side, s.EntryPrice, s.Quantity, s.State,
		s.HighestPrice, s.LowestPrice, s.CurrentStopPrice, s.StopOrderID,
		s.ActivationPercent, s.CallbackPercent, s.IsActivated,
		s.HighestProfitPercent, s.UpdateCount, s.LastSLUpdateTime,
		s.LastUpdatedSLPrice, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert trailing stop state for %s:%s: %w", s.Symbol, s.Exchange, err)
	}
	s.UpdatedAt = now
	return nil
}

// GetTrailingStopState reads the persisted trailing state, or nil when no
// row exists for the pair.
func (db *DB) GetTrailingStopState(ctx context.Context, symbol, exchange string) (*TrailingStopState, error) {
	query := `
		SELECT symbol, exchange, side, entry_price, quantity, state,
			highest_price, lowest_price, current_stop_price, stop_order_id,
			activation_percent, callback_percent, is_activated,
			highest_profit_percent, update_count, last_sl_update_time,
			last_updated_sl_price, updated_at
		FROM trailing_stop_state
		WHERE symbol = $1 AND exchange = $2`

	s := &TrailingStopState{}
	err := db.Pool.QueryRow(ctx, query, symbol, exchange).Scan(
		&s.Symbol, &s.Exchange, &s.Side, &s.EntryPrice, &s.Quantity, &s.State,
		&s.HighestPrice, &s.LowestPrice, &s.CurrentStopPrice, &s.StopOrderID,
		&s.ActivationPercent, &s.CallbackPercent, &s.IsActivated,
		&s.HighestProfitPercent, &s.UpdateCount, &s.LastSLUpdateTime,
		&s.LastUpdatedSLPrice, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trailing stop state for %s:%s: %w", symbol, exchange, err)
	}
	return s, nil
}

// DeleteTrailingStopState removes the persisted row when the owning
// position closes.
func (db *DB) DeleteTrailingStopState(ctx context.Context, symbol, exchange string) error {
	_, err := db.Pool.Exec(ctx,
		`DELETE FROM trailing_stop_state WHERE symbol = $1 AND exchange = $2`,
		symbol, exchange)
	if err != nil {
		return fmt.Errorf("failed to delete trailing stop state for %s:%s: %w", symbol, exchange, err)
	}
	return nil
}
