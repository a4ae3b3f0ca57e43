package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const positionColumns = `id, symbol, exchange, side, quantity, entry_price, current_price,
	stop_loss_price, status, has_trailing_stop, trailing_activation_percent,
	trailing_callback_percent, pnl, pnl_percent, created_at, opened_at, closed_at, updated_at`

// row abstracts pgx.Row so scan helpers work for both pool and tx queries.
type row interface {
	Scan(dest ...any) error
}

func scanPosition(r row) (*Position, error) {
	p := &Position{}
	err := r.Scan(
		&p.ID, &p.Symbol, &p.Exchange, &p.Side, &p.Quantity, &p.EntryPrice,
		&p.CurrentPrice, &p.StopLossPrice, &p.Status, &p.HasTrailingStop,
		&p.TrailingActivationPercent, &p.TrailingCallbackPercent,
		&p.PnL, &p.PnLPercent, &p.CreatedAt, &p.OpenedAt, &p.ClosedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CreatePositionLocked inserts pos while holding the per-(symbol, exchange)
// advisory lock. The duplicate check and the insert run inside one
// transaction under the lock; if an open position already exists, it is
// returned with created=false and no row is written. This is the idempotent
// path for creation races and safe retries.
func (db *DB) CreatePositionLocked(ctx context.Context, pos *Position) (created bool, existing *Position, err error) {
	err = db.WithSymbolLock(ctx, pos.Symbol, pos.Exchange, func(tx pgx.Tx) error {
		query := `
			SELECT ` + positionColumns + `
			FROM positions
			WHERE symbol = $1 AND exchange = $2
				AND status IN ('pending_entry', 'entry_placed', 'pending_sl', 'active')
			LIMIT 1`

		found, scanErr := scanPosition(tx.QueryRow(ctx, query, pos.Symbol, pos.Exchange))
		if scanErr == nil {
			existing = found
			return nil
		}
		if !errors.Is(scanErr, pgx.ErrNoRows) {
			return fmt.Errorf("duplicate check failed: %w", scanErr)
		}

		insert := `
			INSERT INTO positions (
				symbol, exchange, side, quantity, entry_price, current_price,
				stop_loss_price, status, has_trailing_stop,
				trailing_activation_percent, trailing_callback_percent,
				created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
			RETURNING id, created_at, updated_at`

		now := time.Now().UTC()
		if insertErr := tx.QueryRow(ctx, insert,
			pos.Symbol,
			pos.Exchange,
			pos.Side,
			pos.Quantity,
			pos.EntryPrice,
			pos.CurrentPrice,
			pos.StopLossPrice,
			pos.Status,
			pos.HasTrailingStop,
			pos.TrailingActivationPercent,
			pos.TrailingCallbackPercent,
			now,
		).Scan(&pos.ID, &pos.CreatedAt, &pos.UpdatedAt); insertErr != nil {
			return fmt.Errorf("failed to insert position: %w", insertErr)
		}
		created = true
		return nil
	})
	return created, existing, err
}

// GetOpenPosition returns the position in any open status for the pair, or
// nil when there is none.
func (db *DB) GetOpenPosition(ctx context.Context, symbol, exchange string) (*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE symbol = $1 AND exchange = $2
			AND status IN ('pending_entry', 'entry_placed', 'pending_sl', 'active')
		LIMIT 1`

	pos, err := scanPosition(db.Pool.QueryRow(ctx, query, symbol, exchange))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open position: %w", err)
	}
	return pos, nil
}

// GetActivePosition returns the position with status=active for the pair,
// or nil. Used by the pre-activation duplicate re-check.
func (db *DB) GetActivePosition(ctx context.Context, symbol, exchange string) (*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE symbol = $1 AND exchange = $2 AND status = 'active'
		LIMIT 1`

	pos, err := scanPosition(db.Pool.QueryRow(ctx, query, symbol, exchange))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active position: %w", err)
	}
	return pos, nil
}

// GetPositionByID retrieves a position by id.
func (db *DB) GetPositionByID(ctx context.Context, id int64) (*Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	pos, err := scanPosition(db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position %d: %w", id, err)
	}
	return pos, nil
}

// GetOpenPositions returns all positions in an open status.
func (db *DB) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ('pending_entry', 'entry_placed', 'pending_sl', 'active')
		ORDER BY created_at`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		pos, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan position: %w", scanErr)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// GetUnprotectedPositions returns positions that were filled but never got a
// confirmed stop-loss. These are candidates for the recovery sweep.
func (db *DB) GetUnprotectedPositions(ctx context.Context) ([]*Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE status IN ('entry_placed', 'pending_sl')
		ORDER BY created_at`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get unprotected positions: %w", err)
	}
	defer rows.Close()

	var positions []*Position
	for rows.Next() {
		pos, scanErr := scanPosition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan position: %w", scanErr)
		}
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// UpdatePositionStatus transitions a position's status. When the new status
// is active, opened_at is stamped.
func (db *DB) UpdatePositionStatus(ctx context.Context, id int64, status string) error {
	now := time.Now().UTC()
	var err error
	if status == StatusActive {
		_, err = db.Pool.Exec(ctx,
			`UPDATE positions SET status = $2, opened_at = COALESCE(opened_at, $3), updated_at = $3 WHERE id = $1`,
			id, status, now)
	} else {
		_, err = db.Pool.Exec(ctx,
			`UPDATE positions SET status = $2, updated_at = $3 WHERE id = $1`,
			id, status, now)
	}
	if err != nil {
		return fmt.Errorf("failed to update position %d status to %s: %w", id, status, err)
	}
	return nil
}

// UpdatePositionStopLoss records the current protective stop price.
func (db *DB) UpdatePositionStopLoss(ctx context.Context, id int64, stopPrice decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE positions SET stop_loss_price = $2, updated_at = $3 WHERE id = $1`,
		id, stopPrice, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update position %d stop loss: %w", id, err)
	}
	return nil
}

// UpdatePositionMark records the latest mark price and PnL.
func (db *DB) UpdatePositionMark(ctx context.Context, id int64, currentPrice, pnl, pnlPercent decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE positions SET current_price = $2, pnl = $3, pnl_percent = $4, updated_at = $5 WHERE id = $1`,
		id, currentPrice, pnl, pnlPercent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update position %d mark: %w", id, err)
	}
	return nil
}

// ClosePosition moves a position to a terminal status and stamps closed_at.
// status must be closed or phantom_closed.
func (db *DB) ClosePosition(ctx context.Context, id int64, status string, exitPrice decimal.Decimal) error {
	if status != StatusClosed && status != StatusPhantomClosed {
		return fmt.Errorf("invalid terminal status %q for position %d", status, id)
	}
	now := time.Now().UTC()
	_, err := db.Pool.Exec(ctx,
		`UPDATE positions SET status = $2, current_price = CASE WHEN $3::numeric > 0 THEN $3 ELSE current_price END,
			closed_at = $4, updated_at = $4 WHERE id = $1`,
		id, status, exitPrice, now)
	if err != nil {
		return fmt.Errorf("failed to close position %d: %w", id, err)
	}
	return nil
}

// RecordOrder writes an order audit row.
func (db *DB) RecordOrder(ctx context.Context, o *Order) error {
	query := `
		INSERT INTO orders (
			exchange_order_id, client_order_id, symbol, exchange, side,
			order_type, price, quantity, status, position_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	now := time.Now().UTC()
	err := db.Pool.QueryRow(ctx, query,
		o.ExchangeOrderID, o.ClientOrderID, o.Symbol, o.Exchange, o.Side,
		o.OrderType, o.Price, o.Quantity, o.Status, o.PositionID, now,
	).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("failed to record order: %w", err)
	}
	o.CreatedAt = now
	return nil
}
