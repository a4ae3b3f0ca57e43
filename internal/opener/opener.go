// Package opener turns an accepted trading signal into a protected,
// persisted position. Creation is guarded three times: a lock-free
// pre-check, a duplicate check plus insert under the per-(symbol, exchange)
// advisory lock, and a final active-status re-check immediately before
// activation.
package opener

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/orders"
)

// Outcome is the first-class result of an open attempt. Duplicate discovery
// is expected traffic, not an error.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeConflict      Outcome = "conflict"
)

// StopLossSpec is either a percent distance from entry or an absolute
// price. Percent wins when both are set.
type StopLossSpec struct {
	Percent decimal.Decimal
	Price   decimal.Decimal
}

// OpenRequest is an accepted signal ready for execution.
type OpenRequest struct {
	SignalID     string
	Symbol       string
	Exchange     string
	Side         string // LONG or SHORT
	Quantity     decimal.Decimal
	DesiredPrice decimal.Decimal // signal price; informational only, never persisted as entry
	StopLoss     StopLossSpec
	WithTrailing bool
}

// OpenResult reports what happened. Position is the created row for
// OutcomeCreated, or the pre-existing row for the other outcomes.
type OpenResult struct {
	Outcome  Outcome
	Position *database.Position
}

// Store is the persistence surface the opener needs.
type Store interface {
	CreatePositionLocked(ctx context.Context, pos *database.Position) (created bool, existing *database.Position, err error)
	GetOpenPosition(ctx context.Context, symbol, exchange string) (*database.Position, error)
	GetActivePosition(ctx context.Context, symbol, exchange string) (*database.Position, error)
	UpdatePositionStatus(ctx context.Context, id int64, status string) error
	UpdatePositionStopLoss(ctx context.Context, id int64, stopPrice decimal.Decimal) error
	ClosePosition(ctx context.Context, id int64, status string, exitPrice decimal.Decimal) error
	RecordOrder(ctx context.Context, o *database.Order) error
}

// IDGenerator supplies idempotent client order ids.
type IDGenerator interface {
	Generate(ctx context.Context, orderType orders.OrderType) (string, error)
}

// Alerter receives operator-visible escalations. Unprotected positions are
// the one category that must always reach a human.
type Alerter interface {
	Critical(title, message string)
}

// Config holds opener behaviour.
type Config struct {
	OrderTimeout        time.Duration
	DefaultStopPercent  decimal.Decimal
	TrailingActivation  decimal.Decimal
	TrailingCallback    decimal.Decimal
}

// Opener orchestrates place entry -> attach stop -> persist as a
// best-effort atomic unit.
type Opener struct {
	store    Store
	registry *exchange.Registry
	ids      IDGenerator
	alerter  Alerter
	cfg      Config
	logger   zerolog.Logger
}

func New(store Store, registry *exchange.Registry, ids IDGenerator, alerter Alerter, cfg Config, logger zerolog.Logger) *Opener {
	return &Opener{
		store:    store,
		registry: registry,
		ids:      ids,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger,
	}
}

// OpenPosition executes the open protocol. The advisory lock is held only
// across the duplicate-check + insert transaction inside the store; both
// exchange round-trips (entry order, stop order) happen outside it so slow
// exchange responses never starve other symbols.
func (o *Opener) OpenPosition(ctx context.Context, req OpenRequest) (*OpenResult, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("quantity must be positive, got %s", req.Quantity)
	}
	if req.Side != exchange.SideLong && req.Side != exchange.SideShort {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	adapter, err := o.registry.Get(req.Exchange)
	if err != nil {
		return nil, err
	}

	log := o.logger.With().
		Str("signal_id", req.SignalID).
		Str("symbol", req.Symbol).
		Str("exchange", req.Exchange).
		Str("side", req.Side).
		Logger()

	// Defense 1: lock-free pre-check. Catches the common duplicate before
	// we spend an exchange order on it.
	if existing, err := o.store.GetOpenPosition(ctx, req.Symbol, req.Exchange); err != nil {
		return nil, err
	} else if existing != nil {
		log.Info().Int64("position_id", existing.ID).Msg("open position already exists, returning it")
		return &OpenResult{Outcome: OutcomeAlreadyExists, Position: existing}, nil
	}

	// Place the entry order before taking any lock. The client order id
	// makes a retry after timeout safe: the exchange deduplicates on it.
	clientID, err := o.ids.Generate(ctx, orders.OrderTypeEntry)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client order id: %w", err)
	}

	orderCtx, cancel := context.WithTimeout(ctx, o.cfg.OrderTimeout)
	defer cancel()

	entrySide := exchange.EntrySide(req.Side)
	res, err := adapter.CreateMarketOrder(orderCtx, req.Symbol, entrySide, req.Quantity, exchange.OrderOptions{
		ClientOrderID: clientID,
	})
	if err != nil {
		// No row was created; nothing to clean up locally.
		return nil, fmt.Errorf("entry order failed for %s: %w", req.Symbol, err)
	}

	// Entry price comes from the exchange fill, never from the signal.
	// The two can differ and stop-loss math downstream must use reality.
	entryPrice := res.AvgPrice
	if !entryPrice.IsPositive() {
		o.flatten(adapter, req, res.FilledQty, log)
		return nil, fmt.Errorf("exchange reported no fill price for %s order %s", req.Symbol, res.OrderID)
	}
	if !entryPrice.Equal(req.DesiredPrice) {
		log.Info().
			Str("signal_price", req.DesiredPrice.String()).
			Str("fill_price", entryPrice.String()).
			Msg("fill price differs from signal price, using fill")
	}

	// The executed quantity is the real exposure. Market responses can
	// report a partial fill; protecting or flattening the requested size
	// would overstate it.
	fillQty := req.Quantity
	if res.FilledQty.IsPositive() {
		fillQty = res.FilledQty
	}

	stopPrice := o.resolveStopPrice(req, entryPrice)

	pos := &database.Position{
		Symbol:                    req.Symbol,
		Exchange:                  req.Exchange,
		Side:                      req.Side,
		Quantity:                  fillQty,
		EntryPrice:                entryPrice,
		CurrentPrice:              entryPrice,
		StopLossPrice:             stopPrice,
		Status:                    database.StatusEntryPlaced,
		HasTrailingStop:           req.WithTrailing,
		TrailingActivationPercent: o.cfg.TrailingActivation,
		TrailingCallbackPercent:   o.cfg.TrailingCallback,
	}

	// Defense 2: duplicate-check + insert under the advisory lock.
	created, existing, err := o.store.CreatePositionLocked(ctx, pos)
	if err != nil {
		// The exchange position exists but we could not record it: the
		// worst category. Flatten and escalate.
		o.flatten(adapter, req, fillQty, log)
		o.alerter.Critical("position persist failed",
			fmt.Sprintf("%s %s on %s: entry filled at %s but persistence failed; position flattened", req.Side, req.Symbol, req.Exchange, entryPrice))
		return nil, fmt.Errorf("failed to persist position for %s: %w", req.Symbol, err)
	}
	if !created {
		// A concurrent creator won between the pre-check and the lock. Our
		// just-filled exposure is surplus; flatten it.
		log.Warn().Int64("existing_id", existing.ID).Msg("lost creation race, flattening surplus fill")
		o.flatten(adapter, req, fillQty, log)
		return &OpenResult{Outcome: OutcomeAlreadyExists, Position: existing}, nil
	}

	if err := o.store.RecordOrder(ctx, &database.Order{
		ExchangeOrderID: res.OrderID,
		ClientOrderID:   clientID,
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		Side:            entrySide,
		OrderType:       "MARKET",
		Price:           entryPrice,
		Quantity:        res.FilledQty,
		Status:          res.Status,
		PositionID:      &pos.ID,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record entry order audit row")
	}

	// Attach the protective stop, computed from the actual fill.
	if err := o.store.UpdatePositionStatus(ctx, pos.ID, database.StatusPendingSL); err != nil {
		log.Warn().Err(err).Msg("failed to mark position pending_sl")
	}

	stopCtx, cancelStop := context.WithTimeout(ctx, o.cfg.OrderTimeout)
	defer cancelStop()

	stop, err := adapter.SetStopLoss(stopCtx, req.Symbol, req.Side, stopPrice, fillQty)
	if err != nil {
		// The position stays open-but-unprotected; the recovery sweep
		// retries protection or force-closes it. Never silently active.
		if stErr := o.store.UpdatePositionStatus(ctx, pos.ID, database.StatusEntryPlaced); stErr != nil {
			log.Error().Err(stErr).Msg("failed to revert position to entry_placed")
		}
		o.alerter.Critical("unprotected position",
			fmt.Sprintf("%s %s on %s (id %d): stop-loss placement failed: %v", req.Side, req.Symbol, req.Exchange, pos.ID, err))
		return &OpenResult{Outcome: OutcomeCreated, Position: pos},
			fmt.Errorf("stop-loss placement failed for position %d: %w", pos.ID, err)
	}

	if err := o.store.UpdatePositionStopLoss(ctx, pos.ID, stopPrice); err != nil {
		log.Warn().Err(err).Msg("failed to persist stop loss price")
	}
	if err := o.store.RecordOrder(ctx, &database.Order{
		ExchangeOrderID: stop.OrderID,
		ClientOrderID:   orders.Related(clientID, orders.OrderTypeStop),
		Symbol:          req.Symbol,
		Exchange:        req.Exchange,
		Side:            exchange.ExitSide(req.Side),
		OrderType:       "STOP_MARKET",
		Price:           stopPrice,
		Quantity:        fillQty,
		Status:          stop.Status,
		PositionID:      &pos.ID,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record stop order audit row")
	}

	// Defense 3: one more duplicate check scoped to active, immediately
	// before flipping. Catches concurrent activation from another path.
	dup, err := o.store.GetActivePosition(ctx, req.Symbol, req.Exchange)
	if err != nil {
		return nil, fmt.Errorf("pre-activation duplicate check failed: %w", err)
	}
	if dup != nil && dup.ID != pos.ID {
		log.Warn().Int64("active_id", dup.ID).Int64("conflict_id", pos.ID).
			Msg("active duplicate found before activation, cleaning up conflicting position")
		o.cancelStop(adapter, req.Symbol, stop.OrderID, log)
		o.flatten(adapter, req, fillQty, log)
		if clErr := o.store.ClosePosition(ctx, pos.ID, database.StatusClosed, decimal.Zero); clErr != nil {
			log.Error().Err(clErr).Msg("failed to close conflicting position row")
		}
		return &OpenResult{Outcome: OutcomeConflict, Position: dup}, nil
	}

	if err := o.store.UpdatePositionStatus(ctx, pos.ID, database.StatusActive); err != nil {
		return nil, fmt.Errorf("failed to activate position %d: %w", pos.ID, err)
	}
	pos.Status = database.StatusActive

	log.Info().
		Int64("position_id", pos.ID).
		Str("entry_price", entryPrice.String()).
		Str("stop_price", stopPrice.String()).
		Msg("position opened and protected")

	return &OpenResult{Outcome: OutcomeCreated, Position: pos}, nil
}

// resolveStopPrice computes the fixed stop from the actual execution price.
func (o *Opener) resolveStopPrice(req OpenRequest, entryPrice decimal.Decimal) decimal.Decimal {
	pct := req.StopLoss.Percent
	if pct.IsZero() && req.StopLoss.Price.IsPositive() {
		return req.StopLoss.Price
	}
	if pct.IsZero() {
		pct = o.cfg.DefaultStopPercent
	}

	distance := entryPrice.Mul(pct).Div(decimal.NewFromInt(100))
	if req.Side == exchange.SideShort {
		return entryPrice.Add(distance)
	}
	return entryPrice.Sub(distance)
}

// flatten closes just-opened exposure with a reduce-only market order.
// Failures here leave a naked exchange position, so they escalate.
func (o *Opener) flatten(adapter exchange.Adapter, req OpenRequest, qty decimal.Decimal, log zerolog.Logger) {
	if !qty.IsPositive() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OrderTimeout)
	defer cancel()

	_, err := adapter.CreateMarketOrder(ctx, req.Symbol, exchange.ExitSide(req.Side), qty, exchange.OrderOptions{
		ReduceOnly: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("compensating flatten failed")
		o.alerter.Critical("compensating close failed",
			fmt.Sprintf("%s %s on %s: flatten of %s failed: %v", req.Side, req.Symbol, req.Exchange, qty, err))
	}
}

func (o *Opener) cancelStop(adapter exchange.Adapter, symbol, orderID string, log zerolog.Logger) {
	if orderID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.OrderTimeout)
	defer cancel()
	if err := adapter.CancelOrder(ctx, symbol, orderID); err != nil {
		log.Warn().Err(err).Str("order_id", orderID).Msg("failed to cancel stop order during cleanup")
	}
}
