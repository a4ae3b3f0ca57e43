// Package bot wires the trading core together and owns its lifecycle:
// event routing from the streams into the trailing engine, the aged scan
// loop, the reconciliation sweep against the exchange, and the recovery
// sweep for positions that were filled but never protected.
package bot

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/aged"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/notification"
	"futures-trading-bot/internal/opener"
	"futures-trading-bot/internal/trailing"
)

const (
	reconcileInterval = 5 * time.Minute
	recoveryInterval  = 30 * time.Second

	// recoveryGrace keeps the sweep off rows an in-flight open may still be
	// protecting: a pending_sl row updated moments ago usually has a stop
	// placement in flight, and a second stop order would go untracked.
	recoveryGrace = recoveryInterval
)

// Bot is the orchestrator. One symbol's failure never stops the others:
// every sweep and every event handler treats per-position errors as local.
type Bot struct {
	cfg      *config.Config
	db       *database.DB
	registry *exchange.Registry
	bus      *events.Bus
	opener   *opener.Opener
	trailing *trailing.Engine
	aged     *aged.Supervisor
	notifier *notification.Manager
	logger   zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg *config.Config, db *database.DB, registry *exchange.Registry, bus *events.Bus,
	op *opener.Opener, tr *trailing.Engine, ag *aged.Supervisor,
	notifier *notification.Manager, logger zerolog.Logger) *Bot {
	return &Bot{
		cfg:      cfg,
		db:       db,
		registry: registry,
		bus:      bus,
		opener:   op,
		trailing: tr,
		aged:     ag,
		notifier: notifier,
		logger:   logger,
	}
}

// Start restores state, subscribes to the event bus, and launches the
// background loops.
func (b *Bot) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	if _, err := b.trailing.RestoreAll(ctx); err != nil {
		return err
	}

	b.bus.Subscribe(events.EventPriceUpdate, func(e events.Event) {
		if e.Price != nil {
			b.onPrice(ctx, e.Price)
		}
	})
	b.bus.Subscribe(events.EventPositionUpdate, func(e events.Event) {
		if e.Position != nil {
			b.onPositionUpdate(ctx, e.Position)
		}
	})

	if b.cfg.AgedMonitorConfig.Enabled {
		b.runLoop(ctx, time.Duration(b.cfg.AgedMonitorConfig.CheckIntervalSecs)*time.Second, func(ctx context.Context) {
			if err := b.aged.Scan(ctx); err != nil {
				b.logger.Error().Err(err).Msg("aged scan failed")
			}
		})
	}
	b.runLoop(ctx, reconcileInterval, b.reconcile)
	b.runLoop(ctx, recoveryInterval, b.recoverUnprotected)

	b.logger.Info().Msg("bot started")
	return nil
}

// Stop cancels the loops and waits for them to drain.
func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.logger.Info().Msg("bot stopped")
}

func (b *Bot) runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// ==================== SIGNAL ENTRY POINT ====================

// OpenFromSignal runs the full open protocol for an accepted signal and, on
// a fresh open, hands the position to the trailing engine.
func (b *Bot) OpenFromSignal(ctx context.Context, req opener.OpenRequest) (*opener.OpenResult, error) {
	res, err := b.opener.OpenPosition(ctx, req)
	if err != nil {
		return res, err
	}
	if res.Outcome != opener.OutcomeCreated {
		return res, nil
	}

	pos := res.Position
	if pos.HasTrailingStop {
		if _, trErr := b.trailing.CreateTrailingStop(ctx, pos.Symbol, pos.Exchange, pos.Side, pos.EntryPrice, pos.Quantity); trErr != nil {
			b.logger.Error().Err(trErr).Str("symbol", pos.Symbol).Msg("trailing stop creation failed after open")
		}
	}
	b.notifier.TradeOpened(pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity)
	return res, nil
}

// ==================== EVENT HANDLERS ====================

func (b *Bot) onPrice(ctx context.Context, p *events.PriceUpdate) {
	if err := b.trailing.UpdatePrice(ctx, p.Symbol, p.Exchange, p.Price); err != nil {
		b.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("price routing failed")
	}
}

// onPositionUpdate handles authoritative account-stream snapshots. A size
// of zero means the exchange closed the position; everything local is torn
// down from that signal.
func (b *Bot) onPositionUpdate(ctx context.Context, u *events.PositionUpdate) {
	pos, err := b.db.GetOpenPosition(ctx, u.Symbol, u.Exchange)
	if err != nil {
		b.logger.Error().Err(err).Str("symbol", u.Symbol).Msg("position lookup failed")
		return
	}
	if pos == nil {
		return
	}

	if u.Size.IsZero() {
		b.closeFromStream(ctx, pos, u)
		return
	}

	pnl, pnlPercent := computePnL(pos, u.MarkPrice)
	if err := b.db.UpdatePositionMark(ctx, pos.ID, u.MarkPrice, pnl, pnlPercent); err != nil {
		b.logger.Warn().Err(err).Str("symbol", u.Symbol).Msg("mark update failed")
	}
}

func (b *Bot) closeFromStream(ctx context.Context, pos *database.Position, u *events.PositionUpdate) {
	exitPrice := u.MarkPrice
	if err := b.db.ClosePosition(ctx, pos.ID, database.StatusClosed, exitPrice); err != nil {
		b.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("stream close failed to persist")
		return
	}
	if err := b.trailing.Remove(ctx, pos.Symbol, pos.Exchange); err != nil {
		b.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("trailing teardown failed on stream close")
	}
	b.aged.ForgetPosition(pos.ID)

	pnl, _ := computePnL(pos, exitPrice)
	b.notifier.TradeClosed(pos.Symbol, pos.EntryPrice, exitPrice, pnl, "exchange reported size 0")
	b.logger.Info().
		Str("symbol", pos.Symbol).
		Int64("position_id", pos.ID).
		Str("exit_price", exitPrice.String()).
		Msg("position closed from account stream")
}

// ==================== SWEEPS ====================

// reconcile compares local active positions against the exchange's view
// and marks vanished ones phantom_closed.
func (b *Bot) reconcile(ctx context.Context) {
	positions, err := b.db.GetOpenPositions(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("reconcile failed to list positions")
		return
	}

	liveBySymbol := make(map[string]map[string]bool) // exchange -> symbol:side
	for _, name := range b.registry.Names() {
		adapter, err := b.registry.Get(name)
		if err != nil {
			continue
		}
		live, err := adapter.FetchPositions(ctx)
		if err != nil {
			b.logger.Warn().Err(err).Str("exchange", name).Msg("reconcile fetch failed, skipping exchange")
			continue
		}
		set := make(map[string]bool, len(live))
		for _, p := range live {
			set[p.Symbol+":"+p.Side] = true
		}
		liveBySymbol[name] = set
	}

	for _, pos := range positions {
		if pos.Status != database.StatusActive {
			continue
		}
		set, ok := liveBySymbol[pos.Exchange]
		if !ok {
			continue // exchange unreachable this sweep; no verdict
		}
		if set[pos.Symbol+":"+pos.Side] {
			continue
		}
		b.logger.Warn().
			Str("symbol", pos.Symbol).
			Int64("position_id", pos.ID).
			Msg("active position absent on exchange, marking phantom_closed")
		if err := b.db.ClosePosition(ctx, pos.ID, database.StatusPhantomClosed, decimal.Zero); err != nil {
			b.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("phantom close failed")
			continue
		}
		if err := b.trailing.Remove(ctx, pos.Symbol, pos.Exchange); err != nil {
			b.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("trailing teardown failed on phantom close")
		}
		b.aged.ForgetPosition(pos.ID)
	}
}

// recoverUnprotected retries stop-loss placement for positions stuck in
// entry_placed or pending_sl. Filled-but-unprotected is the one state the
// system promises never to leave standing.
func (b *Bot) recoverUnprotected(ctx context.Context) {
	positions, err := b.db.GetUnprotectedPositions(ctx)
	if err != nil {
		b.logger.Error().Err(err).Msg("recovery sweep failed to list positions")
		return
	}

	now := time.Now()
	for _, pos := range positions {
		if !needsRecovery(pos, now) {
			continue
		}
		adapter, err := b.registry.Get(pos.Exchange)
		if err != nil {
			continue
		}

		stopPrice := pos.StopLossPrice
		if !stopPrice.IsPositive() {
			stopPrice = defaultStop(pos, decimal.NewFromFloat(b.cfg.TradingConfig.StopLossPercent))
		}

		orderCtx, cancel := context.WithTimeout(ctx, b.cfg.OrderTimeout())
		stop, err := adapter.SetStopLoss(orderCtx, pos.Symbol, pos.Side, stopPrice, pos.Quantity)
		cancel()
		if err != nil {
			b.logger.Warn().Err(err).
				Str("symbol", pos.Symbol).
				Int64("position_id", pos.ID).
				Msg("recovery stop placement failed, will retry")
			continue
		}

		if err := b.db.UpdatePositionStopLoss(ctx, pos.ID, stopPrice); err != nil {
			b.logger.Warn().Err(err).Int64("position_id", pos.ID).Msg("failed to persist recovered stop")
		}
		if err := b.db.UpdatePositionStatus(ctx, pos.ID, database.StatusActive); err != nil {
			b.logger.Error().Err(err).Int64("position_id", pos.ID).Msg("failed to activate recovered position")
			continue
		}
		if pos.HasTrailingStop {
			if _, trErr := b.trailing.CreateTrailingStop(ctx, pos.Symbol, pos.Exchange, pos.Side, pos.EntryPrice, pos.Quantity); trErr != nil {
				b.logger.Error().Err(trErr).Str("symbol", pos.Symbol).Msg("trailing creation failed for recovered position")
			}
		}
		b.logger.Info().
			Str("symbol", pos.Symbol).
			Int64("position_id", pos.ID).
			Str("stop_order_id", stop.OrderID).
			Msg("unprotected position recovered")
	}
}

// ==================== HELPERS ====================

// needsRecovery reports whether an unprotected row has sat long enough to
// rule out an open still working on it.
func needsRecovery(pos *database.Position, now time.Time) bool {
	return now.Sub(pos.UpdatedAt) >= recoveryGrace
}

func computePnL(pos *database.Position, markPrice decimal.Decimal) (pnl, pnlPercent decimal.Decimal) {
	if !markPrice.IsPositive() || !pos.EntryPrice.IsPositive() {
		return decimal.Zero, decimal.Zero
	}
	diff := markPrice.Sub(pos.EntryPrice)
	if pos.Side == exchange.SideShort {
		diff = diff.Neg()
	}
	pnl = diff.Mul(pos.Quantity)
	pnlPercent = diff.Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))
	return pnl, pnlPercent
}

func defaultStop(pos *database.Position, percent decimal.Decimal) decimal.Decimal {
	distance := pos.EntryPrice.Mul(percent).Div(decimal.NewFromInt(100))
	if pos.Side == exchange.SideShort {
		return pos.EntryPrice.Add(distance)
	}
	return pos.EntryPrice.Sub(distance)
}
