// Package aged bounds the worst-case holding time of positions that never
// hit their ordinary exit. Escalation runs in three phases: a grace window
// that tries a breakeven limit exit, a progressive window that walks the
// limit price from entry toward market, and a forced market close.
package aged

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/orders"
)

// Phase is the escalation stage for one aged position.
type Phase string

const (
	PhaseNone        Phase = "none"
	PhaseGrace       Phase = "grace"
	PhaseProgressive Phase = "progressive"
	PhaseEmergency   Phase = "emergency"
)

const (
	progressiveStartHours = 4.0
	progressiveEndHours   = 8.0
	blendFactorFloor      = "0.2"
)

// PhaseFor selects the escalation phase. It is a pure function of how far
// past the age limit the position is and the account balance; balance only
// matters inside the 4-8h window, where a healthy account keeps trying for
// breakeven while a depleted one starts conceding price.
func PhaseFor(hoursOverLimit float64, totalBalance, safetyThreshold decimal.Decimal) Phase {
	switch {
	case hoursOverLimit <= 0:
		return PhaseNone
	case hoursOverLimit > progressiveEndHours:
		return PhaseEmergency
	case hoursOverLimit >= progressiveStartHours:
		if totalBalance.LessThan(safetyThreshold) {
			return PhaseProgressive
		}
		return PhaseGrace
	default:
		return PhaseGrace
	}
}

// BlendFactor maps hours-over-limit onto the 0.2 -> 1.0 concession ramp
// across the progressive window.
func BlendFactor(hoursOverLimit float64) decimal.Decimal {
	floor := decimal.RequireFromString(blendFactorFloor)
	if hoursOverLimit <= progressiveStartHours {
		return floor
	}
	if hoursOverLimit >= progressiveEndHours {
		return decimal.NewFromInt(1)
	}
	span := decimal.NewFromFloat(progressiveEndHours - progressiveStartHours)
	progress := decimal.NewFromFloat(hoursOverLimit - progressiveStartHours).Div(span)
	return floor.Add(progress.Mul(decimal.NewFromInt(1).Sub(floor)))
}

// Store is the persistence surface the supervisor needs.
type Store interface {
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
	ClosePosition(ctx context.Context, id int64, status string, exitPrice decimal.Decimal) error
	RecordOrder(ctx context.Context, o *database.Order) error
}

// Teardown releases per-symbol state owned elsewhere (the trailing engine)
// once the supervisor closes a position.
type Teardown interface {
	Remove(ctx context.Context, symbol, exchange string) error
}

// IDGenerator supplies client order ids for exit orders.
type IDGenerator interface {
	Generate(ctx context.Context, orderType orders.OrderType) (string, error)
}

// Alerter receives operator-visible escalations.
type Alerter interface {
	Critical(title, message string)
}

// Config holds the supervisor policy.
type Config struct {
	MaxPositionAgeHours    float64
	BalanceSafetyThreshold decimal.Decimal
	CommissionPercent      decimal.Decimal // per fill; breakeven pays it twice
	ForceCloseMaxRetries   int
	LimitReplaceInterval   time.Duration
	OrderTimeout           time.Duration
	QuoteAsset             string // balance asset, e.g. USDT
}

// limitState tracks the working exit limit order for one position. This is
// process-local and intentionally not persisted: after a restart the next
// scan simply places a fresh limit and the hourly replacement clock starts
// over, which is safe because placement always cancels the prior order.
type limitState struct {
	orderID  string
	placedAt time.Time
	target   decimal.Decimal
}

// Supervisor runs the aged-position escalation.
type Supervisor struct {
	store    Store
	registry *exchange.Registry
	teardown Teardown
	ids      IDGenerator
	alerter  Alerter
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	limits map[int64]*limitState
}

func NewSupervisor(store Store, registry *exchange.Registry, teardown Teardown, ids IDGenerator, alerter Alerter, cfg Config, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		store:    store,
		registry: registry,
		teardown: teardown,
		ids:      ids,
		alerter:  alerter,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
		limits:   make(map[int64]*limitState),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Scan processes every aged open position. Each position runs as its own
// goroutine so one stuck close never blocks the others.
func (s *Supervisor) Scan(ctx context.Context) error {
	positions, err := s.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("aged scan failed to list positions: %w", err)
	}

	now := s.now()
	balances := s.fetchBalances(ctx)

	var wg sync.WaitGroup
	for _, pos := range positions {
		if pos.Status != database.StatusActive {
			continue
		}
		if pos.AgeHours(now)-s.cfg.MaxPositionAgeHours <= 0 {
			continue
		}
		wg.Add(1)
		go func(pos *database.Position) {
			defer wg.Done()
			if err := s.ProcessAgedPosition(ctx, pos, balances[pos.Exchange]); err != nil {
				s.logger.Error().Err(err).
					Str("symbol", pos.Symbol).
					Int64("position_id", pos.ID).
					Msg("aged position processing failed")
			}
		}(pos)
	}
	wg.Wait()
	return nil
}

// fetchBalances reads the quote-asset total per exchange. A failed read
// yields zero, which biases the 4-8h window toward progressive concession;
// conceding price is the safer failure mode than holding for breakeven on
// an account we cannot see.
func (s *Supervisor) fetchBalances(ctx context.Context) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, name := range s.registry.Names() {
		adapter, err := s.registry.Get(name)
		if err != nil {
			continue
		}
		balances, err := adapter.FetchBalance(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Str("exchange", name).Msg("balance fetch failed, assuming depleted")
			out[name] = decimal.Zero
			continue
		}
		out[name] = balances[s.cfg.QuoteAsset].Total
	}
	return out
}

// ProcessAgedPosition runs one escalation tick for one position.
func (s *Supervisor) ProcessAgedPosition(ctx context.Context, pos *database.Position, totalBalance decimal.Decimal) error {
	hoursOver := pos.AgeHours(s.now()) - s.cfg.MaxPositionAgeHours
	if hoursOver <= 0 {
		return nil
	}

	adapter, err := s.registry.Get(pos.Exchange)
	if err != nil {
		return err
	}

	// The exchange may have closed this position outside our control
	// (liquidation, manual intervention). Check before acting on it.
	live, err := s.findLivePosition(ctx, adapter, pos)
	if err != nil {
		return fmt.Errorf("live position check failed for %s: %w", pos.Symbol, err)
	}
	if live == nil {
		s.logger.Warn().
			Str("symbol", pos.Symbol).
			Int64("position_id", pos.ID).
			Msg("position absent on exchange, marking phantom_closed")
		if err := s.store.ClosePosition(ctx, pos.ID, database.StatusPhantomClosed, decimal.Zero); err != nil {
			return err
		}
		s.releasePosition(ctx, pos)
		return nil
	}

	currentPrice := live.MarkPrice
	phase := PhaseFor(hoursOver, totalBalance, s.cfg.BalanceSafetyThreshold)

	log := s.logger.With().
		Str("symbol", pos.Symbol).
		Int64("position_id", pos.ID).
		Float64("hours_over_limit", hoursOver).
		Str("phase", string(phase)).
		Logger()

	switch phase {
	case PhaseGrace:
		target := s.breakevenPrice(pos)
		log.Info().Str("target", target.String()).Msg("aged position in grace phase")
		return s.placeOrReplaceLimit(ctx, adapter, pos, target, log)

	case PhaseProgressive:
		factor := BlendFactor(hoursOver)
		if factor.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			log.Warn().Msg("progressive factor reached 1.0, forcing close")
			return s.forceClose(ctx, adapter, pos, currentPrice, log)
		}
		target := pos.EntryPrice.Add(currentPrice.Sub(pos.EntryPrice).Mul(factor))
		log.Info().
			Str("factor", factor.String()).
			Str("target", target.String()).
			Msg("aged position in progressive phase")
		return s.placeOrReplaceLimit(ctx, adapter, pos, target, log)

	case PhaseEmergency:
		log.Warn().Msg("aged position past emergency threshold, forcing close")
		return s.forceClose(ctx, adapter, pos, currentPrice, log)
	}
	return nil
}

// findLivePosition matches the local record against the exchange's view.
func (s *Supervisor) findLivePosition(ctx context.Context, adapter exchange.Adapter, pos *database.Position) (*exchange.PositionInfo, error) {
	live, err := adapter.FetchPositions(ctx, pos.Symbol)
	if err != nil {
		return nil, err
	}
	for i := range live {
		if live[i].Symbol == pos.Symbol && live[i].Side == pos.Side && live[i].Size.IsPositive() {
			return &live[i], nil
		}
	}
	return nil, nil
}

// breakevenPrice is entry adjusted so the exit covers commission on both
// fills.
func (s *Supervisor) breakevenPrice(pos *database.Position) decimal.Decimal {
	cost := s.cfg.CommissionPercent.Mul(decimal.NewFromInt(2)).Div(decimal.NewFromInt(100))
	if pos.Side == exchange.SideShort {
		return pos.EntryPrice.Mul(decimal.NewFromInt(1).Sub(cost))
	}
	return pos.EntryPrice.Mul(decimal.NewFromInt(1).Add(cost))
}

// placeOrReplaceLimit maintains at most one working exit limit per
// position, replacing it at most once per LimitReplaceInterval so the
// walk-toward-market logic does not fight itself on every tick.
func (s *Supervisor) placeOrReplaceLimit(ctx context.Context, adapter exchange.Adapter, pos *database.Position, target decimal.Decimal, log zerolog.Logger) error {
	s.mu.Lock()
	prev := s.limits[pos.ID]
	s.mu.Unlock()

	if prev != nil && s.now().Sub(prev.placedAt) < s.cfg.LimitReplaceInterval {
		log.Debug().
			Str("working_target", prev.target.String()).
			Msg("exit limit replacement deferred, within interval")
		return nil
	}

	if prev != nil && prev.orderID != "" {
		if err := adapter.CancelOrder(ctx, pos.Symbol, prev.orderID); err != nil && !errors.Is(err, exchange.ErrNotFound) {
			log.Warn().Err(err).Str("order_id", prev.orderID).Msg("failed to cancel previous exit limit")
		}
	}

	clientID, err := s.ids.Generate(ctx, orders.OrderTypeExit)
	if err != nil {
		return fmt.Errorf("failed to generate exit order id: %w", err)
	}

	orderCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
	defer cancel()

	res, err := adapter.CreateLimitOrder(orderCtx, pos.Symbol, exchange.ExitSide(pos.Side), pos.Quantity, target, exchange.OrderOptions{
		ClientOrderID: clientID,
		ReduceOnly:    true,
	})
	if err != nil {
		return fmt.Errorf("exit limit placement failed for %s: %w", pos.Symbol, err)
	}

	s.mu.Lock()
	s.limits[pos.ID] = &limitState{orderID: res.OrderID, placedAt: s.now(), target: target}
	s.mu.Unlock()

	if err := s.store.RecordOrder(ctx, &database.Order{
		ExchangeOrderID: res.OrderID,
		ClientOrderID:   clientID,
		Symbol:          pos.Symbol,
		Exchange:        pos.Exchange,
		Side:            exchange.ExitSide(pos.Side),
		OrderType:       "LIMIT",
		Price:           target,
		Quantity:        pos.Quantity,
		Status:          res.Status,
		PositionID:      &pos.ID,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to record exit limit audit row")
	}

	log.Info().Str("target", target.String()).Str("order_id", res.OrderID).Msg("exit limit placed")
	return nil
}

// forceClose flattens the position with a market order, retrying with
// exponential backoff and error-specific adjustments: insufficient balance
// shrinks the size 1%, max-quantity halves it, rate limits wait, and
// not-found means the position is already gone. Exhausted retries escalate
// but never panic the loop.
func (s *Supervisor) forceClose(ctx context.Context, adapter exchange.Adapter, pos *database.Position, currentPrice decimal.Decimal, log zerolog.Logger) error {
	qty := pos.Quantity
	backoff := time.Second

	for attempt := 1; attempt <= s.cfg.ForceCloseMaxRetries; attempt++ {
		clientID, err := s.ids.Generate(ctx, orders.OrderTypeExit)
		if err != nil {
			return fmt.Errorf("failed to generate force-close order id: %w", err)
		}

		orderCtx, cancel := context.WithTimeout(ctx, s.cfg.OrderTimeout)
		res, err := adapter.CreateMarketOrder(orderCtx, pos.Symbol, exchange.ExitSide(pos.Side), qty, exchange.OrderOptions{
			ClientOrderID: clientID,
			ReduceOnly:    true,
		})
		cancel()

		if err == nil {
			exitPrice := res.AvgPrice
			if !exitPrice.IsPositive() {
				exitPrice = currentPrice
			}
			if clErr := s.store.ClosePosition(ctx, pos.ID, database.StatusClosed, exitPrice); clErr != nil {
				log.Error().Err(clErr).Msg("force close succeeded on exchange but local close failed")
			}
			if rErr := s.store.RecordOrder(ctx, &database.Order{
				ExchangeOrderID: res.OrderID,
				ClientOrderID:   clientID,
				Symbol:          pos.Symbol,
				Exchange:        pos.Exchange,
				Side:            exchange.ExitSide(pos.Side),
				OrderType:       "MARKET",
				Price:           exitPrice,
				Quantity:        res.FilledQty,
				Status:          res.Status,
				PositionID:      &pos.ID,
			}); rErr != nil {
				log.Warn().Err(rErr).Msg("failed to record force-close audit row")
			}
			s.releasePosition(ctx, pos)
			log.Info().
				Int("attempt", attempt).
				Str("exit_price", exitPrice.String()).
				Msg("aged position force-closed")
			return nil
		}

		switch {
		case errors.Is(err, exchange.ErrNotFound):
			log.Warn().Msg("position vanished during force close, marking phantom_closed")
			if clErr := s.store.ClosePosition(ctx, pos.ID, database.StatusPhantomClosed, decimal.Zero); clErr != nil {
				return clErr
			}
			s.releasePosition(ctx, pos)
			return nil

		case errors.Is(err, exchange.ErrInsufficientBalance):
			qty = qty.Mul(decimal.RequireFromString("0.99"))
			log.Warn().Int("attempt", attempt).Str("qty", qty.String()).Msg("insufficient balance, shrinking close size 1%")

		case errors.Is(err, exchange.ErrMaxQuantityExceeded):
			qty = qty.Div(decimal.NewFromInt(2))
			log.Warn().Int("attempt", attempt).Str("qty", qty.String()).Msg("max quantity exceeded, halving close size")

		case errors.Is(err, exchange.ErrRateLimited), exchange.IsTimeout(err):
			log.Warn().Int("attempt", attempt).Dur("backoff", backoff).Msg("transient error during force close, backing off")

		default:
			log.Warn().Err(err).Int("attempt", attempt).Msg("force close attempt failed")
		}

		if attempt < s.cfg.ForceCloseMaxRetries {
			if sleepErr := s.sleep(ctx, backoff); sleepErr != nil {
				return sleepErr
			}
			backoff *= 2
		}
	}

	s.alerter.Critical("force close exhausted",
		fmt.Sprintf("%s %s on %s (id %d): %d force-close attempts failed, manual intervention required",
			pos.Side, pos.Symbol, pos.Exchange, pos.ID, s.cfg.ForceCloseMaxRetries))
	return fmt.Errorf("force close exhausted %d retries for position %d", s.cfg.ForceCloseMaxRetries, pos.ID)
}

// releasePosition drops the working-limit record and tears down the
// position's trailing state.
func (s *Supervisor) releasePosition(ctx context.Context, pos *database.Position) {
	s.mu.Lock()
	delete(s.limits, pos.ID)
	s.mu.Unlock()

	if s.teardown != nil {
		if err := s.teardown.Remove(ctx, pos.Symbol, pos.Exchange); err != nil {
			s.logger.Warn().Err(err).Str("symbol", pos.Symbol).Msg("trailing teardown failed after close")
		}
	}
}

// ForgetPosition clears limit tracking when a position closes through
// another path (trailing stop fill, authoritative stream close).
func (s *Supervisor) ForgetPosition(id int64) {
	s.mu.Lock()
	delete(s.limits, id)
	s.mu.Unlock()
}
