package trailing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
)

// Store is the persistence surface the engine needs. The persisted trailing
// row is the restart source of truth, so writes here are not optional.
type Store interface {
	UpsertTrailingStopState(ctx context.Context, s *database.TrailingStopState) error
	GetTrailingStopState(ctx context.Context, symbol, exchange string) (*database.TrailingStopState, error)
	DeleteTrailingStopState(ctx context.Context, symbol, exchange string) error
	GetOpenPositions(ctx context.Context) ([]*database.Position, error)
}

// Mirror is the hot-state mirror (Redis). Mirror failures never block
// trading; the store is the source of truth.
type Mirror interface {
	Save(ctx context.Context, s *database.TrailingStopState) error
	Delete(ctx context.Context, symbol, exchange string)
}

// Config holds the ratchet policy knobs.
type Config struct {
	ActivationPercent      decimal.Decimal // profit % that flips WAITING -> ACTIVE
	CallbackPercent        decimal.Decimal // distance behind the favorable extreme
	MinUpdateInterval      time.Duration   // minimum gap between exchange-side stop updates
	EmergencyMovePercent   decimal.Decimal // improvement % that bypasses the interval check
	MinImprovementPercent  decimal.Decimal // improvements below this are noise, never pushed
	PeakSaveInterval       time.Duration   // cadence for persisting peaks without an order update
	PeakSaveMinMovePercent decimal.Decimal // minimum extreme move to bother persisting peaks
}

// Engine owns one trailing-stop instance per open position that wants one.
// All per-key operations (create, tick, remove) serialize on a per-key
// mutex; different symbols never block each other.
type Engine struct {
	store    Store
	registry *exchange.Registry
	mirror   Mirror
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	instances map[string]*Instance

	lockMu   sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewEngine(store Store, registry *exchange.Registry, mirror Mirror, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		store:     store,
		registry:  registry,
		mirror:    mirror,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		instances: make(map[string]*Instance),
		keyLocks:  make(map[string]*sync.Mutex),
	}
}

func key(symbol, exch string) string {
	return exch + ":" + symbol
}

// keyLock returns the mutex serializing operations for one pair.
func (e *Engine) keyLock(k string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	m, ok := e.keyLocks[k]
	if !ok {
		m = &sync.Mutex{}
		e.keyLocks[k] = m
	}
	return m
}

func (e *Engine) get(k string) *Instance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instances[k]
}

func (e *Engine) put(k string, inst *Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.instances[k] = inst
}

func (e *Engine) remove(k string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, k)
}

// pruneKeyLock drops a pair's mutex once its instance is gone, so the lock
// map does not grow with every symbol ever seen.
func (e *Engine) pruneKeyLock(k string) {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	delete(e.keyLocks, k)
}

// CreateTrailingStop registers a trailing stop for a just-opened position.
// Idempotent per (symbol, exchange): a second call returns the existing
// instance. Uses check -> per-key lock -> check again, so concurrent
// creators for different symbols never contend. The initial state must
// reach the store before the instance exists in memory; an instance that
// survives only in memory is lost on restart, which is indistinguishable
// from never having been created.
func (e *Engine) CreateTrailingStop(ctx context.Context, symbol, exch, side string, entryPrice, quantity decimal.Decimal) (*Instance, error) {
	k := key(symbol, exch)

	if inst := e.get(k); inst != nil {
		return inst, nil
	}

	lock := e.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	if inst := e.get(k); inst != nil {
		return inst, nil
	}

	if !entryPrice.IsPositive() || !quantity.IsPositive() {
		return nil, fmt.Errorf("invalid trailing stop parameters for %s: entry=%s qty=%s", symbol, entryPrice, quantity)
	}

	inst := newInstance(symbol, exch, side, entryPrice, quantity, e.cfg.ActivationPercent, e.cfg.CallbackPercent)

	if err := e.store.UpsertTrailingStopState(ctx, inst.snapshot()); err != nil {
		return nil, fmt.Errorf("refusing to track trailing stop for %s: initial persist failed: %w", symbol, err)
	}
	if e.mirror != nil {
		_ = e.mirror.Save(ctx, inst.snapshot())
	}

	e.put(k, inst)
	e.logger.Info().
		Str("symbol", symbol).
		Str("exchange", exch).
		Str("side", side).
		Str("entry_price", entryPrice.String()).
		Str("activation_pct", e.cfg.ActivationPercent.String()).
		Str("callback_pct", e.cfg.CallbackPercent.String()).
		Msg("trailing stop created")
	return inst, nil
}

// UpdatePrice is the per-tick decision. Profit is computed before any
// branch; the favorable extreme only ratchets, so duplicate or out-of-order
// ticks are harmless.
func (e *Engine) UpdatePrice(ctx context.Context, symbol, exch string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return nil
	}
	k := key(symbol, exch)
	// Untracked pairs are the common case on a shared price feed; bail
	// before allocating a key lock for them.
	if e.get(k) == nil {
		return nil
	}
	lock := e.keyLock(k)
	lock.Lock()
	defer lock.Unlock()

	inst := e.get(k)
	if inst == nil || inst.State == database.TrailingStateRemoved {
		return nil
	}

	profit := inst.profitPercent(price)
	extended := inst.ratchetExtreme(price)
	if profit.GreaterThan(inst.HighestProfitPercent) {
		inst.HighestProfitPercent = profit
	}

	switch inst.State {
	case database.TrailingStateWaiting:
		if profit.GreaterThanOrEqual(inst.ActivationPercent) {
			e.activate(ctx, inst, price)
		}
	case database.TrailingStateActive:
		e.maybeRatchet(ctx, inst, price)
	}

	e.maybePersistPeaks(ctx, inst, extended)
	return nil
}

// activate flips WAITING -> ACTIVE and places the first trailing stop.
// The transition is one-way; a failed placement keeps the instance WAITING
// so the next tick retries.
func (e *Engine) activate(ctx context.Context, inst *Instance, price decimal.Decimal) {
	stop := inst.stopFromExtreme()
	if err := inst.validateStopSide(stop, price); err != nil {
		e.logger.Error().Err(err).
			Str("symbol", inst.Symbol).
			Str("callback_pct", inst.CallbackPercent.String()).
			Msg("computed activation stop on wrong side of price, not sending")
		return
	}

	adapter, err := e.registry.Get(inst.Exchange)
	if err != nil {
		e.logger.Error().Err(err).Str("symbol", inst.Symbol).Msg("no adapter for trailing activation")
		return
	}

	so, err := adapter.SetStopLoss(ctx, inst.Symbol, inst.Side, stop, inst.Quantity)
	if err != nil {
		e.logger.Warn().Err(err).
			Str("symbol", inst.Symbol).
			Str("stop_price", stop.String()).
			Msg("trailing activation stop placement failed, retrying next tick")
		return
	}

	now := e.now()
	inst.State = database.TrailingStateActive
	inst.IsActivated = true
	inst.CurrentStopPrice = stop
	inst.StopOrderID = so.OrderID
	inst.LastSLUpdateTime = &now
	inst.LastUpdatedSLPrice = stop
	inst.UpdateCount++

	if err := e.persist(ctx, inst); err != nil {
		e.logger.Warn().Err(err).Str("symbol", inst.Symbol).Msg("failed to persist activation state")
	}

	e.logger.Info().
		Str("symbol", inst.Symbol).
		Str("side", inst.Side).
		Str("stop_price", stop.String()).
		Str("extreme", inst.favorableExtreme().String()).
		Msg("trailing stop activated")
}

// maybeRatchet computes the candidate stop behind the (possibly just
// extended) extreme and decides whether to push it to the exchange.
// Policy: improvements below MinImprovementPercent are never pushed;
// improvements at or above EmergencyMovePercent always are; in between,
// the minimum interval since the last successful push applies.
//
// The candidate is written speculatively and reverted on every skip path
// so the in-memory and persisted stop price never claim an update the
// exchange did not receive.
func (e *Engine) maybeRatchet(ctx context.Context, inst *Instance, price decimal.Decimal) {
	prev := inst.CurrentStopPrice
	candidate := inst.stopFromExtreme()
	inst.CurrentStopPrice = candidate

	improvement := inst.improvementPercent(candidate)
	if improvement.LessThan(e.cfg.MinImprovementPercent) {
		inst.CurrentStopPrice = prev
		return
	}

	if improvement.LessThan(e.cfg.EmergencyMovePercent) && inst.LastSLUpdateTime != nil {
		if elapsed := e.now().Sub(*inst.LastSLUpdateTime); elapsed < e.cfg.MinUpdateInterval {
			inst.CurrentStopPrice = prev
			e.logger.Debug().
				Str("symbol", inst.Symbol).
				Str("candidate", candidate.String()).
				Str("improvement_pct", improvement.String()).
				Dur("elapsed", elapsed).
				Msg("stop update skipped by rate limit")
			return
		}
	}

	if err := inst.validateStopSide(candidate, price); err != nil {
		inst.CurrentStopPrice = prev
		e.logger.Error().Err(err).Str("symbol", inst.Symbol).Msg("candidate stop on wrong side of price, not sending")
		return
	}

	adapter, err := e.registry.Get(inst.Exchange)
	if err != nil {
		inst.CurrentStopPrice = prev
		e.logger.Error().Err(err).Str("symbol", inst.Symbol).Msg("no adapter for stop ratchet")
		return
	}

	// Place the replacement first, then cancel the old order: a failed
	// placement must leave the previous protection standing.
	so, err := adapter.SetStopLoss(ctx, inst.Symbol, inst.Side, candidate, inst.Quantity)
	if err != nil {
		inst.CurrentStopPrice = prev
		e.logger.Warn().Err(err).
			Str("symbol", inst.Symbol).
			Str("stop_price", candidate.String()).
			Msg("stop ratchet placement failed, keeping previous stop order")
		return
	}

	oldOrderID := inst.StopOrderID
	now := e.now()
	inst.StopOrderID = so.OrderID
	inst.LastSLUpdateTime = &now
	inst.LastUpdatedSLPrice = candidate
	inst.UpdateCount++

	if oldOrderID != "" && oldOrderID != so.OrderID {
		if cancelErr := adapter.CancelOrder(ctx, inst.Symbol, oldOrderID); cancelErr != nil {
			e.logger.Warn().Err(cancelErr).
				Str("symbol", inst.Symbol).
				Str("order_id", oldOrderID).
				Msg("failed to cancel superseded stop order")
		}
	}

	if err := e.persist(ctx, inst); err != nil {
		e.logger.Warn().Err(err).Str("symbol", inst.Symbol).Msg("failed to persist ratcheted state")
	}

	e.logger.Info().
		Str("symbol", inst.Symbol).
		Str("old_stop", prev.String()).
		Str("new_stop", candidate.String()).
		Str("improvement_pct", improvement.String()).
		Int("update_count", inst.UpdateCount).
		Msg("trailing stop ratcheted")
}

// maybePersistPeaks saves ratchet progress on its own cadence so a restart
// between exchange-side updates does not lose the extreme.
func (e *Engine) maybePersistPeaks(ctx context.Context, inst *Instance, extended bool) {
	if !extended {
		return
	}
	now := e.now()
	if !inst.lastPeakSaveTime.IsZero() && now.Sub(inst.lastPeakSaveTime) < e.cfg.PeakSaveInterval {
		return
	}
	if inst.lastPeakSavePrice.IsPositive() {
		extreme := inst.favorableExtreme()
		move := extreme.Sub(inst.lastPeakSavePrice).Abs().Div(inst.lastPeakSavePrice).Mul(hundred)
		if move.LessThan(e.cfg.PeakSaveMinMovePercent) {
			return
		}
	}
	if err := e.persist(ctx, inst); err != nil {
		e.logger.Warn().Err(err).Str("symbol", inst.Symbol).Msg("failed to persist peak progress")
	}
}

// persist writes the full state to the store and mirrors it.
func (e *Engine) persist(ctx context.Context, inst *Instance) error {
	snap := inst.snapshot()
	if err := e.store.UpsertTrailingStopState(ctx, snap); err != nil {
		return err
	}
	if e.mirror != nil {
		_ = e.mirror.Save(ctx, snap)
	}
	inst.lastPeakSaveTime = e.now()
	inst.lastPeakSavePrice = inst.favorableExtreme()
	return nil
}

// Remove tears down one pair's trailing stop when the owning position
// closes. The working stop order is canceled best-effort; the persisted
// row and mirror entry are deleted.
func (e *Engine) Remove(ctx context.Context, symbol, exch string) error {
	k := key(symbol, exch)
	lock := e.keyLock(k)
	lock.Lock()
	defer lock.Unlock()
	defer e.pruneKeyLock(k)

	inst := e.get(k)
	if inst == nil {
		// Nothing in memory; clear any orphaned row anyway.
		if err := e.store.DeleteTrailingStopState(ctx, symbol, exch); err != nil {
			return err
		}
		if e.mirror != nil {
			e.mirror.Delete(ctx, symbol, exch)
		}
		return nil
	}

	if inst.StopOrderID != "" {
		if adapter, err := e.registry.Get(exch); err == nil {
			if cancelErr := adapter.CancelOrder(ctx, symbol, inst.StopOrderID); cancelErr != nil {
				e.logger.Warn().Err(cancelErr).
					Str("symbol", symbol).
					Str("order_id", inst.StopOrderID).
					Msg("failed to cancel stop order during teardown")
			}
		}
	}

	inst.State = database.TrailingStateRemoved
	e.remove(k)

	if err := e.store.DeleteTrailingStopState(ctx, symbol, exch); err != nil {
		return fmt.Errorf("failed to delete trailing state for %s:%s: %w", symbol, exch, err)
	}
	if e.mirror != nil {
		e.mirror.Delete(ctx, symbol, exch)
	}

	e.logger.Info().
		Str("symbol", symbol).
		Str("exchange", exch).
		Int("update_count", inst.UpdateCount).
		Msg("trailing stop removed")
	return nil
}

// Tracked reports whether the pair has a live instance.
func (e *Engine) Tracked(symbol, exch string) bool {
	return e.get(key(symbol, exch)) != nil
}

// Snapshots returns the current state of every tracked instance, for the
// status API. Each instance is snapshotted under its own key lock so a
// concurrent tick never tears a read.
func (e *Engine) Snapshots() []*database.TrailingStopState {
	e.mu.RLock()
	keys := make([]string, 0, len(e.instances))
	for k := range e.instances {
		keys = append(keys, k)
	}
	e.mu.RUnlock()

	out := make([]*database.TrailingStopState, 0, len(keys))
	for _, k := range keys {
		lock := e.keyLock(k)
		lock.Lock()
		if inst := e.get(k); inst != nil {
			out = append(out, inst.snapshot())
		}
		lock.Unlock()
	}
	return out
}
