package trailing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
)

// ==================== MOCKS ====================

type mockStore struct {
	mu        sync.Mutex
	rows      map[string]*database.TrailingStopState
	positions []*database.Position
	upserts   int
	upsertErr error
}

func newMockStore() *mockStore {
	return &mockStore{rows: make(map[string]*database.TrailingStopState)}
}

func (m *mockStore) rowKey(symbol, exch string) string { return exch + ":" + symbol }

func (m *mockStore) UpsertTrailingStopState(_ context.Context, s *database.TrailingStopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.upserts++
	cp := *s
	m.rows[m.rowKey(s.Symbol, s.Exchange)] = &cp
	return nil
}

func (m *mockStore) GetTrailingStopState(_ context.Context, symbol, exch string) (*database.TrailingStopState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[m.rowKey(symbol, exch)]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStore) DeleteTrailingStopState(_ context.Context, symbol, exch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, m.rowKey(symbol, exch))
	return nil
}

func (m *mockStore) GetOpenPositions(_ context.Context) ([]*database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, nil
}

func (m *mockStore) row(symbol, exch string) *database.TrailingStopState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[m.rowKey(symbol, exch)]; ok {
		cp := *s
		return &cp
	}
	return nil
}

func (m *mockStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

type mockMirror struct {
	mu      sync.Mutex
	saves   int
	deletes []string
}

func (m *mockMirror) Save(_ context.Context, _ *database.TrailingStopState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	return nil
}

func (m *mockMirror) Delete(_ context.Context, symbol, exch string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, exch+":"+symbol)
}

type mockAdapter struct {
	mu         sync.Mutex
	stopErr    error
	stopCalls  int
	stopPrices []decimal.Decimal
	canceled   []string
}

func (a *mockAdapter) Name() string { return "binance" }

func (a *mockAdapter) CreateMarketOrder(_ context.Context, symbol, _ string, quantity decimal.Decimal, _ exchange.OrderOptions) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: "mkt-1", Symbol: symbol, Status: exchange.OrderStatusFilled, FilledQty: quantity}, nil
}

func (a *mockAdapter) CreateLimitOrder(_ context.Context, symbol, _ string, _, _ decimal.Decimal, _ exchange.OrderOptions) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{OrderID: "lmt-1", Symbol: symbol, Status: exchange.OrderStatusNew}, nil
}

func (a *mockAdapter) SetStopLoss(_ context.Context, symbol, _ string, stopPrice, _ decimal.Decimal) (*exchange.StopOrder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopErr != nil {
		return nil, a.stopErr
	}
	a.stopCalls++
	a.stopPrices = append(a.stopPrices, stopPrice)
	return &exchange.StopOrder{OrderID: fmt.Sprintf("stop-%d", a.stopCalls), Symbol: symbol, Status: exchange.OrderStatusNew, StopPrice: stopPrice}, nil
}

func (a *mockAdapter) CancelOrder(_ context.Context, _ string, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled = append(a.canceled, orderID)
	return nil
}

func (a *mockAdapter) FetchPositions(_ context.Context, _ ...string) ([]exchange.PositionInfo, error) {
	return nil, nil
}

func (a *mockAdapter) FetchBalance(_ context.Context) (map[string]exchange.AssetBalance, error) {
	return map[string]exchange.AssetBalance{}, nil
}

func (a *mockAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopCalls
}

// ==================== HELPERS ====================

func testConfig() Config {
	return Config{
		ActivationPercent:      decimal.NewFromFloat(1.0),
		CallbackPercent:        decimal.NewFromFloat(0.5),
		MinUpdateInterval:      60 * time.Second,
		EmergencyMovePercent:   decimal.NewFromFloat(1.0),
		MinImprovementPercent:  decimal.NewFromFloat(0.05),
		PeakSaveInterval:       30 * time.Second,
		PeakSaveMinMovePercent: decimal.NewFromFloat(0.1),
	}
}

func newTestEngine(store *mockStore, adapter *mockAdapter) (*Engine, *mockMirror) {
	registry := exchange.NewRegistry()
	registry.Register(adapter)
	mirror := &mockMirror{}
	return NewEngine(store, registry, mirror, testConfig(), zerolog.Nop()), mirror
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// ==================== TESTS ====================

func TestActivationAndProtectionInvariant(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	inst, err := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Below activation: stays WAITING, no exchange call.
	if err := e.UpdatePrice(ctx, "BTCUSDT", "binance", d("100.5")); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if inst.State != database.TrailingStateWaiting {
		t.Fatalf("expected WAITING at 0.5%% profit, got %s", inst.State)
	}
	if adapter.calls() != 0 {
		t.Fatalf("no stop should be placed before activation, got %d calls", adapter.calls())
	}

	// At activation threshold: flips ACTIVE, stop below price for a long.
	if err := e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101")); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if inst.State != database.TrailingStateActive {
		t.Fatalf("expected ACTIVE at 1%% profit, got %s", inst.State)
	}
	wantStop := d("100.495") // 101 * (1 - 0.005)
	if !inst.CurrentStopPrice.Equal(wantStop) {
		t.Errorf("expected stop %s, got %s", wantStop, inst.CurrentStopPrice)
	}
	if !inst.CurrentStopPrice.LessThan(d("101")) {
		t.Error("long stop must sit below the market price")
	}
}

func TestShortStopSitsAboveMarket(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	inst, err := e.CreateTrailingStop(ctx, "ETHUSDT", "binance", exchange.SideShort, d("100"), d("2"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := e.UpdatePrice(ctx, "ETHUSDT", "binance", d("99")); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if inst.State != database.TrailingStateActive {
		t.Fatalf("expected ACTIVE, got %s", inst.State)
	}
	wantStop := d("99.495") // 99 * (1 + 0.005)
	if !inst.CurrentStopPrice.Equal(wantStop) {
		t.Errorf("expected stop %s, got %s", wantStop, inst.CurrentStopPrice)
	}
	if !inst.CurrentStopPrice.GreaterThan(d("99")) {
		t.Error("short stop must sit above the market price")
	}
}

func TestMonotonicActivation(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	inst, _ := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101"))
	if inst.State != database.TrailingStateActive {
		t.Fatalf("expected ACTIVE, got %s", inst.State)
	}

	// Price collapsing below entry must not regress the state machine.
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("95"))
	if inst.State != database.TrailingStateActive {
		t.Errorf("ACTIVE must never return to WAITING, got %s", inst.State)
	}
}

func TestFavorableOnlyRatchet(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	inst, _ := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))

	// Arbitrary, out-of-order prices: the extreme only ever ratchets up.
	prices := []string{"100.5", "101", "100.2", "102", "99", "101.5", "103", "102.9"}
	prevHigh := inst.HighestPrice
	prevStop := decimal.Zero
	for _, p := range prices {
		e.now = func() time.Time { return time.Now().Add(time.Hour) } // interval never binds
		if err := e.UpdatePrice(ctx, "BTCUSDT", "binance", d(p)); err != nil {
			t.Fatalf("update at %s failed: %v", p, err)
		}
		if inst.HighestPrice.LessThan(prevHigh) {
			t.Fatalf("highest price regressed from %s to %s at tick %s", prevHigh, inst.HighestPrice, p)
		}
		prevHigh = inst.HighestPrice
		if inst.State == database.TrailingStateActive {
			if prevStop.IsPositive() && inst.CurrentStopPrice.LessThan(prevStop) {
				t.Fatalf("stop regressed from %s to %s at tick %s", prevStop, inst.CurrentStopPrice, p)
			}
			prevStop = inst.CurrentStopPrice
		}
	}
	if !inst.HighestPrice.Equal(d("103")) {
		t.Errorf("expected final extreme 103, got %s", inst.HighestPrice)
	}
}

func TestRateLimitSkipAndEmergencyOverride(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return t0 }

	inst, _ := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101"))
	if adapter.calls() != 1 {
		t.Fatalf("expected 1 stop call after activation, got %d", adapter.calls())
	}
	stopAfterActivation := inst.CurrentStopPrice

	// 15s later: a small improvement is rate-limited and the speculative
	// stop mutation is reverted.
	e.now = func() time.Time { return t0.Add(15 * time.Second) }
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101.2"))
	if adapter.calls() != 1 {
		t.Errorf("sub-threshold improvement 15s after last update must be skipped, got %d calls", adapter.calls())
	}
	if !inst.CurrentStopPrice.Equal(stopAfterActivation) {
		t.Errorf("skipped update must revert the stop: want %s, got %s", stopAfterActivation, inst.CurrentStopPrice)
	}

	// Still 15s later: a >=1% improvement bypasses the interval entirely.
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("102.6"))
	if adapter.calls() != 2 {
		t.Errorf("emergency-size improvement must bypass the rate limit, got %d calls", adapter.calls())
	}
	wantStop := d("102.087") // 102.6 * 0.995
	if !inst.CurrentStopPrice.Equal(wantStop) {
		t.Errorf("expected stop %s after override push, got %s", wantStop, inst.CurrentStopPrice)
	}
}

func TestMinImprovementSkip(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return t0 }

	inst, _ := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101"))
	before := inst.CurrentStopPrice

	// Interval long since elapsed, but the ratchet is noise-level.
	e.now = func() time.Time { return t0.Add(10 * time.Minute) }
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101.02"))
	if adapter.calls() != 1 {
		t.Errorf("noise-level improvement must never be pushed, got %d calls", adapter.calls())
	}
	if !inst.CurrentStopPrice.Equal(before) {
		t.Errorf("skipped update must revert the stop: want %s, got %s", before, inst.CurrentStopPrice)
	}
}

func TestPeakPersistedWithoutOrderUpdate(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return t0 }

	_, _ = e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101"))
	upsertsAfterActivation := store.upsertCount()

	// 31s later the extreme extends but the order push is rate-limited.
	// The peak still reaches the store, with the stop price showing the
	// last pushed value, not the skipped candidate.
	e.now = func() time.Time { return t0.Add(31 * time.Second) }
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101.12"))

	if adapter.calls() != 1 {
		t.Fatalf("expected the order push to be rate-limited, got %d calls", adapter.calls())
	}
	if store.upsertCount() != upsertsAfterActivation+1 {
		t.Fatalf("expected a peak save, upserts went %d -> %d", upsertsAfterActivation, store.upsertCount())
	}
	row := store.row("BTCUSDT", "binance")
	if !row.HighestPrice.Equal(d("101.12")) {
		t.Errorf("persisted peak must be 101.12, got %s", row.HighestPrice)
	}
	if !row.CurrentStopPrice.Equal(d("100.495")) {
		t.Errorf("persisted stop must be the last pushed price 100.495, got %s", row.CurrentStopPrice)
	}
}

func TestCreateIsIdempotentPerPair(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	first, err := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if first != second {
		t.Error("second create for the same pair must return the existing instance")
	}
	if store.upsertCount() != 1 {
		t.Errorf("expected 1 initial persist, got %d", store.upsertCount())
	}
}

func TestCreateFailsFastWhenStoreDown(t *testing.T) {
	store := newMockStore()
	store.upsertErr = errors.New("connection refused")
	e, _ := newTestEngine(store, &mockAdapter{})

	_, err := e.CreateTrailingStop(context.Background(), "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	if err == nil {
		t.Fatal("create must fail when the initial persist fails")
	}
	if e.Tracked("BTCUSDT", "binance") {
		t.Error("a trailing stop that never reached the store must not be tracked")
	}
}

func TestConcurrentCreatesDistinctSymbols(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)

	symbols := []string{"BTCUSDT", "ETHUSDT", "ADAUSDT", "SOLUSDT", "XRPUSDT"}
	var wg sync.WaitGroup
	errs := make([]error, len(symbols))
	for i, sym := range symbols {
		wg.Add(1)
		go func(i int, sym string) {
			defer wg.Done()
			_, errs[i] = e.CreateTrailingStop(context.Background(), sym, "binance", exchange.SideLong, d("100"), d("1"))
		}(i, sym)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("create %s failed: %v", symbols[i], err)
		}
	}
	for _, sym := range symbols {
		if !e.Tracked(sym, "binance") {
			t.Errorf("expected %s tracked", sym)
		}
	}
	if got := len(e.Snapshots()); got != len(symbols) {
		t.Errorf("expected %d instances, got %d", len(symbols), got)
	}
}

func TestReopenOverwritesAllPositionDerivedFields(t *testing.T) {
	// Regression: a SHORT row left behind by a fast close-reopen cycle must
	// be fully overwritten by the LONG re-open, not just its ratchet fields.
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	stale := &database.TrailingStopState{
		Symbol:     "BTCUSDT",
		Exchange:   "binance",
		Side:       exchange.SideShort,
		EntryPrice: d("200"),
		Quantity:   d("5"),
		State:      database.TrailingStateActive,
	}
	if err := store.UpsertTrailingStopState(ctx, stale); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	if _, err := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	row := store.row("BTCUSDT", "binance")
	if row.Side != exchange.SideLong {
		t.Errorf("side must be overwritten to LONG, got %s", row.Side)
	}
	if !row.EntryPrice.Equal(d("100")) {
		t.Errorf("entry price must be overwritten to 100, got %s", row.EntryPrice)
	}
	if !row.Quantity.Equal(d("1")) {
		t.Errorf("quantity must be overwritten to 1, got %s", row.Quantity)
	}
	if row.State != database.TrailingStateWaiting {
		t.Errorf("reopened pair must start WAITING, got %s", row.State)
	}
}

func TestRemoveTearsDownStateAndOrder(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, mirror := newTestEngine(store, adapter)
	ctx := context.Background()

	_, _ = e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1"))
	_ = e.UpdatePrice(ctx, "BTCUSDT", "binance", d("101")) // activates, places stop-1

	if err := e.Remove(ctx, "BTCUSDT", "binance"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if e.Tracked("BTCUSDT", "binance") {
		t.Error("removed pair must not be tracked")
	}
	if store.row("BTCUSDT", "binance") != nil {
		t.Error("persisted row must be deleted on teardown")
	}
	if len(adapter.canceled) != 1 || adapter.canceled[0] != "stop-1" {
		t.Errorf("working stop order must be canceled on teardown, got %v", adapter.canceled)
	}
	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.deletes) != 1 {
		t.Errorf("mirror entry must be deleted on teardown, got %v", mirror.deletes)
	}
}

func TestRestoreFallsBackForCorruptedZeroPercents(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	e, _ := newTestEngine(store, adapter)
	ctx := context.Background()

	// Stored row with zeroed activation/callback (historical corruption).
	corrupt := &database.TrailingStopState{
		Symbol:       "BTCUSDT",
		Exchange:     "binance",
		Side:         exchange.SideLong,
		EntryPrice:   d("100"),
		Quantity:     d("1"),
		State:        database.TrailingStateWaiting,
		HighestPrice: d("100.8"),
		LowestPrice:  d("100"),
	}
	if err := store.UpsertTrailingStopState(ctx, corrupt); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	store.positions = []*database.Position{{
		ID:                        1,
		Symbol:                    "BTCUSDT",
		Exchange:                  "binance",
		Side:                      exchange.SideLong,
		Quantity:                  d("1"),
		EntryPrice:                d("100"),
		Status:                    database.StatusActive,
		HasTrailingStop:           true,
		TrailingActivationPercent: d("2.5"),
		TrailingCallbackPercent:   d("0.75"),
	}}

	restored, err := e.RestoreAll(ctx)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored != 1 {
		t.Fatalf("expected 1 restored, got %d", restored)
	}

	inst := e.get(key("BTCUSDT", "binance"))
	if inst == nil {
		t.Fatal("instance not restored")
	}
	if !inst.ActivationPercent.Equal(d("2.5")) {
		t.Errorf("zero activation must fall back to the position row, got %s", inst.ActivationPercent)
	}
	if !inst.CallbackPercent.Equal(d("0.75")) {
		t.Errorf("zero callback must fall back to the position row, got %s", inst.CallbackPercent)
	}
	// Ratchet progress from the stored row survives.
	if !inst.HighestPrice.Equal(d("100.8")) {
		t.Errorf("restored extreme must keep stored progress, got %s", inst.HighestPrice)
	}
	// The correction is written back.
	row := store.row("BTCUSDT", "binance")
	if !row.ActivationPercent.Equal(d("2.5")) {
		t.Errorf("corrected activation must be persisted, got %s", row.ActivationPercent)
	}
}

func TestRestoreWithoutRowSeedsFromPosition(t *testing.T) {
	store := newMockStore()
	e, _ := newTestEngine(store, &mockAdapter{})

	store.positions = []*database.Position{{
		ID:                        2,
		Symbol:                    "ETHUSDT",
		Exchange:                  "binance",
		Side:                      exchange.SideShort,
		Quantity:                  d("3"),
		EntryPrice:                d("2500"),
		Status:                    database.StatusActive,
		HasTrailingStop:           true,
		TrailingActivationPercent: d("1"),
		TrailingCallbackPercent:   d("0.5"),
	}}

	if _, err := e.RestoreAll(context.Background()); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	inst := e.get(key("ETHUSDT", "binance"))
	if inst == nil {
		t.Fatal("instance not restored")
	}
	if inst.State != database.TrailingStateWaiting {
		t.Errorf("fresh seed must start WAITING, got %s", inst.State)
	}
	if !inst.LowestPrice.Equal(d("2500")) {
		t.Errorf("extremes must seed at entry, got %s", inst.LowestPrice)
	}
	if store.row("ETHUSDT", "binance") == nil {
		t.Error("seeded state must be persisted")
	}
}

func TestUntrackedTicksAllocateNoKeyLocks(t *testing.T) {
	store := newMockStore()
	e, _ := newTestEngine(store, &mockAdapter{})
	ctx := context.Background()

	// A shared price feed streams many symbols the engine never tracks.
	for i := 0; i < 50; i++ {
		sym := fmt.Sprintf("SYM%dUSDT", i)
		if err := e.UpdatePrice(ctx, sym, "binance", d("100")); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}
	if n := keyLockCount(e); n != 0 {
		t.Errorf("untracked ticks must not grow the lock map, got %d entries", n)
	}
}

func TestRemovePrunesKeyLock(t *testing.T) {
	store := newMockStore()
	e, _ := newTestEngine(store, &mockAdapter{})
	ctx := context.Background()

	if _, err := e.CreateTrailingStop(ctx, "BTCUSDT", "binance", exchange.SideLong, d("100"), d("1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if n := keyLockCount(e); n != 1 {
		t.Fatalf("expected 1 lock entry while tracked, got %d", n)
	}

	if err := e.Remove(ctx, "BTCUSDT", "binance"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if n := keyLockCount(e); n != 0 {
		t.Errorf("remove must prune the pair's lock entry, got %d remaining", n)
	}
}

func keyLockCount(e *Engine) int {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	return len(e.keyLocks)
}
