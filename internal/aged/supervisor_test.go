package aged

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/orders"
)

// ==================== MOCKS ====================

type mockStore struct {
	mu        sync.Mutex
	positions []*database.Position
	closed    map[int64]string // id -> terminal status
	orders    []*database.Order
}

func newMockStore() *mockStore {
	return &mockStore{closed: make(map[int64]string)}
}

func (m *mockStore) GetOpenPositions(_ context.Context) ([]*database.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, nil
}

func (m *mockStore) ClosePosition(_ context.Context, id int64, status string, _ decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed[id] = status
	return nil
}

func (m *mockStore) RecordOrder(_ context.Context, o *database.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = append(m.orders, o)
	return nil
}

func (m *mockStore) closedStatus(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[id]
}

type mockAdapter struct {
	mu          sync.Mutex
	live        []exchange.PositionInfo
	marketErrs  []error // consumed per market order call; nil means success
	marketCalls int
	marketQtys  []decimal.Decimal
	limitCalls  int
	limitPrices []decimal.Decimal
	canceled    []string
}

func (a *mockAdapter) Name() string { return "binance" }

func (a *mockAdapter) CreateMarketOrder(_ context.Context, symbol, _ string, quantity decimal.Decimal, _ exchange.OrderOptions) (*exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marketCalls++
	a.marketQtys = append(a.marketQtys, quantity)
	if len(a.marketErrs) > 0 {
		err := a.marketErrs[0]
		a.marketErrs = a.marketErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &exchange.OrderResult{
		OrderID:   fmt.Sprintf("mkt-%d", a.marketCalls),
		Symbol:    symbol,
		Status:    exchange.OrderStatusFilled,
		FilledQty: quantity,
		AvgPrice:  decimal.RequireFromString("95"),
	}, nil
}

func (a *mockAdapter) CreateLimitOrder(_ context.Context, symbol, _ string, _, price decimal.Decimal, _ exchange.OrderOptions) (*exchange.OrderResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.limitCalls++
	a.limitPrices = append(a.limitPrices, price)
	return &exchange.OrderResult{
		OrderID: fmt.Sprintf("lmt-%d", a.limitCalls),
		Symbol:  symbol,
		Status:  exchange.OrderStatusNew,
	}, nil
}

func (a *mockAdapter) SetStopLoss(_ context.Context, symbol, _ string, stopPrice, _ decimal.Decimal) (*exchange.StopOrder, error) {
	return &exchange.StopOrder{OrderID: "stop-1", Symbol: symbol, StopPrice: stopPrice}, nil
}

func (a *mockAdapter) CancelOrder(_ context.Context, _ string, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.canceled = append(a.canceled, orderID)
	return nil
}

func (a *mockAdapter) FetchPositions(_ context.Context, _ ...string) ([]exchange.PositionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live, nil
}

func (a *mockAdapter) FetchBalance(_ context.Context) (map[string]exchange.AssetBalance, error) {
	return map[string]exchange.AssetBalance{"USDT": {Total: decimal.NewFromInt(500)}}, nil
}

type mockIDs struct {
	mu  sync.Mutex
	seq int
}

func (g *mockIDs) Generate(_ context.Context, orderType orders.OrderType) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("FTB-TEST-%05d-%s", g.seq, orderType), nil
}

type mockAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *mockAlerter) Critical(title, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *mockAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

type mockTeardown struct {
	mu      sync.Mutex
	removed []string
}

func (m *mockTeardown) Remove(_ context.Context, symbol, exch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, exch+":"+symbol)
	return nil
}

// ==================== HELPERS ====================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() Config {
	return Config{
		MaxPositionAgeHours:    24,
		BalanceSafetyThreshold: d("100"),
		CommissionPercent:      d("0.1"),
		ForceCloseMaxRetries:   5,
		LimitReplaceInterval:   time.Hour,
		OrderTimeout:           5 * time.Second,
		QuoteAsset:             "USDT",
	}
}

func newTestSupervisor(store *mockStore, adapter *mockAdapter, alerter *mockAlerter, teardown *mockTeardown) *Supervisor {
	registry := exchange.NewRegistry()
	registry.Register(adapter)
	s := NewSupervisor(store, registry, teardown, &mockIDs{}, alerter, testConfig(), zerolog.Nop())
	s.sleep = func(_ context.Context, _ time.Duration) error { return nil }
	return s
}

// agedPosition builds an active long opened hoursOver+24 hours ago.
func agedPosition(hoursOver float64) *database.Position {
	opened := time.Now().Add(-time.Duration((hoursOver + 24) * float64(time.Hour)))
	return &database.Position{
		ID:         1,
		Symbol:     "BTCUSDT",
		Exchange:   "binance",
		Side:       exchange.SideLong,
		Quantity:   d("2"),
		EntryPrice: d("100"),
		Status:     database.StatusActive,
		OpenedAt:   &opened,
	}
}

func liveFor(pos *database.Position, mark string) []exchange.PositionInfo {
	return []exchange.PositionInfo{{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Size:       pos.Quantity,
		EntryPrice: pos.EntryPrice,
		MarkPrice:  d(mark),
	}}
}

// ==================== TESTS ====================

func TestPhaseSelectionDeterminism(t *testing.T) {
	low := d("50")   // below safety threshold
	high := d("500") // above safety threshold
	threshold := d("100")

	cases := []struct {
		hoursOver float64
		balance   decimal.Decimal
		want      Phase
	}{
		{2, low, PhaseGrace},
		{2, high, PhaseGrace},
		{5, low, PhaseProgressive},
		{5, high, PhaseGrace},
		{9, low, PhaseEmergency},
		{9, high, PhaseEmergency},
		{0, low, PhaseNone},
		{-1, high, PhaseNone},
	}
	for _, tc := range cases {
		got := PhaseFor(tc.hoursOver, tc.balance, threshold)
		if got != tc.want {
			t.Errorf("PhaseFor(%v, balance=%s) = %s, want %s", tc.hoursOver, tc.balance, got, tc.want)
		}
	}
}

func TestBlendFactorRamp(t *testing.T) {
	cases := []struct {
		hoursOver float64
		want      string
	}{
		{4, "0.2"},
		{5, "0.4"},
		{6, "0.6"},
		{7, "0.8"},
		{8, "1"},
		{3, "0.2"}, // clamped low
		{10, "1"},  // clamped high
	}
	for _, tc := range cases {
		got := BlendFactor(tc.hoursOver)
		if !got.Equal(d(tc.want)) {
			t.Errorf("BlendFactor(%v) = %s, want %s", tc.hoursOver, got, tc.want)
		}
	}
}

func TestGracePhasePlacesBreakevenLimit(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, &mockTeardown{})

	pos := agedPosition(2)
	adapter.live = liveFor(pos, "98")

	if err := s.ProcessAgedPosition(context.Background(), pos, d("500")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if adapter.limitCalls != 1 {
		t.Fatalf("expected 1 limit order, got %d", adapter.limitCalls)
	}
	// Breakeven for a long: entry * (1 + 2 * 0.1%) = 100.2
	if !adapter.limitPrices[0].Equal(d("100.2")) {
		t.Errorf("expected breakeven limit at 100.2, got %s", adapter.limitPrices[0])
	}
}

func TestProgressivePhaseWalksTowardMarket(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, &mockTeardown{})

	// Pin the clock so hours-over-limit is exactly 6 (factor 0.6); the
	// blend is a function of elapsed time and drifts under a live clock.
	t0 := time.Now()
	s.now = func() time.Time { return t0 }
	pos := agedPosition(6)
	opened := t0.Add(-30 * time.Hour)
	pos.OpenedAt = &opened
	adapter.live = liveFor(pos, "90")

	if err := s.ProcessAgedPosition(context.Background(), pos, d("50")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if adapter.limitCalls != 1 {
		t.Fatalf("expected 1 limit order, got %d", adapter.limitCalls)
	}
	// target = 100 + (90 - 100) * 0.6 = 94
	if !adapter.limitPrices[0].Equal(d("94")) {
		t.Errorf("expected progressive target 94, got %s", adapter.limitPrices[0])
	}
}

func TestLimitReplacementRespectsInterval(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, &mockTeardown{})

	pos := agedPosition(2)
	adapter.live = liveFor(pos, "98")
	ctx := context.Background()

	t0 := time.Now()
	s.now = func() time.Time { return t0 }
	if err := s.ProcessAgedPosition(ctx, pos, d("500")); err != nil {
		t.Fatalf("first process failed: %v", err)
	}

	// 10 minutes later: still within the replacement interval.
	s.now = func() time.Time { return t0.Add(10 * time.Minute) }
	if err := s.ProcessAgedPosition(ctx, pos, d("500")); err != nil {
		t.Fatalf("second process failed: %v", err)
	}
	if adapter.limitCalls != 1 {
		t.Errorf("limit must not be replaced within the interval, got %d placements", adapter.limitCalls)
	}

	// Past the interval: the old limit is canceled and a new one placed.
	s.now = func() time.Time { return t0.Add(61 * time.Minute) }
	if err := s.ProcessAgedPosition(ctx, pos, d("500")); err != nil {
		t.Fatalf("third process failed: %v", err)
	}
	if adapter.limitCalls != 2 {
		t.Errorf("limit must be replaced after the interval, got %d placements", adapter.limitCalls)
	}
	if len(adapter.canceled) != 1 || adapter.canceled[0] != "lmt-1" {
		t.Errorf("previous limit must be canceled before replacement, got %v", adapter.canceled)
	}
}

func TestPhantomPositionMarkedWithoutExchangeClose(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{} // no live positions
	teardown := &mockTeardown{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, teardown)

	pos := agedPosition(9)
	if err := s.ProcessAgedPosition(context.Background(), pos, d("50")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if got := store.closedStatus(pos.ID); got != database.StatusPhantomClosed {
		t.Errorf("expected phantom_closed, got %q", got)
	}
	if adapter.marketCalls != 0 || adapter.limitCalls != 0 {
		t.Error("phantom position must not trigger any exchange close order")
	}
	if len(teardown.removed) != 1 {
		t.Errorf("phantom close must tear down trailing state, got %v", teardown.removed)
	}
}

func TestForceCloseRetryLadder(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	teardown := &mockTeardown{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, teardown)

	pos := agedPosition(9)
	adapter.live = liveFor(pos, "90")
	// insufficient balance -> shrink 1%; max qty -> halve; rate limit ->
	// wait; then success.
	adapter.marketErrs = []error{
		exchange.ErrInsufficientBalance,
		exchange.ErrMaxQuantityExceeded,
		exchange.ErrRateLimited,
		nil,
	}

	if err := s.ProcessAgedPosition(context.Background(), pos, d("50")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if adapter.marketCalls != 4 {
		t.Fatalf("expected 4 market attempts, got %d", adapter.marketCalls)
	}
	// qty ladder: 2 -> 1.98 (shrink 1%) -> 0.99 (halve) -> 0.99 (retry)
	wantQtys := []string{"2", "1.98", "0.99", "0.99"}
	for i, want := range wantQtys {
		if !adapter.marketQtys[i].Equal(d(want)) {
			t.Errorf("attempt %d: expected qty %s, got %s", i+1, want, adapter.marketQtys[i])
		}
	}
	if got := store.closedStatus(pos.ID); got != database.StatusClosed {
		t.Errorf("expected closed, got %q", got)
	}
	if len(teardown.removed) != 1 {
		t.Error("force close must tear down trailing state")
	}
}

func TestForceCloseNotFoundTreatedAsClosed(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, &mockTeardown{})

	pos := agedPosition(9)
	adapter.live = liveFor(pos, "90")
	adapter.marketErrs = []error{exchange.ErrNotFound}

	if err := s.ProcessAgedPosition(context.Background(), pos, d("50")); err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if adapter.marketCalls != 1 {
		t.Errorf("not-found must stop retries, got %d attempts", adapter.marketCalls)
	}
	if got := store.closedStatus(pos.ID); got != database.StatusPhantomClosed {
		t.Errorf("expected phantom_closed, got %q", got)
	}
}

func TestForceCloseExhaustionEscalates(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	alerter := &mockAlerter{}
	s := newTestSupervisor(store, adapter, alerter, &mockTeardown{})

	pos := agedPosition(9)
	adapter.live = liveFor(pos, "90")
	adapter.marketErrs = []error{
		exchange.ErrRateLimited,
		exchange.ErrRateLimited,
		exchange.ErrRateLimited,
		exchange.ErrRateLimited,
		exchange.ErrRateLimited,
	}

	err := s.ProcessAgedPosition(context.Background(), pos, d("50"))
	if err == nil {
		t.Fatal("exhausted retries must return an error")
	}
	if alerter.count() != 1 {
		t.Errorf("exhausted retries must raise exactly 1 critical alert, got %d", alerter.count())
	}
	if got := store.closedStatus(pos.ID); got != "" {
		t.Errorf("position must remain open locally after exhaustion, got %q", got)
	}
}

func TestScanSkipsYoungPositions(t *testing.T) {
	store := newMockStore()
	adapter := &mockAdapter{}
	s := newTestSupervisor(store, adapter, &mockAlerter{}, &mockTeardown{})

	young := agedPosition(-5) // 19h old, under the 24h limit
	young.ID = 7
	store.positions = []*database.Position{young}

	if err := s.Scan(context.Background()); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if adapter.marketCalls != 0 || adapter.limitCalls != 0 {
		t.Error("young positions must not be touched by the aged scan")
	}
}
