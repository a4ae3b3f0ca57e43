package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/database"
)

type mockStore struct {
	positions []*database.Position
	healthErr error
}

func (m *mockStore) GetOpenPositions(ctx context.Context) ([]*database.Position, error) {
	return m.positions, nil
}

func (m *mockStore) HealthCheck(ctx context.Context) error {
	return m.healthErr
}

type mockTrailing struct {
	states []*database.TrailingStopState
}

func (m *mockTrailing) Snapshots() []*database.TrailingStopState {
	return m.states
}

func newTestServer(store *mockStore, trailing *mockTrailing) *Server {
	cfg := config.ServerConfig{Host: "127.0.0.1", Port: 8090, AllowedOrigins: "*"}
	return NewServer(cfg, store, trailing, []string{"binance"}, zerolog.Nop())
}

func TestHealthOK(t *testing.T) {
	srv := newTestServer(&mockStore{}, &mockTrailing{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestHealthDegradedWhenDatabaseDown(t *testing.T) {
	srv := newTestServer(&mockStore{healthErr: errors.New("connection refused")}, &mockTrailing{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.router().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestStatusCountsPositionsAndTrailing(t *testing.T) {
	store := &mockStore{positions: []*database.Position{
		{ID: 1, Symbol: "BTCUSDT", Exchange: "binance", Status: database.StatusActive},
		{ID: 2, Symbol: "ETHUSDT", Exchange: "binance", Status: database.StatusActive},
	}}
	trailing := &mockTrailing{states: []*database.TrailingStopState{
		{Symbol: "BTCUSDT", Exchange: "binance"},
	}}
	srv := newTestServer(store, trailing)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	srv.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		OpenPositions int `json:"open_positions"`
		TrailingStops int `json:"trailing_stops"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.OpenPositions != 2 {
		t.Errorf("open_positions = %d, want 2", body.OpenPositions)
	}
	if body.TrailingStops != 1 {
		t.Errorf("trailing_stops = %d, want 1", body.TrailingStops)
	}
}

func TestPositionsReturnsRows(t *testing.T) {
	store := &mockStore{positions: []*database.Position{
		{ID: 7, Symbol: "ADAUSDT", Exchange: "binance", Side: "LONG", Quantity: decimal.NewFromInt(100), Status: database.StatusActive},
	}}
	srv := newTestServer(store, &mockTrailing{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/positions", nil)
	srv.router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("count = %d, want 1", body.Count)
	}
}
