// Package binance implements the exchange adapter against the Binance
// USD-M futures REST API. Requests are HMAC-SHA256 signed; API error codes
// are mapped onto the adapter error taxonomy so callers can branch on
// sentinel errors instead of parsing response bodies.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/exchange"
)

const (
	// FuturesBaseURL is the production Binance futures API URL.
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance futures API URL.
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	// recvWindow tolerates clock skew between us and Binance.
	recvWindow = "10000"
)

// Client implements exchange.Adapter for Binance USD-M futures.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates the adapter. Keys are trimmed because stray whitespace
// breaks signature generation.
func NewClient(apiKey, secretKey, baseURL string, testnet bool, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = FuturesBaseURL
		if testnet {
			baseURL = FuturesTestnetURL
		}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

func (c *Client) Name() string { return "binance" }

// ==================== ORDERS ====================

type orderResponse struct {
	OrderID       int64           `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	StopPrice     decimal.Decimal `json:"stopPrice"`
}

// CreateMarketOrder places a market order. newOrderRespType=RESULT makes
// Binance wait for the fill so avgPrice in the response is the real
// execution price.
func (c *Client) CreateMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, opts exchange.OrderOptions) (*exchange.OrderResult, error) {
	params := map[string]string{
		"symbol":           symbol,
		"side":             side,
		"type":             "MARKET",
		"quantity":         quantity.String(),
		"newOrderRespType": "RESULT",
	}
	if opts.ClientOrderID != "" {
		params["newClientOrderId"] = opts.ClientOrderID
	}
	if opts.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse market order response: %w", err)
	}
	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        resp.Status,
		FilledQty:     resp.ExecutedQty,
		AvgPrice:      resp.AvgPrice,
	}, nil
}

// CreateLimitOrder places a GTC limit order.
func (c *Client) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal, opts exchange.OrderOptions) (*exchange.OrderResult, error) {
	params := map[string]string{
		"symbol":      symbol,
		"side":        side,
		"type":        "LIMIT",
		"timeInForce": "GTC",
		"quantity":    quantity.String(),
		"price":       price.String(),
	}
	if opts.ClientOrderID != "" {
		params["newClientOrderId"] = opts.ClientOrderID
	}
	if opts.ReduceOnly {
		params["reduceOnly"] = "true"
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse limit order response: %w", err)
	}
	return &exchange.OrderResult{
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        resp.Status,
		FilledQty:     resp.ExecutedQty,
		AvgPrice:      resp.AvgPrice,
	}, nil
}

// SetStopLoss places a reduce-only STOP_MARKET order protecting the given
// position side.
func (c *Client) SetStopLoss(ctx context.Context, symbol, positionSide string, stopPrice, quantity decimal.Decimal) (*exchange.StopOrder, error) {
	params := map[string]string{
		"symbol":     symbol,
		"side":       exchange.ExitSide(positionSide),
		"type":       "STOP_MARKET",
		"stopPrice":  stopPrice.String(),
		"quantity":   quantity.String(),
		"reduceOnly": "true",
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse stop order response: %w", err)
	}
	return &exchange.StopOrder{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Symbol:    resp.Symbol,
		Status:    resp.Status,
		StopPrice: resp.StopPrice,
	}, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": orderID,
	}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// ==================== ACCOUNT ====================

type positionRisk struct {
	Symbol        string          `json:"symbol"`
	PositionAmt   decimal.Decimal `json:"positionAmt"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unRealizedProfit"`
}

// FetchPositions returns live positions with non-zero size. The sign of
// positionAmt encodes the side.
func (c *Client) FetchPositions(ctx context.Context, symbols ...string) ([]exchange.PositionInfo, error) {
	params := map[string]string{}
	if len(symbols) == 1 {
		params["symbol"] = symbols[0]
	}

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}

	var risks []positionRisk
	if err := json.Unmarshal(body, &risks); err != nil {
		return nil, fmt.Errorf("failed to parse positions: %w", err)
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var out []exchange.PositionInfo
	for _, r := range risks {
		if r.PositionAmt.IsZero() {
			continue
		}
		if len(symbols) > 1 && !want[r.Symbol] {
			continue
		}
		side := exchange.SideLong
		if r.PositionAmt.IsNegative() {
			side = exchange.SideShort
		}
		out = append(out, exchange.PositionInfo{
			Symbol:        r.Symbol,
			Side:          side,
			Size:          r.PositionAmt.Abs(),
			EntryPrice:    r.EntryPrice,
			MarkPrice:     r.MarkPrice,
			UnrealizedPnL: r.UnrealizedPnL,
		})
	}
	return out, nil
}

type balanceEntry struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// FetchBalance returns futures wallet balances keyed by asset.
func (c *Client) FetchBalance(ctx context.Context) (map[string]exchange.AssetBalance, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", map[string]string{})
	if err != nil {
		return nil, err
	}

	var entries []balanceEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse balances: %w", err)
	}

	out := make(map[string]exchange.AssetBalance, len(entries))
	for _, e := range entries {
		out[e.Asset] = exchange.AssetBalance{
			Free:  e.AvailableBalance,
			Total: e.Balance,
		}
	}
	return out, nil
}

// ==================== TRANSPORT ====================

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams builds a deterministic query string with the signature
// appended.
func (c *Client) signParams(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	values := url.Values{}
	for _, k := range keys {
		values.Set(k, params[k])
	}
	query := values.Encode()
	return query + "&signature=" + c.sign(query)
}

// signedRequest performs one authenticated request. Retry policy lives
// with the callers that own the retry budget; the adapter only maps errors.
func (c *Client) signedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
	params["recvWindow"] = recvWindow
	query := c.signParams(params)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s %s: %v", exchange.ErrTimeout, method, endpoint, err)
		}
		return nil, fmt.Errorf("request failed: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := mapAPIError(resp.StatusCode, body)
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("endpoint", endpoint).
			Str("body", string(body)).
			Msg("binance API error")
		return nil, apiErr
	}
	return body, nil
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapAPIError converts Binance error codes into the adapter taxonomy.
func mapAPIError(status int, body []byte) error {
	var e apiError
	_ = json.Unmarshal(body, &e)

	switch {
	case status == http.StatusTooManyRequests || status == 418 || e.Code == -1003:
		return fmt.Errorf("%w: binance code %d: %s", exchange.ErrRateLimited, e.Code, e.Msg)
	case e.Code == -2019:
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientBalance, e.Msg)
	case e.Code == -4005 || e.Code == -1013:
		return fmt.Errorf("%w: %s", exchange.ErrMaxQuantityExceeded, e.Msg)
	case e.Code == -2011 || e.Code == -2013 || status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", exchange.ErrNotFound, e.Msg)
	case e.Code == -1007:
		return fmt.Errorf("%w: %s", exchange.ErrTimeout, e.Msg)
	default:
		return fmt.Errorf("binance API error %d (code %d): %s", status, e.Code, e.Msg)
	}
}
