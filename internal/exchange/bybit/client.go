// Package bybit implements the exchange adapter against the Bybit v5 API
// (linear perpetuals). Order placement returns only an id, so fill details
// are read back from the realtime order endpoint.
package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-bot/internal/exchange"
)

const (
	// BaseURL is the production Bybit API URL.
	BaseURL = "https://api.bybit.com"
	// TestnetURL is the testnet Bybit API URL.
	TestnetURL = "https://api-testnet.bybit.com"

	recvWindow = "10000"
	category   = "linear"
)

// Client implements exchange.Adapter for Bybit linear perpetuals.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(apiKey, secretKey, baseURL string, testnet bool, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = BaseURL
		if testnet {
			baseURL = TestnetURL
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

func (c *Client) Name() string { return "bybit" }

// ==================== ORDERS ====================

// orderSide maps BUY/SELL onto Bybit's capitalization.
func orderSide(side string) string {
	if side == exchange.OrderSideSell {
		return "Sell"
	}
	return "Buy"
}

type createOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

func (c *Client) CreateMarketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, opts exchange.OrderOptions) (*exchange.OrderResult, error) {
	body := map[string]interface{}{
		"category":  category,
		"symbol":    symbol,
		"side":      orderSide(side),
		"orderType": "Market",
		"qty":       quantity.String(),
	}
	if opts.ClientOrderID != "" {
		body["orderLinkId"] = opts.ClientOrderID
	}
	if opts.ReduceOnly {
		body["reduceOnly"] = true
	}

	var res createOrderResult
	if err := c.signedPost(ctx, "/v5/order/create", body, &res); err != nil {
		return nil, err
	}

	// Market orders fill immediately but the create response carries no
	// fill details; read them back.
	return c.fetchOrderResult(ctx, symbol, res.OrderID)
}

func (c *Client) CreateLimitOrder(ctx context.Context, symbol, side string, quantity, price decimal.Decimal, opts exchange.OrderOptions) (*exchange.OrderResult, error) {
	body := map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"side":        orderSide(side),
		"orderType":   "Limit",
		"timeInForce": "GTC",
		"qty":         quantity.String(),
		"price":       price.String(),
	}
	if opts.ClientOrderID != "" {
		body["orderLinkId"] = opts.ClientOrderID
	}
	if opts.ReduceOnly {
		body["reduceOnly"] = true
	}

	var res createOrderResult
	if err := c.signedPost(ctx, "/v5/order/create", body, &res); err != nil {
		return nil, err
	}
	return &exchange.OrderResult{
		OrderID:       res.OrderID,
		ClientOrderID: res.OrderLinkID,
		Symbol:        symbol,
		Status:        exchange.OrderStatusNew,
	}, nil
}

func (c *Client) SetStopLoss(ctx context.Context, symbol, positionSide string, stopPrice, quantity decimal.Decimal) (*exchange.StopOrder, error) {
	// A conditional market order on the exit side, triggered at stopPrice.
	triggerDirection := 2 // falling, protects a long
	if positionSide == exchange.SideShort {
		triggerDirection = 1 // rising, protects a short
	}
	body := map[string]interface{}{
		"category":         category,
		"symbol":           symbol,
		"side":             orderSide(exchange.ExitSide(positionSide)),
		"orderType":        "Market",
		"qty":              quantity.String(),
		"triggerPrice":     stopPrice.String(),
		"triggerDirection": triggerDirection,
		"reduceOnly":       true,
	}

	var res createOrderResult
	if err := c.signedPost(ctx, "/v5/order/create", body, &res); err != nil {
		return nil, err
	}
	return &exchange.StopOrder{
		OrderID:   res.OrderID,
		Symbol:    symbol,
		Status:    exchange.OrderStatusNew,
		StopPrice: stopPrice,
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	body := map[string]interface{}{
		"category": category,
		"symbol":   symbol,
		"orderId":  orderID,
	}
	var res createOrderResult
	return c.signedPost(ctx, "/v5/order/cancel", body, &res)
}

type realtimeOrder struct {
	OrderID     string          `json:"orderId"`
	OrderLinkID string          `json:"orderLinkId"`
	Symbol      string          `json:"symbol"`
	OrderStatus string          `json:"orderStatus"`
	CumExecQty  decimal.Decimal `json:"cumExecQty"`
	AvgPrice    decimal.Decimal `json:"avgPrice"`
}

func (c *Client) fetchOrderResult(ctx context.Context, symbol, orderID string) (*exchange.OrderResult, error) {
	params := url.Values{}
	params.Set("category", category)
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	var res struct {
		List []realtimeOrder `json:"list"`
	}
	if err := c.signedGet(ctx, "/v5/order/realtime", params, &res); err != nil {
		return nil, err
	}
	if len(res.List) == 0 {
		return nil, fmt.Errorf("%w: order %s", exchange.ErrNotFound, orderID)
	}

	o := res.List[0]
	return &exchange.OrderResult{
		OrderID:       o.OrderID,
		ClientOrderID: o.OrderLinkID,
		Symbol:        o.Symbol,
		Status:        normalizeStatus(o.OrderStatus),
		FilledQty:     o.CumExecQty,
		AvgPrice:      o.AvgPrice,
	}, nil
}

func normalizeStatus(s string) string {
	switch s {
	case "Filled":
		return exchange.OrderStatusFilled
	case "PartiallyFilled":
		return exchange.OrderStatusPartiallyFilled
	case "Cancelled":
		return exchange.OrderStatusCanceled
	case "Rejected":
		return exchange.OrderStatusRejected
	default:
		return exchange.OrderStatusNew
	}
}

// ==================== ACCOUNT ====================

type positionEntry struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"` // Buy = long, Sell = short
	Size          decimal.Decimal `json:"size"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealisedPnl decimal.Decimal `json:"unrealisedPnl"`
}

func (c *Client) FetchPositions(ctx context.Context, symbols ...string) ([]exchange.PositionInfo, error) {
	params := url.Values{}
	params.Set("category", category)
	if len(symbols) == 1 {
		params.Set("symbol", symbols[0])
	} else {
		params.Set("settleCoin", "USDT")
	}

	var res struct {
		List []positionEntry `json:"list"`
	}
	if err := c.signedGet(ctx, "/v5/position/list", params, &res); err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	var out []exchange.PositionInfo
	for _, p := range res.List {
		if !p.Size.IsPositive() {
			continue
		}
		if len(symbols) > 1 && !want[p.Symbol] {
			continue
		}
		side := exchange.SideLong
		if p.Side == "Sell" {
			side = exchange.SideShort
		}
		out = append(out, exchange.PositionInfo{
			Symbol:        p.Symbol,
			Side:          side,
			Size:          p.Size,
			EntryPrice:    p.AvgPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealisedPnl,
		})
	}
	return out, nil
}

func (c *Client) FetchBalance(ctx context.Context) (map[string]exchange.AssetBalance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	var res struct {
		List []struct {
			Coin []struct {
				Coin          string          `json:"coin"`
				WalletBalance decimal.Decimal `json:"walletBalance"`
				Free          decimal.Decimal `json:"availableToWithdraw"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.signedGet(ctx, "/v5/account/wallet-balance", params, &res); err != nil {
		return nil, err
	}

	out := make(map[string]exchange.AssetBalance)
	for _, acct := range res.List {
		for _, coin := range acct.Coin {
			out[coin.Coin] = exchange.AssetBalance{
				Free:  coin.Free,
				Total: coin.WalletBalance,
			}
		}
	}
	return out, nil
}

// ==================== TRANSPORT ====================

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign builds the v5 signature: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + payload.
func (c *Client) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(timestamp + c.apiKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Client) do(ctx context.Context, req *http.Request, payload string, out interface{}) error {
	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.sign(timestamp, payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %v", exchange.ErrTimeout, req.URL.Path, err)
		}
		return fmt.Errorf("request failed: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit HTTP error %d: %s", resp.StatusCode, string(body))
	}

	var api apiResponse
	if err := json.Unmarshal(body, &api); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if api.RetCode != 0 {
		apiErr := mapAPIError(api.RetCode, api.RetMsg)
		c.logger.Warn().
			Int("ret_code", api.RetCode).
			Str("endpoint", req.URL.Path).
			Str("msg", api.RetMsg).
			Msg("bybit API error")
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(api.Result, out); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}
	return nil
}

func (c *Client) signedGet(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	query := params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint+"?"+query, nil)
	if err != nil {
		return err
	}
	return c.do(ctx, req, query, out)
}

func (c *Client) signedPost(ctx context.Context, endpoint string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.do(ctx, req, string(payload), out)
}

// mapAPIError converts Bybit return codes into the adapter taxonomy.
func mapAPIError(code int, msg string) error {
	switch code {
	case 10006, 10018:
		return fmt.Errorf("%w: bybit code %d: %s", exchange.ErrRateLimited, code, msg)
	case 110004, 110007, 110012:
		return fmt.Errorf("%w: %s", exchange.ErrInsufficientBalance, msg)
	case 110009, 110021:
		return fmt.Errorf("%w: %s", exchange.ErrMaxQuantityExceeded, msg)
	case 110001, 170213:
		return fmt.Errorf("%w: %s", exchange.ErrNotFound, msg)
	default:
		return fmt.Errorf("bybit API error %d: %s", code, msg)
	}
}
