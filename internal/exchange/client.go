// client.go is the REST side of the wire adapter. It talks to three hosts:
//
//   - CLOB API: order book, balances, order submit/query/cancel (L2 auth)
//   - Gamma API: market metadata (public)
//   - Data API: trade history and wallet positions (public)
//
// All wire payloads encode numbers as strings; everything is parsed into
// decimal.Decimal at this boundary so no float ever leaks upward.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-trigger/internal/config"
	"polymarket-trigger/pkg/types"
)

// Client is the authenticated REST client for the exchange.
type Client struct {
	rest   *resty.Client
	gamma  string
	data   string
	auth   *Auth
	limits *RateLimiter
	logger *slog.Logger
	dryRun bool
}

// NewClient creates an exchange client. In dry-run mode no Auth is required;
// order mutation endpoints then return synthetic results instead of touching
// the exchange.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	rest := resty.New().
		SetBaseURL(cfg.API.CLOBBaseURL).
		SetTimeout(30 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true // network errors and timeouts
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		rest:   rest,
		gamma:  cfg.API.GammaBaseURL,
		data:   cfg.API.DataBaseURL,
		auth:   auth,
		limits: NewRateLimiter(),
		logger: logger.With("component", "exchange"),
		dryRun: cfg.DryRun,
	}
}

// DeriveAPIKey derives (or fetches existing) L2 API credentials via L1 auth.
// Called once at startup when no credentials are configured.
func (c *Client) DeriveAPIKey(ctx context.Context, nonce int) (Credentials, error) {
	path := "/auth/derive-api-key"
	headers, err := c.auth.L1Headers(nonce)
	if err != nil {
		return Credentials{}, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetHeaders(headers).
		Get(path)
	if err != nil {
		return Credentials{}, fmt.Errorf("derive api key: %w", err)
	}
	if resp.IsError() {
		return Credentials{}, statusError(resp.StatusCode(), path, string(resp.Body()))
	}

	var creds Credentials
	if err := json.Unmarshal(resp.Body(), &creds); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials: %w", err)
	}
	c.auth.SetCredentials(creds)
	return creds, nil
}

// ---- market metadata ----

type gammaToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

type gammaMarket struct {
	ConditionID string `json:"condition_id"`
	Question    string `json:"question"`
	Category    string `json:"category"`
	EndDateISO  string `json:"end_date_iso"`
	Active      bool   `json:"active"`
	Closed      bool   `json:"closed"`
	Tokens      []gammaToken `json:"tokens"`
}

// FetchMarkets retrieves one page of markets. Pagination is offset-based;
// callers iterate until a short page comes back.
func (c *Client) FetchMarkets(ctx context.Context, activeOnly bool, page, pageSize int) ([]types.Market, error) {
	if err := c.limits.Markets.Wait(ctx); err != nil {
		return nil, err
	}

	req := c.rest.R().SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(pageSize)).
		SetQueryParam("offset", strconv.Itoa(page*pageSize))
	if activeOnly {
		req.SetQueryParam("active", "true").SetQueryParam("closed", "false")
	}

	resp, err := req.Get(c.gamma + "/markets")
	if err != nil {
		return nil, fmt.Errorf("fetch markets: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), "/markets", string(resp.Body()))
	}

	var raw []gammaMarket
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}

	markets := make([]types.Market, 0, len(raw))
	for _, gm := range raw {
		m := types.Market{
			ConditionID: gm.ConditionID,
			Question:    gm.Question,
			Category:    gm.Category,
			Active:      gm.Active,
			Resolved:    gm.Closed,
		}
		if gm.EndDateISO != "" {
			if t, err := time.Parse(time.RFC3339, gm.EndDateISO); err == nil {
				m.EndTime = t.UTC()
			}
		}
		for i, tok := range gm.Tokens {
			if tok.TokenID == "" {
				continue
			}
			m.Outcomes = append(m.Outcomes, types.Outcome{
				TokenID: tok.TokenID,
				Label:   tok.Outcome,
				Index:   i,
			})
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// ---- trade history ----

type dataTrade struct {
	ID          string `json:"id"`
	Asset       string `json:"asset"`
	ConditionID string `json:"conditionId"`
	Price       string `json:"price"`
	Size        string `json:"size"`
	Side        string `json:"side"`
	Timestamp   int64  `json:"timestamp"` // unix seconds
}

// FetchTrades returns recent trades for a token no older than maxAge, newest
// first, plus the count of trades dropped for staleness or bad fields.
// Callers never see a trade older than maxAge from this method.
func (c *Client) FetchTrades(ctx context.Context, tokenID string, maxAge time.Duration) ([]types.Trade, int, error) {
	if err := c.limits.Book.Wait(ctx); err != nil {
		return nil, 0, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("asset", tokenID).
		SetQueryParam("limit", "100").
		Get(c.data + "/trades")
	if err != nil {
		return nil, 0, fmt.Errorf("fetch trades: %w", err)
	}
	if resp.IsError() {
		return nil, 0, statusError(resp.StatusCode(), "/trades", string(resp.Body()))
	}

	var raw []dataTrade
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, 0, fmt.Errorf("decode trades: %w", err)
	}

	now := time.Now().UTC()
	trades := make([]types.Trade, 0, len(raw))
	filtered := 0
	for _, dt := range raw {
		// A missing timestamp is treated as stale, never defaulted to now.
		if dt.Timestamp <= 0 {
			filtered++
			continue
		}
		tradedAt := time.Unix(dt.Timestamp, 0).UTC()
		if now.Sub(tradedAt) > maxAge {
			filtered++
			continue
		}
		price, err := decimal.NewFromString(dt.Price)
		if err != nil {
			filtered++
			continue
		}
		size, err := decimal.NewFromString(dt.Size)
		if err != nil || !size.IsPositive() {
			filtered++
			continue
		}
		trades = append(trades, types.Trade{
			ID:          dt.ID,
			TokenID:     dt.Asset,
			ConditionID: dt.ConditionID,
			Price:       price,
			Size:        size,
			Side:        types.Side(dt.Side),
			TradedAt:    tradedAt,
		})
	}
	return trades, filtered, nil
}

// ---- order book ----

type bookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	AssetID string      `json:"asset_id"`
	Bids    []bookLevel `json:"bids"`
	Asks    []bookLevel `json:"asks"`
}

// FetchOrderbook retrieves the current order book for a token. Bids come
// back sorted descending, asks ascending.
func (c *Client) FetchOrderbook(ctx context.Context, tokenID string) (types.Orderbook, error) {
	if err := c.limits.Book.Wait(ctx); err != nil {
		return types.Orderbook{}, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		Get("/book")
	if err != nil {
		return types.Orderbook{}, fmt.Errorf("fetch orderbook: %w", err)
	}
	if resp.IsError() {
		return types.Orderbook{}, statusError(resp.StatusCode(), "/book", string(resp.Body()))
	}

	var raw bookResponse
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return types.Orderbook{}, fmt.Errorf("decode orderbook: %w", err)
	}

	ob := types.Orderbook{TokenID: tokenID, ObservedAt: time.Now().UTC()}
	for _, lv := range raw.Bids {
		if level, ok := parseLevel(lv); ok {
			ob.Bids = append(ob.Bids, level)
		}
	}
	for _, lv := range raw.Asks {
		if level, ok := parseLevel(lv); ok {
			ob.Asks = append(ob.Asks, level)
		}
	}
	return ob, nil
}

func parseLevel(lv bookLevel) (types.PriceLevel, bool) {
	price, err := decimal.NewFromString(lv.Price)
	if err != nil {
		return types.PriceLevel{}, false
	}
	size, err := decimal.NewFromString(lv.Size)
	if err != nil || !size.IsPositive() {
		return types.PriceLevel{}, false
	}
	return types.PriceLevel{Price: price, Size: size}, true
}

// VerifyPrice checks a streamed price against the live book. Returns ok=false
// with a reason when the book has no bids or the best bid deviates from the
// expected price by more than maxDeviation.
func (c *Client) VerifyPrice(ctx context.Context, tokenID string, expected, maxDeviation decimal.Decimal) (bool, decimal.Decimal, string, error) {
	ob, err := c.FetchOrderbook(ctx, tokenID)
	if err != nil {
		return false, decimal.Zero, "", err
	}
	best, ok := ob.BestBid()
	if !ok {
		return false, decimal.Zero, "no bids in orderbook", nil
	}
	diff := best.Price.Sub(expected).Abs()
	if diff.GreaterThan(maxDeviation) {
		reason := fmt.Sprintf("best bid %s deviates %s from expected %s",
			best.Price, diff, expected)
		return false, best.Price, reason, nil
	}
	return true, best.Price, "", nil
}

// ---- balance ----

type balanceResponse struct {
	Balance string `json:"balance"` // raw USDC units, 6 decimals
}

// FetchBalance returns the wallet's spendable collateral balance. Dry-run
// mode reports a fixed synthetic balance so the reservation accounting can
// be exercised without credentials.
func (c *Client) FetchBalance(ctx context.Context) (decimal.Decimal, error) {
	if c.dryRun {
		return decimal.NewFromInt(10000), nil
	}

	if err := c.limits.Book.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	path := "/balance-allowance"
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return decimal.Zero, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		Get(path)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch balance: %w", err)
	}
	if resp.IsError() {
		return decimal.Zero, statusError(resp.StatusCode(), path, string(resp.Body()))
	}

	var raw balanceResponse
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance: %w", err)
	}
	units, err := decimal.NewFromString(raw.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", raw.Balance, err)
	}
	return units.Shift(-6), nil
}

// ---- orders ----

// OrderRequest is the input to SubmitOrder.
type OrderRequest struct {
	TokenID string
	Side    types.Side
	Price   decimal.Decimal
	Size    decimal.Decimal
}

type submitResponse struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Error   string `json:"errorMsg"`
}

// SubmitOrder places a limit order and returns the exchange order ID.
// Returns ErrInsufficientBalance when the exchange rejects for funds; in that
// case no order exists. In dry-run mode a synthetic order ID is returned
// without any wire call.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if c.dryRun {
		id := "dry-" + uuid.NewString()
		c.logger.Info("dry-run order",
			"order_id", id,
			"token_id", req.TokenID,
			"side", req.Side,
			"price", req.Price,
			"size", req.Size)
		return id, nil
	}

	if err := c.limits.Order.Wait(ctx); err != nil {
		return "", err
	}

	signed, err := c.auth.SignOrder(req)
	if err != nil {
		return "", fmt.Errorf("sign order: %w", err)
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	path := "/order"
	headers, err := c.auth.L2Headers(http.MethodPost, path, string(body))
	if err != nil {
		return "", err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(path)
	if err != nil {
		return "", fmt.Errorf("submit order: %w", err)
	}
	if resp.IsError() {
		if isBalanceError(resp.Body()) {
			return "", fmt.Errorf("submit order: %w", ErrInsufficientBalance)
		}
		return "", statusError(resp.StatusCode(), path, string(resp.Body()))
	}

	var out submitResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if !out.Success {
		if isBalanceError([]byte(out.Error)) {
			return "", fmt.Errorf("submit order: %w", ErrInsufficientBalance)
		}
		return "", fmt.Errorf("order rejected: %s", out.Error)
	}
	return out.OrderID, nil
}

func isBalanceError(body []byte) bool {
	s := strings.ToLower(string(body))
	return strings.Contains(s, "not enough balance") || strings.Contains(s, "insufficient")
}

type orderResponse struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
	CreatedAt    int64  `json:"created_at"`
}

// OrderState is the exchange-side view of an order returned by GetOrder.
type OrderState struct {
	OrderID      string
	Status       types.OrderStatus
	Size         decimal.Decimal
	FilledSize   decimal.Decimal
	AvgFillPrice decimal.NullDecimal
	CreatedAt    time.Time
}

// GetOrder queries the exchange for an order's current status and fill state.
// Synthetic dry-run orders report as immediately filled.
func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderState, error) {
	if strings.HasPrefix(orderID, "dry-") {
		return OrderState{
			OrderID:   orderID,
			Status:    types.OrderFilled,
			CreatedAt: time.Now().UTC(),
		}, nil
	}

	if err := c.limits.Book.Wait(ctx); err != nil {
		return OrderState{}, err
	}

	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return OrderState{}, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetHeaders(headers).
		Get(path)
	if err != nil {
		return OrderState{}, fmt.Errorf("get order: %w", err)
	}
	if resp.IsError() {
		return OrderState{}, statusError(resp.StatusCode(), path, string(resp.Body()))
	}

	var raw orderResponse
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return OrderState{}, fmt.Errorf("decode order: %w", err)
	}

	state := OrderState{OrderID: raw.ID}
	state.Size, _ = decimal.NewFromString(raw.OriginalSize)
	state.FilledSize, _ = decimal.NewFromString(raw.SizeMatched)
	if raw.CreatedAt > 0 {
		state.CreatedAt = time.Unix(raw.CreatedAt, 0).UTC()
	}
	if price, err := decimal.NewFromString(raw.Price); err == nil && state.FilledSize.IsPositive() {
		state.AvgFillPrice = decimal.NewNullDecimal(price)
	}
	state.Status = mapOrderStatus(raw.Status, state.Size, state.FilledSize)
	return state, nil
}

// mapOrderStatus translates the exchange status vocabulary into the local
// lifecycle. A "matched" order with partial fill maps to PARTIAL, not FILLED.
func mapOrderStatus(remote string, size, filled decimal.Decimal) types.OrderStatus {
	switch remote {
	case "LIVE":
		if filled.IsPositive() {
			return types.OrderPartial
		}
		return types.OrderLive
	case "MATCHED", "FILLED":
		if filled.LessThan(size) {
			return types.OrderPartial
		}
		return types.OrderFilled
	case "CANCELED", "CANCELLED":
		return types.OrderCancelled
	case "UNMATCHED", "INSERTED", "DELAYED":
		return types.OrderLive
	default:
		return types.OrderPending
	}
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// CancelOrder cancels an order. Returns true when the exchange confirms the
// cancel; false (with nil error) when the order was already terminal.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	if c.dryRun {
		c.logger.Info("dry-run cancel", "order_id", orderID)
		return true, nil
	}

	if err := c.limits.Cancel.Wait(ctx); err != nil {
		return false, err
	}

	body, err := json.Marshal(map[string]string{"orderID": orderID})
	if err != nil {
		return false, err
	}

	path := "/order"
	headers, err := c.auth.L2Headers(http.MethodDelete, path, string(body))
	if err != nil {
		return false, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetHeaders(headers).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Delete(path)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", err)
	}
	if resp.IsError() {
		return false, statusError(resp.StatusCode(), path, string(resp.Body()))
	}

	var out cancelResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return false, fmt.Errorf("decode cancel response: %w", err)
	}
	for _, id := range out.Canceled {
		if id == orderID {
			return true, nil
		}
	}
	return false, nil
}

// ---- wallet positions (reconciliation) ----

// RemotePosition is an exchange-side position row. Every field has been
// type-validated; rows that fail validation are skipped and counted by
// FetchPositions.
type RemotePosition struct {
	TokenID     string
	ConditionID string
	Outcome     string
	Size        decimal.Decimal
	AvgPrice    decimal.NullDecimal
	Title       string
	Redeemable  bool
}

// FetchPositions lists all open positions for a wallet. The partial flag is
// set when any row failed validation or the response hit the page limit, so
// callers must not run close-detection against a partial list.
func (c *Client) FetchPositions(ctx context.Context, wallet string) ([]RemotePosition, bool, error) {
	const pageLimit = 500

	if err := c.limits.Book.Wait(ctx); err != nil {
		return nil, false, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("user", wallet).
		SetQueryParam("sizeThreshold", "0.1").
		SetQueryParam("limit", strconv.Itoa(pageLimit)).
		Get(c.data + "/positions")
	if err != nil {
		return nil, false, fmt.Errorf("fetch positions: %w", err)
	}
	if resp.IsError() {
		return nil, false, statusError(resp.StatusCode(), "/positions", string(resp.Body()))
	}

	var raw []struct {
		Asset       string      `json:"asset"`
		ConditionID string      `json:"conditionId"`
		Outcome     string      `json:"outcome"`
		Size        json.Number `json:"size"`
		AvgPrice    json.Number `json:"avgPrice"`
		Title       string      `json:"title"`
		Redeemable  bool        `json:"redeemable"`
	}
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, false, fmt.Errorf("decode positions: %w", err)
	}

	partial := len(raw) >= pageLimit
	skipped := 0
	positions := make([]RemotePosition, 0, len(raw))
	for _, rp := range raw {
		if rp.Asset == "" || rp.ConditionID == "" {
			skipped++
			continue
		}
		size, err := decimal.NewFromString(rp.Size.String())
		if err != nil || !size.IsPositive() {
			skipped++
			continue
		}
		pos := RemotePosition{
			TokenID:     rp.Asset,
			ConditionID: rp.ConditionID,
			Outcome:     rp.Outcome,
			Size:        size,
			Title:       rp.Title,
			Redeemable:  rp.Redeemable,
		}
		if avg, err := decimal.NewFromString(rp.AvgPrice.String()); err == nil && avg.IsPositive() {
			pos.AvgPrice = decimal.NewNullDecimal(avg)
		}
		positions = append(positions, pos)
	}
	if skipped > 0 {
		partial = true
		c.logger.Warn("skipped invalid position rows", "skipped", skipped)
	}
	return positions, partial, nil
}

// FetchTradeTimestamps returns the earliest BUY time per token for a wallet.
// Used to import positions with a verified hold age.
func (c *Client) FetchTradeTimestamps(ctx context.Context, wallet string) (map[string]time.Time, error) {
	if err := c.limits.Book.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("user", wallet).
		SetQueryParam("side", "BUY").
		SetQueryParam("limit", "1000").
		Get(c.data + "/trades")
	if err != nil {
		return nil, fmt.Errorf("fetch trade timestamps: %w", err)
	}
	if resp.IsError() {
		return nil, statusError(resp.StatusCode(), "/trades", string(resp.Body()))
	}

	var raw []dataTrade
	if err := json.Unmarshal(resp.Body(), &raw); err != nil {
		return nil, fmt.Errorf("decode trades: %w", err)
	}

	earliest := make(map[string]time.Time)
	for _, dt := range raw {
		if dt.Asset == "" || dt.Timestamp <= 0 {
			continue
		}
		t := time.Unix(dt.Timestamp, 0).UTC()
		if prev, ok := earliest[dt.Asset]; !ok || t.Before(prev) {
			earliest[dt.Asset] = t
		}
	}
	return earliest, nil
}
