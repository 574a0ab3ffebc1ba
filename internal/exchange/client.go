package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/execcore/internal/config"
	"github.com/web3guy0/execcore/internal/possync"
	"github.com/web3guy0/execcore/internal/types"
)

// Client is the rate-limited, retrying REST client wrapping the venue SDK.
// It implements the VenueClient interfaces expected by ordermanager,
// reconcile and possync so all three can share one connection.
type Client struct {
	cfg     *config.Config
	sdk     *bybit.Client
	limiter *RateLimiter

	cache       *queryCache
	instruments *queryCache

	// degraded latches true whenever an order-status query was served from
	// a stale cache entry because the live venue call failed, so reconcile
	// can surface a RATE_LIMIT(degraded=true) signal instead of silently
	// trusting possibly-out-of-date data.
	degraded atomic.Bool
}

const instrumentCacheTTL = 5 * time.Minute

// New builds a Client from the venue credentials and rate-limit settings
// in cfg.
func New(cfg *config.Config) *Client {
	sdk := bybit.NewBybitHttpClient(cfg.VenueAPIKey, cfg.VenueAPISecret, bybit.WithBaseURL(cfg.VenueBaseURL))

	limiter := NewRateLimiter(
		cfg.RateLimitOrderBurst, cfg.RateLimitOrderPerSec,
		cfg.RateLimitCancelBurst, cfg.RateLimitCancelPerSec,
		cfg.RateLimitQueryBurst, cfg.RateLimitQueryPerSec,
	)

	return &Client{
		cfg: cfg, sdk: sdk, limiter: limiter,
		cache:       newQueryCache(cfg.QueryCacheTTL),
		instruments: newQueryCache(instrumentCacheTTL),
	}
}

// GetEquity reads the USDT wallet balance, serving as the executor's
// EquityFunc for position sizing.
func (c *Client) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	const cacheKey = "wallet_equity"
	if cached, ok := c.cache.get(cacheKey); ok {
		var equity decimal.Decimal
		if err := json.Unmarshal(cached, &equity); err == nil {
			return equity, nil
		}
	}

	if err := c.limiter.Query.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	params := map[string]interface{}{"accountType": "UNIFIED", "coin": "USDT"}
	resp, err := c.withRetry(ctx, "get wallet balance", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "GET", "/v5/account/wallet-balance", true)
	})
	if err != nil {
		return decimal.Zero, err
	}

	var body struct {
		Result struct {
			List []struct {
				TotalEquity string `json:"totalEquity"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeResult(resp, &body); err != nil {
		return decimal.Zero, fmt.Errorf("decode wallet-balance response: %w", err)
	}
	if len(body.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("empty wallet-balance response")
	}

	equity, err := decimal.NewFromString(body.Result.List[0].TotalEquity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse total equity: %w", err)
	}
	if raw, err := json.Marshal(equity); err == nil {
		c.cache.set(cacheKey, raw)
	}
	return equity, nil
}

// GetLotSize returns the venue's quantity step for symbol, serving as the
// executor's LotSizeFunc. Instrument steps change rarely, so this uses a
// longer-lived cache than order/position queries.
func (c *Client) GetLotSize(ctx context.Context, symbol string) (decimal.Decimal, error) {
	cacheKey := "lot_size:" + symbol
	if cached, ok := c.instruments.get(cacheKey); ok {
		var step decimal.Decimal
		if err := json.Unmarshal(cached, &step); err == nil {
			return step, nil
		}
	}

	if err := c.limiter.Query.Wait(ctx); err != nil {
		return decimal.Zero, err
	}

	params := map[string]interface{}{"category": "linear", "symbol": symbol}
	resp, err := c.withRetry(ctx, "get instrument info", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "GET", "/v5/market/instruments-info", false)
	})
	if err != nil {
		return decimal.Zero, err
	}

	var body struct {
		Result struct {
			List []struct {
				LotSizeFilter struct {
					QtyStep string `json:"qtyStep"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeResult(resp, &body); err != nil {
		return decimal.Zero, fmt.Errorf("decode instruments-info response: %w", err)
	}
	if len(body.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("instrument %s not found at venue", symbol)
	}

	step, err := decimal.NewFromString(body.Result.List[0].LotSizeFilter.QtyStep)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse qty step: %w", err)
	}
	if raw, err := json.Marshal(step); err == nil {
		c.instruments.set(cacheKey, raw)
	}
	return step, nil
}

// PlaceOrder submits order to the venue, satisfying ordermanager.VenueClient.
func (c *Client) PlaceOrder(ctx context.Context, order *types.Order) (string, error) {
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return "", err
	}

	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      order.Symbol,
		"side":        sideToVenue(order.Side),
		"orderType":   string(order.OrderType),
		"qty":         order.Qty.String(),
		"timeInForce": string(order.TimeInForce),
		"reduceOnly":  order.ReduceOnly,
	}
	if order.OrderType == types.OrderTypeLimit {
		params["price"] = order.Price.String()
	}

	resp, err := c.withRetry(ctx, "place order", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "POST", "/v5/order/create", true)
	})
	if err != nil {
		return "", err
	}

	var body struct {
		Result struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := decodeResult(resp, &body); err != nil {
		return "", fmt.Errorf("decode place-order response: %w", err)
	}
	return body.Result.OrderID, nil
}

// CancelOrder cancels a resting order, satisfying ordermanager.VenueClient.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if err := c.limiter.Cancel.Wait(ctx); err != nil {
		return err
	}

	params := map[string]interface{}{"category": "linear", "symbol": symbol, "orderId": venueOrderID}
	_, err := c.withRetry(ctx, "cancel order", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "POST", "/v5/order/cancel", true)
	})
	return err
}

// SetTradingStop places the protective stop through the venue's
// position-level trading-stop operation rather than a resting order, so it
// triggers off the venue's own mark/last price feed even if this process is
// down, satisfying ordermanager.VenueClient (Manager.SubmitStopLoss calls it).
func (c *Client) SetTradingStop(ctx context.Context, symbol string, stopPrice decimal.Decimal) error {
	if err := c.limiter.Order.Wait(ctx); err != nil {
		return err
	}

	params := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"positionIdx": 0,
		"slTriggerBy": "LastPrice",
		"stopLoss":    stopPrice.String(),
	}
	_, err := c.withRetry(ctx, "set trading stop", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "POST", "/v5/position/trading-stop", true)
	})
	return err
}

// Degraded reports whether the most recent order-status query was served
// from a stale cache entry rather than a live venue response, so reconcile
// can raise a RATE_LIMIT(degraded=true) signal instead of trusting silently
// stale data.
func (c *Client) Degraded() bool {
	return c.degraded.Load()
}

// GetOrderStatus polls current order state, satisfying both ordermanager and
// reconcile's VenueClient interfaces.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, venueOrderID string) (types.OrderStatus, decimal.Decimal, decimal.Decimal, error) {
	cacheKey := "order_status:" + symbol + ":" + venueOrderID
	if cached, ok := c.cache.get(cacheKey); ok {
		var snap orderStatusSnapshot
		if err := json.Unmarshal(cached, &snap); err == nil {
			c.degraded.Store(false)
			return snap.Status, snap.FilledQty, snap.AvgPrice, nil
		}
	}

	if err := c.limiter.Query.Wait(ctx); err != nil {
		return "", decimal.Zero, decimal.Zero, err
	}

	params := map[string]interface{}{"category": "linear", "symbol": symbol, "orderId": venueOrderID}
	resp, err := c.withRetry(ctx, "get order status", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "GET", "/v5/order/realtime", true)
	})
	if err != nil {
		if stale, _, ok := c.cache.getStale(cacheKey); ok {
			var snap orderStatusSnapshot
			if uerr := json.Unmarshal(stale, &snap); uerr == nil {
				log.Warn().Err(err).Str("venue_order_id", venueOrderID).Msg("order-status query failed, serving stale cache entry")
				c.degraded.Store(true)
				return snap.Status, snap.FilledQty, snap.AvgPrice, nil
			}
		}
		return "", decimal.Zero, decimal.Zero, err
	}
	c.degraded.Store(false)

	var body struct {
		Result struct {
			List []struct {
				OrderStatus string `json:"orderStatus"`
				CumExecQty  string `json:"cumExecQty"`
				AvgPrice    string `json:"avgPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeResult(resp, &body); err != nil {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("decode order-status response: %w", err)
	}
	if len(body.Result.List) == 0 {
		return "", decimal.Zero, decimal.Zero, fmt.Errorf("order %s not found at venue", venueOrderID)
	}

	row := body.Result.List[0]
	status := statusFromVenue(row.OrderStatus)
	filledQty, _ := decimal.NewFromString(row.CumExecQty)
	avgPrice, _ := decimal.NewFromString(row.AvgPrice)

	if raw, err := json.Marshal(orderStatusSnapshot{Status: status, FilledQty: filledQty, AvgPrice: avgPrice}); err == nil {
		c.cache.set(cacheKey, raw)
	}

	return status, filledQty, avgPrice, nil
}

// GetPositions lists every open venue position, satisfying possync.VenueClient.
func (c *Client) GetPositions(ctx context.Context) ([]possync.VenuePosition, error) {
	if err := c.limiter.Query.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]interface{}{"category": "linear", "settleCoin": "USDT"}
	resp, err := c.withRetry(ctx, "get positions", func() (*bybit.ServerResponse, error) {
		return c.sdk.NewUtaBybitServiceWithParams(params).Do(ctx, "GET", "/v5/position/list", true)
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Result struct {
			List []struct {
				Symbol string `json:"symbol"`
				Side   string `json:"side"`
				Size   string `json:"size"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeResult(resp, &body); err != nil {
		return nil, fmt.Errorf("decode positions response: %w", err)
	}

	out := make([]possync.VenuePosition, 0, len(body.Result.List))
	for _, row := range body.Result.List {
		size, _ := decimal.NewFromString(row.Size)
		if size.IsZero() {
			continue
		}
		out = append(out, possync.VenuePosition{Symbol: row.Symbol, Side: sideFromVenue(row.Side), Size: size})
	}
	return out, nil
}

// withRetry retries a venue call with exponential backoff, parsing the
// venue's rate-limit headers on 429/10006 responses and pausing all three
// buckets (order, cancel, query) instead of spinning through retries blind.
func (c *Client) withRetry(ctx context.Context, op string, fn func() (*bybit.ServerResponse, error)) (*bybit.ServerResponse, error) {
	var lastErr error
	backoff := c.cfg.RESTBackoffBase

	for attempt := 0; attempt <= c.cfg.RESTMaxRetries; attempt++ {
		resp, err := fn()
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if cooldown, limited := parseRateLimitCooldown(err); limited {
			log.Warn().Err(err).Str("op", op).Dur("cooldown", cooldown).Msg("venue rate limit hit, pausing")
			c.limiter.Order.PauseFor(cooldown)
			c.limiter.Cancel.PauseFor(cooldown)
			c.limiter.Query.PauseFor(cooldown)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return nil, fmt.Errorf("%s failed after %d attempts: %w", op, c.cfg.RESTMaxRetries+1, lastErr)
}

func decodeResult(resp *bybit.ServerResponse, out interface{}) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type orderStatusSnapshot struct {
	Status    types.OrderStatus `json:"status"`
	FilledQty decimal.Decimal   `json:"filled_qty"`
	AvgPrice  decimal.Decimal   `json:"avg_price"`
}

func sideToVenue(s types.Side) string {
	if s == types.SideSell {
		return "Sell"
	}
	return "Buy"
}

func sideFromVenue(s string) types.Side {
	if s == "Sell" {
		return types.SideSell
	}
	return types.SideBuy
}

func statusFromVenue(s string) types.OrderStatus {
	switch s {
	case "Filled":
		return types.OrderFilled
	case "PartiallyFilled":
		return types.OrderPartiallyFilled
	case "Cancelled", "Rejected":
		return types.OrderCanceled
	case "New", "Created":
		return types.OrderNew
	default:
		return types.OrderSubmitted
	}
}

// queryCache is a short-TTL cache for idempotent GETs, cutting query-bucket
// pressure when reconcile and possync poll the same order/position within
// the same tick window.
type queryCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]cacheEntry
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{ttl: ttl, m: make(map[string]cacheEntry)}
}

func (q *queryCache) get(key string) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.m[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (q *queryCache) set(key string, value []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.m[key] = cacheEntry{value: value, expiresAt: time.Now().Add(q.ttl)}
}

// getStale returns the cached value for key even if it has expired, so a
// caller whose live venue call just failed can serve a degraded answer
// instead of none at all. fresh reports whether the entry was still within
// its TTL; ok reports whether the key was present at all.
func (q *queryCache) getStale(key string) (value []byte, fresh bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, found := q.m[key]
	if !found {
		return nil, false, false
	}
	return entry.value, !time.Now().After(entry.expiresAt), true
}
