// Package binance implements the exchange contract for Binance spot.
//
// REST endpoints used:
//   - GET  /api/v3/exchangeInfo — instrument metadata and precision filters
//   - GET  /api/v3/ticker/24hr  — ticker with best bid/ask and volumes
//   - GET  /api/v3/depth        — order book snapshot with lastUpdateId
//   - GET  /api/v3/account      — balances (signed)
//   - POST /api/v3/order        — order placement (signed, never retried)
//   - DELETE /api/v3/order      — cancel (signed)
//   - GET  /api/v3/openOrders, /api/v3/order — order state (signed)
//
// Signed requests carry the HMAC-SHA256 hex signature of the query string
// plus a timestamp, with the API key in the X-MBX-APIKEY header. Canonical
// BASE/QUOTE symbols translate to Binance's concatenated form (BTC/USDT →
// BTCUSDT); the reverse mapping is recorded as symbols are used.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

const (
	venueName  = "binance"
	prodURL    = "https://api.binance.com"
	sandboxURL = "https://testnet.binance.vision"
	prodWSURL  = "wss://stream.binance.com:9443/ws"
	sandboxWS  = "wss://stream.testnet.binance.vision/ws"
)

// Adapter is the Binance spot implementation of exchange.Exchange.
type Adapter struct {
	client   *exchange.Client
	limiter  *exchange.Limiter
	protocol *Protocol
	logger   *slog.Logger

	// symbolMap translates venue symbols (BTCUSDT) back to canonical form.
	symbolMu  sync.RWMutex
	symbolMap map[string]types.Symbol
}

// Options tune the adapter beyond credentials.
type Options struct {
	RateLimitPerMin int
	Logger          *slog.Logger
}

// New creates a Binance adapter.
func New(creds exchange.Credentials, opts Options) *Adapter {
	baseURL := prodURL
	wsURL := prodWSURL
	if creds.Sandbox {
		baseURL = sandboxURL
		wsURL = sandboxWS
	}

	limiter := exchange.NewLimiter()
	limiter.ConfigureDefaults(venueName, opts.RateLimitPerMin)

	a := &Adapter{
		limiter:   limiter,
		logger:    opts.Logger.With("component", "adapter", "venue", venueName),
		symbolMap: make(map[string]types.Symbol),
	}
	a.protocol = newProtocol(wsURL, a)

	var signer exchange.Signer
	if creds.APIKey != "" {
		signer = &requestSigner{apiKey: creds.APIKey, secret: creds.Secret}
	}

	a.client = exchange.NewClient(exchange.ClientConfig{
		Venue:    venueName,
		BaseURL:  baseURL,
		Limiter:  limiter,
		Signer:   signer,
		ErrorMap: mapVenueError,
		Logger:   opts.Logger,
	})
	return a
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return venueName }

// Capabilities implements exchange.Exchange. The fee schedule is the
// standard spot tier-0 rate.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		OrderTypes: []types.OrderType{
			types.OrderTypeMarket,
			types.OrderTypeLimit,
			types.OrderTypeStopLimit,
			types.OrderTypeTakeProfitLimit,
		},
		TimeInForce: []types.TimeInForce{
			types.TIFGoodTilCanceled,
			types.TIFImmediateOrCancel,
			types.TIFFillOrKill,
		},
		ClientIDLookup: true,
		Fees: types.FeeSchedule{
			Maker: decimal.RequireFromString("0.001"),
			Taker: decimal.RequireFromString("0.001"),
		},
	}
}

// Connect probes connectivity via the ping endpoint.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/ping",
		Class: exchange.ClassMarket, Idempotent: true,
	})
	return err
}

// Disconnect implements exchange.Exchange. The REST side holds no
// persistent state beyond the connection pool.
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }

// StreamProtocol implements exchange.Exchange.
func (a *Adapter) StreamProtocol() exchange.StreamProtocol { return a.protocol }

// ToVenueSymbol translates BASE/QUOTE to Binance's concatenated form and
// records the reverse mapping.
func (a *Adapter) ToVenueSymbol(s types.Symbol) (string, error) {
	base, quote, err := s.Parse()
	if err != nil {
		return "", err
	}
	venue := base + quote
	a.symbolMu.Lock()
	a.symbolMap[venue] = s
	a.symbolMu.Unlock()
	return venue, nil
}

// FromVenueSymbol resolves a venue symbol back to canonical form. Symbols
// never seen before resolve to "" and their events are dropped upstream.
func (a *Adapter) FromVenueSymbol(venue string) (types.Symbol, bool) {
	a.symbolMu.RLock()
	defer a.symbolMu.RUnlock()
	s, ok := a.symbolMap[strings.ToUpper(venue)]
	return s, ok
}

// ————————————————————————————————————————————————————————————————————————
// REST: market data
// ————————————————————————————————————————————————————————————————————————

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// GetMarkets implements exchange.Exchange.
func (a *Adapter) GetMarkets(ctx context.Context) ([]types.Market, error) {
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/exchangeInfo",
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}

	var info exchangeInfoResponse
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	markets := make([]types.Market, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		m := types.Market{
			Symbol: types.NewSymbol(s.BaseAsset, s.QuoteAsset),
			Base:   s.BaseAsset,
			Quote:  s.QuoteAsset,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.PricePrecision = precisionOf(f.TickSize)
			case "LOT_SIZE":
				m.QtyPrecision = precisionOf(f.StepSize)
				m.MinQty = parseDecimal(f.MinQty)
			case "NOTIONAL", "MIN_NOTIONAL":
				m.MinNotional = parseDecimal(f.MinNotional)
			}
		}
		a.symbolMu.Lock()
		a.symbolMap[s.Symbol] = m.Symbol
		a.symbolMu.Unlock()
		markets = append(markets, m)
	}
	return markets, nil
}

type ticker24hResponse struct {
	Symbol      string `json:"symbol"`
	BidPrice    string `json:"bidPrice"`
	AskPrice    string `json:"askPrice"`
	LastPrice   string `json:"lastPrice"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

// GetTicker implements exchange.Exchange.
func (a *Adapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	venueSym, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.Ticker{}, err
	}

	q := url.Values{}
	q.Set("symbol", venueSym)
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/ticker/24hr", Query: q,
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return types.Ticker{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}

	var t ticker24hResponse
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return types.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}

	return types.Ticker{
		Symbol:      symbol,
		Bid:         parseDecimal(t.BidPrice),
		Ask:         parseDecimal(t.AskPrice),
		Last:        parseDecimal(t.LastPrice),
		BaseVolume:  parseDecimal(t.Volume),
		QuoteVolume: parseDecimal(t.QuoteVolume),
		Ts:          time.UnixMilli(t.CloseTime),
	}, nil
}

type depthResponse struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// GetOrderBook implements exchange.Exchange.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	venueSym, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if depth <= 0 {
		depth = 100
	}

	q := url.Values{}
	q.Set("symbol", venueSym)
	q.Set("limit", strconv.Itoa(depth))
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/depth", Query: q,
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("get book %s: %w", symbol, err)
	}

	var d depthResponse
	if err := json.Unmarshal(resp.Body, &d); err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("decode depth: %w", err)
	}

	return types.OrderBookSnapshot{
		Symbol:       symbol,
		Bids:         parseLevels(d.Bids),
		Asks:         parseLevels(d.Asks),
		LastUpdateID: d.LastUpdateID,
		Ts:           time.Now(),
	}, nil
}

// ————————————————————————————————————————————————————————————————————————
// REST: account and orders
// ————————————————————————————————————————————————————————————————————————

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// GetBalances implements exchange.Exchange.
func (a *Adapter) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/account",
		Class: exchange.ClassAccount, Auth: true, Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	var acct accountResponse
	if err := json.Unmarshal(resp.Body, &acct); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	balances := make(map[string]types.Balance, len(acct.Balances))
	for _, b := range acct.Balances {
		free := parseDecimal(b.Free)
		used := parseDecimal(b.Locked)
		if free.IsZero() && used.IsZero() {
			continue
		}
		balances[b.Asset] = types.Balance{
			Asset: b.Asset,
			Free:  free,
			Used:  used,
			Total: free.Add(used),
		}
	}
	return balances, nil
}

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Status        string `json:"status"`
	TimeInForce   string `json:"timeInForce"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
}

// CreateOrder implements exchange.Exchange. The request is never retried:
// an ambiguous transport outcome surfaces ErrUncertainPlacement for the
// execution engine to reconcile.
func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.Order, error) {
	venueSym, err := a.ToVenueSymbol(req.Symbol)
	if err != nil {
		return types.Order{}, err
	}

	q := url.Values{}
	q.Set("symbol", venueSym)
	q.Set("side", string(req.Side))
	q.Set("type", string(req.Type))
	q.Set("quantity", req.Quantity.String())
	if req.ClientID != "" {
		q.Set("newClientOrderId", req.ClientID)
	}
	if req.Type != types.OrderTypeMarket {
		q.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = types.TIFGoodTilCanceled
		}
		q.Set("timeInForce", string(tif))
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodPost, Path: "/api/v3/order", Query: q,
		Class: exchange.ClassOrder, Auth: true, Idempotent: false,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("create order %s: %w", req.Symbol, err)
	}

	var o orderResponse
	if err := json.Unmarshal(resp.Body, &o); err != nil {
		return types.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return a.toOrder(o, req.Symbol), nil
}

// CancelOrder implements exchange.Exchange. A cancel of an unknown order
// is reported as success with a synthetic canceled order: Binance answers
// -2011 for those, which the engine treats as a no-op.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	venueSym, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.Order{}, err
	}

	q := url.Values{}
	q.Set("symbol", venueSym)
	q.Set("orderId", orderID)

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodDelete, Path: "/api/v3/order", Query: q,
		Class: exchange.ClassCancel, Auth: true, Idempotent: false,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	var o orderResponse
	if err := json.Unmarshal(resp.Body, &o); err != nil {
		return types.Order{}, fmt.Errorf("decode cancel: %w", err)
	}
	return a.toOrder(o, symbol), nil
}

// GetOpenOrders implements exchange.Exchange. An empty symbol queries all
// symbols (a heavier request class on Binance).
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	q := url.Values{}
	if symbol != "" {
		venueSym, err := a.ToVenueSymbol(symbol)
		if err != nil {
			return nil, err
		}
		q.Set("symbol", venueSym)
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/openOrders", Query: q,
		Class: exchange.ClassAccount, Auth: true, Idempotent: true,
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	var raws []orderResponse
	if err := json.Unmarshal(resp.Body, &raws); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(raws))
	for _, o := range raws {
		sym, ok := a.FromVenueSymbol(o.Symbol)
		if !ok {
			continue
		}
		orders = append(orders, a.toOrder(o, sym))
	}
	return orders, nil
}

// GetOrder implements exchange.Exchange. orderID may be the venue order ID
// or an engine client ID (Binance supports origClientOrderId lookup).
func (a *Adapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	venueSym, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.Order{}, err
	}

	q := url.Values{}
	q.Set("symbol", venueSym)
	if _, err := strconv.ParseInt(orderID, 10, 64); err == nil {
		q.Set("orderId", orderID)
	} else {
		q.Set("origClientOrderId", orderID)
	}

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: "/api/v3/order", Query: q,
		Class: exchange.ClassAccount, Auth: true, Idempotent: true,
	})
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	var o orderResponse
	if err := json.Unmarshal(resp.Body, &o); err != nil {
		return types.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return a.toOrder(o, symbol), nil
}

func (a *Adapter) toOrder(o orderResponse, symbol types.Symbol) types.Order {
	created := o.Time
	if created == 0 {
		created = o.TransactTime
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = created
	}
	return types.Order{
		OrderID:        strconv.FormatInt(o.OrderID, 10),
		ClientID:       o.ClientOrderID,
		Venue:          venueName,
		Symbol:         symbol,
		Side:           types.Side(o.Side),
		Type:           mapOrderType(o.Type),
		Price:          parseDecimal(o.Price),
		Quantity:       parseDecimal(o.OrigQty),
		FilledQuantity: parseDecimal(o.ExecutedQty),
		Status:         mapStatus(o.Status),
		TimeInForce:    types.TimeInForce(o.TimeInForce),
		CreatedAt:      time.UnixMilli(created),
		UpdatedAt:      time.UnixMilli(updated),
	}
}

func mapOrderType(t string) types.OrderType {
	switch t {
	case "MARKET":
		return types.OrderTypeMarket
	case "LIMIT", "LIMIT_MAKER":
		return types.OrderTypeLimit
	case "STOP_LOSS":
		return types.OrderTypeStop
	case "STOP_LOSS_LIMIT":
		return types.OrderTypeStopLimit
	case "TAKE_PROFIT":
		return types.OrderTypeTakeProfit
	case "TAKE_PROFIT_LIMIT":
		return types.OrderTypeTakeProfitLimit
	default:
		return types.OrderType(t)
	}
}

func mapStatus(s string) types.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW":
		return types.OrderStatusNew
	case "PARTIALLY_FILLED":
		return types.OrderStatusPartiallyFilled
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return types.OrderStatusCanceled
	case "REJECTED":
		return types.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return types.OrderStatusExpired
	default:
		return types.OrderStatus(s)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signing and error mapping
// ————————————————————————————————————————————————————————————————————————

// requestSigner implements Binance HMAC-SHA256 signing: the signature of
// the full (sorted-encoded) query string including the timestamp, sent as
// an extra query parameter, with the API key in a header.
type requestSigner struct {
	apiKey string
	secret string
}

func (s *requestSigner) Sign(method, path string, query url.Values, body []byte) (map[string]string, url.Values, error) {
	signed := url.Values{}
	for k, vs := range query {
		signed[k] = vs
	}
	signed.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signed.Set("recvWindow", "5000")

	sig := exchange.HMACSHA256Hex([]byte(s.secret), []byte(signed.Encode()))

	extra := url.Values{}
	extra.Set("timestamp", signed.Get("timestamp"))
	extra.Set("recvWindow", signed.Get("recvWindow"))
	extra.Set("signature", sig)

	return map[string]string{"X-MBX-APIKEY": s.apiKey}, extra, nil
}

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// mapVenueError classifies Binance error bodies by their numeric code.
func mapVenueError(status int, body []byte) error {
	var ve venueError
	if err := json.Unmarshal(body, &ve); err != nil || ve.Code == 0 {
		return nil // fall back to status-code mapping
	}

	switch {
	case ve.Code == -1003 || ve.Code == -1015:
		return exchange.NewError(exchange.ErrRateLimited, venueName, ve.Msg)
	case ve.Code == -1021 || ve.Code == -1022 || ve.Code == -2014 || ve.Code == -2015:
		return exchange.NewError(exchange.ErrAuth, venueName, ve.Msg)
	case ve.Code == -1013 || ve.Code == -2010 || ve.Code == -2011 || ve.Code == -1111:
		return exchange.NewError(exchange.ErrInvalidOrder, venueName, ve.Msg)
	case status >= 500:
		return exchange.NewError(exchange.ErrNetwork, venueName, ve.Msg)
	default:
		return exchange.NewError(exchange.ErrInvalidOrder, venueName,
			fmt.Sprintf("code %d: %s", ve.Code, ve.Msg))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Helpers
// ————————————————————————————————————————————————————————————————————————

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseLevels(raw [][2]string) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, l := range raw {
		levels = append(levels, types.PriceLevel{
			Price: parseDecimal(l[0]),
			Size:  parseDecimal(l[1]),
		})
	}
	return levels
}

// precisionOf derives decimal places from a tick/step size like
// "0.01000000" → 2.
func precisionOf(size string) int32 {
	trimmed := strings.TrimRight(size, "0")
	trimmed = strings.TrimRight(trimmed, ".")
	d, err := decimal.NewFromString(trimmed)
	if err != nil || d.IsZero() {
		return 8
	}
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}
