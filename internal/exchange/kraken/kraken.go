// Package kraken implements the exchange contract for Kraken spot.
//
// REST endpoints used:
//   - GET  /0/public/Time       — connectivity probe
//   - GET  /0/public/AssetPairs — instrument metadata and precision
//   - GET  /0/public/Ticker     — best bid/ask, last price, volumes
//   - GET  /0/public/Depth      — order book snapshot
//   - POST /0/private/Balance   — balances (signed)
//   - POST /0/private/AddOrder, CancelOrder, OpenOrders, QueryOrders
//
// Every response arrives in the {"error":[],"result":{}} envelope; venue
// errors are classified from the error strings, not the HTTP status.
// Private requests carry API-Sign = base64(HMAC-SHA512(secret,
// path + SHA256(nonce + postdata))) with the base64-decoded API secret;
// the nonce travels in the form-encoded body and is set by the adapter
// before signing. Kraken names BTC "XBT" and prefixes balance assets with
// X/Z; the adapter translates both directions.
package kraken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tradeforge/internal/exchange"
	"tradeforge/pkg/types"
)

const (
	venueName = "kraken"
	prodURL   = "https://api.kraken.com"
	prodWSURL = "wss://ws.kraken.com"
)

// Adapter is the Kraken spot implementation of exchange.Exchange.
type Adapter struct {
	client   *exchange.Client
	limiter  *exchange.Limiter
	protocol *Protocol
	logger   *slog.Logger

	// lastNonce enforces strictly increasing nonces across goroutines.
	lastNonce atomic.Int64

	// symbolMap translates venue pair names (XBTUSD, XXBTZUSD, and the
	// websocket form XBT/USD) back to canonical symbols.
	symbolMu  sync.RWMutex
	symbolMap map[string]types.Symbol
}

// Options tune the adapter beyond credentials.
type Options struct {
	RateLimitPerMin int
	Logger          *slog.Logger
}

// New creates a Kraken adapter. Kraken runs no public spot testnet, so
// the Sandbox flag selects the production endpoints either way.
func New(creds exchange.Credentials, opts Options) *Adapter {
	limiter := exchange.NewLimiter()
	limiter.ConfigureDefaults(venueName, opts.RateLimitPerMin)

	a := &Adapter{
		limiter:   limiter,
		logger:    opts.Logger.With("component", "adapter", "venue", venueName),
		symbolMap: make(map[string]types.Symbol),
	}
	a.protocol = newProtocol(prodWSURL, a)

	var signer exchange.Signer
	if creds.APIKey != "" {
		signer = &requestSigner{apiKey: creds.APIKey, secret: creds.Secret}
	}

	a.client = exchange.NewClient(exchange.ClientConfig{
		Venue:   venueName,
		BaseURL: prodURL,
		Limiter: limiter,
		Signer:  signer,
		Logger:  opts.Logger,
	})
	return a
}

// Name implements exchange.Exchange.
func (a *Adapter) Name() string { return venueName }

// Capabilities implements exchange.Exchange. Fees are the spot tier-0
// maker/taker rates.
func (a *Adapter) Capabilities() types.Capabilities {
	return types.Capabilities{
		OrderTypes: []types.OrderType{
			types.OrderTypeMarket,
			types.OrderTypeLimit,
			types.OrderTypeStop,
			types.OrderTypeStopLimit,
			types.OrderTypeTakeProfit,
			types.OrderTypeTakeProfitLimit,
		},
		TimeInForce: []types.TimeInForce{
			types.TIFGoodTilCanceled,
			types.TIFImmediateOrCancel,
			types.TIFGoodTilDate,
		},
		ClientIDLookup: false, // lookup is by txid only
		Fees: types.FeeSchedule{
			Maker: decimal.RequireFromString("0.0016"),
			Taker: decimal.RequireFromString("0.0026"),
		},
	}
}

// Connect probes connectivity via the server time endpoint.
func (a *Adapter) Connect(ctx context.Context) error {
	_, err := a.public(ctx, "/0/public/Time", nil)
	return err
}

// Disconnect implements exchange.Exchange.
func (a *Adapter) Disconnect(ctx context.Context) error { return nil }

// StreamProtocol implements exchange.Exchange.
func (a *Adapter) StreamProtocol() exchange.StreamProtocol { return a.protocol }

// ————————————————————————————————————————————————————————————————————————
// Symbol and asset translation
// ————————————————————————————————————————————————————————————————————————

// assetToVenue maps a canonical asset to Kraken's name.
func assetToVenue(asset string) string {
	if asset == "BTC" {
		return "XBT"
	}
	return asset
}

// assetFromVenue maps a Kraken asset name back to canonical form,
// stripping the X/Z class prefix Kraken attaches to legacy assets
// (XXBT → BTC, ZUSD → USD).
func assetFromVenue(asset string) string {
	if len(asset) == 4 && (asset[0] == 'X' || asset[0] == 'Z') {
		asset = asset[1:]
	}
	if asset == "XBT" {
		return "BTC"
	}
	return asset
}

// ToVenueSymbol translates BASE/QUOTE to Kraken's concatenated pair name
// (BTC/USD → XBTUSD) and records the reverse mapping, including the
// websocket form (XBT/USD).
func (a *Adapter) ToVenueSymbol(s types.Symbol) (string, error) {
	base, quote, err := s.Parse()
	if err != nil {
		return "", err
	}
	vbase, vquote := assetToVenue(base), assetToVenue(quote)
	pair := vbase + vquote

	a.symbolMu.Lock()
	a.symbolMap[pair] = s
	a.symbolMap[vbase+"/"+vquote] = s
	a.symbolMu.Unlock()
	return pair, nil
}

// FromVenueSymbol resolves any recorded venue pair name (concatenated,
// websocket, or the legacy X/Z-prefixed result key) to canonical form.
func (a *Adapter) FromVenueSymbol(venue string) (types.Symbol, bool) {
	a.symbolMu.RLock()
	defer a.symbolMu.RUnlock()
	s, ok := a.symbolMap[venue]
	return s, ok
}

func (a *Adapter) recordVenueSymbol(venue string, s types.Symbol) {
	a.symbolMu.Lock()
	a.symbolMap[venue] = s
	a.symbolMu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Envelope plumbing
// ————————————————————————————————————————————————————————————————————————

type envelope struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

// unwrap decodes the Kraken envelope and classifies any venue errors.
// Kraken reports errors inside a 200 response, so classification happens
// here rather than in an ErrorMapper.
func unwrap(body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Error) > 0 {
		return nil, classifyVenueError(env.Error[0])
	}
	return env.Result, nil
}

// classifyVenueError maps Kraken's prefixed error strings ("ESeverity:
// message") into the shared taxonomy.
func classifyVenueError(msg string) error {
	switch {
	case strings.Contains(msg, "Rate limit"):
		return exchange.NewError(exchange.ErrRateLimited, venueName, msg)
	case strings.HasPrefix(msg, "EAPI:") || strings.Contains(msg, "Permission denied"):
		return exchange.NewError(exchange.ErrAuth, venueName, msg)
	case strings.HasPrefix(msg, "EOrder:") || strings.HasPrefix(msg, "EGeneral:Invalid"):
		return exchange.NewError(exchange.ErrInvalidOrder, venueName, msg)
	case strings.HasPrefix(msg, "EService:"):
		return exchange.NewError(exchange.ErrNetwork, venueName, msg)
	default:
		return exchange.NewError(exchange.ErrInternal, venueName, msg)
	}
}

func (a *Adapter) public(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodGet, Path: path, Query: query,
		Class: exchange.ClassMarket, Idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return unwrap(resp.Body)
}

// private issues a signed POST. The nonce is set here so the body the
// signer sees is final.
func (a *Adapter) private(ctx context.Context, path string, params url.Values, class exchange.Class, idempotent bool) (json.RawMessage, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("nonce", strconv.FormatInt(a.nonce(), 10))

	resp, err := a.client.Do(ctx, exchange.Request{
		Method: http.MethodPost, Path: path,
		Body:       []byte(params.Encode()),
		Auth:       true,
		Class:      class,
		Idempotent: idempotent,
	})
	if err != nil {
		return nil, err
	}
	return unwrap(resp.Body)
}

func (a *Adapter) nonce() int64 {
	for {
		now := time.Now().UnixMilli()
		last := a.lastNonce.Load()
		if now <= last {
			now = last + 1
		}
		if a.lastNonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// REST: market data
// ————————————————————————————————————————————————————————————————————————

type assetPairInfo struct {
	WSName       string `json:"wsname"`
	Base         string `json:"base"`
	Quote        string `json:"quote"`
	PairDecimals int32  `json:"pair_decimals"`
	LotDecimals  int32  `json:"lot_decimals"`
	OrderMin     string `json:"ordermin"`
	CostMin      string `json:"costmin"`
	Status       string `json:"status"`
}

// GetMarkets implements exchange.Exchange.
func (a *Adapter) GetMarkets(ctx context.Context) ([]types.Market, error) {
	result, err := a.public(ctx, "/0/public/AssetPairs", nil)
	if err != nil {
		return nil, fmt.Errorf("get markets: %w", err)
	}

	var pairs map[string]assetPairInfo
	if err := json.Unmarshal(result, &pairs); err != nil {
		return nil, fmt.Errorf("decode asset pairs: %w", err)
	}

	markets := make([]types.Market, 0, len(pairs))
	for key, p := range pairs {
		if p.Status != "" && p.Status != "online" {
			continue
		}
		base := assetFromVenue(p.Base)
		quote := assetFromVenue(p.Quote)
		sym := types.NewSymbol(base, quote)

		a.recordVenueSymbol(key, sym)
		if p.WSName != "" {
			a.recordVenueSymbol(p.WSName, sym)
			a.recordVenueSymbol(strings.ReplaceAll(p.WSName, "/", ""), sym)
		}

		markets = append(markets, types.Market{
			Symbol:         sym,
			Base:           base,
			Quote:          quote,
			PricePrecision: p.PairDecimals,
			QtyPrecision:   p.LotDecimals,
			MinQty:         parseDecimal(p.OrderMin),
			MinNotional:    parseDecimal(p.CostMin),
		})
	}
	return markets, nil
}

type tickerInfo struct {
	Ask    []string `json:"a"` // [price, wholeLotVolume, lotVolume]
	Bid    []string `json:"b"`
	Last   []string `json:"c"` // [price, lotVolume]
	Volume []string `json:"v"` // [today, last24h]
}

// GetTicker implements exchange.Exchange.
func (a *Adapter) GetTicker(ctx context.Context, symbol types.Symbol) (types.Ticker, error) {
	pair, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.Ticker{}, err
	}

	q := url.Values{}
	q.Set("pair", pair)
	result, err := a.public(ctx, "/0/public/Ticker", q)
	if err != nil {
		return types.Ticker{}, fmt.Errorf("get ticker %s: %w", symbol, err)
	}

	// The result key may be the legacy pair name (XXBTZUSD); take the
	// single entry and record its key for later lookups.
	var byPair map[string]tickerInfo
	if err := json.Unmarshal(result, &byPair); err != nil {
		return types.Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	for key, t := range byPair {
		a.recordVenueSymbol(key, symbol)
		bid := parseDecimal(first(t.Bid))
		ask := parseDecimal(first(t.Ask))
		var vol decimal.Decimal
		if len(t.Volume) > 1 {
			vol = parseDecimal(t.Volume[1])
		}
		return types.Ticker{
			Symbol:     symbol,
			Bid:        bid,
			Ask:        ask,
			Last:       parseDecimal(first(t.Last)),
			BaseVolume: vol,
			Ts:         time.Now(),
		}, nil
	}
	return types.Ticker{}, fmt.Errorf("ticker %s: empty result", symbol)
}

type depthInfo struct {
	Bids [][]json.RawMessage `json:"bids"`
	Asks [][]json.RawMessage `json:"asks"`
}

// GetOrderBook implements exchange.Exchange.
func (a *Adapter) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (types.OrderBookSnapshot, error) {
	pair, err := a.ToVenueSymbol(symbol)
	if err != nil {
		return types.OrderBookSnapshot{}, err
	}
	if depth <= 0 {
		depth = 100
	}

	q := url.Values{}
	q.Set("pair", pair)
	q.Set("count", strconv.Itoa(depth))
	result, err := a.public(ctx, "/0/public/Depth", q)
	if err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("get book %s: %w", symbol, err)
	}

	var byPair map[string]depthInfo
	if err := json.Unmarshal(result, &byPair); err != nil {
		return types.OrderBookSnapshot{}, fmt.Errorf("decode depth: %w", err)
	}
	for key, d := range byPair {
		a.recordVenueSymbol(key, symbol)
		return types.OrderBookSnapshot{
			Symbol: symbol,
			Bids:   parseBookLevels(d.Bids),
			Asks:   parseBookLevels(d.Asks),
			Ts:     time.Now(),
		}, nil
	}
	return types.OrderBookSnapshot{}, fmt.Errorf("book %s: empty result", symbol)
}

// ————————————————————————————————————————————————————————————————————————
// REST: account and orders
// ————————————————————————————————————————————————————————————————————————

// GetBalances implements exchange.Exchange. Kraken's Balance endpoint
// reports totals only; holds are not broken out.
func (a *Adapter) GetBalances(ctx context.Context) (map[string]types.Balance, error) {
	result, err := a.private(ctx, "/0/private/Balance", nil, exchange.ClassAccount, true)
	if err != nil {
		return nil, fmt.Errorf("get balances: %w", err)
	}

	var raw map[string]string
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode balances: %w", err)
	}

	balances := make(map[string]types.Balance, len(raw))
	for venueAsset, amount := range raw {
		total := parseDecimal(amount)
		if total.IsZero() {
			continue
		}
		asset := assetFromVenue(venueAsset)
		balances[asset] = types.Balance{
			Asset: asset,
			Free:  total,
			Total: total,
		}
	}
	return balances, nil
}

type orderInfo struct {
	Status  string  `json:"status"` // pending, open, closed, canceled, expired
	OpenTm  float64 `json:"opentm"`
	Vol     string  `json:"vol"`
	VolExec string  `json:"vol_exec"`
	Price   string  `json:"price"` // average fill price
	ClOrdID string  `json:"cl_ord_id"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"` // buy / sell
		OrderType string `json:"ordertype"`
		Price     string `json:"price"` // limit price
	} `json:"descr"`
}

// CreateOrder implements exchange.Exchange. AddOrder returns only the
// transaction ID; the order is reported as accepted and its live state
// arrives via reconciliation.
func (a *Adapter) CreateOrder(ctx context.Context, req exchange.OrderRequest) (types.Order, error) {
	pair, err := a.ToVenueSymbol(req.Symbol)
	if err != nil {
		return types.Order{}, err
	}

	params := url.Values{}
	params.Set("pair", pair)
	params.Set("type", strings.ToLower(string(req.Side)))
	params.Set("ordertype", venueOrderType(req.Type))
	params.Set("volume", req.Quantity.String())
	if req.ClientID != "" {
		params.Set("cl_ord_id", req.ClientID)
	}
	if req.Type != types.OrderTypeMarket {
		params.Set("price", req.Price.String())
	}
	if req.TimeInForce != "" && req.TimeInForce != types.TIFGoodTilCanceled {
		params.Set("timeinforce", string(req.TimeInForce))
	}

	result, err := a.private(ctx, "/0/private/AddOrder", params, exchange.ClassOrder, false)
	if err != nil {
		return types.Order{}, fmt.Errorf("create order %s: %w", req.Symbol, err)
	}

	var added struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(result, &added); err != nil {
		return types.Order{}, fmt.Errorf("decode add order: %w", err)
	}
	if len(added.TxID) == 0 {
		return types.Order{}, exchange.NewError(exchange.ErrInternal, venueName, "add order returned no txid")
	}

	now := time.Now()
	return types.Order{
		OrderID:     added.TxID[0],
		ClientID:    req.ClientID,
		Venue:       venueName,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Price:       req.Price,
		Quantity:    req.Quantity,
		Status:      types.OrderStatusNew,
		TimeInForce: req.TimeInForce,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// CancelOrder implements exchange.Exchange. CancelOrder reports only a
// count; the synthetic canceled order carries what is known locally.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)

	if _, err := a.private(ctx, "/0/private/CancelOrder", params, exchange.ClassCancel, false); err != nil {
		return types.Order{}, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	return types.Order{
		OrderID:   orderID,
		Venue:     venueName,
		Symbol:    symbol,
		Status:    types.OrderStatusCanceled,
		UpdatedAt: time.Now(),
	}, nil
}

// GetOpenOrders implements exchange.Exchange. Kraken reports open orders
// account-wide; a non-empty symbol filters the result locally.
func (a *Adapter) GetOpenOrders(ctx context.Context, symbol types.Symbol) ([]types.Order, error) {
	result, err := a.private(ctx, "/0/private/OpenOrders", nil, exchange.ClassAccount, true)
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	var raw struct {
		Open map[string]orderInfo `json:"open"`
	}
	if err := json.Unmarshal(result, &raw); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}

	orders := make([]types.Order, 0, len(raw.Open))
	for txid, info := range raw.Open {
		sym, ok := a.FromVenueSymbol(info.Descr.Pair)
		if !ok {
			continue
		}
		if symbol != "" && sym != symbol {
			continue
		}
		orders = append(orders, a.toOrder(txid, sym, info))
	}
	return orders, nil
}

// GetOrder implements exchange.Exchange. Lookup is by txid.
func (a *Adapter) GetOrder(ctx context.Context, orderID string, symbol types.Symbol) (types.Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)

	result, err := a.private(ctx, "/0/private/QueryOrders", params, exchange.ClassAccount, true)
	if err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	var byTxid map[string]orderInfo
	if err := json.Unmarshal(result, &byTxid); err != nil {
		return types.Order{}, fmt.Errorf("decode order: %w", err)
	}
	info, ok := byTxid[orderID]
	if !ok {
		return types.Order{}, exchange.NewError(exchange.ErrInvalidOrder, venueName,
			fmt.Sprintf("order %s not found", orderID))
	}
	return a.toOrder(orderID, symbol, info), nil
}

func (a *Adapter) toOrder(txid string, symbol types.Symbol, info orderInfo) types.Order {
	created := time.Unix(int64(info.OpenTm), 0)
	return types.Order{
		OrderID:        txid,
		ClientID:       info.ClOrdID,
		Venue:          venueName,
		Symbol:         symbol,
		Side:           types.Side(strings.ToUpper(info.Descr.Type)),
		Type:           mapOrderType(info.Descr.OrderType),
		Price:          parseDecimal(info.Descr.Price),
		Quantity:       parseDecimal(info.Vol),
		FilledQuantity: parseDecimal(info.VolExec),
		Status:         mapStatus(info.Status, parseDecimal(info.VolExec)),
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func venueOrderType(t types.OrderType) string {
	switch t {
	case types.OrderTypeMarket:
		return "market"
	case types.OrderTypeLimit:
		return "limit"
	case types.OrderTypeStop:
		return "stop-loss"
	case types.OrderTypeStopLimit:
		return "stop-loss-limit"
	case types.OrderTypeTakeProfit:
		return "take-profit"
	case types.OrderTypeTakeProfitLimit:
		return "take-profit-limit"
	default:
		return strings.ToLower(string(t))
	}
}

func mapOrderType(t string) types.OrderType {
	switch t {
	case "market":
		return types.OrderTypeMarket
	case "limit":
		return types.OrderTypeLimit
	case "stop-loss":
		return types.OrderTypeStop
	case "stop-loss-limit":
		return types.OrderTypeStopLimit
	case "take-profit":
		return types.OrderTypeTakeProfit
	case "take-profit-limit":
		return types.OrderTypeTakeProfitLimit
	default:
		return types.OrderType(strings.ToUpper(t))
	}
}

func mapStatus(s string, filled decimal.Decimal) types.OrderStatus {
	switch s {
	case "pending":
		return types.OrderStatusNew
	case "open":
		if filled.IsPositive() {
			return types.OrderStatusPartiallyFilled
		}
		return types.OrderStatusNew
	case "closed":
		return types.OrderStatusFilled
	case "canceled":
		return types.OrderStatusCanceled
	case "expired":
		return types.OrderStatusExpired
	default:
		return types.OrderStatus(strings.ToUpper(s))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Signing
// ————————————————————————————————————————————————————————————————————————

// requestSigner implements Kraken signing: API-Sign is the base64
// HMAC-SHA512, keyed with the base64-decoded secret, of the URI path
// concatenated with SHA256(nonce + postdata). The nonce is read from the
// form body the adapter prepared.
type requestSigner struct {
	apiKey string
	secret string // base64
}

func (s *requestSigner) Sign(method, path string, query url.Values, body []byte) (map[string]string, url.Values, error) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse post data: %w", err)
	}
	nonce := form.Get("nonce")
	if nonce == "" {
		return nil, nil, fmt.Errorf("post data carries no nonce")
	}

	secret, err := base64.StdEncoding.DecodeString(s.secret)
	if err != nil {
		return nil, nil, fmt.Errorf("decode api secret: %w", err)
	}

	digest := exchange.SHA256Digest(append([]byte(nonce), body...))
	sig := exchange.HMACSHA512Base64(secret, append([]byte(path), digest...))

	return map[string]string{
		"API-Key":      s.apiKey,
		"API-Sign":     sig,
		"Content-Type": "application/x-www-form-urlencoded",
	}, nil, nil
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

func first(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// parseBookLevels decodes Kraken depth entries, which mix string prices
// and volumes with a numeric timestamp: ["price", "volume", ts].
func parseBookLevels(raw [][]json.RawMessage) []types.PriceLevel {
	levels := make([]types.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		var price, size string
		if err := json.Unmarshal(entry[0], &price); err != nil {
			continue
		}
		if err := json.Unmarshal(entry[1], &size); err != nil {
			continue
		}
		levels = append(levels, types.PriceLevel{
			Price: parseDecimal(price),
			Size:  parseDecimal(size),
		})
	}
	return levels
}
